package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pgagent/internal/allowlist"
	"github.com/nextlevelbuilder/pgagent/internal/config"
	"github.com/nextlevelbuilder/pgagent/internal/registry"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("pgagent doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := config.ConfigPath(resolveConfigPath())
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (using defaults — file not found)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Auth:")
	if cfg.Token == "" {
		fmt.Println("    AGENT_TOKEN:   NOT SET (the server will refuse to start)")
	} else {
		fmt.Println("    AGENT_TOKEN:   set")
	}

	fmt.Println()
	fmt.Println("  LLM:")
	fmt.Printf("    %-12s %s\n", "Provider:", cfg.LLM.Provider)
	if cfg.LLM.Provider != "mock" && cfg.LLM.Provider != "" {
		fmt.Printf("    %-12s %s\n", "URL:", firstNonEmpty(cfg.LLM.URL, cfg.LLM.Endpoint, "(not set)"))
		if cfg.LLM.APIKey == "" {
			fmt.Println("    api_key:       (not set — fine for local Ollama/LM Studio)")
		} else {
			fmt.Println("    api_key:       set")
		}
	}

	fmt.Println()
	fmt.Println("  Allowlist:")
	alPath := cfg.Allowlist.Path
	if _, err := os.Stat(alPath); err != nil {
		fmt.Printf("    %-12s NOT FOUND at %s — falling back to defaults: %v\n", "File:", alPath, allowlist.DefaultAllowed)
	} else {
		al := allowlist.New(alPath)
		allowed := al.Load()
		fmt.Printf("    %-12s %s (%d tools)\n", "File:", alPath, len(allowed))
	}

	fmt.Println()
	fmt.Println("  Registry:")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reg := registry.New(cfg.Registry.SnapshotPath, func() map[string]bool { return map[string]bool{} })
	snap := reg.Get(ctx)
	fmt.Printf("    %-12s %d binaries discovered\n", "Binaries:", len(snap.Binaries))
	if snap.HasConflicts {
		fmt.Printf("    %-12s %d unresolved name(s): %v\n", "Conflicts:", len(snap.Conflicts), conflictNames(snap.Conflicts))
	} else {
		fmt.Println("    Conflicts:   none")
	}

	fmt.Println()
	fmt.Println("  Audit store:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.Audit.Backend)
	if store, err := openAuditStore(cfg.Audit); err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
	} else if err := store.Init(ctx); err != nil {
		fmt.Printf("    %-12s INIT FAILED (%s)\n", "Status:", err)
		store.Close()
	} else {
		fmt.Println("    Status:      OK")
		store.Close()
	}

	fmt.Println()
	fmt.Println("  Sandbox:")
	fmt.Printf("    %-12s %v\n", "Enabled:", cfg.SandboxEnabled)
	checkBinary("bwrap")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func conflictNames(conflicts map[string][]string) []string {
	names := make([]string, 0, len(conflicts))
	for name := range conflicts {
		names = append(names, name)
	}
	return names
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND (bwrap isolation unavailable)\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
