package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pgagent/internal/allowlist"
	"github.com/nextlevelbuilder/pgagent/internal/audit"
	"github.com/nextlevelbuilder/pgagent/internal/config"
	"github.com/nextlevelbuilder/pgagent/internal/httpapi"
	"github.com/nextlevelbuilder/pgagent/internal/llm"
	"github.com/nextlevelbuilder/pgagent/internal/orchestrator"
	"github.com/nextlevelbuilder/pgagent/internal/planner"
	"github.com/nextlevelbuilder/pgagent/internal/registry"
	"github.com/nextlevelbuilder/pgagent/internal/sandbox"
	"github.com/nextlevelbuilder/pgagent/internal/telemetry"
	"github.com/nextlevelbuilder/pgagent/internal/toolbox"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent's HTTP front door",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(config.ConfigPath(resolveConfigPath()))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Token == "" {
		return fmt.Errorf("AGENT_TOKEN is not set")
	}

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, Version)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx)

	al := allowlist.New(cfg.Allowlist.Path)
	al.WatchForLogging()
	defer al.Close()

	reg := registry.New(cfg.Registry.SnapshotPath, al.Load)

	store, err := openAuditStore(cfg.Audit)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init audit store: %w", err)
	}
	defer store.Close()

	resolver := sandbox.RegistryResolver{Registry: reg}
	sb := sandbox.New(al, resolver, store)
	sb.Enabled = func() bool { return cfg.SandboxEnabled }

	tb := toolbox.New(sb)

	client, err := buildLLMClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}

	pl := planner.New(client, al, cfg.LLM.Model)
	orch := orchestrator.New(sb)

	srv := httpapi.New(cfg.Token, al, reg, sb, tb, store, pl, orch, 5, 10)
	httpapi.Version = Version

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Routes(),
	}

	go func() {
		slog.Info("serve.listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("serve.listen_failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	if cfg.Backend == "postgres" {
		db, err := audit.OpenDB(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return audit.OpenPostgres(db), nil
	}
	return audit.OpenSQLite(cfg.DSN)
}

func buildLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "", "mock":
		return llm.Mock{}, nil
	case "ollama":
		return llm.NewOllama(cfg.URL, cfg.Model), nil
	case "openai", "lmstudio":
		return llm.NewOpenAICompatible(cfg.URL, cfg.APIKey, cfg.Model), nil
	case "azure":
		return llm.NewOpenAICompatible(cfg.Endpoint, cfg.APIKey, cfg.Deployment), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
