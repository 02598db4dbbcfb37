// Package config loads the agent's JSON configuration file and overlays
// environment variables on top of it.
package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Config is the root configuration for the agent process.
type Config struct {
	Port int       `json:"port"`
	LLM  LLMConfig `json:"llm"`

	Audit     AuditConfig     `json:"audit,omitempty"`
	Allowlist AllowlistConfig `json:"allowlist,omitempty"`
	Registry  RegistryConfig  `json:"registry,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	// Token is the bearer secret. Never read from the config file —
	// only from AGENT_TOKEN — so it can't end up committed to disk.
	Token string `json:"-"`

	// Sandbox toggles the bubblewrap namespace jail. Set from
	// AGENT_SANDBOX; "1" enables it, anything else disables it.
	SandboxEnabled bool `json:"-"`
}

// LLMConfig selects and configures the language model backend.
type LLMConfig struct {
	Provider   string `json:"provider"` // mock, ollama, openai, azure, lmstudio
	URL        string `json:"url,omitempty"`
	Model      string `json:"model,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Deployment string `json:"deployment,omitempty"`
}

// AuditConfig selects the audit trail backend.
type AuditConfig struct {
	Backend string `json:"backend,omitempty"` // "sqlite" (default) or "postgres"
	DSN     string `json:"dsn,omitempty"`      // sqlite file path or postgres DSN
}

// AllowlistConfig points at the allowed-tools declaration file.
type AllowlistConfig struct {
	Path string `json:"path,omitempty"`
}

// RegistryConfig points at the persisted binary discovery snapshot.
type RegistryConfig struct {
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

// TelemetryConfig configures OpenTelemetry span export. Left disabled
// (Endpoint == "") unless the operator opts in.
type TelemetryConfig struct {
	Endpoint       string `json:"endpoint,omitempty"`
	ServiceVersion string `json:"service_version,omitempty"`
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Port: 8080,
		LLM: LLMConfig{
			Provider: "mock",
		},
		Audit: AuditConfig{
			Backend: "sqlite",
			DSN:     "agent_audit.db",
		},
		Allowlist: AllowlistConfig{
			Path: "allowed_tools.json",
		},
		Registry: RegistryConfig{
			SnapshotPath: "registry_snapshot.json",
		},
		SandboxEnabled: true,
	}
}

// Load reads the JSON5 config at path (if it exists), then overlays
// environment variables, and returns the resulting Config. JSON5 allows
// operators to hand-edit the file with comments and trailing commas.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}
