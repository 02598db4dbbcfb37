package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json5"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "mock", cfg.LLM.Provider)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)
}

func TestLoad_JSON5WithCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// operator override
		port: 9090,
		llm: {
			provider: "ollama",
			url: "http://localhost:11434",
		},
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.URL)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("port and token", func(t *testing.T) {
		t.Setenv("AGENT_PORT", "9999")
		t.Setenv("AGENT_TOKEN", "secret")
		t.Setenv("AGENT_SANDBOX", "1")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, 9999, cfg.Port)
		assert.Equal(t, "secret", cfg.Token)
		assert.True(t, cfg.SandboxEnabled)
	})

	t.Run("invalid port ignored", func(t *testing.T) {
		t.Setenv("AGENT_PORT", "not-a-number")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, 8080, cfg.Port)
	})

	t.Run("llm fields", func(t *testing.T) {
		t.Setenv("AGENT_LLM_PROVIDER", "azure")
		t.Setenv("AGENT_LLM_ENDPOINT", "https://example.openai.azure.com")
		t.Setenv("AGENT_LLM_DEPLOYMENT", "gpt-4o")
		t.Setenv("AGENT_LLM_API_KEY", "key")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "azure", cfg.LLM.Provider)
		assert.Equal(t, "https://example.openai.azure.com", cfg.LLM.Endpoint)
		assert.Equal(t, "gpt-4o", cfg.LLM.Deployment)
		assert.Equal(t, "key", cfg.LLM.APIKey)
	})

	t.Run("audit and registry paths", func(t *testing.T) {
		t.Setenv("AGENT_AUDIT_DSN", "postgres://localhost/agent")
		t.Setenv("AGENT_AUDIT_BACKEND", "postgres")
		t.Setenv("AGENT_ALLOWLIST_PATH", "/etc/pgagent/allowed.json")
		t.Setenv("AGENT_REGISTRY_SNAPSHOT", "/var/lib/pgagent/registry.json")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "postgres://localhost/agent", cfg.Audit.DSN)
		assert.Equal(t, "postgres", cfg.Audit.Backend)
		assert.Equal(t, "/etc/pgagent/allowed.json", cfg.Allowlist.Path)
		assert.Equal(t, "/var/lib/pgagent/registry.json", cfg.Registry.SnapshotPath)
	})
}

func TestConfigPath(t *testing.T) {
	t.Run("env var wins", func(t *testing.T) {
		t.Setenv("AGENT_CONFIG", "/etc/pgagent/config.json5")
		assert.Equal(t, "/etc/pgagent/config.json5", ConfigPath("config.json5"))
	})

	t.Run("falls back when unset", func(t *testing.T) {
		t.Setenv("AGENT_CONFIG", "")
		assert.Equal(t, "config.json5", ConfigPath("config.json5"))
	})
}
