package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides overlays the environment variables onto the config
// loaded from file. Env vars take precedence.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}

	c.Token = os.Getenv("AGENT_TOKEN")

	c.SandboxEnabled = os.Getenv("AGENT_SANDBOX") == "1"

	if v := os.Getenv("AGENT_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("AGENT_LLM_URL"); v != "" {
		c.LLM.URL = v
	}
	if v := os.Getenv("AGENT_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("AGENT_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("AGENT_LLM_ENDPOINT"); v != "" {
		c.LLM.Endpoint = v
	}
	if v := os.Getenv("AGENT_LLM_DEPLOYMENT"); v != "" {
		c.LLM.Deployment = v
	}

	if v := os.Getenv("AGENT_AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}
	if v := os.Getenv("AGENT_AUDIT_BACKEND"); v != "" {
		c.Audit.Backend = v
	}
	if v := os.Getenv("AGENT_ALLOWLIST_PATH"); v != "" {
		c.Allowlist.Path = v
	}
	if v := os.Getenv("AGENT_REGISTRY_SNAPSHOT"); v != "" {
		c.Registry.SnapshotPath = v
	}
	if v := os.Getenv("AGENT_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
}

// ConfigPath resolves the config file path, honoring AGENT_CONFIG.
func ConfigPath(fallback string) string {
	if v := os.Getenv("AGENT_CONFIG"); v != "" {
		return v
	}
	return fallback
}
