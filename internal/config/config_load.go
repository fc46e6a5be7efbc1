package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Sessions:    SessionsConfig{IdleTimeoutMinutes: 24 * 60, LeaseTTLSeconds: 300},
		CLI:         CLIConfig{Command: "claude", TimeoutSeconds: 30 * 60, GraceSeconds: 1},
		Tools:       ToolsConfig{TimeoutSeconds: 30, MaxConcurrent: 10, ManifestTTLMinutes: 5},
		Browser:     BrowserConfig{MaxPerTenant: 5, IdleTTLMinutes: 30, PersistentTTLHours: 24, SweepIntervalSeconds: 60},
		Scheduler:   SchedulerConfig{BatchSize: 50, LeaseTTLSeconds: 300, MaxFailuresBeforeDisable: 3},
		Trigger:     TriggerConfig{PollIntervalSeconds: 30, MailboxPollIntervalSeconds: 5 * 60, MailboxDedupSize: 100},
		HTTP:        HTTPConfig{Host: "0.0.0.0", Port: 8080},
		TenantsRoot: "tenants",
	}
}

// Load reads config from a JSON5 file, then overlays env var secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays secrets and operational overrides from the
// environment. Env vars always take precedence over the file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("TENANTFLOW_POSTGRES_DSN", &c.Database.DSN)
	envStr("TENANTFLOW_ENCRYPTION_KEY", &c.Crypto.Key)
	envStr("TENANTFLOW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("TENANTFLOW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)

	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	envStr("TENANTFLOW_HTTP_HOST", &c.HTTP.Host)
	if v := os.Getenv("TENANTFLOW_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.HTTP.Port = port
		}
	}

	if v := os.Getenv("TENANTFLOW_SESSION_IDLE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sessions.IdleTimeoutMinutes = n
		}
	}
	if v := os.Getenv("TENANTFLOW_TOOL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Tools.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("TENANTFLOW_TOOL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Tools.MaxConcurrent = n
		}
	}
	if v := os.Getenv("TENANTFLOW_CLI_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CLI.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("TENANTFLOW_SCHEDULER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.BatchSize = n
		}
	}
	if v := os.Getenv("TENANTFLOW_BROWSER_MAX_PER_TENANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Browser.MaxPerTenant = n
		}
	}
}

// Hash returns a short SHA-256 hash of the config for optimistic
// concurrency on hot reload.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ApplyEnvOverrides re-applies environment overrides, used after a
// ReplaceFrom hot-reload to restore runtime secrets that never round-trip
// through the JSON5 file.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}
