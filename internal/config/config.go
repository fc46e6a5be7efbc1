// Package config loads and holds process configuration: database
// connection, tenant tool runtime limits, browser pool sizing, scheduler
// batching, and per-channel transport credentials.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root process configuration.
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	Channels  ChannelsConfig  `json:"channels"`
	Sessions  SessionsConfig  `json:"sessions"`
	CLI       CLIConfig       `json:"cli"`
	Tools     ToolsConfig     `json:"tools"`
	Browser   BrowserConfig   `json:"browser"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Trigger   TriggerConfig   `json:"trigger"`
	Crypto    CryptoConfig    `json:"crypto"`
	HTTP      HTTPConfig      `json:"http"`

	// TenantsRoot is the filesystem root under which each tenant's
	// workspace lives, as tenants/<id>/.
	TenantsRoot string `json:"tenants_root,omitempty"` // default "tenants"

	mu sync.RWMutex
}

// TenantsDir returns the configured tenants root, defaulting to "tenants".
func (c *Config) TenantsDir() string {
	if c.TenantsRoot == "" {
		return "tenants"
	}
	return c.TenantsRoot
}

// DatabaseConfig configures the Postgres connection. DSN is never read
// from the JSON5 config file — only from the TENANTFLOW_POSTGRES_DSN env var.
type DatabaseConfig struct {
	DSN string `json:"-"`
}

// SessionsConfig configures the Conversation Session Manager.
type SessionsConfig struct {
	IdleTimeoutMinutes int `json:"idle_timeout_minutes,omitempty"` // default 1440 (24h)
	LeaseTTLSeconds    int `json:"lease_ttl_seconds,omitempty"`    // default 300
}

func (s SessionsConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

func (s SessionsConfig) LeaseTTL() time.Duration {
	if s.LeaseTTLSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(s.LeaseTTLSeconds) * time.Second
}

// CLIConfig configures the CLI Session Store's subprocess lifecycle.
type CLIConfig struct {
	Command        string   `json:"command,omitempty"`         // default "claude"
	Args           []string `json:"args,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"` // default 1800 (30m)
	GraceSeconds   int      `json:"grace_seconds,omitempty"`   // default 1
}

func (c CLIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c CLIConfig) Grace() time.Duration {
	if c.GraceSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.GraceSeconds) * time.Second
}

// ToolsConfig configures the Tenant Tool Runtime.
type ToolsConfig struct {
	TimeoutSeconds     int   `json:"timeout_seconds,omitempty"`      // default 30
	MaxConcurrent      int64 `json:"max_concurrent,omitempty"`       // default 10
	MaxOutputBytes     int64 `json:"max_output_bytes,omitempty"`     // default 1MiB
	ManifestTTLMinutes int   `json:"manifest_ttl_minutes,omitempty"` // default 5
}

func (t ToolsConfig) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func (t ToolsConfig) Concurrency() int64 {
	if t.MaxConcurrent <= 0 {
		return 10
	}
	return t.MaxConcurrent
}

func (t ToolsConfig) OutputLimit() int64 {
	if t.MaxOutputBytes <= 0 {
		return 1 << 20
	}
	return t.MaxOutputBytes
}

func (t ToolsConfig) ManifestTTL() time.Duration {
	if t.ManifestTTLMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(t.ManifestTTLMinutes) * time.Minute
}

// BrowserConfig configures the Browser Session Manager.
type BrowserConfig struct {
	MaxPerTenant         int `json:"max_per_tenant,omitempty"`         // default 5
	IdleTTLMinutes       int `json:"idle_ttl_minutes,omitempty"`       // default 30
	PersistentTTLHours   int `json:"persistent_ttl_hours,omitempty"`   // default 24
	SweepIntervalSeconds int `json:"sweep_interval_seconds,omitempty"` // default 60
	LeaseTTLSeconds      int `json:"lease_ttl_seconds,omitempty"`      // default 300
}

// LeaseTTL is the coordination-row lease TTL used to detect orphaned
// sessions left behind by a crashed instance (spec §6 "lease TTL s").
func (b BrowserConfig) LeaseTTL() time.Duration {
	if b.LeaseTTLSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(b.LeaseTTLSeconds) * time.Second
}

func (b BrowserConfig) IdleTTL() time.Duration {
	if b.IdleTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(b.IdleTTLMinutes) * time.Minute
}

func (b BrowserConfig) PersistentTTL() time.Duration {
	if b.PersistentTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(b.PersistentTTLHours) * time.Hour
}

func (b BrowserConfig) SweepInterval() time.Duration {
	if b.SweepIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.SweepIntervalSeconds) * time.Second
}

func (b BrowserConfig) Cap() int {
	if b.MaxPerTenant <= 0 {
		return 5
	}
	return b.MaxPerTenant
}

// SchedulerConfig configures the Scheduler's tick and claim behavior.
type SchedulerConfig struct {
	BatchSize                int `json:"batch_size,omitempty"`                   // default 50
	LeaseTTLSeconds          int `json:"lease_ttl_seconds,omitempty"`            // default 300
	MaxFailuresBeforeDisable int `json:"max_failures_before_disable,omitempty"`  // default 3
}

func (s SchedulerConfig) Batch() int {
	if s.BatchSize <= 0 {
		return 50
	}
	return s.BatchSize
}

func (s SchedulerConfig) LeaseTTL() time.Duration {
	if s.LeaseTTLSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(s.LeaseTTLSeconds) * time.Second
}

func (s SchedulerConfig) MaxFailures() int {
	if s.MaxFailuresBeforeDisable <= 0 {
		return 3
	}
	return s.MaxFailuresBeforeDisable
}

// TriggerConfig configures the Trigger Evaluator's polling cadence. The
// condition and mailbox adapters poll on independent cadences: mailbox
// providers impose their own rate limits, so that adapter carries a higher
// floor (spec §4.4 "minimum floor, e.g., 5 min for mailbox adapters").
type TriggerConfig struct {
	PollIntervalSeconds        int `json:"poll_interval_seconds,omitempty"`         // default 30
	MailboxPollIntervalSeconds int `json:"mailbox_poll_interval_seconds,omitempty"` // default 300
	MailboxDedupSize           int `json:"mailbox_dedup_size,omitempty"`            // default 100
}

func (t TriggerConfig) PollInterval() time.Duration {
	if t.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

// MailboxPollInterval is the mailbox adapter's own polling cadence, floored
// at 5 minutes by default to respect provider rate limits.
func (t TriggerConfig) MailboxPollInterval() time.Duration {
	if t.MailboxPollIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(t.MailboxPollIntervalSeconds) * time.Second
}

func (t TriggerConfig) DedupSize() int {
	if t.MailboxDedupSize <= 0 {
		return 100
	}
	return t.MailboxDedupSize
}

// CryptoConfig configures Tenant Credential encryption. Key is never read
// from the JSON5 config file — only from the TENANTFLOW_ENCRYPTION_KEY env var.
type CryptoConfig struct {
	Key string `json:"-"`
}

// HTTPConfig configures the process's HTTP surface.
type HTTPConfig struct {
	Host string `json:"host,omitempty"` // default "0.0.0.0"
	Port int    `json:"port,omitempty"` // default 8080
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Database = src.Database
	c.Channels = src.Channels
	c.Sessions = src.Sessions
	c.CLI = src.CLI
	c.Tools = src.Tools
	c.Browser = src.Browser
	c.Scheduler = src.Scheduler
	c.Trigger = src.Trigger
	c.Crypto = src.Crypto
	c.HTTP = src.HTTP
	c.TenantsRoot = src.TenantsRoot
}
