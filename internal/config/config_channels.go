package config

import "golang.org/x/time/rate"

// ChannelsConfig holds per-channel transport settings, keyed by the spec's
// channel enum (whatsapp|telegram).
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`

	// SendRatePerSecond and SendBurst bound outbound send throughput per
	// registered channel transport, independent of the transport's own
	// retry-with-backoff envelope (spec §4.6's transports wrap provider
	// APIs; this caps how fast the Manager feeds them, protecting against
	// a provider's own rate limits on bursty scheduled/trigger fan-out).
	SendRatePerSecond float64 `json:"send_rate_per_second,omitempty"` // default 5
	SendBurst         int     `json:"send_burst,omitempty"`           // default 10
}

// SendLimit returns the per-channel outbound rate.Limit, defaulting to 5
// messages/second.
func (c ChannelsConfig) SendLimit() rate.Limit {
	if c.SendRatePerSecond <= 0 {
		return rate.Limit(5)
	}
	return rate.Limit(c.SendRatePerSecond)
}

// SendBurstSize returns the per-channel burst allowance, defaulting to 10.
func (c ChannelsConfig) SendBurstSize() int {
	if c.SendBurst <= 0 {
		return 10
	}
	return c.SendBurst
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"-"` // env TENANTFLOW_TELEGRAM_TOKEN only
	Proxy     string              `json:"proxy,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled"`
	BridgeURL string              `json:"bridge_url"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}
