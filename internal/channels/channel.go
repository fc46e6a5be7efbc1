// Package channels implements the Messaging Channel Resolver: given a
// tenant, it returns a transport honoring send_text(recipient, text), and
// maps a canonical sender identifier to the channel's native recipient ID.
package channels

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/tenantflow/internal/bus"
)

// InternalChannels are pseudo-channel names excluded from outbound
// dispatch: the Manager's dispatcher drops a message addressed to one
// without delivering it.
var InternalChannels = map[string]bool{
	"system": true,
}

func IsInternalChannel(name string) bool { return InternalChannels[name] }

// Key builds the Manager registration/routing key for a tenant's channel
// instance: channelType:tenantID. Each tenant binds its own transport
// credentials (its own Telegram bot token or WhatsApp bridge), so the
// channel-type name alone is not a unique registration key.
func Key(channelType, tenantID string) string {
	return channelType + ":" + tenantID
}

// Channel is the narrow capability every transport implements: start/stop
// its own I/O loop, send outbound text, and report whether a sender is
// allowed to reach it.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) (externalMessageID string, err error)
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel provides the allowlist + inbound-publish plumbing shared by
// every channel implementation.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus, allowList: allowList}
}

func (c *BaseChannel) Name() string            { return c.name }
func (c *BaseChannel) IsRunning() bool         { return c.running }
func (c *BaseChannel) SetRunning(running bool) { c.running = running }
func (c *BaseChannel) Bus() *bus.MessageBus    { return c.bus }
func (c *BaseChannel) HasAllowList() bool      { return len(c.allowList) > 0 }

// IsAllowed reports whether senderID is permitted. An empty allowlist
// allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if senderID == strings.TrimPrefix(allowed, "@") {
			return true
		}
	}
	return false
}

// HandleMessage builds an InboundMessage from a received platform event and
// publishes it to the bus, dropping it silently if the sender isn't
// allowed.
func (c *BaseChannel) HandleMessage(tenantID, senderID, chatID, content string, media []string, metadata map[string]string, peerKind string) {
	if !c.IsAllowed(senderID) {
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		TenantID: tenantID,
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		PeerKind: peerKind,
		UserID:   senderID,
		Metadata: metadata,
	})
}

// Truncate shortens s to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
