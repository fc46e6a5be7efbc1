// Package bus decouples channel adapters, the scheduler, and the trigger
// evaluator from the agent runtime with a small in-process publish/
// subscribe bus for inbound and outbound messages.
package bus

import "context"

// InboundMessage is a message arriving from a channel adapter, destined for
// the Agent Runtime.
type InboundMessage struct {
	TenantID string            `json:"tenant_id"`
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	PeerKind string            `json:"peer_kind,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message the Agent Runtime, Scheduler, or Trigger
// Evaluator wants delivered via the Messaging Channel Resolver.
type OutboundMessage struct {
	TenantID string            `json:"tenant_id"`
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a single piece of media riding along with an outbound
// message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// MessageRouter abstracts inbound/outbound message routing between channels
// and the agent runtime, so each side depends only on this narrow
// capability rather than on *MessageBus directly.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
