// Package store defines the persistence-layer contracts for tenantflow's
// core: tenants, conversation sessions, messages, scheduled tasks, triggers,
// browser sessions, and tenant credentials. All records are tenant-scoped;
// deleting a tenant cascades to every table below.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel identifies which messaging transport a tenant is wired to.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
)

// Tenant is an isolated customer: own filesystem root, credentials,
// sessions, tasks, and triggers.
type Tenant struct {
	ID              uuid.UUID
	DisplayName     string
	Channel         Channel
	RecipientID     string
	Status          string
	OnboardingPhase string
	CreatedAt       time.Time
}

// ConversationSession is the database-side half of a session: the live
// child process (CLI session) is tracked separately, process-local, in
// package cli.
type ConversationSession struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	SenderID       string
	StartedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
}

// Active reports whether the session has not ended and its last activity
// is within idleTTL of now.
func (s *ConversationSession) Active(now time.Time, idleTTL time.Duration) bool {
	return s.EndedAt == nil && now.Sub(s.LastActivityAt) <= idleTTL
}

// Leased reports whether the session currently has a lease that has not
// expired as of now.
func (s *ConversationSession) Leased(now time.Time) bool {
	return s.LeaseOwner != nil && s.LeaseExpiresAt != nil && s.LeaseExpiresAt.After(now)
}

// MessageDirection distinguishes inbound (from a user) from outbound
// (to a user) messages.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// Message is an immutable record of one message exchanged with a tenant's
// user, stored after insert and never mutated.
type Message struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	SenderID       string
	SessionID      uuid.UUID
	ExternalID     string
	Direction      MessageDirection
	Content        string
	DeliveryStatus string
	CreatedAt      time.Time
}

// TaskType distinguishes a reminder (fire-and-forget notification prompt)
// from an execute task (the agent is expected to take action).
type TaskType string

const (
	TaskTypeReminder TaskType = "reminder"
	TaskTypeExecute  TaskType = "execute"
)

// ScheduledTask is a cron or one-shot unit of autonomous work dispatched
// through the Scheduler. Exactly one of CronExpr / RunAt is non-nil.
type ScheduledTask struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	UserID          string
	TaskPrompt      string
	TaskType        TaskType
	IsOneTime       bool
	CronExpr        *string
	RunAt           *time.Time
	Timezone        string
	NextRunAt       time.Time
	Enabled         bool
	ErrorCount      int
	LastError       *string
	LeaseOwner      *string
	LeaseExpiresAt  *time.Time
	PreviousOutputs []string
}

// TriggerType distinguishes the three adapter variants the Trigger
// Evaluator can drive.
type TriggerType string

const (
	TriggerTypeEvent     TriggerType = "event"
	TriggerTypeCondition TriggerType = "condition"
	TriggerTypeWebhook   TriggerType = "webhook"
)

// TriggerStatus controls whether a trigger is currently evaluated.
type TriggerStatus string

const (
	TriggerStatusActive TriggerStatus = "active"
	TriggerStatusPaused TriggerStatus = "paused"
)

// Trigger is an event source whose firings dispatch the same kind of
// execution as a ScheduledTask. Config is an opaque, tagged-variant
// descriptor interpreted only by the matching adapter (§9 "Dynamic
// collection types").
type Trigger struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	UserID          string
	TriggerType     TriggerType
	Status          TriggerStatus
	TaskPrompt      string
	Autonomy        string
	Config          json.RawMessage
	CooldownSeconds int
	DebounceSeconds int
	LastTriggeredAt *time.Time
	NextCheckAt     *time.Time
}

// BrowserSession is the coordination record for a process-local headless
// browser context. The live handle is process-local; this row is a weak
// reference other instances use to avoid collision and detect orphans.
type BrowserSession struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Persistent     bool
	CreatedAt      time.Time
	LastUsedAt     time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
}

// TenantCredential holds an opaque, encrypted secret for one tenant/service
// pair. Decrypted only at point of use, never by the store.
type TenantCredential struct {
	TenantID       uuid.UUID
	ServiceName    string
	EncryptedValue []byte
}
