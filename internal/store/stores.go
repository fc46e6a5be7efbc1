package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TenantStore manages the Tenant entity. Administrative flows only; the
// core mutates status/onboarding phase but never identity.
type TenantStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
	UpdateOnboardingPhase(ctx context.Context, id uuid.UUID, phase string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// SessionStore implements the Conversation Session Manager's persistence:
// get-or-create with lease acquisition, end, and lease release, all under
// row-level locks per spec §4.1.
type SessionStore interface {
	// GetOrCreate returns the active session for (tenantID, senderID),
	// creating one if none is active or the active one went idle. The
	// returned session has a lease acquired for owner. isNew reports
	// whether a new session row was created. Returns ErrSessionUnavailable
	// if another instance holds a currently-valid lease.
	GetOrCreate(ctx context.Context, tenantID uuid.UUID, senderID, owner string, idleTTL, leaseTTL time.Duration, now time.Time) (sess *ConversationSession, isNew bool, err error)
	End(ctx context.Context, sessionID uuid.UUID, now time.Time) error
	ReleaseLease(ctx context.Context, sessionID uuid.UUID) error
	Touch(ctx context.Context, sessionID uuid.UUID, now time.Time) error
	Get(ctx context.Context, sessionID uuid.UUID) (*ConversationSession, error)
}

// MessageStore records inbound/outbound messages. Messages are immutable
// after insert; Insert is a dedup-on-conflict operation keyed on
// (tenant_id, external_id) when external_id is non-empty.
type MessageStore interface {
	Insert(ctx context.Context, msg *Message) error
	History(ctx context.Context, tenantID uuid.UUID, senderID string, limit int) ([]*Message, error)
}

// TaskStore implements the Scheduler's claim-under-lock pattern: Claim
// atomically selects and leases up to batchSize due tasks in one
// transaction, which is the sole mechanism preventing double-execution.
type TaskStore interface {
	Create(ctx context.Context, task *ScheduledTask) error
	Claim(ctx context.Context, owner string, batchSize int, leaseTTL time.Duration, now time.Time) ([]*ScheduledTask, error)
	CompleteOneTime(ctx context.Context, taskID uuid.UUID) error
	CompleteRecurring(ctx context.Context, taskID uuid.UUID, nextRunAt time.Time, appendOutput string, maxHistory int) error
	Fail(ctx context.Context, taskID uuid.UUID, errMsg string, disableThreshold int) error
	Get(ctx context.Context, taskID uuid.UUID) (*ScheduledTask, error)
}

// TriggerStore implements the Trigger Evaluator's persistence: listing
// active triggers due for evaluation and recording firing state.
type TriggerStore interface {
	Create(ctx context.Context, trig *Trigger) error
	ListDue(ctx context.Context, triggerType TriggerType, now time.Time) ([]*Trigger, error)
	MarkFired(ctx context.Context, triggerID uuid.UUID, now time.Time, nextCheckAt time.Time) error
	AdvanceCheck(ctx context.Context, triggerID uuid.UUID, nextCheckAt time.Time) error
	Get(ctx context.Context, triggerID uuid.UUID) (*Trigger, error)
}

// BrowserSessionStore implements the coordination rows for the Browser
// Session Manager: it never touches the live handle, only the weak
// reference row other instances use to detect orphans and collisions.
type BrowserSessionStore interface {
	Insert(ctx context.Context, sess *BrowserSession, leaseTTL time.Duration, now time.Time) error
	Touch(ctx context.Context, sessionID uuid.UUID, now time.Time, leaseTTL time.Duration) error
	Delete(ctx context.Context, sessionID uuid.UUID) error
	ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]*BrowserSession, error)
	ListExpiredOrphans(ctx context.Context, now time.Time) ([]*BrowserSession, error)
	ListOwnedBy(ctx context.Context, owner string) ([]*BrowserSession, error)
}

// CredentialStore manages opaque, encrypted per-tenant secrets. Values are
// never decrypted by the store itself.
type CredentialStore interface {
	Get(ctx context.Context, tenantID uuid.UUID, serviceName string) (*TenantCredential, error)
	Put(ctx context.Context, cred *TenantCredential) error
}

// AdvisoryLocker exposes a single process-wide advisory lock used by the
// Scheduler to guarantee at most one instance runs a tick cycle at a time.
type AdvisoryLocker interface {
	TryLock(ctx context.Context, key int64) (acquired bool, release func(context.Context) error, err error)
}

// Stores bundles every store implementation the gateway wires together.
type Stores struct {
	Tenants         TenantStore
	Sessions        SessionStore
	Messages        MessageStore
	Tasks           TaskStore
	Triggers        TriggerStore
	BrowserSessions BrowserSessionStore
	Credentials     CredentialStore
	Advisory        AdvisoryLocker
}
