// Package sessions implements the Conversation Session Manager: it hands
// callers the active session for a (tenant, sender) pair, creating or
// reclaiming one under a lease as described by the store layer's
// GetOrCreate contract, and forwards lease renewal/teardown calls.
package sessions

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// Manager is a thin facade over store.SessionStore: it owns no state of
// its own beyond identifying this process instance as a lease owner and
// the configured idle/lease windows.
type Manager struct {
	store    store.SessionStore
	owner    string
	idleTTL  time.Duration
	leaseTTL time.Duration
}

// NewManager builds a Manager whose lease owner identity is
// "<hostname>-<pid>", matching the lease-owner convention used across the
// Conversation Session, Scheduled Task, and Browser Session tables.
func NewManager(sessionStore store.SessionStore, idleTTL, leaseTTL time.Duration) *Manager {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Manager{
		store:    sessionStore,
		owner:    fmt.Sprintf("%s-%d", host, os.Getpid()),
		idleTTL:  idleTTL,
		leaseTTL: leaseTTL,
	}
}

// Owner returns this process's lease owner identity.
func (m *Manager) Owner() string { return m.owner }

// GetOrCreate returns the active session for (tenantID, senderID),
// creating one if none exists or the existing one has gone idle-stale.
// Returns errors.ErrSessionUnavailable if another instance holds a
// currently-valid lease on it.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID uuid.UUID, senderID string) (*store.ConversationSession, bool, error) {
	return m.store.GetOrCreate(ctx, tenantID, senderID, m.owner, m.idleTTL, m.leaseTTL, time.Now())
}

// Touch advances last_activity_at on a session. It does not renew the
// lease; GetOrCreate does.
func (m *Manager) Touch(ctx context.Context, sessionID uuid.UUID) error {
	return m.store.Touch(ctx, sessionID, time.Now())
}

// End marks a session ended, e.g. on an explicit /reset command.
func (m *Manager) End(ctx context.Context, sessionID uuid.UUID) error {
	return m.store.End(ctx, sessionID, time.Now())
}

// Release gives up this instance's lease without ending the session,
// e.g. when a CLI session invocation completes normally.
func (m *Manager) Release(ctx context.Context, sessionID uuid.UUID) error {
	return m.store.ReleaseLease(ctx, sessionID)
}

// Get looks up a session by ID, used for reflection hooks and diagnostics.
func (m *Manager) Get(ctx context.Context, sessionID uuid.UUID) (*store.ConversationSession, error) {
	return m.store.Get(ctx, sessionID)
}
