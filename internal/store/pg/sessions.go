package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	tferrors "github.com/nextlevelbuilder/tenantflow/internal/errors"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// SessionStore implements store.SessionStore against Postgres. All
// mutations run inside a single transaction using row-level locks, matching
// the failure model in spec §4.1: a crash mid-interaction leaves at most a
// stale lease, reclaimed after TTL.
type SessionStore struct {
	pool *pgxpool.Pool
}

const sessionColumns = "id, tenant_id, sender_id, started_at, last_activity_at, ended_at, lease_owner, lease_expires_at"

func scanSession(row pgx.Row) (*store.ConversationSession, error) {
	var s store.ConversationSession
	if err := row.Scan(&s.ID, &s.TenantID, &s.SenderID, &s.StartedAt, &s.LastActivityAt, &s.EndedAt, &s.LeaseOwner, &s.LeaseExpiresAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *SessionStore) GetOrCreate(ctx context.Context, tenantID uuid.UUID, senderID, owner string, idleTTL, leaseTTL time.Duration, now time.Time) (*store.ConversationSession, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("pg: begin get-or-create: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM conversation_sessions WHERE tenant_id = $1 AND sender_id = $2 AND ended_at IS NULL FOR UPDATE",
		tenantID, senderID,
	)
	existing, err := scanSession(row)
	isNew := false

	switch {
	case err == pgx.ErrNoRows:
		isNew = true
	case err != nil:
		return nil, false, fmt.Errorf("pg: lookup active session: %w", err)
	case !existing.Active(now, idleTTL):
		// Stale: end it, then fall through to create a fresh one.
		if _, err := tx.Exec(ctx, "UPDATE conversation_sessions SET ended_at = $2 WHERE id = $1", existing.ID, now); err != nil {
			return nil, false, fmt.Errorf("pg: end stale session: %w", err)
		}
		isNew = true
	case existing.Leased(now) && (existing.LeaseOwner == nil || *existing.LeaseOwner != owner):
		return nil, false, tferrors.ErrSessionUnavailable
	}

	var result *store.ConversationSession
	leaseExpires := now.Add(leaseTTL)

	if isNew {
		id := uuid.New()
		row := tx.QueryRow(ctx,
			`INSERT INTO conversation_sessions (id, tenant_id, sender_id, started_at, last_activity_at, lease_owner, lease_expires_at)
			 VALUES ($1, $2, $3, $4, $4, $5, $6)
			 RETURNING `+sessionColumns,
			id, tenantID, senderID, now, owner, leaseExpires,
		)
		result, err = scanSession(row)
		if err != nil {
			return nil, false, fmt.Errorf("pg: insert session: %w", err)
		}
	} else {
		row := tx.QueryRow(ctx,
			`UPDATE conversation_sessions SET lease_owner = $2, lease_expires_at = $3
			 WHERE id = $1 RETURNING `+sessionColumns,
			existing.ID, owner, leaseExpires,
		)
		result, err = scanSession(row)
		if err != nil {
			return nil, false, fmt.Errorf("pg: renew lease: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("pg: commit get-or-create: %w", err)
	}
	return result, isNew, nil
}

func (s *SessionStore) End(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
	_, err := s.pool.Exec(ctx, "UPDATE conversation_sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL", sessionID, now)
	if err != nil {
		return fmt.Errorf("pg: end session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SessionStore) ReleaseLease(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "UPDATE conversation_sessions SET lease_owner = NULL, lease_expires_at = NULL WHERE id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("pg: release lease for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SessionStore) Touch(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
	_, err := s.pool.Exec(ctx, "UPDATE conversation_sessions SET last_activity_at = $2 WHERE id = $1", sessionID, now)
	if err != nil {
		return fmt.Errorf("pg: touch session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID uuid.UUID) (*store.ConversationSession, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM conversation_sessions WHERE id = $1", sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("pg: get session %s: %w", sessionID, err)
	}
	return sess, nil
}
