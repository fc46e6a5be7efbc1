package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// BrowserSessionStore implements store.BrowserSessionStore: the Postgres
// side of the weak-reference coordination rows for the Browser Session
// Manager's process-local handles.
type BrowserSessionStore struct {
	pool *pgxpool.Pool
}

const browserSessionColumns = "id, tenant_id, persistent, created_at, last_used_at, lease_owner, lease_expires_at"

func scanBrowserSession(row pgx.Row) (*store.BrowserSession, error) {
	var b store.BrowserSession
	if err := row.Scan(&b.ID, &b.TenantID, &b.Persistent, &b.CreatedAt, &b.LastUsedAt, &b.LeaseOwner, &b.LeaseExpiresAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BrowserSessionStore) Insert(ctx context.Context, sess *store.BrowserSession, leaseTTL time.Duration, now time.Time) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	sess.LeaseExpiresAt = now.Add(leaseTTL)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO browser_sessions (id, tenant_id, persistent, created_at, last_used_at, lease_owner, lease_expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sess.ID, sess.TenantID, sess.Persistent, sess.CreatedAt, sess.LastUsedAt, sess.LeaseOwner, sess.LeaseExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("pg: insert browser session: %w", err)
	}
	return nil
}

func (s *BrowserSessionStore) Touch(ctx context.Context, sessionID uuid.UUID, now time.Time, leaseTTL time.Duration) error {
	_, err := s.pool.Exec(ctx, "UPDATE browser_sessions SET last_used_at = $2, lease_expires_at = $3 WHERE id = $1", sessionID, now, now.Add(leaseTTL))
	if err != nil {
		return fmt.Errorf("pg: touch browser session %s: %w", sessionID, err)
	}
	return nil
}

func (s *BrowserSessionStore) Delete(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM browser_sessions WHERE id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("pg: delete browser session %s: %w", sessionID, err)
	}
	return nil
}

func (s *BrowserSessionStore) ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]*store.BrowserSession, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+browserSessionColumns+" FROM browser_sessions WHERE tenant_id = $1", tenantID)
	if err != nil {
		return nil, fmt.Errorf("pg: list browser sessions for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()
	return scanBrowserSessionRows(rows)
}

func (s *BrowserSessionStore) ListExpiredOrphans(ctx context.Context, now time.Time) ([]*store.BrowserSession, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+browserSessionColumns+" FROM browser_sessions WHERE lease_expires_at < $1", now)
	if err != nil {
		return nil, fmt.Errorf("pg: list expired browser sessions: %w", err)
	}
	defer rows.Close()
	return scanBrowserSessionRows(rows)
}

func (s *BrowserSessionStore) ListOwnedBy(ctx context.Context, owner string) ([]*store.BrowserSession, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+browserSessionColumns+" FROM browser_sessions WHERE lease_owner = $1", owner)
	if err != nil {
		return nil, fmt.Errorf("pg: list browser sessions owned by %s: %w", owner, err)
	}
	defer rows.Close()
	return scanBrowserSessionRows(rows)
}

func scanBrowserSessionRows(rows pgx.Rows) ([]*store.BrowserSession, error) {
	var out []*store.BrowserSession
	for rows.Next() {
		b, err := scanBrowserSession(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan browser session: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
