package browser

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/config"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// fakeStore is an in-memory store.BrowserSessionStore, used to exercise
// Manager's bookkeeping without a real Postgres connection.
type fakeStore struct {
	rows map[uuid.UUID]*store.BrowserSession
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[uuid.UUID]*store.BrowserSession{}} }

func (f *fakeStore) Insert(ctx context.Context, s *store.BrowserSession, leaseTTL time.Duration, now time.Time) error {
	s.LeaseExpiresAt = now.Add(leaseTTL)
	f.rows[s.ID] = s
	return nil
}

func (f *fakeStore) Touch(ctx context.Context, id uuid.UUID, now time.Time, leaseTTL time.Duration) error {
	if row, ok := f.rows[id]; ok {
		row.LastUsedAt = now
		row.LeaseExpiresAt = now.Add(leaseTTL)
	}
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id uuid.UUID) error {
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]*store.BrowserSession, error) {
	var out []*store.BrowserSession
	for _, r := range f.rows {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListExpiredOrphans(ctx context.Context, now time.Time) ([]*store.BrowserSession, error) {
	var out []*store.BrowserSession
	for _, r := range f.rows {
		if r.LeaseExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListOwnedBy(ctx context.Context, owner string) ([]*store.BrowserSession, error) {
	var out []*store.BrowserSession
	for _, r := range f.rows {
		if r.LeaseOwner == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestManager() *Manager {
	return New(newFakeStore(), config.BrowserConfig{MaxPerTenant: 2, IdleTTLMinutes: 15, PersistentTTLHours: 24, LeaseTTLSeconds: 300}, "test-host-1")
}

// syntheticHandle registers a handle directly in the manager's process-local
// map, bypassing the real rod-backed spawn path so eviction/sweep logic can
// be tested without a headless browser.
func (m *Manager) syntheticHandle(tenantID uuid.UUID, persistent bool, createdAt, lastUsedAt time.Time) *Handle {
	h := &Handle{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Persistent: persistent,
		CreatedAt:  createdAt,
		lastUsedAt: lastUsedAt,
	}
	m.mu.Lock()
	m.handles[h.ID] = h
	m.mu.Unlock()
	return h
}

func TestEvictIfAtCapEvictsOldestNonPersistent(t *testing.T) {
	m := newTestManager()
	tenantID := uuid.New()
	now := time.Now()

	old := m.syntheticHandle(tenantID, false, now.Add(-time.Hour), now.Add(-time.Hour))
	recent := m.syntheticHandle(tenantID, false, now.Add(-time.Minute), now.Add(-time.Minute))

	if err := m.evictIfAtCap(context.Background(), tenantID); err != nil {
		t.Fatalf("evictIfAtCap: %v", err)
	}

	if m.hasLocal(old.ID) {
		t.Fatalf("expected oldest non-persistent session to be evicted")
	}
	if !m.hasLocal(recent.ID) {
		t.Fatalf("expected most-recently-used session to survive eviction")
	}
}

func TestEvictIfAtCapFailsWhenAllPersistent(t *testing.T) {
	m := newTestManager()
	tenantID := uuid.New()
	now := time.Now()

	m.syntheticHandle(tenantID, true, now, now)
	m.syntheticHandle(tenantID, true, now, now)

	if err := m.evictIfAtCap(context.Background(), tenantID); err == nil {
		t.Fatalf("expected SessionLimit error when all sessions are persistent")
	}
}

func TestCountNeverExceedsCap(t *testing.T) {
	m := newTestManager()
	tenantID := uuid.New()
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := m.evictIfAtCap(context.Background(), tenantID); err != nil {
			continue
		}
		m.syntheticHandle(tenantID, false, now, now)
	}

	if got := m.Count(tenantID); got > m.cfg.Cap() {
		t.Fatalf("tenant session count %d exceeds cap %d", got, m.cfg.Cap())
	}
}

func TestSweepClosesIdleAndExpiredPersistentSessions(t *testing.T) {
	m := newTestManager()
	tenantID := uuid.New()
	now := time.Now()

	idle := m.syntheticHandle(tenantID, false, now.Add(-time.Hour), now.Add(-time.Hour))
	expiredPersistent := m.syntheticHandle(tenantID, true, now.Add(-48*time.Hour), now)
	fresh := m.syntheticHandle(tenantID, false, now, now)

	m.sweep(context.Background())

	if m.hasLocal(idle.ID) {
		t.Fatalf("expected idle session to be swept")
	}
	if m.hasLocal(expiredPersistent.ID) {
		t.Fatalf("expected expired persistent session to be swept")
	}
	if !m.hasLocal(fresh.ID) {
		t.Fatalf("expected fresh session to survive sweep")
	}
}
