// Package browser implements the Browser Session Manager: a per-tenant
// bounded pool of headless-browser contexts, each isolated (its own
// cookie jar / storage), with idle and persistent lifetimes, health
// probing, and a background sweeper reconciling process-local handles
// against the weak-reference coordination rows in Postgres.
package browser

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/config"
	tferrors "github.com/nextlevelbuilder/tenantflow/internal/errors"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// Handle is a process-local headless browser context: its own incognito
// browser (for cookie-jar/storage isolation) plus an initial page.
type Handle struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Persistent bool
	CreatedAt  time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	ctxBrowser *rod.Browser
	page       *rod.Page
}

// Manager owns the shared headless browser process, the process-local
// handle map, and the sweeper that reconciles it against the database.
type Manager struct {
	store store.BrowserSessionStore
	owner string
	cfg   config.BrowserConfig

	mu          sync.Mutex
	root        *rod.Browser
	launcherURL string
	handles     map[uuid.UUID]*Handle
	admission   map[uuid.UUID]*sync.Mutex

	cancel context.CancelFunc
}

// New builds a Manager. The underlying headless browser process is
// launched lazily, on first GetOrCreate call.
func New(browserStore store.BrowserSessionStore, cfg config.BrowserConfig, owner string) *Manager {
	return &Manager{
		store:     browserStore,
		owner:     owner,
		cfg:       cfg,
		handles:   make(map[uuid.UUID]*Handle),
		admission: make(map[uuid.UUID]*sync.Mutex),
	}
}

// tenantAdmissionLock returns the per-tenant mutex serializing the
// cap-check-evict-and-insert admission sequence in GetOrCreate, creating
// it on first use.
func (m *Manager) tenantAdmissionLock(tenantID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.admission[tenantID]
	if !ok {
		lk = &sync.Mutex{}
		m.admission[tenantID] = lk
	}
	return lk
}

// Start launches the background sweeper (spec §4.5 "Cleanup").
func (m *Manager) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.sweepLoop(sweepCtx)
}

// Stop closes every local handle, empties the process-local map, deletes
// every row owned by this instance, and shuts down the shared browser
// process.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[uuid.UUID]*Handle)
	root := m.root
	m.root = nil
	m.mu.Unlock()

	for id, h := range handles {
		h.close()
		if err := m.store.Delete(ctx, id); err != nil {
			slog.Warn("browser: failed to delete session row on shutdown", "session_id", id, "error", err)
		}
	}

	owned, err := m.store.ListOwnedBy(ctx, m.owner)
	if err != nil {
		slog.Warn("browser: failed to list owned session rows on shutdown", "error", err)
	}
	for _, row := range owned {
		if err := m.store.Delete(ctx, row.ID); err != nil {
			slog.Warn("browser: failed to delete session row on shutdown", "session_id", row.ID, "error", err)
		}
	}

	if root != nil {
		_ = root.Close()
	}
}

func (m *Manager) ensureRoot() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root != nil {
		return m.root, nil
	}

	u, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch headless chromium: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect to launched browser: %w", err)
	}
	m.root = b
	m.launcherURL = u
	return b, nil
}

// GetOrCreate returns a handle for tenantID, honoring spec §4.5's
// acquisition rules: reuse a healthy existing handle named by sessionID,
// else evict the oldest non-persistent session if at the per-tenant cap,
// else spawn fresh.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID uuid.UUID, sessionID *uuid.UUID, persistent bool) (*Handle, error) {
	now := time.Now()

	if sessionID != nil {
		m.mu.Lock()
		h, ok := m.handles[*sessionID]
		m.mu.Unlock()
		if ok && m.probe(ctx, h) {
			h.touch(now)
			if err := m.store.Touch(ctx, h.ID, now, m.cfg.LeaseTTL()); err != nil {
				slog.Warn("browser: failed to touch session row", "session_id", h.ID, "error", err)
			}
			return h, nil
		}
		if ok {
			// Unhealthy: close transparently and fall through to create fresh.
			m.drop(ctx, h)
		}
	}

	// Serialize the cap-check, evict, and handle-map insert as one admission
	// unit per tenant: without this, two concurrent callers at cap-1 could
	// both observe room under the cap and both spawn, pushing the tenant
	// above it (spec Testable Property #4).
	admission := m.tenantAdmissionLock(tenantID)
	admission.Lock()
	defer admission.Unlock()

	if err := m.evictIfAtCap(ctx, tenantID); err != nil {
		return nil, err
	}

	return m.spawn(ctx, tenantID, persistent, now)
}

func (m *Manager) evictIfAtCap(ctx context.Context, tenantID uuid.UUID) error {
	m.mu.Lock()
	var tenantHandles []*Handle
	for _, h := range m.handles {
		if h.TenantID == tenantID {
			tenantHandles = append(tenantHandles, h)
		}
	}
	m.mu.Unlock()

	if len(tenantHandles) < m.cfg.Cap() {
		return nil
	}

	var oldest *Handle
	for _, h := range tenantHandles {
		if h.Persistent {
			continue
		}
		h.mu.Lock()
		lastUsed := h.lastUsedAt
		h.mu.Unlock()
		if oldest == nil {
			oldest = h
			continue
		}
		oldest.mu.Lock()
		oldestLast := oldest.lastUsedAt
		oldest.mu.Unlock()
		if lastUsed.Before(oldestLast) {
			oldest = h
		}
	}
	if oldest == nil {
		return tferrors.ErrSessionLimit
	}
	m.drop(ctx, oldest)
	return nil
}

func (m *Manager) spawn(ctx context.Context, tenantID uuid.UUID, persistent bool, now time.Time) (*Handle, error) {
	root, err := m.ensureRoot()
	if err != nil {
		return nil, err
	}

	ctxBrowser, err := root.Incognito()
	if err != nil {
		return nil, fmt.Errorf("browser: create incognito context: %w", err)
	}
	page, err := ctxBrowser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = ctxBrowser.Close()
		return nil, fmt.Errorf("browser: open initial page: %w", err)
	}

	h := &Handle{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Persistent: persistent,
		CreatedAt:  now,
		lastUsedAt: now,
		ctxBrowser: ctxBrowser,
		page:       page,
	}

	row := &store.BrowserSession{
		ID:         h.ID,
		TenantID:   tenantID,
		Persistent: persistent,
		CreatedAt:  now,
		LastUsedAt: now,
		LeaseOwner: m.owner,
	}
	if err := m.store.Insert(ctx, row, m.cfg.LeaseTTL(), now); err != nil {
		h.close()
		return nil, fmt.Errorf("browser: insert session row: %w", err)
	}

	m.mu.Lock()
	m.handles[h.ID] = h
	m.mu.Unlock()

	return h, nil
}

// probe runs a trivial script against the handle's page to verify it is
// still responsive.
func (m *Manager) probe(ctx context.Context, h *Handle) bool {
	h.mu.Lock()
	page := h.page
	h.mu.Unlock()
	if page == nil {
		return false
	}
	_, err := page.Eval(`() => 1 + 1`)
	return err == nil
}

func (m *Manager) drop(ctx context.Context, h *Handle) {
	m.mu.Lock()
	delete(m.handles, h.ID)
	m.mu.Unlock()
	h.close()
	if err := m.store.Delete(ctx, h.ID); err != nil {
		slog.Warn("browser: failed to delete session row", "session_id", h.ID, "error", err)
	}
}

func (h *Handle) touch(now time.Time) {
	h.mu.Lock()
	h.lastUsedAt = now
	h.mu.Unlock()
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.page != nil {
		_ = h.page.Close()
		h.page = nil
	}
	if h.ctxBrowser != nil {
		_ = h.ctxBrowser.Close()
		h.ctxBrowser = nil
	}
}

// Page exposes the handle's current page for tool invocations that drive
// the browser (navigation, clicks, evaluation).
func (h *Handle) Page() *rod.Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.page
}

// Screenshot captures the current page, resizing it to maxWidth (0 keeps
// the original size) before returning PNG bytes, so large captures
// attached to outbound messages stay within channel transport limits.
func (h *Handle) Screenshot(maxWidth int) ([]byte, error) {
	h.mu.Lock()
	page := h.page
	h.mu.Unlock()
	if page == nil {
		return nil, tferrors.Tool("browser handle has no live page")
	}

	raw, err := page.Screenshot(true, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	if maxWidth <= 0 {
		return raw, nil
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("browser: decode screenshot: %w", err)
	}
	resized := imaging.Resize(img, maxWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return nil, fmt.Errorf("browser: encode resized screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

// sweepLoop runs the background cleanup pass every SweepInterval.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var toClose []*Handle
	for _, h := range m.handles {
		h.mu.Lock()
		age := now.Sub(h.CreatedAt)
		idle := now.Sub(h.lastUsedAt)
		h.mu.Unlock()
		switch {
		case !h.Persistent && idle > m.cfg.IdleTTL():
			toClose = append(toClose, h)
		case h.Persistent && age > m.cfg.PersistentTTL():
			toClose = append(toClose, h)
		}
	}
	m.mu.Unlock()

	for _, h := range toClose {
		slog.Info("browser: sweeping expired session", "session_id", h.ID, "tenant_id", h.TenantID, "persistent", h.Persistent)
		m.drop(ctx, h)
	}

	m.reclaimOrphans(ctx, now)
	m.reclaimLostHandles(ctx, now)
}

// reclaimOrphans deletes rows whose lease has expired and that have no
// local handle on this instance — they belong to an instance that died
// without cleaning up.
func (m *Manager) reclaimOrphans(ctx context.Context, now time.Time) {
	orphans, err := m.store.ListExpiredOrphans(ctx, now)
	if err != nil {
		slog.Warn("browser: list expired orphans failed", "error", err)
		return
	}
	for _, row := range orphans {
		if m.hasLocal(row.ID) {
			continue
		}
		if err := m.store.Delete(ctx, row.ID); err != nil {
			slog.Warn("browser: failed to delete orphan row", "session_id", row.ID, "error", err)
		}
	}
}

// reclaimLostHandles deletes rows this instance owns but for which the
// local handle is already gone (e.g. closed by a previous sweep pass
// whose row delete failed transiently).
func (m *Manager) reclaimLostHandles(ctx context.Context, now time.Time) {
	owned, err := m.store.ListOwnedBy(ctx, m.owner)
	if err != nil {
		slog.Warn("browser: list owned sessions failed", "error", err)
		return
	}
	for _, row := range owned {
		if m.hasLocal(row.ID) {
			continue
		}
		if err := m.store.Delete(ctx, row.ID); err != nil {
			slog.Warn("browser: failed to delete lost-handle row", "session_id", row.ID, "error", err)
		}
	}
}

func (m *Manager) hasLocal(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[id]
	return ok
}

// Count returns the number of live local handles for tenantID, used by
// tests and diagnostics to verify the per-tenant cap invariant.
func (m *Manager) Count(tenantID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if h.TenantID == tenantID {
			n++
		}
	}
	return n
}
