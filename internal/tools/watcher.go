package tools

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/tenantflow/internal/bootstrap"
)

// ManifestWatcher invalidates a tenant's cached manifest the moment its
// tools/manifest.json changes on disk, instead of waiting out the
// Runtime's TTL. It complements, rather than replaces, the TTL: a tenant
// whose workspace this process never watched (e.g. a crash before Watch
// was called) still gets a correct manifest within ManifestTTL.
//
// Watch is called from whichever goroutine first bootstraps a tenant's
// workspace (an inbound message, a claimed scheduled task, or a fired
// trigger can each be the first to see a given tenant), so concurrent
// callers for different tenants are expected, not an edge case.
type ManifestWatcher struct {
	rt          *Runtime
	tenantsRoot string

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	watched map[string]struct{}
}

// NewManifestWatcher builds a ManifestWatcher over rt. Call Watch for each
// tenant whose workspace exists, then Run in its own goroutine.
func NewManifestWatcher(rt *Runtime, tenantsRoot string) (*ManifestWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ManifestWatcher{
		rt:          rt,
		tenantsRoot: tenantsRoot,
		fsw:         fsw,
		watched:     make(map[string]struct{}),
	}, nil
}

// Watch starts watching tenantID's tools directory for manifest changes.
// Idempotent: watching an already-watched tenant is a no-op.
func (w *ManifestWatcher) Watch(tenantID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watched[tenantID]; ok {
		return nil
	}
	dir := filepath.Join(w.tenantsRoot, tenantID, bootstrap.SharedToolsDir)
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watched[tenantID] = struct{}{}
	return nil
}

// Run drains filesystem events until ctx is done, invalidating the
// touched tenant's manifest cache entry on every write/create/rename of
// manifest.json.
func (w *ManifestWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("tools: manifest watcher error", "error", err)
		}
	}
}

func (w *ManifestWatcher) handle(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != "manifest.json" {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}

	toolsDir := filepath.Dir(ev.Name)
	tenantDir := filepath.Dir(toolsDir)
	rel, err := filepath.Rel(w.tenantsRoot, tenantDir)
	if err != nil || strings.Contains(rel, "..") {
		return
	}

	w.rt.Invalidate(rel)
	slog.Debug("tools: manifest cache invalidated", "tenant_id", rel)
}
