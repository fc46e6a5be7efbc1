package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/bootstrap"
)

// timelineEntry is one append-only record of a completed exchange, written
// to a tenant's per-day timeline file for later inspection or replay.
type timelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	SenderID  string    `json:"sender_id"`
	Kind      string    `json:"kind"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
}

// logTimeline appends one entry to tenants/<id>/timeline/<date>.jsonl.
// Failures are logged and swallowed: the timeline is a best-effort audit
// trail, never a dependency of the request path.
func (r *Runtime) logTimeline(tenantID uuid.UUID, senderID, kind, input, output string) {
	now := time.Now().UTC()
	dir := filepath.Join(r.workspaceDir(tenantID), bootstrap.TimelineDir)
	path := filepath.Join(dir, now.Format("2006-01-02")+".jsonl")

	entry := timelineEntry{Timestamp: now, SenderID: senderID, Kind: kind, Input: input, Output: output}
	line, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("agent: failed to marshal timeline entry", "tenant_id", tenantID, "error", err)
		return
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("agent: failed to open timeline file", "tenant_id", tenantID, "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("agent: failed to append timeline entry", "tenant_id", tenantID, "error", err)
	}
}
