// Package tools implements the Tenant Tool Runtime: tenant-scoped,
// manifest-declared executables invoked with a JSON stdin/stdout contract,
// bounded by a timeout, an output-size cap, and a process-wide concurrency
// semaphore.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/tenantflow/internal/errors"
)

// Manifest describes one tool a tenant has made available to its agent,
// loaded from <tenant workspace>/tools/manifest.json.
type Manifest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
}

// Invocation is the JSON payload written to a tool subprocess's stdin.
type Invocation struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// Result is the JSON payload read back from a tool subprocess's stdout.
type Result struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// manifestCacheEntry holds a tenant's parsed manifest with its load time,
// refreshed lazily once ManifestTTL has elapsed.
type manifestCacheEntry struct {
	tools    map[string]Manifest
	loadedAt time.Time
}

// Runtime executes tenant tools as subprocesses, enforcing a per-process
// concurrency cap, per-invocation timeout, and output size limit.
type Runtime struct {
	loadManifest func(tenantID string) ([]Manifest, error)
	timeout      time.Duration
	outputLimit  int64
	manifestTTL  time.Duration
	sem          *semaphore.Weighted

	mu    sync.Mutex
	cache map[string]manifestCacheEntry
}

// NewRuntime builds a Runtime. loadManifest reads and parses a tenant's
// manifest.json from its workspace (or the tenant tool store, depending on
// deployment) — injected so the runtime stays storage-agnostic.
func NewRuntime(loadManifest func(tenantID string) ([]Manifest, error), timeout time.Duration, maxConcurrent int64, outputLimit int64, manifestTTL time.Duration) *Runtime {
	return &Runtime{
		loadManifest: loadManifest,
		timeout:      timeout,
		outputLimit:  outputLimit,
		manifestTTL:  manifestTTL,
		sem:          semaphore.NewWeighted(maxConcurrent),
		cache:        make(map[string]manifestCacheEntry),
	}
}

// resolve returns the manifest entry for (tenantID, toolName), refreshing
// the tenant's cached manifest if it is missing or older than manifestTTL.
func (r *Runtime) resolve(tenantID, toolName string) (Manifest, error) {
	r.mu.Lock()
	entry, ok := r.cache[tenantID]
	stale := !ok || time.Since(entry.loadedAt) > r.manifestTTL
	r.mu.Unlock()

	if stale {
		list, err := r.loadManifest(tenantID)
		if err != nil {
			return Manifest{}, errors.Tool("load manifest for tenant %s: %v", tenantID, err)
		}
		byName := make(map[string]Manifest, len(list))
		for _, m := range list {
			byName[m.Name] = m
		}
		entry = manifestCacheEntry{tools: byName, loadedAt: time.Now()}
		r.mu.Lock()
		r.cache[tenantID] = entry
		r.mu.Unlock()
	}

	m, ok := entry.tools[toolName]
	if !ok {
		return Manifest{}, errors.Tool("tool %q not found for tenant %s", toolName, tenantID)
	}
	return m, nil
}

// Invalidate drops a tenant's cached manifest, forcing the next Invoke to
// reload it immediately.
func (r *Runtime) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

// Invoke runs toolName for tenantID with the given JSON input, enforcing
// the concurrency cap, timeout, and output-size limit. Returns
// errors.ErrOverloaded if the concurrency cap is saturated and ctx expires
// first while waiting for a slot.
func (r *Runtime) Invoke(ctx context.Context, tenantID, toolName string, input json.RawMessage) (*Result, error) {
	manifest, err := r.resolve(tenantID, toolName)
	if err != nil {
		return nil, err
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.ErrOverloaded
	}
	defer r.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, manifest.Command, manifest.Args...)
	// Send SIGTERM (not the default immediate SIGKILL) when runCtx expires,
	// giving the tool a chance to exit cleanly; if it hasn't exited within
	// WaitDelay, exec escalates to SIGKILL on our behalf (spec §4.7 "issues
	// SIGTERM and, after 1 s, SIGKILL").
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = time.Second

	invocation, err := json.Marshal(Invocation{Tool: toolName, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal tool invocation: %w", err)
	}
	cmd.Stdin = bytes.NewReader(invocation)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.ErrSpawnFailed
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, errors.ErrSpawnFailed
	}

	limited := io.LimitReader(stdout, r.outputLimit+1)
	output, readErr := io.ReadAll(limited)
	truncated := int64(len(output)) > r.outputLimit
	if truncated {
		// The child may still be blocked writing past the cap — kill it
		// first so cmd.Wait() below can't hang on a full, unread pipe.
		killProcessGroup(cmd)
		return nil, errors.ErrOutputTooLarge
	}

	waitErr := cmd.Wait()

	if readErr != nil {
		return nil, fmt.Errorf("read tool output: %w", readErr)
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, errors.ErrCliTimeout
	}

	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		stderrTail := tailBytes(stderrBuf.Bytes(), 4096)
		return nil, errors.NewToolExit(exitCode, stderrTail)
	}

	var result Result
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parse tool output: %w", err)
	}
	return &result, nil
}

// killProcessGroup escalates from SIGTERM to SIGKILL after a one-second
// grace period, matching the CLI Session Store's shutdown sequence.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		if err := cmd.Process.Kill(); err != nil {
			slog.Warn("failed to SIGKILL tool subprocess", "error", err)
		}
	}
}

func tailBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
