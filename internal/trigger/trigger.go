// Package trigger implements the Trigger Evaluator: a pluggable
// event-source layer that turns external events into executions
// indistinguishable, from the Agent Runtime's perspective, from a
// scheduled task. Each adapter variant (webhook, condition, mailbox)
// implements the shared Adapter contract; cooldown and next-check
// bookkeeping live here, common to all variants.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/config"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// Event is a single firing surfaced by an adapter, destined for dispatch
// through the Agent Runtime exactly like a scheduled task.
type Event struct {
	TriggerID uuid.UUID
	TenantID  uuid.UUID
	UserID    string
	Payload   json.RawMessage
}

// Adapter is the narrow capability every trigger source implements: start
// its own polling/listening loop, stop it, and register a callback for
// qualifying events. Adapters own their own cadences and internal
// deduplication state (spec §4.4 "Adapter contract").
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnEvent(callback func(Event))
}

// Dispatcher is the narrow capability the Evaluator needs from the Agent
// Runtime: run one trigger fire to completion exactly as a scheduled
// task would run (CLI dispatch, channel send, message persistence).
type Dispatcher interface {
	RunTriggerFire(ctx context.Context, trig *store.Trigger, payload json.RawMessage) error
}

// Evaluator owns the registered adapters and the firing-rule bookkeeping
// (cooldown, next-check advance) common to every trigger type.
type Evaluator struct {
	triggers store.TriggerStore
	dispatch Dispatcher
	cfg      config.TriggerConfig
	adapters []Adapter
}

// New builds an Evaluator. Adapters are registered with Register before
// Start.
func New(triggers store.TriggerStore, dispatch Dispatcher, cfg config.TriggerConfig) *Evaluator {
	return &Evaluator{triggers: triggers, dispatch: dispatch, cfg: cfg}
}

// Register adds an adapter and wires its OnEvent callback to the
// Evaluator's firing pipeline.
func (e *Evaluator) Register(a Adapter) {
	a.OnEvent(e.handle)
	e.adapters = append(e.adapters, a)
}

// Start starts every registered adapter.
func (e *Evaluator) Start(ctx context.Context) error {
	for _, a := range e.adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("trigger: start adapter: %w", err)
		}
	}
	return nil
}

// Stop stops every registered adapter.
func (e *Evaluator) Stop(ctx context.Context) {
	for _, a := range e.adapters {
		if err := a.Stop(ctx); err != nil {
			slog.Warn("trigger: adapter stop failed", "error", err)
		}
	}
}

// handle applies the cooldown rule, dispatches the event exactly as the
// Scheduler dispatches a task, then stamps last_triggered_at and advances
// next_check_at (spec §4.4 "Firing rules", "Dispatch").
func (e *Evaluator) handle(ev Event) {
	ctx := context.Background()

	trig, err := e.triggers.Get(ctx, ev.TriggerID)
	if err != nil {
		slog.Error("trigger: failed to load trigger for event", "trigger_id", ev.TriggerID, "error", err)
		return
	}
	if trig.Status != store.TriggerStatusActive {
		return
	}

	now := time.Now().UTC()
	if trig.LastTriggeredAt != nil {
		cooldownUntil := trig.LastTriggeredAt.Add(time.Duration(trig.CooldownSeconds) * time.Second)
		if now.Before(cooldownUntil) {
			slog.Debug("trigger: dropped event within cooldown", "trigger_id", trig.ID)
			return
		}
	}

	if err := e.dispatch.RunTriggerFire(ctx, trig, ev.Payload); err != nil {
		slog.Error("trigger: dispatch failed", "trigger_id", trig.ID, "error", err)
		return
	}

	nextCheck := now.Add(time.Duration(trig.DebounceSeconds) * time.Second)
	if err := e.triggers.MarkFired(ctx, trig.ID, now, nextCheck); err != nil {
		slog.Error("trigger: failed to mark trigger fired", "trigger_id", trig.ID, "error", err)
	}
}
