package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// Predicate evaluates one condition trigger's opaque Config and reports
// whether the condition currently holds. Predicate implementations are
// supplied by the caller (spec §4.4 leaves "the condition language" out of
// scope for the core) and must not block longer than a single poll tick.
type Predicate func(ctx context.Context, trig *store.Trigger) (bool, error)

// ConditionAdapter polls every active condition trigger on a fixed
// interval and fires on a false→true transition only, so a condition that
// stays true does not re-fire every tick (spec §4.4 "Firing rules").
type ConditionAdapter struct {
	triggers store.TriggerStore
	evaluate Predicate
	interval time.Duration

	onEvent func(Event)

	mu        sync.Mutex
	lastState map[uuid.UUID]bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewConditionAdapter(triggers store.TriggerStore, evaluate Predicate, interval time.Duration) *ConditionAdapter {
	return &ConditionAdapter{
		triggers:  triggers,
		evaluate:  evaluate,
		interval:  interval,
		lastState: map[uuid.UUID]bool{},
	}
}

func (c *ConditionAdapter) OnEvent(callback func(Event)) { c.onEvent = callback }

func (c *ConditionAdapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.pollOnce(runCtx)
			}
		}
	}()
	return nil
}

func (c *ConditionAdapter) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *ConditionAdapter) pollOnce(ctx context.Context) {
	now := time.Now().UTC()
	due, err := c.triggers.ListDue(ctx, store.TriggerTypeCondition, now)
	if err != nil {
		slog.Error("trigger: condition poll failed to list due triggers", "error", err)
		return
	}

	for _, trig := range due {
		holds, err := c.evaluate(ctx, trig)
		if err != nil {
			slog.Error("trigger: condition evaluation failed", "trigger_id", trig.ID, "error", err)
			continue
		}

		c.mu.Lock()
		was := c.lastState[trig.ID]
		c.lastState[trig.ID] = holds
		c.mu.Unlock()

		if holds && !was && c.onEvent != nil {
			c.onEvent(Event{TriggerID: trig.ID, TenantID: trig.TenantID, UserID: trig.UserID})
			continue
		}

		// No transition: still advance next_check_at so the poller does
		// not re-select this trigger until the next interval elapses.
		if err := c.triggers.AdvanceCheck(ctx, trig.ID, now.Add(c.interval)); err != nil {
			slog.Error("trigger: failed to advance next_check_at", "trigger_id", trig.ID, "error", err)
		}
	}
}
