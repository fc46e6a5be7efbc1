package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/config"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

type fakeTriggerStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*store.Trigger
	advanced map[uuid.UUID]time.Time
	fired    map[uuid.UUID]time.Time
}

func newFakeTriggerStore() *fakeTriggerStore {
	return &fakeTriggerStore{
		rows:     map[uuid.UUID]*store.Trigger{},
		advanced: map[uuid.UUID]time.Time{},
		fired:    map[uuid.UUID]time.Time{},
	}
}

func (f *fakeTriggerStore) Create(ctx context.Context, trig *store.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[trig.ID] = trig
	return nil
}

func (f *fakeTriggerStore) ListDue(ctx context.Context, triggerType store.TriggerType, now time.Time) ([]*store.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Trigger
	for _, t := range f.rows {
		if t.TriggerType == triggerType && t.Status == store.TriggerStatusActive {
			if t.NextCheckAt == nil || !t.NextCheckAt.After(now) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (f *fakeTriggerStore) MarkFired(ctx context.Context, triggerID uuid.UUID, now time.Time, nextCheckAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired[triggerID] = now
	if t, ok := f.rows[triggerID]; ok {
		t.LastTriggeredAt = &now
		t.NextCheckAt = &nextCheckAt
	}
	return nil
}

func (f *fakeTriggerStore) AdvanceCheck(ctx context.Context, triggerID uuid.UUID, nextCheckAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced[triggerID] = nextCheckAt
	if t, ok := f.rows[triggerID]; ok {
		t.NextCheckAt = &nextCheckAt
	}
	return nil
}

func (f *fakeTriggerStore) Get(ctx context.Context, triggerID uuid.UUID) (*store.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[triggerID], nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeDispatcher) RunTriggerFire(ctx context.Context, trig *store.Trigger, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func TestHandleDropsEventsWithinCooldown(t *testing.T) {
	st := newFakeTriggerStore()
	disp := &fakeDispatcher{}
	e := New(st, disp, config.TriggerConfig{})

	last := time.Now().UTC()
	trig := &store.Trigger{
		ID: uuid.New(), TriggerType: store.TriggerTypeWebhook, Status: store.TriggerStatusActive,
		CooldownSeconds: 3600, LastTriggeredAt: &last,
	}
	st.rows[trig.ID] = trig

	e.handle(Event{TriggerID: trig.ID, TenantID: trig.TenantID})

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if disp.calls != 0 {
		t.Fatalf("expected cooldown to suppress dispatch, got %d calls", disp.calls)
	}
}

func TestHandleDispatchesAfterCooldownElapses(t *testing.T) {
	st := newFakeTriggerStore()
	disp := &fakeDispatcher{}
	e := New(st, disp, config.TriggerConfig{})

	last := time.Now().UTC().Add(-time.Hour)
	trig := &store.Trigger{
		ID: uuid.New(), TriggerType: store.TriggerTypeWebhook, Status: store.TriggerStatusActive,
		CooldownSeconds: 60, LastTriggeredAt: &last,
	}
	st.rows[trig.ID] = trig

	e.handle(Event{TriggerID: trig.ID, TenantID: trig.TenantID})

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if disp.calls != 1 {
		t.Fatalf("expected dispatch after cooldown elapsed, got %d calls", disp.calls)
	}
	if _, ok := st.fired[trig.ID]; !ok {
		t.Fatalf("expected trigger marked fired")
	}
}

func TestHandleIgnoresPausedTrigger(t *testing.T) {
	st := newFakeTriggerStore()
	disp := &fakeDispatcher{}
	e := New(st, disp, config.TriggerConfig{})

	trig := &store.Trigger{ID: uuid.New(), TriggerType: store.TriggerTypeWebhook, Status: store.TriggerStatusPaused}
	st.rows[trig.ID] = trig

	e.handle(Event{TriggerID: trig.ID})

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if disp.calls != 0 {
		t.Fatalf("expected paused trigger not to dispatch")
	}
}

func TestConditionAdapterFiresOnlyOnTransition(t *testing.T) {
	st := newFakeTriggerStore()
	trig := &store.Trigger{ID: uuid.New(), TriggerType: store.TriggerTypeCondition, Status: store.TriggerStatusActive}
	st.rows[trig.ID] = trig

	var state bool
	var mu sync.Mutex
	predicate := func(ctx context.Context, tr *store.Trigger) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return state, nil
	}

	var fired int
	var firedMu sync.Mutex
	adapter := NewConditionAdapter(st, predicate, time.Hour)
	adapter.OnEvent(func(ev Event) {
		firedMu.Lock()
		fired++
		firedMu.Unlock()
	})

	adapter.pollOnce(context.Background())
	firedMu.Lock()
	if fired != 0 {
		t.Fatalf("expected no fire while condition false, got %d", fired)
	}
	firedMu.Unlock()

	mu.Lock()
	state = true
	mu.Unlock()
	trig.NextCheckAt = nil // let the poll interval elapse so the trigger is due again
	adapter.pollOnce(context.Background())

	firedMu.Lock()
	if fired != 1 {
		t.Fatalf("expected exactly one fire on false->true transition, got %d", fired)
	}
	firedMu.Unlock()

	trig.NextCheckAt = nil
	adapter.pollOnce(context.Background())
	firedMu.Lock()
	defer firedMu.Unlock()
	if fired != 1 {
		t.Fatalf("expected no re-fire while condition stays true, got %d", fired)
	}
}

func TestDedupRingSuppressesRepeatedID(t *testing.T) {
	r := newDedupRing(2)
	if r.seenBefore("a") {
		t.Fatalf("expected first occurrence of a to be new")
	}
	if !r.seenBefore("a") {
		t.Fatalf("expected repeated a to be suppressed")
	}
	r.seenBefore("b")
	r.seenBefore("c") // evicts "a"
	if r.seenBefore("a") {
		t.Fatalf("did not expect eviction to mark a as seen before re-check")
	}
}
