package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/config"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

type fakeAdvisory struct {
	mu     sync.Mutex
	locked bool
}

func (f *fakeAdvisory) TryLock(ctx context.Context, key int64) (bool, func(context.Context) error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return false, nil, nil
	}
	f.locked = true
	return true, func(context.Context) error {
		f.mu.Lock()
		f.locked = false
		f.mu.Unlock()
		return nil
	}, nil
}

type fakeTasks struct {
	mu        sync.Mutex
	pending   []*store.ScheduledTask
	completed []uuid.UUID
	recurring map[uuid.UUID]time.Time
	failed    map[uuid.UUID]int
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{recurring: map[uuid.UUID]time.Time{}, failed: map[uuid.UUID]int{}}
}

func (f *fakeTasks) Create(ctx context.Context, t *store.ScheduledTask) error { return nil }

func (f *fakeTasks) Claim(ctx context.Context, owner string, batchSize int, leaseTTL time.Duration, now time.Time) ([]*store.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*store.ScheduledTask
	for _, t := range f.pending {
		if t.Enabled && !t.NextRunAt.After(now) {
			due = append(due, t)
		}
	}
	f.pending = nil
	return due, nil
}

func (f *fakeTasks) CompleteOneTime(ctx context.Context, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, taskID)
	return nil
}

func (f *fakeTasks) CompleteRecurring(ctx context.Context, taskID uuid.UUID, nextRunAt time.Time, appendOutput string, maxHistory int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recurring[taskID] = nextRunAt
	return nil
}

func (f *fakeTasks) Fail(ctx context.Context, taskID uuid.UUID, errMsg string, disableThreshold int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[taskID]++
	return nil
}

func (f *fakeTasks) Get(ctx context.Context, taskID uuid.UUID) (*store.ScheduledTask, error) {
	return nil, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	count int
	fail  bool
}

func (f *fakeDispatcher) RunScheduledTask(ctx context.Context, task *store.ScheduledTask) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.fail {
		return "", errTest
	}
	return "ok", nil
}

var errTest = &testError{"dispatch failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestTickClaimsAndCompletesOneTime(t *testing.T) {
	tasks := newFakeTasks()
	id := uuid.New()
	tasks.pending = []*store.ScheduledTask{{
		ID: id, IsOneTime: true, Enabled: true, NextRunAt: time.Now().Add(-time.Minute),
	}}
	disp := &fakeDispatcher{}
	sched := New(tasks, &fakeAdvisory{}, disp, config.SchedulerConfig{BatchSize: 10, LeaseTTLSeconds: 300}, "test-1")

	sched.tick(context.Background(), context.Background())
	sched.wg.Wait()

	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	if len(tasks.completed) != 1 || tasks.completed[0] != id {
		t.Fatalf("expected task %s completed, got %v", id, tasks.completed)
	}
}

func TestTickFailureIncrementsErrorCount(t *testing.T) {
	tasks := newFakeTasks()
	id := uuid.New()
	tasks.pending = []*store.ScheduledTask{{
		ID: id, IsOneTime: true, Enabled: true, NextRunAt: time.Now().Add(-time.Minute),
	}}
	disp := &fakeDispatcher{fail: true}
	sched := New(tasks, &fakeAdvisory{}, disp, config.SchedulerConfig{BatchSize: 10, LeaseTTLSeconds: 300}, "test-1")

	sched.tick(context.Background(), context.Background())
	sched.wg.Wait()

	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	if tasks.failed[id] != 1 {
		t.Fatalf("expected one failure recorded, got %d", tasks.failed[id])
	}
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	tasks := newFakeTasks()
	tasks.pending = []*store.ScheduledTask{{
		ID: uuid.New(), IsOneTime: true, Enabled: true, NextRunAt: time.Now().Add(-time.Minute),
	}}
	adv := &fakeAdvisory{locked: true}
	disp := &fakeDispatcher{}
	sched := New(tasks, adv, disp, config.SchedulerConfig{BatchSize: 10, LeaseTTLSeconds: 300}, "test-1")

	sched.tick(context.Background(), context.Background())
	sched.wg.Wait()

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if disp.count != 0 {
		t.Fatalf("expected no dispatch while lock held, got %d calls", disp.count)
	}
}

func TestNextFireAfterReturnsFutureOccurrence(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	next, err := NextFireAfter("0 9 * * *", "UTC", now)
	if err != nil {
		t.Fatalf("NextFireAfter: %v", err)
	}
	if !next.After(now) {
		t.Fatalf("expected strictly future occurrence, got %v vs now %v", next, now)
	}
}

func TestValidCron(t *testing.T) {
	if !ValidCron("* * * * *") {
		t.Fatalf("expected valid cron expression to validate")
	}
	if ValidCron("not a cron") {
		t.Fatalf("expected invalid cron expression to fail validation")
	}
}
