// Package scheduler implements the distributed, cron-plus-one-shot task
// runner: once per minute, each instance attempts the process-wide
// scheduler advisory lock; the holder claims due tasks under a row-locked
// transaction (the sole mechanism preventing double-execution) and
// dispatches each through the Agent Runtime.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nextlevelbuilder/tenantflow/internal/config"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// advisoryLockKey is the fixed key every instance contends for; only its
// holder runs a tick's claim-and-execute cycle.
const advisoryLockKey int64 = 0x7463_6c61_7772 // "tclawr" truncated to fit int64

// Dispatcher is the narrow capability the Scheduler needs from the Agent
// Runtime: run one scheduled task to completion (CLI dispatch, channel
// send, message persistence all happen inside) and return its textual
// output for previous_outputs continuity.
type Dispatcher interface {
	RunScheduledTask(ctx context.Context, task *store.ScheduledTask) (output string, err error)
}

// Scheduler ticks every minute, claims due tasks under the advisory lock,
// and dispatches each through a Dispatcher.
type Scheduler struct {
	tasks     store.TaskStore
	advisory  store.AdvisoryLocker
	dispatch  Dispatcher
	owner     string
	batch     int
	leaseTTL  time.Duration
	maxFail   int
	maxHist   int
	graceStop time.Duration

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	execCancel context.CancelFunc
	done       chan struct{}
}

// New builds a Scheduler from configuration. owner is this process's
// lease-owner identity, shared with the Conversation Session Manager's
// convention of "<hostname>-<pid>".
func New(tasks store.TaskStore, advisory store.AdvisoryLocker, dispatch Dispatcher, cfg config.SchedulerConfig, owner string) *Scheduler {
	return &Scheduler{
		tasks:     tasks,
		advisory:  advisory,
		dispatch:  dispatch,
		owner:     owner,
		batch:     cfg.Batch(),
		leaseTTL:  cfg.LeaseTTL(),
		maxFail:   cfg.MaxFailures(),
		maxHist:   20,
		graceStop: 30 * time.Second,
	}
}

// Owner builds the "<hostname>-<pid>" lease-owner identity shared across
// the scheduler, the sessions manager, and the browser session manager.
func Owner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Start launches the once-per-minute tick loop. It returns immediately;
// call Stop to shut down.
//
// Two independent contexts are in play: tickCtx gates the tick loop itself
// (claim cycles stop immediately on Stop) while execCtx gates in-flight
// task executions — it is only canceled once the grace window in Stop has
// elapsed, so a dispatch already running keeps its full timeout budget
// during an ordinary shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	tickCtx, tickCancel := context.WithCancel(ctx)
	s.cancel = tickCancel
	s.done = make(chan struct{})

	execCtx, execCancel := context.WithCancel(context.Background())
	s.execCancel = execCancel

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		s.tick(tickCtx, execCtx)
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.tick(tickCtx, execCtx)
			}
		}
	}()
}

// Stop cancels the tick loop and waits for in-flight task executions to
// finish, up to a fixed 30-second grace window. Anything still running past
// that window has its execution context canceled so it aborts promptly;
// its lease is reclaimed by another instance once it expires.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(s.graceStop):
		slog.Warn("scheduler: grace window elapsed with executions still in flight")
		s.execCancel()
		<-waitCh
	}
	<-s.done
}

// tick attempts the advisory lock and, if acquired, runs exactly one
// claim-and-execute cycle. lockCtx gates the claim itself; execCtx is
// threaded into dispatched executions.
func (s *Scheduler) tick(lockCtx, execCtx context.Context) {
	acquired, release, err := s.advisory.TryLock(lockCtx, advisoryLockKey)
	if err != nil {
		slog.Error("scheduler: advisory lock attempt failed", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := release(lockCtx); err != nil {
			slog.Warn("scheduler: failed to release advisory lock", "error", err)
		}
	}()

	now := time.Now().UTC()
	claimed, err := s.tasks.Claim(lockCtx, s.owner, s.batch, s.leaseTTL, now)
	if err != nil {
		slog.Error("scheduler: claim failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	slog.Info("scheduler: claimed tasks", "count", len(claimed))

	for _, task := range claimed {
		s.wg.Add(1)
		go func(task *store.ScheduledTask) {
			defer s.wg.Done()
			s.execute(execCtx, task)
		}(task)
	}
}

// execute dispatches one claimed task and records the outcome per spec
// §4.3's success/failure bookkeeping.
func (s *Scheduler) execute(ctx context.Context, task *store.ScheduledTask) {
	output, err := s.dispatch.RunScheduledTask(ctx, task)
	if err != nil {
		slog.Error("scheduler: task execution failed", "task_id", task.ID, "error", err)
		if failErr := s.tasks.Fail(ctx, task.ID, err.Error(), s.maxFail); failErr != nil {
			slog.Error("scheduler: failed to record task failure", "task_id", task.ID, "error", failErr)
		}
		return
	}

	if task.IsOneTime {
		if err := s.tasks.CompleteOneTime(ctx, task.ID); err != nil {
			slog.Error("scheduler: failed to complete one-time task", "task_id", task.ID, "error", err)
		}
		return
	}

	nextRun, err := NextFireAfter(*task.CronExpr, task.Timezone, time.Now().UTC())
	if err != nil {
		slog.Error("scheduler: failed to compute next fire time", "task_id", task.ID, "error", err)
		_ = s.tasks.Fail(ctx, task.ID, fmt.Sprintf("bad cron expression: %v", err), s.maxFail)
		return
	}

	if err := s.tasks.CompleteRecurring(ctx, task.ID, nextRun, output, s.maxHist); err != nil {
		slog.Error("scheduler: failed to complete recurring task", "task_id", task.ID, "error", err)
	}
}
