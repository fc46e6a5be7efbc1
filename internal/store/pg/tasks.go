package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// TaskStore implements store.TaskStore's claim-under-lock pattern: Claim
// selects and leases due tasks inside one transaction, the sole mechanism
// preventing double-execution (spec §4.3).
type TaskStore struct {
	pool *pgxpool.Pool
}

const taskColumns = `id, tenant_id, user_id, task_prompt, task_type, is_one_time, cron_expr, run_at,
	timezone, next_run_at, enabled, error_count, last_error, lease_owner, lease_expires_at, previous_outputs`

func scanTask(row pgx.Row) (*store.ScheduledTask, error) {
	var t store.ScheduledTask
	if err := row.Scan(&t.ID, &t.TenantID, &t.UserID, &t.TaskPrompt, &t.TaskType, &t.IsOneTime, &t.CronExpr, &t.RunAt,
		&t.Timezone, &t.NextRunAt, &t.Enabled, &t.ErrorCount, &t.LastError, &t.LeaseOwner, &t.LeaseExpiresAt, &t.PreviousOutputs); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TaskStore) Create(ctx context.Context, task *store.ScheduledTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_tasks (id, tenant_id, user_id, task_prompt, task_type, is_one_time, cron_expr, run_at,
			timezone, next_run_at, enabled, error_count, previous_outputs)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,true,0,'{}')`,
		task.ID, task.TenantID, task.UserID, task.TaskPrompt, task.TaskType, task.IsOneTime, task.CronExpr, task.RunAt,
		task.Timezone, task.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("pg: create task: %w", err)
	}
	return nil
}

// Claim selects up to batchSize due, unleased tasks and stamps them with a
// fresh lease in a single transaction, ordered by next_run_at so tie
// breaking within a tick follows claim order.
func (s *TaskStore) Claim(ctx context.Context, owner string, batchSize int, leaseTTL time.Duration, now time.Time) ([]*store.ScheduledTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pg: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE enabled AND next_run_at <= $1 AND (lease_expires_at IS NULL OR lease_expires_at < $1)
		 ORDER BY next_run_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("pg: select due tasks: %w", err)
	}

	var claimed []*store.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("pg: scan due task: %w", err)
		}
		claimed = append(claimed, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg: iterate due tasks: %w", err)
	}

	leaseExpires := now.Add(leaseTTL)
	for _, t := range claimed {
		if _, err := tx.Exec(ctx, "UPDATE scheduled_tasks SET lease_owner = $2, lease_expires_at = $3 WHERE id = $1", t.ID, owner, leaseExpires); err != nil {
			return nil, fmt.Errorf("pg: stamp lease on task %s: %w", t.ID, err)
		}
		o := owner
		t.LeaseOwner = &o
		t.LeaseExpiresAt = &leaseExpires
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pg: commit claim: %w", err)
	}
	return claimed, nil
}

func (s *TaskStore) CompleteOneTime(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM scheduled_tasks WHERE id = $1", taskID)
	if err != nil {
		return fmt.Errorf("pg: delete one-time task %s: %w", taskID, err)
	}
	return nil
}

func (s *TaskStore) CompleteRecurring(ctx context.Context, taskID uuid.UUID, nextRunAt time.Time, appendOutput string, maxHistory int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_tasks
		 SET next_run_at = $2, lease_owner = NULL, lease_expires_at = NULL, error_count = 0,
		     previous_outputs = (array_append(previous_outputs, $3::text))[
		       greatest(1, array_length(array_append(previous_outputs, $3::text), 1) - $4 + 1):
		     ]
		 WHERE id = $1`,
		taskID, nextRunAt, appendOutput, maxHistory,
	)
	if err != nil {
		return fmt.Errorf("pg: complete recurring task %s: %w", taskID, err)
	}
	return nil
}

func (s *TaskStore) Fail(ctx context.Context, taskID uuid.UUID, errMsg string, disableThreshold int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_tasks
		 SET error_count = error_count + 1, last_error = $2, lease_owner = NULL, lease_expires_at = NULL,
		     enabled = (error_count + 1 < $3)
		 WHERE id = $1`,
		taskID, errMsg, disableThreshold,
	)
	if err != nil {
		return fmt.Errorf("pg: fail task %s: %w", taskID, err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, taskID uuid.UUID) (*store.ScheduledTask, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = $1", taskID)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("pg: get task %s: %w", taskID, err)
	}
	return t, nil
}
