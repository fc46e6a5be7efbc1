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

// TriggerStore implements store.TriggerStore.
type TriggerStore struct {
	pool *pgxpool.Pool
}

const triggerColumns = `id, tenant_id, user_id, trigger_type, status, task_prompt, autonomy, config,
	cooldown_seconds, debounce_seconds, last_triggered_at, next_check_at`

func scanTrigger(row pgx.Row) (*store.Trigger, error) {
	var t store.Trigger
	if err := row.Scan(&t.ID, &t.TenantID, &t.UserID, &t.TriggerType, &t.Status, &t.TaskPrompt, &t.Autonomy, &t.Config,
		&t.CooldownSeconds, &t.DebounceSeconds, &t.LastTriggeredAt, &t.NextCheckAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TriggerStore) Create(ctx context.Context, trig *store.Trigger) error {
	if trig.ID == uuid.Nil {
		trig.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO triggers (id, tenant_id, user_id, trigger_type, status, task_prompt, autonomy, config,
			cooldown_seconds, debounce_seconds, next_check_at)
		 VALUES ($1,$2,$3,$4,'active',$5,$6,$7,$8,$9,$10)`,
		trig.ID, trig.TenantID, trig.UserID, trig.TriggerType, trig.TaskPrompt, trig.Autonomy, trig.Config,
		trig.CooldownSeconds, trig.DebounceSeconds, trig.NextCheckAt,
	)
	if err != nil {
		return fmt.Errorf("pg: create trigger: %w", err)
	}
	return nil
}

// ListDue returns active triggers of the given type whose next_check_at has
// arrived. Webhook triggers (synchronous, no polling cadence) are excluded
// by callers, not this query, since they have no next_check_at floor.
func (s *TriggerStore) ListDue(ctx context.Context, triggerType store.TriggerType, now time.Time) ([]*store.Trigger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		 WHERE status = 'active' AND trigger_type = $1 AND (next_check_at IS NULL OR next_check_at <= $2)`,
		triggerType, now,
	)
	if err != nil {
		return nil, fmt.Errorf("pg: list due triggers: %w", err)
	}
	defer rows.Close()

	var out []*store.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TriggerStore) MarkFired(ctx context.Context, triggerID uuid.UUID, now time.Time, nextCheckAt time.Time) error {
	_, err := s.pool.Exec(ctx, "UPDATE triggers SET last_triggered_at = $2, next_check_at = $3 WHERE id = $1", triggerID, now, nextCheckAt)
	if err != nil {
		return fmt.Errorf("pg: mark trigger %s fired: %w", triggerID, err)
	}
	return nil
}

func (s *TriggerStore) AdvanceCheck(ctx context.Context, triggerID uuid.UUID, nextCheckAt time.Time) error {
	_, err := s.pool.Exec(ctx, "UPDATE triggers SET next_check_at = $2 WHERE id = $1", triggerID, nextCheckAt)
	if err != nil {
		return fmt.Errorf("pg: advance trigger %s: %w", triggerID, err)
	}
	return nil
}

func (s *TriggerStore) Get(ctx context.Context, triggerID uuid.UUID) (*store.Trigger, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+triggerColumns+" FROM triggers WHERE id = $1", triggerID)
	t, err := scanTrigger(row)
	if err != nil {
		return nil, fmt.Errorf("pg: get trigger %s: %w", triggerID, err)
	}
	return t, nil
}
