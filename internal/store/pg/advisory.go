package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock implements store.AdvisoryLocker using Postgres's built-in
// pg_try_advisory_lock — the idiomatic, driver-native way to get a single
// process-wide lock out of pgx without a separate coordination service.
type AdvisoryLock struct {
	pool *pgxpool.Pool
}

func (a *AdvisoryLock) TryLock(ctx context.Context, key int64) (bool, func(context.Context) error, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("pg: acquire conn for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Release()
		return false, nil, fmt.Errorf("pg: try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil, nil
	}

	release := func(releaseCtx context.Context) error {
		defer conn.Release()
		_, err := conn.Exec(releaseCtx, "SELECT pg_advisory_unlock($1)", key)
		if err != nil {
			return fmt.Errorf("pg: release advisory lock: %w", err)
		}
		return nil
	}
	return true, release, nil
}
