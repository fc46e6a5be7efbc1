// Package pg implements internal/store's interfaces against Postgres using
// pgx. Schema is versioned via golang-migrate (see migrations/); this
// package only ever issues plain SQL against an already-migrated database.
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// Config holds the connection parameters for opening the store pool.
type Config struct {
	DSN string
}

// Open creates a pgx connection pool and wraps it in a store.Stores bundle.
func Open(ctx context.Context, cfg Config) (*store.Stores, *pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, nil, fmt.Errorf("pg: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pg: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pg: ping: %w", err)
	}

	return &store.Stores{
		Tenants:         &TenantStore{pool: pool},
		Sessions:        &SessionStore{pool: pool},
		Messages:        &MessageStore{pool: pool},
		Tasks:           &TaskStore{pool: pool},
		Triggers:        &TriggerStore{pool: pool},
		BrowserSessions: &BrowserSessionStore{pool: pool},
		Credentials:     &CredentialStore{pool: pool},
		Advisory:        &AdvisoryLock{pool: pool},
	}, pool, nil
}
