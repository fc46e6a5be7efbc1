package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// TenantStore is the pgx-backed store.TenantStore implementation.
type TenantStore struct {
	pool *pgxpool.Pool
}

const tenantColumns = "id, display_name, channel, recipient_id, status, onboarding_phase, created_at"

func scanTenant(row pgx.Row) (*store.Tenant, error) {
	var t store.Tenant
	if err := row.Scan(&t.ID, &t.DisplayName, &t.Channel, &t.RecipientID, &t.Status, &t.OnboardingPhase, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = $1", id)
	t, err := scanTenant(row)
	if err != nil {
		return nil, fmt.Errorf("pg: get tenant %s: %w", id, err)
	}
	return t, nil
}

func (s *TenantStore) List(ctx context.Context) ([]*store.Tenant, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+tenantColumns+" FROM tenants ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("pg: list tenants: %w", err)
	}
	defer rows.Close()

	var out []*store.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TenantStore) UpdateOnboardingPhase(ctx context.Context, id uuid.UUID, phase string) error {
	_, err := s.pool.Exec(ctx, "UPDATE tenants SET onboarding_phase = $2 WHERE id = $1", id, phase)
	if err != nil {
		return fmt.Errorf("pg: update onboarding phase for %s: %w", id, err)
	}
	return nil
}

func (s *TenantStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.pool.Exec(ctx, "UPDATE tenants SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("pg: update status for %s: %w", id, err)
	}
	return nil
}
