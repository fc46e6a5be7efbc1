package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// CredentialStore implements store.CredentialStore. Values are stored and
// returned as opaque ciphertext; decryption happens outside the store, at
// point of use (internal/crypto).
type CredentialStore struct {
	pool *pgxpool.Pool
}

func (s *CredentialStore) Get(ctx context.Context, tenantID uuid.UUID, serviceName string) (*store.TenantCredential, error) {
	var c store.TenantCredential
	row := s.pool.QueryRow(ctx, "SELECT tenant_id, service_name, encrypted_value FROM tenant_credentials WHERE tenant_id = $1 AND service_name = $2", tenantID, serviceName)
	if err := row.Scan(&c.TenantID, &c.ServiceName, &c.EncryptedValue); err != nil {
		return nil, fmt.Errorf("pg: get credential %s/%s: %w", tenantID, serviceName, err)
	}
	return &c, nil
}

func (s *CredentialStore) Put(ctx context.Context, cred *store.TenantCredential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_credentials (tenant_id, service_name, encrypted_value)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, service_name) DO UPDATE SET encrypted_value = EXCLUDED.encrypted_value`,
		cred.TenantID, cred.ServiceName, cred.EncryptedValue,
	)
	if err != nil {
		return fmt.Errorf("pg: put credential %s/%s: %w", cred.TenantID, cred.ServiceName, err)
	}
	return nil
}
