package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// MessageStore implements store.MessageStore. Messages are immutable after
// insert; a non-empty external_id is deduplicated per tenant.
type MessageStore struct {
	pool *pgxpool.Pool
}

func (s *MessageStore) Insert(ctx context.Context, msg *store.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, tenant_id, sender_id, session_id, external_id, direction, content, delivery_status, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, external_id) WHERE external_id IS NOT NULL DO NOTHING`,
		msg.ID, msg.TenantID, msg.SenderID, msg.SessionID, msg.ExternalID, msg.Direction, msg.Content, msg.DeliveryStatus, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pg: insert message: %w", err)
	}
	return nil
}

func (s *MessageStore) History(ctx context.Context, tenantID uuid.UUID, senderID string, limit int) ([]*store.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, sender_id, session_id, COALESCE(external_id, ''), direction, content, delivery_status, created_at
		 FROM messages WHERE tenant_id = $1 AND sender_id = $2
		 ORDER BY created_at DESC LIMIT $3`,
		tenantID, senderID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pg: history: %w", err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.SenderID, &m.SessionID, &m.ExternalID, &m.Direction, &m.Content, &m.DeliveryStatus, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("pg: scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
