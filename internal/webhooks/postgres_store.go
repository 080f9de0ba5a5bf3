package webhooks

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists processed event ids in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ EventStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, at)
	return err
}
