package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"economy-guard/internal/model"
)

// SecurityEventRepository persists the security ledger. It is a security.Sink.
type SecurityEventRepository struct {
	pool *pgxpool.Pool
}

// NewSecurityEventRepository creates a new SecurityEventRepository instance.
func NewSecurityEventRepository(pool *pgxpool.Pool) *SecurityEventRepository {
	return &SecurityEventRepository{pool: pool}
}

// Name identifies the sink in logs.
func (r *SecurityEventRepository) Name() string {
	return "postgres"
}

// Write inserts events in one batch. Already-stored IDs are skipped.
func (r *SecurityEventRepository) Write(ctx context.Context, events []model.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	const query = `
		INSERT INTO security_events (id, user_id, event_type, details, game_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(query, ev.ID, ev.UserID, string(ev.Type), ev.Details, ev.Snapshot, ev.Timestamp)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert security event: %w", err)
		}
	}

	return nil
}

// ListByUser retrieves a user's events, newest first.
func (r *SecurityEventRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]model.SecurityEvent, error) {
	const query = `
		SELECT id, user_id, event_type, details, game_state, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	defer rows.Close()

	var events []model.SecurityEvent
	for rows.Next() {
		var (
			ev        model.SecurityEvent
			eventType string
		)
		err := rows.Scan(
			&ev.ID,
			&ev.UserID,
			&eventType,
			&ev.Details,
			&ev.Snapshot,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		ev.Type = model.SecurityEventType(eventType)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security events: %w", err)
	}

	return events, nil
}

// PruneOlderThan deletes events recorded before cutoff and returns how many were removed.
func (r *SecurityEventRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM security_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune security events: %w", err)
	}
	return tag.RowsAffected(), nil
}
