package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type migration struct {
	name string
	sql  string
}

// migrations are idempotent and applied in order.
var migrations = []migration{
	{
		name: "game_state_snapshots table",
		sql: `
		CREATE TABLE IF NOT EXISTS game_state_snapshots (
			user_id BIGINT PRIMARY KEY,
			divine_points DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (divine_points >= 0),
			points_per_second DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (points_per_second >= 0),
			mining_level INT NOT NULL DEFAULT 1 CHECK (mining_level BETWEEN 1 AND 300),
			upgrades_purchased INT NOT NULL DEFAULT 0 CHECK (upgrades_purchased >= 0),
			current_energy DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_energy DOUBLE PRECISION NOT NULL DEFAULT 0,
			unclaimed_offline_rewards DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_offline_time TIMESTAMPTZ,
			upgrade_levels JSONB NOT NULL DEFAULT '{}'::jsonb,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		`,
	},
	{
		name: "security_events table",
		sql: `
		CREATE TABLE IF NOT EXISTS security_events (
			id UUID PRIMARY KEY,
			user_id BIGINT NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			game_state JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_security_events_user_time ON security_events(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events(created_at);
		`,
	},
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db Execer) error {
	log.Info().Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		log.Info().Msgf("Migration %d: %s created", i+1, m.name)
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}
