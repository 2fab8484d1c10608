// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"economy-guard/internal/model"
)

// SnapshotRepository persists the authoritative game state per user.
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepository creates a new SnapshotRepository instance.
func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool}
}

// GetLatest retrieves the user's last persisted snapshot.
// Returns model.ErrSnapshotNotFound if the user has never saved.
func (r *SnapshotRepository) GetLatest(ctx context.Context, userID int64) (*model.GameStateSnapshot, error) {
	const query = `
		SELECT divine_points, points_per_second, mining_level, upgrades_purchased,
		       current_energy, max_energy, unclaimed_offline_rewards, last_offline_time,
		       upgrade_levels, saved_at
		FROM game_state_snapshots
		WHERE user_id = $1
	`

	var (
		snap        model.GameStateSnapshot
		lastOffline *time.Time
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&snap.DivinePoints,
		&snap.PointsPerSecond,
		&snap.MiningLevel,
		&snap.UpgradesPurchased,
		&snap.CurrentEnergy,
		&snap.MaxEnergy,
		&snap.UnclaimedOfflineRewards,
		&lastOffline,
		&snap.UpgradeLevels,
		&snap.SavedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if lastOffline != nil {
		snap.LastOfflineTime = *lastOffline
	}

	return &snap, nil
}

// Upsert replaces the user's snapshot.
func (r *SnapshotRepository) Upsert(ctx context.Context, userID int64, snap model.GameStateSnapshot) error {
	const query = `
		INSERT INTO game_state_snapshots (
			user_id, divine_points, points_per_second, mining_level, upgrades_purchased,
			current_energy, max_energy, unclaimed_offline_rewards, last_offline_time,
			upgrade_levels, saved_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			divine_points = EXCLUDED.divine_points,
			points_per_second = EXCLUDED.points_per_second,
			mining_level = EXCLUDED.mining_level,
			upgrades_purchased = EXCLUDED.upgrades_purchased,
			current_energy = EXCLUDED.current_energy,
			max_energy = EXCLUDED.max_energy,
			unclaimed_offline_rewards = EXCLUDED.unclaimed_offline_rewards,
			last_offline_time = EXCLUDED.last_offline_time,
			upgrade_levels = EXCLUDED.upgrade_levels,
			saved_at = EXCLUDED.saved_at
	`

	var lastOffline *time.Time
	if !snap.LastOfflineTime.IsZero() {
		lastOffline = &snap.LastOfflineTime
	}
	levels := snap.UpgradeLevels
	if levels == nil {
		levels = map[string]int{}
	}

	_, err := r.pool.Exec(ctx, query,
		userID,
		snap.DivinePoints,
		snap.PointsPerSecond,
		snap.MiningLevel,
		snap.UpgradesPurchased,
		snap.CurrentEnergy,
		snap.MaxEnergy,
		snap.UnclaimedOfflineRewards,
		lastOffline,
		levels,
		snap.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	return nil
}
