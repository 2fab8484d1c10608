// Package model defines the data models for the economy guard.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Game-wide bounds on reported state.
const (
	MinMiningLevel = 1
	MaxMiningLevel = 300
)

// GameStateSnapshot is the authoritative last-known state for a user.
// Snapshots are replaced by value; validators never mutate one in place.
type GameStateSnapshot struct {
	DivinePoints            float64        `json:"divine_points" db:"divine_points"`
	PointsPerSecond         float64        `json:"points_per_second" db:"points_per_second"`
	MiningLevel             int            `json:"mining_level" db:"mining_level"`
	UpgradesPurchased       int            `json:"upgrades_purchased" db:"upgrades_purchased"`
	CurrentEnergy           float64        `json:"current_energy" db:"current_energy"`
	MaxEnergy               float64        `json:"max_energy" db:"max_energy"`
	UnclaimedOfflineRewards float64        `json:"unclaimed_offline_rewards" db:"unclaimed_offline_rewards"`
	LastOfflineTime         time.Time      `json:"last_offline_time" db:"last_offline_time"`
	UpgradeLevels           map[string]int `json:"upgrade_levels,omitempty" db:"upgrade_levels"`
	SavedAt                 time.Time      `json:"saved_at" db:"saved_at"`
}

// Clone returns a deep copy of the snapshot.
func (s GameStateSnapshot) Clone() GameStateSnapshot {
	out := s
	if s.UpgradeLevels != nil {
		out.UpgradeLevels = make(map[string]int, len(s.UpgradeLevels))
		for k, v := range s.UpgradeLevels {
			out.UpgradeLevels[k] = v
		}
	}
	return out
}

// UpgradeLevel returns the recorded level of an upgrade, zero when never bought.
func (s GameStateSnapshot) UpgradeLevel(upgradeID string) int {
	if s.UpgradeLevels == nil {
		return 0
	}
	return s.UpgradeLevels[upgradeID]
}

// Requirement is a prerequisite link in the upgrade DAG.
type Requirement struct {
	UpgradeID string `json:"upgrade_id" mapstructure:"upgrade_id" validate:"required"`
	Level     int    `json:"level" mapstructure:"level" validate:"gte=1"`
}

// UpgradeDefinition is a read-only catalog entry, paired with the user's current level.
type UpgradeDefinition struct {
	ID                   string       `json:"id" mapstructure:"id" validate:"required"`
	Name                 string       `json:"name" mapstructure:"name"`
	Level                int          `json:"level" mapstructure:"level" validate:"gte=0,ltefield=MaxLevel"`
	BaseCost             float64      `json:"base_cost" mapstructure:"base_cost" validate:"gt=0"`
	CostMultiplier       float64      `json:"cost_multiplier" mapstructure:"cost_multiplier" validate:"gte=1.01,lte=2"`
	MaxLevel             int          `json:"max_level" mapstructure:"max_level" validate:"gte=1"`
	Requires             *Requirement `json:"requires,omitempty" mapstructure:"requires" validate:"omitempty"`
	PointsPerSecondBonus float64      `json:"points_per_second_bonus" mapstructure:"points_per_second_bonus" validate:"gte=0"`
	OfflineBonusPerLevel float64      `json:"offline_bonus_per_level" mapstructure:"offline_bonus_per_level" validate:"gte=0"`
	MaxEnergyBonus       float64      `json:"max_energy_bonus" mapstructure:"max_energy_bonus" validate:"gte=0"`
}

// SecurityEventType categorizes ledger entries.
type SecurityEventType string

// Security event types.
const (
	EventSuspicious    SecurityEventType = "suspicious"
	EventCheatDetected SecurityEventType = "cheat_detected"
	EventRateLimit     SecurityEventType = "rate_limit"
	EventBan           SecurityEventType = "ban"
)

// SecurityEvent is an immutable ledger entry.
type SecurityEvent struct {
	ID        uuid.UUID          `json:"id" db:"id"`
	UserID    int64              `json:"user_id" db:"user_id"`
	Type      SecurityEventType  `json:"event_type" db:"event_type"`
	Details   string             `json:"details" db:"details"`
	Timestamp time.Time          `json:"timestamp" db:"created_at"`
	Snapshot  *GameStateSnapshot `json:"game_state_snapshot,omitempty" db:"game_state"`
}

// NewSecurityEvent creates an event stamped with a fresh ID.
func NewSecurityEvent(userID int64, eventType SecurityEventType, details string, at time.Time, snapshot *GameStateSnapshot) SecurityEvent {
	ev := SecurityEvent{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      eventType,
		Details:   details,
		Timestamp: at,
	}
	if snapshot != nil {
		s := snapshot.Clone()
		ev.Snapshot = &s
	}
	return ev
}

// UserActivity is the per-user rolling record owned by the activity tracker.
type UserActivity struct {
	LastSaveTime     time.Time
	SaveCount        int
	SuspiciousFlags  []string
	BanCount         int
	LastActivityTime time.Time
	Banned           bool
}

// UpgradePurchase is an audit entry for an approved purchase.
type UpgradePurchase struct {
	UpgradeID string
	Level     int
	Cost      int64
	Timestamp time.Time
}

// OfflineProgress is an audit entry for an offline claim.
type OfflineProgress struct {
	ClaimedMs   int64
	ValidatedMs int64
	Reward      int64
	Timestamp   time.Time
}
