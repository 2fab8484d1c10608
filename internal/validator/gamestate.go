// Package validator implements the economy-integrity checks: full game-state
// saves, offline progress claims and upgrade purchases.
package validator

import (
	"fmt"
	"math"
	"time"

	"economy-guard/internal/activity"
	"economy-guard/internal/model"
)

// GameStateConfig bounds save-to-save progression.
type GameStateConfig struct {
	MaxPointsPerSecond   float64
	MaxGainMultiplier    float64
	MaxLevelPerSave      int
	MaxUpgradesPerSave   int
	MinSaveInterval      time.Duration
	SnapshotOnSuspicious bool
}

// DefaultGameStateConfig returns the stock plausibility limits.
func DefaultGameStateConfig() GameStateConfig {
	return GameStateConfig{
		MaxPointsPerSecond:   1_000_000,
		MaxGainMultiplier:    100,
		MaxLevelPerSave:      5,
		MaxUpgradesPerSave:   10,
		MinSaveInterval:      5 * time.Second,
		SnapshotOnSuspicious: true,
	}
}

// GameStateResult is the verdict on a reported game state.
type GameStateResult struct {
	IsValid            bool
	Warnings           []string
	Errors             []string
	SuspiciousActivity []string
	ShouldBan          bool
	// CorrectedState is set whenever Errors is non-empty.
	CorrectedState *model.GameStateSnapshot
}

// GameStateValidator checks a reported state for structural validity and
// plausibility against the previous snapshot.
type GameStateValidator struct {
	cfg     GameStateConfig
	tracker *activity.Tracker
	offline *OfflineProgressValidator
	now     func() time.Time
}

// NewGameStateValidator creates a validator. offline bounds unclaimed rewards.
func NewGameStateValidator(cfg GameStateConfig, tracker *activity.Tracker, offline *OfflineProgressValidator) *GameStateValidator {
	def := DefaultGameStateConfig()
	if cfg.MaxPointsPerSecond <= 0 {
		cfg.MaxPointsPerSecond = def.MaxPointsPerSecond
	}
	if cfg.MaxGainMultiplier <= 0 {
		cfg.MaxGainMultiplier = def.MaxGainMultiplier
	}
	if cfg.MaxLevelPerSave <= 0 {
		cfg.MaxLevelPerSave = def.MaxLevelPerSave
	}
	if cfg.MaxUpgradesPerSave <= 0 {
		cfg.MaxUpgradesPerSave = def.MaxUpgradesPerSave
	}
	return &GameStateValidator{
		cfg:     cfg,
		tracker: tracker,
		offline: offline,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (v *GameStateValidator) SetClock(now func() time.Time) {
	v.now = now
}

// Validate checks current against previous (nil for a first save).
// Structural errors short-circuit without touching the activity record.
func (v *GameStateValidator) Validate(userID int64, current model.GameStateSnapshot, previous *model.GameStateSnapshot) GameStateResult {
	var res GameStateResult

	if errs := StructuralErrors(current, v.cfg.MaxPointsPerSecond); len(errs) > 0 {
		res.Errors = errs
		corrected := Clamp(current, v.cfg.MaxPointsPerSecond)
		res.CorrectedState = &corrected
		res.ShouldBan = v.tracker.IsBanned(userID)
		return res
	}

	now := v.now()
	lastSave, hasLastSave := v.tracker.LastSave(userID)

	if previous != nil {
		elapsed := elapsedSince(now, previous.SavedAt)
		if previous.SavedAt.IsZero() && hasLastSave {
			elapsed = elapsedSince(now, lastSave)
		}

		pointGain := current.DivinePoints - previous.DivinePoints
		maxGain := previous.PointsPerSecond * elapsed.Seconds() * v.cfg.MaxGainMultiplier
		if pointGain > maxGain {
			res.SuspiciousActivity = append(res.SuspiciousActivity,
				fmt.Sprintf("point gain %.0f exceeds maximum %.0f over %s", pointGain, maxGain, elapsed.Round(time.Second)))
		}
		if gain := current.MiningLevel - previous.MiningLevel; gain > v.cfg.MaxLevelPerSave {
			res.SuspiciousActivity = append(res.SuspiciousActivity,
				fmt.Sprintf("mining level gain %d exceeds %d per save", gain, v.cfg.MaxLevelPerSave))
		}
		if gain := current.UpgradesPurchased - previous.UpgradesPurchased; gain > v.cfg.MaxUpgradesPerSave {
			res.SuspiciousActivity = append(res.SuspiciousActivity,
				fmt.Sprintf("upgrade gain %d exceeds %d per save", gain, v.cfg.MaxUpgradesPerSave))
		}
	}

	if current.UnclaimedOfflineRewards > 0 {
		if flag := v.checkUnclaimed(now, current, previous); flag != "" {
			res.SuspiciousActivity = append(res.SuspiciousActivity, flag)
		}
	}

	if hasLastSave {
		if since := now.Sub(lastSave); since < v.cfg.MinSaveInterval {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("saving too frequently: %s since last save, minimum %s", since.Round(time.Millisecond), v.cfg.MinSaveInterval))
		}
	}

	v.tracker.RecordSave(userID, now)
	if len(res.SuspiciousActivity) > 0 {
		var snap *model.GameStateSnapshot
		if v.cfg.SnapshotOnSuspicious {
			snap = &current
		}
		res.ShouldBan = v.tracker.Flag(userID, model.EventSuspicious, res.SuspiciousActivity, snap).ShouldBan
	} else {
		res.ShouldBan = v.tracker.IsBanned(userID)
	}

	res.IsValid = true
	return res
}

func (v *GameStateValidator) checkUnclaimed(now time.Time, current model.GameStateSnapshot, previous *model.GameStateSnapshot) string {
	if previous == nil {
		return fmt.Sprintf("unclaimed offline rewards %.0f reported without prior state", current.UnclaimedOfflineRewards)
	}
	if v.offline == nil {
		return ""
	}
	since := previous.LastOfflineTime
	if since.IsZero() {
		since = previous.SavedAt
	}
	offline := elapsedSince(now, since)
	limit := v.offline.MaxPossibleReward(previous.PointsPerSecond, offline)
	if current.UnclaimedOfflineRewards > float64(limit) {
		return fmt.Sprintf("unclaimed offline rewards %.0f exceed maximum %d for %s offline",
			current.UnclaimedOfflineRewards, limit, offline.Round(time.Second))
	}
	return ""
}

// StructuralErrors lists every field of s outside its valid range.
func StructuralErrors(s model.GameStateSnapshot, maxPPS float64) []string {
	var errs []string
	floats := []struct {
		name string
		val  float64
	}{
		{"divine_points", s.DivinePoints},
		{"points_per_second", s.PointsPerSecond},
		{"current_energy", s.CurrentEnergy},
		{"max_energy", s.MaxEnergy},
		{"unclaimed_offline_rewards", s.UnclaimedOfflineRewards},
	}
	for _, f := range floats {
		if math.IsNaN(f.val) || math.IsInf(f.val, 0) {
			errs = append(errs, fmt.Sprintf("%s is not a finite number", f.name))
		} else if f.val < 0 {
			errs = append(errs, fmt.Sprintf("%s cannot be negative", f.name))
		}
	}
	if s.PointsPerSecond > maxPPS {
		errs = append(errs, fmt.Sprintf("points_per_second exceeds maximum %.0f", maxPPS))
	}
	if s.MiningLevel < model.MinMiningLevel || s.MiningLevel > model.MaxMiningLevel {
		errs = append(errs, fmt.Sprintf("mining_level must be between %d and %d", model.MinMiningLevel, model.MaxMiningLevel))
	}
	if s.UpgradesPurchased < 0 {
		errs = append(errs, "upgrades_purchased cannot be negative")
	}
	if s.CurrentEnergy > s.MaxEnergy {
		errs = append(errs, "current_energy exceeds max_energy")
	}
	for id, lvl := range s.UpgradeLevels {
		if lvl < 0 {
			errs = append(errs, fmt.Sprintf("upgrade %s level cannot be negative", id))
		}
	}
	return errs
}

// Clamp forces every numeric field of s into its valid range. Non-finite values
// become the nearest bound, NaN becomes the lower bound.
func Clamp(s model.GameStateSnapshot, maxPPS float64) model.GameStateSnapshot {
	out := s.Clone()
	out.DivinePoints = clampFloat(s.DivinePoints, 0, math.MaxFloat64)
	out.PointsPerSecond = clampFloat(s.PointsPerSecond, 0, maxPPS)
	out.MiningLevel = clampInt(s.MiningLevel, model.MinMiningLevel, model.MaxMiningLevel)
	out.UpgradesPurchased = max(s.UpgradesPurchased, 0)
	out.MaxEnergy = clampFloat(s.MaxEnergy, 0, math.MaxFloat64)
	out.CurrentEnergy = clampFloat(s.CurrentEnergy, 0, out.MaxEnergy)
	out.UnclaimedOfflineRewards = clampFloat(s.UnclaimedOfflineRewards, 0, math.MaxFloat64)
	for id, lvl := range out.UpgradeLevels {
		if lvl < 0 {
			out.UpgradeLevels[id] = 0
		}
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func elapsedSince(now, t time.Time) time.Duration {
	if t.IsZero() || !now.After(t) {
		return 0
	}
	return now.Sub(t)
}
