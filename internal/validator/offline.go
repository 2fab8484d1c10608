package validator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"economy-guard/internal/activity"
	"economy-guard/internal/model"
	"economy-guard/internal/pkg/shardmap"
)

// ErrStoreUnavailable reports that the snapshot store could not be reached. Retryable.
var ErrStoreUnavailable = errors.New("snapshot store unavailable")

// SnapshotStore reads the last authoritative snapshot of a user.
// Implementations return model.ErrSnapshotNotFound for unknown users.
type SnapshotStore interface {
	GetLatest(ctx context.Context, userID int64) (*model.GameStateSnapshot, error)
}

// OfflineConfig bounds offline rewards.
type OfflineConfig struct {
	MaxOfflineTime     time.Duration
	MaxOfflineBonus    float64
	LevelMultiplier    float64
	DailyCap           time.Duration
	HistorySize        int
	HistoryMaxAge      time.Duration
	EnergyRegenPerSec  float64
	PremiumMultiplier  float64
	MaxPointsPerSecond float64
	FetchTimeout       time.Duration
}

// DefaultOfflineConfig returns the stock offline limits.
func DefaultOfflineConfig() OfflineConfig {
	return OfflineConfig{
		MaxOfflineTime:     14 * 24 * time.Hour,
		MaxOfflineBonus:    1.4,
		LevelMultiplier:    0.1,
		DailyCap:           24 * time.Hour,
		HistorySize:        50,
		HistoryMaxAge:      7 * 24 * time.Hour,
		EnergyRegenPerSec:  1.0 / 60,
		PremiumMultiplier:  2,
		MaxPointsPerSecond: 1_000_000,
		FetchTimeout:       2 * time.Second,
	}
}

// OfflineState is the client-reported state accompanying an offline claim.
type OfflineState struct {
	PointsPerSecond float64
	MiningLevel     int
	OfflineBonus    float64
	CurrentEnergy   float64
	MaxEnergy       float64
	Premium         bool
}

// OfflineResult is the verdict on an offline claim.
type OfflineResult struct {
	IsValid            bool
	CalculatedReward   int64
	MaxPossibleReward  int64
	EnergyRegen        float64
	ValidatedOfflineMs int64
	MaxAllowedTime     time.Duration
	SuspiciousActivity []string
	ShouldBan          bool
	Reason             string
	// Baseline is the persisted snapshot the claim was measured against; nil for new users.
	Baseline *model.GameStateSnapshot
	// RecordedAt stamps the claim's history entry.
	RecordedAt time.Time
}

// OfflineProgressValidator bounds offline rewards by server-observed elapsed time.
type OfflineProgressValidator struct {
	cfg     OfflineConfig
	store   SnapshotStore
	tracker *activity.Tracker
	history *shardmap.Map[*[]model.OfflineProgress]
	bonus   func(levels map[string]int) float64
	now     func() time.Time
}

// NewOfflineProgressValidator creates a validator. tracker may be nil.
func NewOfflineProgressValidator(cfg OfflineConfig, store SnapshotStore, tracker *activity.Tracker) *OfflineProgressValidator {
	def := DefaultOfflineConfig()
	if cfg.MaxOfflineTime <= 0 {
		cfg.MaxOfflineTime = def.MaxOfflineTime
	}
	if cfg.MaxOfflineBonus <= 0 {
		cfg.MaxOfflineBonus = def.MaxOfflineBonus
	}
	if cfg.LevelMultiplier <= 0 {
		cfg.LevelMultiplier = def.LevelMultiplier
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = def.DailyCap
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = def.HistoryMaxAge
	}
	if cfg.EnergyRegenPerSec < 0 {
		cfg.EnergyRegenPerSec = def.EnergyRegenPerSec
	}
	if cfg.PremiumMultiplier < 1 {
		cfg.PremiumMultiplier = def.PremiumMultiplier
	}
	if cfg.MaxPointsPerSecond <= 0 {
		cfg.MaxPointsPerSecond = def.MaxPointsPerSecond
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return &OfflineProgressValidator{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		history: shardmap.New(shardmap.DefaultShards, func() *[]model.OfflineProgress { return new([]model.OfflineProgress) }),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (v *OfflineProgressValidator) SetClock(now func() time.Time) {
	v.now = now
}

// SetBonusSource derives the offline bonus from persisted upgrade levels. A
// client-reported bonus is never allowed to exceed it.
func (v *OfflineProgressValidator) SetBonusSource(fn func(levels map[string]int) float64) {
	v.bonus = fn
}

// Reward computes floor(pps * seconds * (1 + level*levelMultiplier) * (1 + bonus))
// with level clamped to the mining range and bonus to [0, MaxOfflineBonus].
func (v *OfflineProgressValidator) Reward(pps float64, level int, bonus float64, offline time.Duration) int64 {
	if math.IsNaN(pps) || pps <= 0 || offline <= 0 {
		return 0
	}
	pps = math.Min(pps, v.cfg.MaxPointsPerSecond)
	level = clampInt(level, model.MinMiningLevel, model.MaxMiningLevel)
	if math.IsNaN(bonus) || bonus < 0 {
		bonus = 0
	}
	bonus = math.Min(bonus, v.cfg.MaxOfflineBonus)

	base := pps * offline.Seconds()
	levelMult := 1 + float64(level)*v.cfg.LevelMultiplier
	return int64(math.Floor(base * levelMult * (1 + bonus)))
}

// MaxPossibleReward is the reward at maximum level and bonus for the given offline
// time, capped at the offline ceiling.
func (v *OfflineProgressValidator) MaxPossibleReward(pps float64, offline time.Duration) int64 {
	if offline > v.cfg.MaxOfflineTime {
		offline = v.cfg.MaxOfflineTime
	}
	return v.Reward(pps, model.MaxMiningLevel, v.cfg.MaxOfflineBonus, offline)
}

// MaxOfflineTime returns the absolute claim ceiling.
func (v *OfflineProgressValidator) MaxOfflineTime() time.Duration {
	return v.cfg.MaxOfflineTime
}

// Validate bounds an offline claim against the user's last persisted snapshot.
// A store failure fails the claim closed and returns an error wrapping ErrStoreUnavailable.
func (v *OfflineProgressValidator) Validate(ctx context.Context, userID int64, claimedOfflineMs int64, state OfflineState) (OfflineResult, error) {
	res := OfflineResult{MaxAllowedTime: v.cfg.MaxOfflineTime}

	if claimedOfflineMs < 0 {
		res.Reason = "claimed offline time cannot be negative"
		return res, nil
	}
	// Compare in milliseconds: large claims overflow a Duration.
	if claimedOfflineMs > v.cfg.MaxOfflineTime.Milliseconds() {
		res.Reason = fmt.Sprintf("claimed offline time %.1fh exceeds the %s ceiling",
			float64(claimedOfflineMs)/float64(time.Hour.Milliseconds()), formatCeiling(v.cfg.MaxOfflineTime))
		log.Warn().
			Int64("user_id", userID).
			Int64("claimed_ms", claimedOfflineMs).
			Msg("Offline claim over ceiling rejected")
		return res, nil
	}
	claimed := time.Duration(claimedOfflineMs) * time.Millisecond

	fetchCtx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	snap, err := v.store.GetLatest(fetchCtx, userID)
	cancel()
	if err != nil && !errors.Is(err, model.ErrSnapshotNotFound) {
		res.Reason = "snapshot store unavailable, try again later"
		return res, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	now := v.now()
	var actual time.Duration
	pps, level, bonus := state.PointsPerSecond, state.MiningLevel, state.OfflineBonus
	if snap != nil {
		res.Baseline = snap
		if !snap.SavedAt.IsZero() && now.After(snap.SavedAt) {
			actual = now.Sub(snap.SavedAt)
		}
		// The persisted snapshot is authoritative for earning rate.
		pps = math.Min(pps, snap.PointsPerSecond)
		level = min(level, snap.MiningLevel)
		if v.bonus != nil {
			bonus = math.Min(bonus, v.bonus(snap.UpgradeLevels))
		}
	}

	var flags []string
	validated := claimed
	if claimed > actual {
		flags = append(flags, fmt.Sprintf("claimed offline time %s exceeds server-observed %s",
			claimed.Round(time.Second), actual.Round(time.Second)))
		validated = actual
	}

	res.ValidatedOfflineMs = validated.Milliseconds()
	res.CalculatedReward = v.Reward(pps, level, bonus, validated)
	res.MaxPossibleReward = v.MaxPossibleReward(pps, validated)
	if res.CalculatedReward > res.MaxPossibleReward {
		flags = append(flags, fmt.Sprintf("offline reward %d exceeds maximum possible %d",
			res.CalculatedReward, res.MaxPossibleReward))
	}
	res.EnergyRegen = v.energyRegen(validated, state)

	dayCutoff := now.Add(-24 * time.Hour)
	v.history.Update(userID, func(h *[]model.OfflineProgress) *[]model.OfflineProgress {
		// Summed in milliseconds; every entry is already bounded by the ceiling.
		totalMs := claimedOfflineMs
		for _, p := range *h {
			if p.Timestamp.After(dayCutoff) {
				totalMs += p.ClaimedMs
			}
		}
		if totalMs > v.cfg.DailyCap.Milliseconds() {
			total := time.Duration(totalMs) * time.Millisecond
			flags = append(flags, fmt.Sprintf("offline claims total %s within 24h exceed %s",
				total.Round(time.Second), v.cfg.DailyCap))
		}
		if n := len(*h); n > 0 {
			sincePrior := now.Sub((*h)[n-1].Timestamp)
			if claimed < sincePrior/2 {
				flags = append(flags, fmt.Sprintf("claimed offline time %s is under half of %s since previous claim",
					claimed.Round(time.Second), sincePrior.Round(time.Second)))
			}
		}

		*h = append(*h, model.OfflineProgress{
			ClaimedMs:   claimedOfflineMs,
			ValidatedMs: res.ValidatedOfflineMs,
			Reward:      res.CalculatedReward,
			Timestamp:   now,
		})
		if len(*h) > v.cfg.HistorySize {
			*h = append((*h)[:0], (*h)[len(*h)-v.cfg.HistorySize:]...)
		}
		return h
	})

	res.IsValid = true
	res.RecordedAt = now
	res.SuspiciousActivity = flags
	if len(flags) > 0 && v.tracker != nil {
		res.ShouldBan = v.tracker.Flag(userID, model.EventSuspicious, flags, snap).ShouldBan
	}
	return res, nil
}

// History returns a copy of the user's offline claim history, oldest first.
func (v *OfflineProgressValidator) History(userID int64) []model.OfflineProgress {
	var out []model.OfflineProgress
	v.history.View(userID, func(h *[]model.OfflineProgress) {
		out = append(out, *h...)
	})
	return out
}

// Discard removes the claim recorded at the given time, used when the caller
// could not persist the reward.
func (v *OfflineProgressValidator) Discard(userID int64, recordedAt time.Time) {
	v.history.View(userID, func(h *[]model.OfflineProgress) {
		for i := len(*h) - 1; i >= 0; i-- {
			if (*h)[i].Timestamp.Equal(recordedAt) {
				*h = append((*h)[:i], (*h)[i+1:]...)
				return
			}
		}
	})
}

// Prune drops claims older than the history age and empty histories.
// Returns the number of users removed.
func (v *OfflineProgressValidator) Prune(now time.Time) int {
	cutoff := now.Add(-v.cfg.HistoryMaxAge)
	return v.history.Sweep(func(_ int64, h *[]model.OfflineProgress) bool {
		i := 0
		for i < len(*h) && (*h)[i].Timestamp.Before(cutoff) {
			i++
		}
		*h = append((*h)[:0], (*h)[i:]...)
		return len(*h) == 0
	})
}

func (v *OfflineProgressValidator) energyRegen(offline time.Duration, state OfflineState) float64 {
	room := state.MaxEnergy - state.CurrentEnergy
	if offline <= 0 || !(room > 0) {
		return 0
	}
	rate := v.cfg.EnergyRegenPerSec
	if state.Premium {
		rate *= v.cfg.PremiumMultiplier
	}
	return math.Min(offline.Seconds()*rate, room)
}

func formatCeiling(d time.Duration) string {
	day := 24 * time.Hour
	if d%day == 0 {
		return fmt.Sprintf("%d-day", d/day)
	}
	return d.String()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
