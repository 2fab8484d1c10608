// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"economy-guard/internal/activity"
	"economy-guard/internal/catalog"
	"economy-guard/internal/metrics"
	"economy-guard/internal/model"
	"economy-guard/internal/pkg/lock"
	"economy-guard/internal/ratelimit"
	"economy-guard/internal/validator"
)

// Guard service errors
var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrUserBanned       = errors.New("user is suspended")
	ErrStoreUnavailable = validator.ErrStoreUnavailable
)

// Operation names used for metrics.
const (
	OpSaveState = "save_state"
	OpUpgrade   = "upgrade"
	OpOffline   = "offline"
)

// RateLimitError reports a rate limit denial. It wraps ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
	ResetTime  time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// SnapshotStore reads and replaces the authoritative game state.
type SnapshotStore interface {
	GetLatest(ctx context.Context, userID int64) (*model.GameStateSnapshot, error)
	Upsert(ctx context.Context, userID int64, snap model.GameStateSnapshot) error
}

// Observer receives validation verdicts (metrics).
type Observer interface {
	ObserveValidation(operation, outcome string)
}

// Config holds timeouts and plausibility bounds used outside the validators.
type Config struct {
	FetchTimeout          time.Duration
	WriteTimeout          time.Duration
	LockTimeout           time.Duration
	PersistCorrectedState bool
	MaxPointsPerSecond    float64
	MaxGainMultiplier     float64
}

// Dependencies holds everything GuardService needs.
type Dependencies struct {
	Config    Config
	Store     SnapshotStore
	Catalog   *catalog.Catalog
	Limiter   *ratelimit.Limiter
	Tracker   *activity.Tracker
	GameState *validator.GameStateValidator
	Offline   *validator.OfflineProgressValidator
	Upgrades  *validator.UpgradePurchaseValidator
	UserLock  *lock.UserLock
	Observer  Observer
}

// SaveResult is returned by ValidateAndSaveGameState.
type SaveResult struct {
	Success        bool                     `json:"success"`
	Message        string                   `json:"message"`
	CorrectedState *model.GameStateSnapshot `json:"corrected_state,omitempty"`
	Warnings       []string                 `json:"warnings,omitempty"`
}

// UpgradeResult is returned by ValidateAndProcessUpgrade.
type UpgradeResult struct {
	Success      bool                     `json:"success"`
	Message      string                   `json:"message"`
	NewGameState *model.GameStateSnapshot `json:"new_game_state,omitempty"`
	Cost         int64                    `json:"cost"`
}

// OfflineProgressResult is returned by ValidateAndProcessOfflineProgress.
type OfflineProgressResult struct {
	Success     bool    `json:"success"`
	Message     string  `json:"message"`
	Reward      int64   `json:"reward"`
	EnergyRegen float64 `json:"energy_regen"`
}

// GuardService runs every reported mutation through rate limiting, validation and
// persistence. Each user's read-validate-write cycle holds that user's lock.
type GuardService struct {
	cfg       Config
	store     SnapshotStore
	catalog   *catalog.Catalog
	limiter   *ratelimit.Limiter
	tracker   *activity.Tracker
	gameState *validator.GameStateValidator
	offline   *validator.OfflineProgressValidator
	upgrades  *validator.UpgradePurchaseValidator
	userLock  *lock.UserLock
	observer  Observer
	now       func() time.Time
}

// NewGuardService creates a new GuardService instance.
func NewGuardService(deps Dependencies) *GuardService {
	cfg := deps.Config
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.MaxPointsPerSecond <= 0 {
		cfg.MaxPointsPerSecond = validator.DefaultGameStateConfig().MaxPointsPerSecond
	}
	if cfg.MaxGainMultiplier <= 0 {
		cfg.MaxGainMultiplier = validator.DefaultGameStateConfig().MaxGainMultiplier
	}
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	userLock := deps.UserLock
	if userLock == nil {
		userLock = lock.NewUserLock()
	}
	return &GuardService{
		cfg:       cfg,
		store:     deps.Store,
		catalog:   cat,
		limiter:   deps.Limiter,
		tracker:   deps.Tracker,
		gameState: deps.GameState,
		offline:   deps.Offline,
		upgrades:  deps.Upgrades,
		userLock:  userLock,
		observer:  deps.Observer,
		now:       time.Now,
	}
}

// SetClock overrides the time source used for snapshot timestamps.
func (s *GuardService) SetClock(now func() time.Time) {
	s.now = now
}

// Catalog returns the upgrade catalog in use.
func (s *GuardService) Catalog() *catalog.Catalog {
	return s.catalog
}

// ValidateAndSaveGameState validates a full reported state and persists it.
// Structural errors return Success=false with the clamped state; the clamp is
// persisted only when configured to.
func (s *GuardService) ValidateAndSaveGameState(ctx context.Context, userID int64, proposed model.GameStateSnapshot) (*SaveResult, error) {
	if err := s.admit(userID); err != nil {
		s.observe(OpSaveState, err)
		return nil, err
	}

	var result *SaveResult
	err := s.userLock.WithLockContext(ctx, userID, s.cfg.LockTimeout, func() error {
		prev, err := s.fetch(ctx, userID)
		if err != nil {
			return err
		}

		now := s.now()
		candidate := proposed.Clone()
		candidate.SavedAt = now
		// Upgrade levels only change through approved purchases.
		candidate.UpgradeLevels = nil
		if prev != nil {
			candidate.UpgradeLevels = prev.Clone().UpgradeLevels
		}

		verdict := s.gameState.Validate(userID, candidate, prev)
		if verdict.ShouldBan {
			return ErrUserBanned
		}

		if len(verdict.Errors) > 0 {
			result = &SaveResult{
				Message:        "invalid game state: " + strings.Join(verdict.Errors, "; "),
				CorrectedState: verdict.CorrectedState,
				Warnings:       verdict.Warnings,
			}
			if s.cfg.PersistCorrectedState {
				if err := s.persist(ctx, userID, *verdict.CorrectedState); err != nil {
					return err
				}
				result.Message += " (corrected state saved)"
			}
			return nil
		}

		if err := s.persist(ctx, userID, candidate); err != nil {
			return err
		}

		result = &SaveResult{
			Success:  true,
			Message:  "game state saved",
			Warnings: verdict.Warnings,
		}
		if len(verdict.SuspiciousActivity) > 0 {
			s.observeOutcome(OpSaveState, metrics.OutcomeSuspicious)
		}
		return nil
	})
	if err != nil {
		s.observe(OpSaveState, err)
		return nil, err
	}

	if result.Success {
		s.observeOutcome(OpSaveState, metrics.OutcomeAccepted)
	} else {
		s.observeOutcome(OpSaveState, metrics.OutcomeRejected)
	}
	return result, nil
}

// ValidateAndProcessUpgrade validates a purchase of the next level of upgradeID and,
// when approved, deducts the cost and persists the new state. allUpgrades supplies
// the definitions to price against; nil uses the service catalog. Levels always come
// from the persisted snapshot; a client level behind it is rejected as stale.
func (s *GuardService) ValidateAndProcessUpgrade(ctx context.Context, userID int64, upgradeID string, current model.GameStateSnapshot, allUpgrades []model.UpgradeDefinition) (*UpgradeResult, error) {
	if err := s.admit(userID); err != nil {
		s.observe(OpUpgrade, err)
		return nil, err
	}
	if allUpgrades == nil {
		allUpgrades = s.catalog.All()
	}

	var result *UpgradeResult
	err := s.userLock.WithLockContext(ctx, userID, s.cfg.LockTimeout, func() error {
		if errs := validator.StructuralErrors(current, s.cfg.MaxPointsPerSecond); len(errs) > 0 {
			result = &UpgradeResult{Message: "invalid game state: " + strings.Join(errs, "; ")}
			return nil
		}

		prev, err := s.fetch(ctx, userID)
		if err != nil {
			return err
		}
		if prev == nil {
			result = &UpgradeResult{Message: "no saved game state"}
			return nil
		}

		now := s.now()
		points := s.plausiblePoints(current.DivinePoints, prev, now)
		defs := withLevels(allUpgrades, prev.UpgradeLevels)
		currentLevel := prev.UpgradeLevel(upgradeID)

		// A client level behind the persisted one means the request was built
		// before an earlier purchase landed.
		if reported, ok := current.UpgradeLevels[upgradeID]; ok && reported < currentLevel {
			verdict := s.upgrades.CheckStale(userID, upgradeID, reported, currentLevel)
			if verdict.ShouldBan {
				return ErrUserBanned
			}
			result = &UpgradeResult{Message: verdict.Reason}
			return nil
		}

		verdict := s.upgrades.Validate(userID, upgradeID, currentLevel, points, defs)
		if verdict.ShouldBan {
			return ErrUserBanned
		}
		if !verdict.CanPurchase {
			result = &UpgradeResult{Message: verdict.Reason, Cost: verdict.Cost}
			return nil
		}

		var def model.UpgradeDefinition
		for _, d := range defs {
			if d.ID == upgradeID {
				def = d
				break
			}
		}
		next := applyUpgrade(*prev, def, points-float64(verdict.Cost), s.cfg.MaxPointsPerSecond, now)

		if err := s.persist(ctx, userID, next); err != nil {
			s.upgrades.Discard(userID, upgradeID, verdict.RecordedAt)
			return err
		}

		result = &UpgradeResult{
			Success:      true,
			Message:      fmt.Sprintf("%s upgraded to level %d", def.Name, next.UpgradeLevel(upgradeID)),
			NewGameState: &next,
			Cost:         verdict.Cost,
		}
		return nil
	})
	if err != nil {
		s.observe(OpUpgrade, err)
		return nil, err
	}

	if result.Success {
		s.observeOutcome(OpUpgrade, metrics.OutcomeAccepted)
	} else {
		s.observeOutcome(OpUpgrade, metrics.OutcomeRejected)
	}
	return result, nil
}

// ValidateAndProcessOfflineProgress validates an offline claim and credits the
// reward and energy to the persisted state. Store failures fail the claim closed.
func (s *GuardService) ValidateAndProcessOfflineProgress(ctx context.Context, userID int64, claimedOfflineMs int64, state validator.OfflineState) (*OfflineProgressResult, error) {
	if err := s.admit(userID); err != nil {
		s.observe(OpOffline, err)
		return nil, err
	}

	var result *OfflineProgressResult
	err := s.userLock.WithLockContext(ctx, userID, s.cfg.LockTimeout, func() error {
		verdict, err := s.offline.Validate(ctx, userID, claimedOfflineMs, state)
		if err != nil {
			return err
		}
		if verdict.ShouldBan {
			return ErrUserBanned
		}
		if !verdict.IsValid {
			result = &OfflineProgressResult{Message: verdict.Reason}
			return nil
		}

		result = &OfflineProgressResult{
			Success:     true,
			Message:     "offline progress claimed",
			Reward:      verdict.CalculatedReward,
			EnergyRegen: verdict.EnergyRegen,
		}
		if verdict.Baseline == nil {
			return nil
		}

		now := s.now()
		next := verdict.Baseline.Clone()
		next.DivinePoints += float64(verdict.CalculatedReward)
		next.CurrentEnergy = math.Min(next.CurrentEnergy+verdict.EnergyRegen, next.MaxEnergy)
		next.UnclaimedOfflineRewards = 0
		next.LastOfflineTime = now
		next.SavedAt = now

		if err := s.persist(ctx, userID, next); err != nil {
			s.offline.Discard(userID, verdict.RecordedAt)
			result = nil
			return err
		}
		return nil
	})
	if err != nil {
		s.observe(OpOffline, err)
		return nil, err
	}

	if result.Success {
		s.observeOutcome(OpOffline, metrics.OutcomeAccepted)
	} else {
		s.observeOutcome(OpOffline, metrics.OutcomeRejected)
	}
	return result, nil
}

// admit rejects banned users and applies the per-user rate limit.
func (s *GuardService) admit(userID int64) error {
	if s.tracker.IsBanned(userID) {
		return ErrUserBanned
	}

	res := s.limiter.Check(userID)
	if res.Excessive {
		s.tracker.Flag(userID, model.EventSuspicious,
			[]string{"repeated requests while rate limited"}, nil)
	}
	if !res.Allowed {
		log.Debug().
			Int64("user_id", userID).
			Time("reset_time", res.ResetTime).
			Msg("Request rate limited")
		return &RateLimitError{
			RetryAfter: res.RetryAfter(s.now()),
			ResetTime:  res.ResetTime,
		}
	}
	s.tracker.Touch(userID)
	return nil
}

// fetch returns the last snapshot, nil for a user who never saved.
func (s *GuardService) fetch(ctx context.Context, userID int64) (*model.GameStateSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	snap, err := s.store.GetLatest(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrSnapshotNotFound) {
			return nil, nil
		}
		log.Error().Err(err).Int64("user_id", userID).Msg("Failed to fetch snapshot")
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return snap, nil
}

func (s *GuardService) persist(ctx context.Context, userID int64, snap model.GameStateSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := s.store.Upsert(ctx, userID, snap); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Failed to persist snapshot")
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// plausiblePoints caps reported points at what the user could have earned since prev.
func (s *GuardService) plausiblePoints(reported float64, prev *model.GameStateSnapshot, now time.Time) float64 {
	var elapsed float64
	if !prev.SavedAt.IsZero() && now.After(prev.SavedAt) {
		elapsed = now.Sub(prev.SavedAt).Seconds()
	}
	bound := prev.DivinePoints + prev.PointsPerSecond*elapsed*s.cfg.MaxGainMultiplier
	return math.Min(reported, bound)
}

func (s *GuardService) observe(operation string, err error) {
	switch {
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUserBanned):
		s.observeOutcome(operation, metrics.OutcomeRejected)
	default:
		s.observeOutcome(operation, metrics.OutcomeError)
	}
}

func (s *GuardService) observeOutcome(operation, outcome string) {
	if s.observer != nil {
		s.observer.ObserveValidation(operation, outcome)
	}
}

// withLevels pairs definitions with the persisted levels, clamped to each MaxLevel.
func withLevels(defs []model.UpgradeDefinition, levels map[string]int) []model.UpgradeDefinition {
	out := make([]model.UpgradeDefinition, len(defs))
	copy(out, defs)
	for i := range out {
		out[i].Level = max(0, min(levels[out[i].ID], out[i].MaxLevel))
	}
	return out
}

// applyUpgrade returns prev with one level of def bought and its effects applied.
func applyUpgrade(prev model.GameStateSnapshot, def model.UpgradeDefinition, points, maxPPS float64, now time.Time) model.GameStateSnapshot {
	next := prev.Clone()
	if next.UpgradeLevels == nil {
		next.UpgradeLevels = make(map[string]int)
	}
	next.UpgradeLevels[def.ID]++
	next.UpgradesPurchased++
	next.DivinePoints = math.Max(points, 0)
	next.PointsPerSecond = math.Min(next.PointsPerSecond+def.PointsPerSecondBonus, maxPPS)
	next.MaxEnergy += def.MaxEnergyBonus
	next.SavedAt = now
	return next
}
