package validator

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"economy-guard/internal/activity"
	"economy-guard/internal/model"
	"economy-guard/internal/pkg/shardmap"
)

// UpgradeConfig bounds purchase patterns.
type UpgradeConfig struct {
	Window        time.Duration // duplicate / burst detection window
	MaxPerWindow  int
	HistorySize   int
	HistoryMaxAge time.Duration
}

// DefaultUpgradeConfig returns the stock purchase limits.
func DefaultUpgradeConfig() UpgradeConfig {
	return UpgradeConfig{
		Window:        time.Minute,
		MaxPerWindow:  10,
		HistorySize:   100,
		HistoryMaxAge: 24 * time.Hour,
	}
}

// PurchaseResult is the verdict on a single purchase attempt.
type PurchaseResult struct {
	CanPurchase        bool
	Cost               int64
	Reason             string
	SuspiciousActivity []string
	ShouldBan          bool
	// RecordedAt stamps the history entry of an approved purchase.
	RecordedAt time.Time
}

// UpgradePurchaseValidator checks cost, level cap, prerequisites and purchase cadence.
type UpgradePurchaseValidator struct {
	cfg     UpgradeConfig
	tracker *activity.Tracker
	history *shardmap.Map[*[]model.UpgradePurchase]
	now     func() time.Time
}

// NewUpgradePurchaseValidator creates a validator reporting suspicion to tracker (may be nil).
func NewUpgradePurchaseValidator(cfg UpgradeConfig, tracker *activity.Tracker) *UpgradePurchaseValidator {
	def := DefaultUpgradeConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = def.MaxPerWindow
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = def.HistoryMaxAge
	}
	return &UpgradePurchaseValidator{
		cfg:     cfg,
		tracker: tracker,
		history: shardmap.New(shardmap.DefaultShards, func() *[]model.UpgradePurchase { return new([]model.UpgradePurchase) }),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (v *UpgradePurchaseValidator) SetClock(now func() time.Time) {
	v.now = now
}

// UpgradeCost returns floor(baseCost * costMultiplier^level), saturating at MaxInt64.
func UpgradeCost(def model.UpgradeDefinition, level int) int64 {
	if level < 0 {
		level = 0
	}
	cost := decimal.NewFromFloat(def.BaseCost).
		Mul(decimal.NewFromFloat(def.CostMultiplier).Pow(decimal.NewFromInt(int64(level)))).
		Floor()
	if cost.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return math.MaxInt64
	}
	return cost.IntPart()
}

// Validate decides whether userID may buy the next level of upgradeID.
// allUpgrades carries the user's current level for every catalog entry.
// Approved purchases are appended to the user's history; the caller deducts Cost.
func (v *UpgradePurchaseValidator) Validate(userID int64, upgradeID string, currentLevel int, userPoints float64, allUpgrades []model.UpgradeDefinition) PurchaseResult {
	byID := make(map[string]model.UpgradeDefinition, len(allUpgrades))
	for _, u := range allUpgrades {
		byID[u.ID] = u
	}

	def, ok := byID[upgradeID]
	if !ok {
		return PurchaseResult{Reason: fmt.Sprintf("unknown upgrade %q", upgradeID)}
	}
	if currentLevel < 0 {
		return PurchaseResult{Reason: "current level cannot be negative"}
	}

	res := PurchaseResult{Cost: UpgradeCost(def, currentLevel)}
	if math.IsNaN(userPoints) || userPoints < float64(res.Cost) {
		res.Reason = fmt.Sprintf("insufficient points: need %d", res.Cost)
		return res
	}
	if currentLevel >= def.MaxLevel {
		res.Reason = fmt.Sprintf("%s is already at max level %d", def.ID, def.MaxLevel)
		return res
	}
	if reason, ok := prerequisitesMet(def, byID); !ok {
		res.Reason = reason
		return res
	}

	now := v.now()
	cutoff := now.Add(-v.cfg.Window)
	duplicate := false
	v.history.Update(userID, func(h *[]model.UpgradePurchase) *[]model.UpgradePurchase {
		recent := 0
		for _, p := range *h {
			if !p.Timestamp.After(cutoff) {
				continue
			}
			recent++
			if p.UpgradeID == upgradeID && p.Level == currentLevel {
				duplicate = true
			}
		}
		if recent >= v.cfg.MaxPerWindow {
			res.SuspiciousActivity = append(res.SuspiciousActivity,
				fmt.Sprintf("more than %d upgrade purchases within %s", v.cfg.MaxPerWindow, v.cfg.Window))
		}
		if duplicate {
			res.SuspiciousActivity = append(res.SuspiciousActivity,
				fmt.Sprintf("duplicate purchase of %s at level %d within %s", upgradeID, currentLevel, v.cfg.Window))
			return h
		}
		*h = appendPurchase(*h, model.UpgradePurchase{
			UpgradeID: upgradeID,
			Level:     currentLevel,
			Cost:      res.Cost,
			Timestamp: now,
		}, v.cfg.HistorySize)
		return h
	})

	if duplicate {
		res.Reason = "duplicate purchase"
	} else {
		res.CanPurchase = true
		res.RecordedAt = now
	}
	if len(res.SuspiciousActivity) > 0 && v.tracker != nil {
		eventType := model.EventSuspicious
		if duplicate {
			eventType = model.EventCheatDetected
		}
		res.ShouldBan = v.tracker.Flag(userID, eventType, res.SuspiciousActivity, nil).ShouldBan
	}
	return res
}

// CheckStale rejects a request made against reportedLevel after the user already
// reached currentLevel. If the same level was bought inside the window the request
// is a replay and is flagged as cheating.
func (v *UpgradePurchaseValidator) CheckStale(userID int64, upgradeID string, reportedLevel, currentLevel int) PurchaseResult {
	cutoff := v.now().Add(-v.cfg.Window)
	replayed := false
	v.history.View(userID, func(h *[]model.UpgradePurchase) {
		for _, p := range *h {
			if p.UpgradeID == upgradeID && p.Level == reportedLevel && p.Timestamp.After(cutoff) {
				replayed = true
				return
			}
		}
	})

	if !replayed {
		return PurchaseResult{Reason: fmt.Sprintf("stale request: %s is at level %d, request was made at level %d",
			upgradeID, currentLevel, reportedLevel)}
	}
	res := PurchaseResult{
		Reason: "duplicate purchase",
		SuspiciousActivity: []string{fmt.Sprintf("replayed purchase of %s at level %d within %s",
			upgradeID, reportedLevel, v.cfg.Window)},
	}
	if v.tracker != nil {
		res.ShouldBan = v.tracker.Flag(userID, model.EventCheatDetected, res.SuspiciousActivity, nil).ShouldBan
	}
	return res
}

// History returns a copy of the user's purchase history, oldest first.
func (v *UpgradePurchaseValidator) History(userID int64) []model.UpgradePurchase {
	var out []model.UpgradePurchase
	v.history.View(userID, func(h *[]model.UpgradePurchase) {
		out = append(out, *h...)
	})
	return out
}

// Discard removes the purchase recorded at the given time, used when the caller
// could not persist an approved purchase.
func (v *UpgradePurchaseValidator) Discard(userID int64, upgradeID string, recordedAt time.Time) {
	v.history.View(userID, func(h *[]model.UpgradePurchase) {
		for i := len(*h) - 1; i >= 0; i-- {
			if (*h)[i].UpgradeID == upgradeID && (*h)[i].Timestamp.Equal(recordedAt) {
				*h = append((*h)[:i], (*h)[i+1:]...)
				return
			}
		}
	})
}

// Prune drops purchases older than the history age and empty histories.
// Returns the number of users removed.
func (v *UpgradePurchaseValidator) Prune(now time.Time) int {
	cutoff := now.Add(-v.cfg.HistoryMaxAge)
	return v.history.Sweep(func(_ int64, h *[]model.UpgradePurchase) bool {
		i := 0
		for i < len(*h) && (*h)[i].Timestamp.Before(cutoff) {
			i++
		}
		*h = append((*h)[:0], (*h)[i:]...)
		return len(*h) == 0
	})
}

// prerequisitesMet walks the full requires chain starting at def.
func prerequisitesMet(def model.UpgradeDefinition, byID map[string]model.UpgradeDefinition) (string, bool) {
	visited := map[string]bool{def.ID: true}
	for req := def.Requires; req != nil; {
		dep, ok := byID[req.UpgradeID]
		if !ok {
			return fmt.Sprintf("prerequisite %s is unknown", req.UpgradeID), false
		}
		if dep.Level < req.Level {
			return fmt.Sprintf("requires %s level %d", req.UpgradeID, req.Level), false
		}
		if visited[dep.ID] {
			return fmt.Sprintf("prerequisite cycle at %s", dep.ID), false
		}
		visited[dep.ID] = true
		req = dep.Requires
	}
	return "", true
}

func appendPurchase(h []model.UpgradePurchase, p model.UpgradePurchase, limit int) []model.UpgradePurchase {
	h = append(h, p)
	if len(h) > limit {
		h = append(h[:0], h[len(h)-limit:]...)
	}
	return h
}
