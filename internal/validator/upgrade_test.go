package validator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"economy-guard/internal/activity"
	"economy-guard/internal/catalog"
	"economy-guard/internal/model"
	"economy-guard/internal/security"
)

func newUpgradeFixture() (*UpgradePurchaseValidator, *activity.Tracker, *fakeClock) {
	clock := &fakeClock{t: t0}
	tracker := activity.NewTracker(security.NewLog(100, time.Hour), 5)
	tracker.SetClock(clock.Now)
	v := NewUpgradePurchaseValidator(DefaultUpgradeConfig(), tracker)
	v.SetClock(clock.Now)
	return v, tracker, clock
}

func TestUpgradeCost(t *testing.T) {
	def := model.UpgradeDefinition{BaseCost: 25, CostMultiplier: 1.12}
	assert.Equal(t, int64(25), UpgradeCost(def, 0))
	assert.Equal(t, int64(44), UpgradeCost(def, 5))

	huge := model.UpgradeDefinition{BaseCost: 1e6, CostMultiplier: 2}
	assert.Equal(t, int64(math.MaxInt64), UpgradeCost(huge, 200))
}

// TestUpgradeCostMonotonicProperty: cost never decreases as level grows.
func TestUpgradeCostMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		def := model.UpgradeDefinition{
			BaseCost:       rapid.Float64Range(1, 10_000).Draw(t, "base"),
			CostMultiplier: rapid.Float64Range(1, 2).Draw(t, "mult"),
		}
		level := rapid.IntRange(0, 120).Draw(t, "level")

		if a, b := UpgradeCost(def, level), UpgradeCost(def, level+1); b < a {
			t.Fatalf("cost decreased from %d to %d at level %d", a, b, level)
		}
	})
}

func TestUpgrade_Rejections(t *testing.T) {
	cat := catalog.Default()

	tests := []struct {
		name      string
		upgradeID string
		level     int
		points    float64
		levels    map[string]int
		reason    string
	}{
		{
			name:      "unknown upgrade",
			upgradeID: "rocket",
			points:    1e9,
			reason:    "unknown upgrade",
		},
		{
			name:      "insufficient points",
			upgradeID: catalog.UpgradePickaxe,
			points:    24,
			reason:    "insufficient points",
		},
		{
			name:      "max level",
			upgradeID: catalog.UpgradeOfflineVault,
			level:     14,
			points:    1e12,
			levels:    map[string]int{catalog.UpgradePickaxe: 10, catalog.UpgradeOfflineVault: 14},
			reason:    "max level",
		},
		{
			name:      "direct prerequisite",
			upgradeID: catalog.UpgradeMiningCart,
			points:    1e9,
			levels:    map[string]int{catalog.UpgradePickaxe: 4},
			reason:    "requires pickaxe level 5",
		},
		{
			name:      "transitive prerequisite",
			upgradeID: catalog.UpgradeDrill,
			points:    1e9,
			levels:    map[string]int{catalog.UpgradeMiningCart: 10},
			reason:    "requires pickaxe level 5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _ := newUpgradeFixture()
			res := v.Validate(1, tt.upgradeID, tt.level, tt.points, cat.WithLevels(tt.levels))
			assert.False(t, res.CanPurchase)
			assert.Contains(t, res.Reason, tt.reason)
			assert.Empty(t, v.History(1))
		})
	}
}

func TestUpgrade_InsufficientPointsReturnsCost(t *testing.T) {
	v, _, _ := newUpgradeFixture()
	res := v.Validate(1, catalog.UpgradePickaxe, 5, 10, catalog.Default().WithLevels(map[string]int{catalog.UpgradePickaxe: 5}))
	assert.False(t, res.CanPurchase)
	assert.Equal(t, int64(44), res.Cost)
}

func TestUpgrade_ApprovedPurchaseIsRecorded(t *testing.T) {
	v, tracker, _ := newUpgradeFixture()
	levels := map[string]int{catalog.UpgradePickaxe: 5}

	res := v.Validate(1, catalog.UpgradeMiningCart, 0, 150, catalog.Default().WithLevels(levels))
	require.True(t, res.CanPurchase, res.Reason)
	assert.Equal(t, int64(150), res.Cost)
	assert.Empty(t, res.SuspiciousActivity)

	hist := v.History(1)
	require.Len(t, hist, 1)
	assert.Equal(t, catalog.UpgradeMiningCart, hist[0].UpgradeID)
	assert.Zero(t, tracker.Len())
}

func TestUpgrade_DiscardForgetsPurchase(t *testing.T) {
	v, _, _ := newUpgradeFixture()
	defs := catalog.Default().WithLevels(nil)

	res := v.Validate(1, catalog.UpgradePickaxe, 0, 100, defs)
	require.True(t, res.CanPurchase, res.Reason)
	hist := v.History(1)
	require.Len(t, hist, 1)

	v.Discard(1, catalog.UpgradeMiningCart, hist[0].Timestamp)
	require.Len(t, v.History(1), 1)

	v.Discard(1, catalog.UpgradePickaxe, hist[0].Timestamp)
	assert.Empty(t, v.History(1))

	// a retry is not a duplicate once the failed attempt is forgotten
	retry := v.Validate(1, catalog.UpgradePickaxe, 0, 100, defs)
	assert.True(t, retry.CanPurchase, retry.Reason)
	assert.Empty(t, retry.SuspiciousActivity)
}

func TestUpgrade_DuplicateIsFlaggedAndRejected(t *testing.T) {
	v, tracker, clock := newUpgradeFixture()
	defs := catalog.Default().WithLevels(nil)

	first := v.Validate(1, catalog.UpgradePickaxe, 0, 100, defs)
	require.True(t, first.CanPurchase)

	clock.Advance(5 * time.Second)
	second := v.Validate(1, catalog.UpgradePickaxe, 0, 100, defs)
	assert.False(t, second.CanPurchase)
	require.Len(t, second.SuspiciousActivity, 1)
	assert.Contains(t, second.SuspiciousActivity[0], "duplicate")
	assert.Len(t, v.History(1), 1)

	a, _ := tracker.Get(1)
	assert.Len(t, a.SuspiciousFlags, 1)

	// Outside the window the same pair is a fresh purchase.
	clock.Advance(time.Minute)
	assert.True(t, v.Validate(1, catalog.UpgradePickaxe, 0, 100, defs).CanPurchase)
}

func TestUpgrade_DuplicateRecordsCheatEvent(t *testing.T) {
	events := security.NewLog(100, time.Hour)
	v := NewUpgradePurchaseValidator(DefaultUpgradeConfig(), activity.NewTracker(events, 5))
	defs := catalog.Default().WithLevels(nil)

	require.True(t, v.Validate(1, catalog.UpgradePickaxe, 0, 100, defs).CanPurchase)
	require.False(t, v.Validate(1, catalog.UpgradePickaxe, 0, 100, defs).CanPurchase)

	got := events.ForUser(1, 10)
	require.Len(t, got, 1)
	assert.Equal(t, model.EventCheatDetected, got[0].Type)
}

func TestUpgrade_CheckStale(t *testing.T) {
	v, tracker, clock := newUpgradeFixture()
	defs := catalog.Default().WithLevels(nil)
	require.True(t, v.Validate(1, catalog.UpgradePickaxe, 0, 100, defs).CanPurchase)

	replay := v.CheckStale(1, catalog.UpgradePickaxe, 0, 1)
	assert.False(t, replay.CanPurchase)
	assert.Equal(t, "duplicate purchase", replay.Reason)
	require.Len(t, replay.SuspiciousActivity, 1)
	a, _ := tracker.Get(1)
	assert.Len(t, a.SuspiciousFlags, 1)

	clock.Advance(2 * time.Minute)
	stale := v.CheckStale(1, catalog.UpgradePickaxe, 0, 1)
	assert.False(t, stale.CanPurchase)
	assert.Contains(t, stale.Reason, "stale")
	assert.Empty(t, stale.SuspiciousActivity)

	unknown := v.CheckStale(2, catalog.UpgradePickaxe, 0, 4)
	assert.Contains(t, unknown.Reason, "stale")
	_, ok := tracker.Get(2)
	assert.False(t, ok)
}

func TestUpgrade_BurstIsSuspicious(t *testing.T) {
	v, _, clock := newUpgradeFixture()
	cat := catalog.Default()

	for level := 0; level < 10; level++ {
		res := v.Validate(1, catalog.UpgradePickaxe, level, 1e9,
			cat.WithLevels(map[string]int{catalog.UpgradePickaxe: level}))
		require.True(t, res.CanPurchase)
		require.Empty(t, res.SuspiciousActivity, "purchase %d", level+1)
		clock.Advance(time.Second)
	}

	res := v.Validate(1, catalog.UpgradePickaxe, 10, 1e9,
		cat.WithLevels(map[string]int{catalog.UpgradePickaxe: 10}))
	assert.True(t, res.CanPurchase)
	require.Len(t, res.SuspiciousActivity, 1)
	assert.Contains(t, res.SuspiciousActivity[0], "more than 10")
}

func TestUpgrade_HistoryBoundedAndPruned(t *testing.T) {
	v, _, clock := newUpgradeFixture()
	cat := catalog.Default()

	for level := 0; level < 100; level++ {
		v.Validate(1, catalog.UpgradePickaxe, level, 1e18,
			cat.WithLevels(map[string]int{catalog.UpgradePickaxe: level}))
		clock.Advance(10 * time.Second)
	}
	// energy_cell has its own 20 levels; push the history past 100.
	for level := 0; level < 5; level++ {
		v.Validate(1, catalog.UpgradeEnergyCell, level, 1e18,
			cat.WithLevels(map[string]int{catalog.UpgradeEnergyCell: level}))
		clock.Advance(10 * time.Second)
	}

	hist := v.History(1)
	require.Len(t, hist, 100)
	assert.Equal(t, 5, hist[0].Level)

	assert.Equal(t, 1, v.Prune(clock.Now().Add(48*time.Hour)))
	assert.Empty(t, v.History(1))
}
