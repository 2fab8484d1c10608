package validator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"economy-guard/internal/activity"
	"economy-guard/internal/model"
	"economy-guard/internal/security"
)

type fakeStore struct {
	snap *model.GameStateSnapshot
	err  error
}

func (f *fakeStore) GetLatest(_ context.Context, _ int64) (*model.GameStateSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.snap == nil {
		return nil, model.ErrSnapshotNotFound
	}
	s := f.snap.Clone()
	return &s, nil
}

func newOfflineFixture(store SnapshotStore) (*OfflineProgressValidator, *activity.Tracker, *fakeClock) {
	clock := &fakeClock{t: t0}
	tracker := activity.NewTracker(security.NewLog(100, time.Hour), 5)
	tracker.SetClock(clock.Now)
	v := NewOfflineProgressValidator(DefaultOfflineConfig(), store, tracker)
	v.SetClock(clock.Now)
	return v, tracker, clock
}

func savedAgo(clock *fakeClock, d time.Duration) *fakeStore {
	return &fakeStore{snap: &model.GameStateSnapshot{
		PointsPerSecond: 10,
		MiningLevel:     10,
		MaxEnergy:       100,
		SavedAt:         clock.Now().Add(-d),
	}}
}

func TestOffline_RejectsClaimOverCeiling(t *testing.T) {
	v, tracker, _ := newOfflineFixture(&fakeStore{err: errors.New("must not be called")})

	res, err := v.Validate(context.Background(), 1, (20 * 24 * time.Hour).Milliseconds(), OfflineState{PointsPerSecond: 10, MiningLevel: 1})
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "14-day")
	assert.Zero(t, res.CalculatedReward)
	assert.Equal(t, 14*24*time.Hour, res.MaxAllowedTime)
	assert.Zero(t, tracker.Len())
}

func TestOffline_RejectsClaimThatOverflowsDuration(t *testing.T) {
	v, tracker, _ := newOfflineFixture(&fakeStore{err: errors.New("must not be called")})

	for _, ms := range []int64{18446744073710, math.MaxInt64, math.MaxInt64/1000 + 1} {
		res, err := v.Validate(context.Background(), 1, ms, OfflineState{PointsPerSecond: 10, MiningLevel: 1})
		require.NoError(t, err)
		assert.False(t, res.IsValid, "claim %d ms", ms)
		assert.Contains(t, res.Reason, "14-day")
		assert.Zero(t, res.CalculatedReward)
		assert.Zero(t, res.ValidatedOfflineMs)
	}
	assert.Empty(t, v.History(1))
	assert.Zero(t, tracker.Len())
}

func TestOffline_RejectsNegativeClaim(t *testing.T) {
	v, _, _ := newOfflineFixture(&fakeStore{})
	res, err := v.Validate(context.Background(), 1, -1, OfflineState{})
	require.NoError(t, err)
	assert.False(t, res.IsValid)
}

func TestOffline_StoreFailureFailsClosed(t *testing.T) {
	v, tracker, _ := newOfflineFixture(&fakeStore{err: context.DeadlineExceeded})

	res, err := v.Validate(context.Background(), 1, time.Hour.Milliseconds(), OfflineState{PointsPerSecond: 10, MiningLevel: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.IsValid)
	assert.Zero(t, res.CalculatedReward)
	assert.Zero(t, tracker.Len(), "store failures are not suspicion")
}

func TestOffline_RewardWithinObservedTime(t *testing.T) {
	clock := &fakeClock{t: t0}
	v, tracker, _ := newOfflineFixture(savedAgo(clock, 2*time.Hour))

	res, err := v.Validate(context.Background(), 1, time.Hour.Milliseconds(), OfflineState{
		PointsPerSecond: 10,
		MiningLevel:     10,
		OfflineBonus:    0.5,
		CurrentEnergy:   50,
		MaxEnergy:       100,
		Premium:         true,
	})
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.SuspiciousActivity)
	// 10 pps * 3600s * (1 + 10*0.1) * (1 + 0.5)
	assert.Equal(t, int64(108000), res.CalculatedReward)
	assert.Equal(t, time.Hour.Milliseconds(), res.ValidatedOfflineMs)
	// 3600s / 60 * 2 capped by the 50 energy of headroom
	assert.Equal(t, 50.0, res.EnergyRegen)
	assert.Zero(t, tracker.Len())

	hist := v.History(1)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(108000), hist[0].Reward)
}

func TestOffline_ClientStateCannotExceedSnapshot(t *testing.T) {
	clock := &fakeClock{t: t0}
	v, _, _ := newOfflineFixture(savedAgo(clock, 2*time.Hour))

	res, err := v.Validate(context.Background(), 1, time.Hour.Milliseconds(), OfflineState{
		PointsPerSecond: 10_000,
		MiningLevel:     300,
		OfflineBonus:    9,
	})
	require.NoError(t, err)
	// pps and level fall back to the snapshot; bonus is capped at 1.4.
	assert.Equal(t, int64(172800), res.CalculatedReward)
}

func TestOffline_BonusCappedBySource(t *testing.T) {
	clock := &fakeClock{t: t0}
	store := savedAgo(clock, 2*time.Hour)
	store.snap.UpgradeLevels = map[string]int{"lantern": 2}
	v, _, _ := newOfflineFixture(store)
	v.SetBonusSource(func(levels map[string]int) float64 {
		return 0.1 * float64(levels["lantern"])
	})

	res, err := v.Validate(context.Background(), 1, time.Hour.Milliseconds(), OfflineState{
		PointsPerSecond: 10,
		MiningLevel:     10,
		OfflineBonus:    0.5,
	})
	require.NoError(t, err)
	// 10 pps * 3600s * 2 * (1 + 0.2)
	assert.Equal(t, int64(86400), res.CalculatedReward)
}

func TestOffline_DiscardRemovesClaim(t *testing.T) {
	clock := &fakeClock{t: t0}
	v, _, _ := newOfflineFixture(savedAgo(clock, 2*time.Hour))

	res, err := v.Validate(context.Background(), 1, time.Hour.Milliseconds(), OfflineState{PointsPerSecond: 10, MiningLevel: 10})
	require.NoError(t, err)
	require.Len(t, v.History(1), 1)

	v.Discard(1, res.RecordedAt.Add(time.Second))
	assert.Len(t, v.History(1), 1, "unknown timestamp is a no-op")

	v.Discard(1, res.RecordedAt)
	assert.Empty(t, v.History(1))
}

func TestOffline_ClaimBeyondObservedTimeIsClamped(t *testing.T) {
	clock := &fakeClock{t: t0}
	v, tracker, _ := newOfflineFixture(savedAgo(clock, 30*time.Minute))

	res, err := v.Validate(context.Background(), 1, time.Hour.Milliseconds(), OfflineState{PointsPerSecond: 10, MiningLevel: 10})
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	require.Len(t, res.SuspiciousActivity, 1)
	assert.Equal(t, (30 * time.Minute).Milliseconds(), res.ValidatedOfflineMs)
	assert.Equal(t, int64(36000), res.CalculatedReward)

	a, ok := tracker.Get(1)
	require.True(t, ok)
	assert.Len(t, a.SuspiciousFlags, 1)
}

func TestOffline_NoSnapshotMeansNoObservedTime(t *testing.T) {
	v, _, _ := newOfflineFixture(&fakeStore{})

	res, err := v.Validate(context.Background(), 1, time.Hour.Milliseconds(), OfflineState{PointsPerSecond: 10, MiningLevel: 1})
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Len(t, res.SuspiciousActivity, 1)
	assert.Zero(t, res.CalculatedReward)
}

func TestOffline_DailyCapAcrossClaims(t *testing.T) {
	clock := &fakeClock{t: t0}
	v, _, _ := newOfflineFixture(savedAgo(clock, 10*24*time.Hour))
	state := OfflineState{PointsPerSecond: 10, MiningLevel: 1}

	res, err := v.Validate(context.Background(), 1, (13 * time.Hour).Milliseconds(), state)
	require.NoError(t, err)
	assert.Empty(t, res.SuspiciousActivity)

	clock.Advance(time.Minute)
	res, err = v.Validate(context.Background(), 1, (13 * time.Hour).Milliseconds(), state)
	require.NoError(t, err)
	require.Len(t, res.SuspiciousActivity, 1)
	assert.Contains(t, res.SuspiciousActivity[0], "within 24h")
}

func TestOffline_ReplayPattern(t *testing.T) {
	clock := &fakeClock{t: t0}
	v, _, _ := newOfflineFixture(savedAgo(clock, 20*24*time.Hour))
	state := OfflineState{PointsPerSecond: 10, MiningLevel: 1}

	_, err := v.Validate(context.Background(), 1, time.Hour.Milliseconds(), state)
	require.NoError(t, err)

	clock.Advance(30 * time.Hour)
	res, err := v.Validate(context.Background(), 1, time.Hour.Milliseconds(), state)
	require.NoError(t, err)
	require.Len(t, res.SuspiciousActivity, 1)
	assert.Contains(t, res.SuspiciousActivity[0], "previous claim")
}

func TestOffline_HistoryBoundedAndPruned(t *testing.T) {
	clock := &fakeClock{t: t0}
	v, _, _ := newOfflineFixture(savedAgo(clock, 14*24*time.Hour))
	for i := 0; i < 60; i++ {
		_, err := v.Validate(context.Background(), 1, time.Millisecond.Milliseconds(), OfflineState{})
		require.NoError(t, err)
	}
	assert.Len(t, v.History(1), 50)

	assert.Equal(t, 1, v.Prune(clock.Now().Add(8*24*time.Hour)))
	assert.Empty(t, v.History(1))
}

// TestRewardNeverExceedsMaximumProperty: the computed reward is bounded by the
// maximum-level, maximum-bonus reward for the same offline time.
func TestRewardNeverExceedsMaximumProperty(t *testing.T) {
	v := NewOfflineProgressValidator(DefaultOfflineConfig(), &fakeStore{}, nil)

	rapid.Check(t, func(t *rapid.T) {
		pps := rapid.Float64Range(0, 2_000_000).Draw(t, "pps")
		level := rapid.IntRange(-10, 500).Draw(t, "level")
		bonus := rapid.Float64Range(-1, 10).Draw(t, "bonus")
		secs := rapid.Int64Range(0, 14*24*3600).Draw(t, "seconds")
		offline := time.Duration(secs) * time.Second

		reward := v.Reward(pps, level, bonus, offline)
		limit := v.MaxPossibleReward(pps, offline)
		if reward < 0 || reward > limit {
			t.Fatalf("reward %d outside [0, %d]", reward, limit)
		}
	})
}
