package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"economy-guard/internal/model"
	"economy-guard/internal/security"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(requests int, window time.Duration, abuse int, events *security.Log) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(requests, window, abuse, events)
	l.SetClock(clock.Now)
	return l, clock
}

func TestLimiter_CapThenDeny(t *testing.T) {
	events := security.NewLog(100, time.Hour)
	l, clock := newTestLimiter(12, time.Minute, 0, events)

	for i := 0; i < 12; i++ {
		res := l.Check(1)
		require.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 11-i, res.Remaining)
		clock.Advance(time.Second)
	}

	res := l.Check(1)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Unix(1_700_000_000, 0).Add(time.Minute), res.ResetTime)
	assert.Equal(t, 48*time.Second, res.RetryAfter(clock.Now()))

	recorded := events.ForUser(1, 0)
	require.Len(t, recorded, 1)
	assert.Equal(t, model.EventRateLimit, recorded[0].Type)

	// Other users are unaffected.
	assert.True(t, l.Check(2).Allowed)
}

func TestLimiter_SlidesWithTime(t *testing.T) {
	l, clock := newTestLimiter(2, 10*time.Second, 0, nil)

	assert.True(t, l.Check(1).Allowed)
	clock.Advance(5 * time.Second)
	assert.True(t, l.Check(1).Allowed)
	assert.False(t, l.Check(1).Allowed)

	// First hit leaves the window; one slot frees up.
	clock.Advance(5 * time.Second)
	assert.True(t, l.Check(1).Allowed)
	assert.False(t, l.Check(1).Allowed)
}

func TestLimiter_ExcessiveDenials(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute, 3, nil)
	require.True(t, l.Check(1).Allowed)

	assert.False(t, l.Check(1).Excessive)
	assert.False(t, l.Check(1).Excessive)
	assert.True(t, l.Check(1).Excessive)
	// Reported once per threshold crossing.
	assert.False(t, l.Check(1).Excessive)
}

func TestLimiter_Prune(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute, 0, nil)
	l.Check(1)
	clock.Advance(30 * time.Second)
	l.Check(2)
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, l.Prune(clock.Now()))
	assert.Equal(t, 1, l.Len())
}

// TestExactlyCapPerWindowProperty: within any window exactly cap requests succeed
// and the (cap+1)th is denied.
func TestExactlyCapPerWindowProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(t, "cap")
		windowSecs := rapid.IntRange(1, 120).Draw(t, "windowSecs")
		attempts := rapid.IntRange(limit+1, limit*3+1).Draw(t, "attempts")

		window := time.Duration(windowSecs) * time.Second
		l, clock := newTestLimiter(limit, window, 0, nil)
		step := window / time.Duration(attempts*2)

		allowed := 0
		for i := 0; i < attempts; i++ {
			res := l.Check(7)
			if res.Allowed {
				allowed++
			} else if allowed != limit {
				t.Fatalf("denied after only %d of %d requests", allowed, limit)
			}
			clock.Advance(step)
		}
		if allowed != limit {
			t.Fatalf("expected exactly %d allowed requests within the window, got %d", limit, allowed)
		}
	})
}
