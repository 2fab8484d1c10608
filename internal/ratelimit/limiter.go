// Package ratelimit implements a per-user sliding-window request limiter
// consulted before any validation runs.
package ratelimit

import (
	"fmt"
	"time"

	"economy-guard/internal/model"
	"economy-guard/internal/pkg/shardmap"
	"economy-guard/internal/security"
)

// Default limits: 12 requests per rolling minute.
const (
	DefaultRequests = 12
	DefaultWindow   = time.Minute
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	// Excessive is set once denials within the window reach the abuse threshold.
	Excessive bool
}

// RetryAfter returns how long the caller should wait before retrying.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !r.ResetTime.After(now) {
		return 0
	}
	return r.ResetTime.Sub(now)
}

type window struct {
	hits    []time.Time
	denials []time.Time
}

// Limiter counts requests per user within a rolling window.
type Limiter struct {
	windows        *shardmap.Map[*window]
	requests       int
	window         time.Duration
	abuseThreshold int
	events         *security.Log
	now            func() time.Time
}

// New creates a limiter allowing requests per window. abuseThreshold <= 0 disables
// excessive-denial detection. events may be nil.
func New(requests int, window time.Duration, abuseThreshold int, events *security.Log) *Limiter {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		windows:        shardmap.New(shardmap.DefaultShards, newWindow),
		requests:       requests,
		window:         window,
		abuseThreshold: abuseThreshold,
		events:         events,
		now:            time.Now,
	}
}

func newWindow() *window { return &window{} }

// SetClock overrides the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Check records a request for userID if it fits in the window.
func (l *Limiter) Check(userID int64) Result {
	now := l.now()
	cutoff := now.Add(-l.window)
	var res Result

	l.windows.Update(userID, func(w *window) *window {
		w.hits = dropBefore(w.hits, cutoff)
		w.denials = dropBefore(w.denials, cutoff)

		remaining := l.requests - len(w.hits)
		if remaining > 0 {
			w.hits = append(w.hits, now)
			res.Allowed = true
			res.Remaining = remaining - 1
		} else {
			w.denials = append(w.denials, now)
			res.Excessive = l.abuseThreshold > 0 && len(w.denials) == l.abuseThreshold
		}
		res.ResetTime = w.hits[0].Add(l.window)
		return w
	})

	if !res.Allowed && l.events != nil {
		l.events.Record(model.NewSecurityEvent(userID, model.EventRateLimit,
			fmt.Sprintf("exceeded %d requests per %s", l.requests, l.window), now, nil))
	}
	return res
}

// Prune drops windows with no activity inside the current window. Returns the number removed.
func (l *Limiter) Prune(now time.Time) int {
	cutoff := now.Add(-l.window)
	return l.windows.Sweep(func(_ int64, w *window) bool {
		w.hits = dropBefore(w.hits, cutoff)
		w.denials = dropBefore(w.denials, cutoff)
		return len(w.hits) == 0 && len(w.denials) == 0
	})
}

// Len returns the number of users with a live window.
func (l *Limiter) Len() int {
	return l.windows.Len()
}

// dropBefore removes timestamps older than cutoff; ts is sorted ascending.
func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
