// Package activity tracks per-user save cadence and accumulated suspicion,
// escalating to a ban once a user crosses the suspicion threshold.
package activity

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"economy-guard/internal/model"
	"economy-guard/internal/pkg/shardmap"
	"economy-guard/internal/security"
)

// DefaultBanThreshold is the number of suspicious flags that triggers a ban.
const DefaultBanThreshold = 5

// Verdict is the outcome of flagging a user.
type Verdict struct {
	Flags       int  // total flags accumulated so far
	ShouldBan   bool // flags >= threshold; sticky once true
	NewlyBanned bool // this call crossed the threshold
}

// Tracker owns every user's UserActivity record.
type Tracker struct {
	users        *shardmap.Map[*model.UserActivity]
	events       *security.Log
	banThreshold int
	now          func() time.Time
}

// NewTracker creates a tracker that reports flags and bans to events.
func NewTracker(events *security.Log, banThreshold int) *Tracker {
	if banThreshold <= 0 {
		banThreshold = DefaultBanThreshold
	}
	return &Tracker{
		users:        shardmap.New(shardmap.DefaultShards, func() *model.UserActivity { return &model.UserActivity{} }),
		events:       events,
		banThreshold: banThreshold,
		now:          time.Now,
	}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// BanThreshold returns the configured threshold.
func (t *Tracker) BanThreshold() int {
	return t.banThreshold
}

// Touch marks user activity without recording a save.
func (t *Tracker) Touch(userID int64) {
	now := t.now()
	t.users.Update(userID, func(a *model.UserActivity) *model.UserActivity {
		a.LastActivityTime = now
		return a
	})
}

// LastSave returns the user's last recorded save time.
func (t *Tracker) LastSave(userID int64) (time.Time, bool) {
	var last time.Time
	t.users.View(userID, func(a *model.UserActivity) { last = a.LastSaveTime })
	return last, !last.IsZero()
}

// RecordSave stamps a save at the given time and bumps the save count.
func (t *Tracker) RecordSave(userID int64, at time.Time) {
	t.users.Update(userID, func(a *model.UserActivity) *model.UserActivity {
		a.LastSaveTime = at
		a.LastActivityTime = at
		a.SaveCount++
		return a
	})
}

// Flag appends reasons to the user's suspicious flags, records one event per reason,
// and records a ban event the first time the threshold is reached.
func (t *Tracker) Flag(userID int64, eventType model.SecurityEventType, reasons []string, snapshot *model.GameStateSnapshot) Verdict {
	now := t.now()
	var v Verdict

	t.users.Update(userID, func(a *model.UserActivity) *model.UserActivity {
		a.LastActivityTime = now
		a.SuspiciousFlags = append(a.SuspiciousFlags, reasons...)
		if !a.Banned && len(a.SuspiciousFlags) >= t.banThreshold {
			a.Banned = true
			a.BanCount++
			v.NewlyBanned = true
		}
		v.Flags = len(a.SuspiciousFlags)
		v.ShouldBan = a.Banned
		return a
	})

	if t.events == nil {
		return v
	}
	for _, reason := range reasons {
		t.events.Record(model.NewSecurityEvent(userID, eventType, reason, now, snapshot))
	}
	if v.NewlyBanned {
		t.events.Record(model.NewSecurityEvent(userID, model.EventBan,
			banDetails(v.Flags, t.banThreshold), now, snapshot))
		log.Warn().
			Int64("user_id", userID).
			Int("flags", v.Flags).
			Msg("User crossed ban threshold")
	}
	return v
}

// IsBanned reports whether the user's save path is compromised.
func (t *Tracker) IsBanned(userID int64) bool {
	banned := false
	t.users.View(userID, func(a *model.UserActivity) { banned = a.Banned })
	return banned
}

// Get returns a copy of the user's activity record.
func (t *Tracker) Get(userID int64) (model.UserActivity, bool) {
	var out model.UserActivity
	ok := t.users.View(userID, func(a *model.UserActivity) {
		out = *a
		out.SuspiciousFlags = append([]string(nil), a.SuspiciousFlags...)
	})
	return out, ok
}

// Len returns the number of tracked users.
func (t *Tracker) Len() int {
	return t.users.Len()
}

// Prune evicts records inactive for longer than ttl. Banned users are kept so
// the ban cannot be shed by going idle. Returns the number evicted.
func (t *Tracker) Prune(now time.Time, ttl time.Duration) int {
	cutoff := now.Add(-ttl)
	return t.users.Sweep(func(_ int64, a *model.UserActivity) bool {
		return !a.Banned && a.LastActivityTime.Before(cutoff)
	})
}

func banDetails(flags, threshold int) string {
	return fmt.Sprintf("suspicious flag count %d reached ban threshold %d", flags, threshold)
}
