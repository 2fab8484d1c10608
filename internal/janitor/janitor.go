// Package janitor runs the periodic cleanup of per-user in-memory state and
// flushes the security ledger to its sinks.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"economy-guard/internal/activity"
	"economy-guard/internal/pkg/lock"
	"economy-guard/internal/ratelimit"
	"economy-guard/internal/security"
	"economy-guard/internal/validator"
)

// Store names reported to the Observer.
const (
	StoreActivity        = "activity"
	StoreEvents          = "security_events"
	StoreRateWindows     = "rate_windows"
	StoreOfflineHistory  = "offline_history"
	StoreUpgradeHistory  = "upgrade_history"
	StoreUserLocks       = "user_locks"
	StorePersistedEvents = "persisted_security_events"
)

// Observer receives prune counts and connection pool gauges (metrics).
type Observer interface {
	ObservePruned(store string, n int)
	RecordDBPoolStats(total, acquired, idle int32)
}

// EventPruner deletes persisted security events older than cutoff.
type EventPruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls the cleanup cadence.
type Config struct {
	Interval       time.Duration
	FlushInterval  time.Duration
	ActivityTTL    time.Duration
	EventRetention time.Duration
}

// Dependencies lists the stores the janitor sweeps. Nil entries are skipped.
type Dependencies struct {
	Config    Config
	Tracker   *activity.Tracker
	Events    *security.Log
	Limiter   *ratelimit.Limiter
	Offline   *validator.OfflineProgressValidator
	Upgrades  *validator.UpgradePurchaseValidator
	UserLock  *lock.UserLock
	Persisted EventPruner
	PoolStats func() (total, acquired, idle int32)
	Observer  Observer
}

// Janitor owns the background cleanup goroutine.
type Janitor struct {
	deps   Dependencies
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New creates a janitor. Call Start to begin sweeping.
func New(deps Dependencies) *Janitor {
	if deps.Config.Interval <= 0 {
		deps.Config.Interval = 5 * time.Minute
	}
	if deps.Config.FlushInterval <= 0 {
		deps.Config.FlushInterval = 10 * time.Second
	}
	if deps.Config.ActivityTTL <= 0 {
		deps.Config.ActivityTTL = 24 * time.Hour
	}
	if deps.Config.EventRetention <= 0 {
		deps.Config.EventRetention = security.DefaultRetention
	}
	return &Janitor{deps: deps, now: time.Now}
}

// SetClock overrides the time source.
func (j *Janitor) SetClock(now func() time.Time) {
	j.now = now
}

// Start launches the sweep and flush loops. Calling Start twice is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(2)
	go j.loop(ctx, j.deps.Config.Interval, j.Sweep)
	go j.loop(ctx, j.deps.Config.FlushInterval, j.Flush)

	log.Info().
		Dur("interval", j.deps.Config.Interval).
		Dur("flush_interval", j.deps.Config.FlushInterval).
		Msg("Janitor started")
}

// Stop halts the loops, waits for them to exit and performs a final flush.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	j.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	j.Flush(ctx)
	log.Info().Msg("Janitor stopped")
}

func (j *Janitor) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer j.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Flush hands pending security events to the sinks.
func (j *Janitor) Flush(ctx context.Context) {
	if j.deps.Events == nil {
		return
	}
	// Sink failures are logged by the ledger.
	_ = j.deps.Events.Flush(ctx)
}

// Sweep runs one cleanup pass over every configured store.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()
	d := j.deps

	if d.Tracker != nil {
		j.report(StoreActivity, d.Tracker.Prune(now, d.Config.ActivityTTL))
	}
	if d.Events != nil {
		j.report(StoreEvents, d.Events.Prune(now))
	}
	if d.Limiter != nil {
		j.report(StoreRateWindows, d.Limiter.Prune(now))
	}
	if d.Offline != nil {
		j.report(StoreOfflineHistory, d.Offline.Prune(now))
	}
	if d.Upgrades != nil {
		j.report(StoreUpgradeHistory, d.Upgrades.Prune(now))
	}
	if d.UserLock != nil {
		j.report(StoreUserLocks, d.UserLock.Prune())
	}

	if d.Persisted != nil {
		n, err := d.Persisted.PruneOlderThan(ctx, now.Add(-d.Config.EventRetention))
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune persisted security events")
		} else {
			j.report(StorePersistedEvents, int(n))
		}
	}

	if d.PoolStats != nil && d.Observer != nil {
		d.Observer.RecordDBPoolStats(d.PoolStats())
	}
}

func (j *Janitor) report(store string, n int) {
	if n > 0 {
		log.Debug().Str("store", store).Int("removed", n).Msg("Janitor pruned entries")
	}
	if j.deps.Observer != nil {
		j.deps.Observer.ObservePruned(store, n)
	}
}
