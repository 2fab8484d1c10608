// Package security provides the append-only security event ledger and its
// fan-out to external sinks (database, telemetry, admin alerts).
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"economy-guard/internal/model"
)

// Default retention bounds.
const (
	DefaultMaxEvents = 1000
	DefaultRetention = 7 * 24 * time.Hour
)

// Sink consumes batches of security events. Implementations must not retain the slice.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []model.SecurityEvent) error
}

// Observer is notified of every recorded event (metrics).
type Observer interface {
	ObserveSecurityEvent(eventType model.SecurityEventType)
}

// Log is a bounded, append-only in-memory ledger of security events.
// Events queue for external persistence until Flush is called.
type Log struct {
	mu        sync.Mutex
	events    []model.SecurityEvent
	pending   []model.SecurityEvent
	maxEvents int
	retention time.Duration
	sinks     []Sink
	observer  Observer
}

// NewLog creates a ledger keeping at most maxEvents entries no older than retention.
func NewLog(maxEvents int, retention time.Duration) *Log {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{
		maxEvents: maxEvents,
		retention: retention,
	}
}

// AddSink registers a sink that receives events on Flush.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// SetObserver registers the event observer.
func (l *Log) SetObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = o
}

// Record appends an event, evicting the oldest entries beyond the size bound.
func (l *Log) Record(ev model.SecurityEvent) {
	l.mu.Lock()
	l.events = appendBounded(l.events, ev, l.maxEvents)
	l.pending = appendBounded(l.pending, ev, l.maxEvents)
	observer := l.observer
	l.mu.Unlock()

	if observer != nil {
		observer.ObserveSecurityEvent(ev.Type)
	}

	log.Warn().
		Int64("user_id", ev.UserID).
		Str("event_type", string(ev.Type)).
		Str("details", ev.Details).
		Msg("Security event recorded")
}

func appendBounded(events []model.SecurityEvent, ev model.SecurityEvent, limit int) []model.SecurityEvent {
	events = append(events, ev)
	if over := len(events) - limit; over > 0 {
		// Copy down so the backing array does not pin evicted events forever.
		n := copy(events, events[over:])
		events = events[:n]
	}
	return events
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []model.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return collect(l.events, limit, func(model.SecurityEvent) bool { return true })
}

// ForUser returns up to limit events for one user, newest first.
func (l *Log) ForUser(userID int64, limit int) []model.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return collect(l.events, limit, func(ev model.SecurityEvent) bool { return ev.UserID == userID })
}

func collect(events []model.SecurityEvent, limit int, keep func(model.SecurityEvent) bool) []model.SecurityEvent {
	out := make([]model.SecurityEvent, 0)
	for i := len(events) - 1; i >= 0; i-- {
		if !keep(events[i]) {
			continue
		}
		out = append(out, events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Prune drops events older than the retention window. Returns the number removed.
func (l *Log) Prune(now time.Time) int {
	cutoff := now.Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.events[:0]
	for _, ev := range l.events {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	removed := len(l.events) - len(kept)
	l.events = kept
	return removed
}

// Flush hands all pending events to every sink. Sinks are best-effort: a failing
// sink is reported but does not stop the others, and the batch is not retried.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	sinks := append([]Sink(nil), l.sinks...)
	l.mu.Unlock()

	if len(batch) == 0 || len(sinks) == 0 {
		return nil
	}

	var errs []error
	for _, s := range sinks {
		if err := s.Write(ctx, batch); err != nil {
			log.Error().
				Err(err).
				Str("sink", s.Name()).
				Int("events", len(batch)).
				Msg("Failed to flush security events")
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}

	log.Debug().Int("events", len(batch)).Int("sinks", len(sinks)).Msg("Security events flushed")
	return errors.Join(errs...)
}
