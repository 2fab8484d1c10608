// Package handler provides Telegram bot command handlers for guard administrators.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"economy-guard/internal/model"
)

const (
	defaultEventLimit = 10
	maxEventLimit     = 50
)

// EventSource lists recent in-memory security events.
type EventSource interface {
	Recent(limit int) []model.SecurityEvent
	ForUser(userID int64, limit int) []model.SecurityEvent
	Len() int
}

// ActivitySource reads per-user activity records.
type ActivitySource interface {
	Get(userID int64) (model.UserActivity, bool)
	Len() int
	BanThreshold() int
}

// SnapshotSource reads a user's last persisted game state.
type SnapshotSource interface {
	GetLatest(ctx context.Context, userID int64) (*model.GameStateSnapshot, error)
}

// EventHistory lists persisted security events, newest first.
type EventHistory interface {
	ListByUser(ctx context.Context, userID int64, limit int) ([]model.SecurityEvent, error)
}

// AdminHandler handles admin inspection commands.
type AdminHandler struct {
	events         EventSource
	activity       ActivitySource
	snapshots      SnapshotSource
	history        EventHistory
	catalogVersion string
	startedAt      time.Time
}

// NewAdminHandler creates a new AdminHandler. snapshots and history may be nil.
func NewAdminHandler(events EventSource, activity ActivitySource, snapshots SnapshotSource, history EventHistory, catalogVersion string) *AdminHandler {
	return &AdminHandler{
		events:         events,
		activity:       activity,
		snapshots:      snapshots,
		history:        history,
		catalogVersion: catalogVersion,
		startedAt:      time.Now(),
	}
}

// HandleEvents handles the /events command.
// Format: /events [limit]
func (h *AdminHandler) HandleEvents(c tele.Context) error {
	limit, err := parseLimit(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	return c.Reply(FormatEvents("🛡 Recent security events", h.events.Recent(limit)))
}

// HandleUser handles the /user command.
// Format: /user <user_id>
func (h *AdminHandler) HandleUser(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Reply("❌ Usage: /user <user_id>\nExample: /user 123456789")
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return c.Reply("❌ User ID must be a positive number")
	}

	var b strings.Builder
	activity, ok := h.activity.Get(userID)
	b.WriteString(FormatActivity(userID, activity, ok, h.activity.BanThreshold()))

	if h.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		snap, err := h.snapshots.GetLatest(ctx, userID)
		cancel()
		switch {
		case err == nil:
			b.WriteString("\n\n")
			b.WriteString(FormatSnapshot(*snap))
		case errors.Is(err, model.ErrSnapshotNotFound):
			b.WriteString("\n\n💾 No saved game state")
		default:
			log.Error().Err(err).Int64("user_id", userID).Msg("Failed to load snapshot for admin")
			b.WriteString("\n\n💾 Snapshot store unavailable")
		}
	}

	events := h.events.ForUser(userID, defaultEventLimit)
	if len(events) == 0 && h.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		persisted, err := h.history.ListByUser(ctx, userID, defaultEventLimit)
		cancel()
		if err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("Failed to load persisted events for admin")
		}
		events = persisted
	}
	b.WriteString("\n\n")
	b.WriteString(FormatEvents("📜 Events", events))

	log.Info().
		Int64("admin_id", senderID(c)).
		Int64("target_id", userID).
		Str("operation", "user_lookup").
		Msg("Admin operation executed")

	return c.Reply(b.String())
}

// HandleStatus handles the /status command.
func (h *AdminHandler) HandleStatus(c tele.Context) error {
	return c.Reply(fmt.Sprintf(
		"📊 Guard status\n\n"+
			"⏱ Uptime: %s\n"+
			"👥 Tracked users: %d\n"+
			"🛡 Retained events: %d\n"+
			"🚫 Ban threshold: %d flags\n"+
			"📦 Catalog: %s",
		time.Since(h.startedAt).Round(time.Second),
		h.activity.Len(),
		h.events.Len(),
		h.activity.BanThreshold(),
		h.catalogVersion,
	))
}

// FormatEvents renders events one per line, newest first.
func FormatEvents(title string, events []model.SecurityEvent) string {
	if len(events) == 0 {
		return title + ": none"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d):", title, len(events))
	for _, ev := range events {
		fmt.Fprintf(&b, "\n%s %s user %d [%s] %s",
			eventIcon(ev.Type), ev.Timestamp.UTC().Format("01-02 15:04:05"), ev.UserID, ev.Type, ev.Details)
	}
	return b.String()
}

// FormatActivity renders a user's activity record.
func FormatActivity(userID int64, a model.UserActivity, found bool, threshold int) string {
	if !found {
		return fmt.Sprintf("👤 User %d: no activity recorded", userID)
	}
	status := "✅ active"
	if a.Banned {
		status = "🚫 banned"
	}
	last := "never"
	if !a.LastSaveTime.IsZero() {
		last = a.LastSaveTime.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"👤 User %d: %s\n"+
			"💾 Saves: %d (last %s)\n"+
			"⚠️ Flags: %d/%d",
		userID, status, a.SaveCount, last, len(a.SuspiciousFlags), threshold,
	)
}

// FormatSnapshot renders the headline numbers of a saved state.
func FormatSnapshot(s model.GameStateSnapshot) string {
	return fmt.Sprintf(
		"💎 Points: %.0f (%.2f/s)\n"+
			"⛏ Level: %d, upgrades: %d\n"+
			"⚡ Energy: %.0f/%.0f\n"+
			"🕒 Saved: %s",
		s.DivinePoints, s.PointsPerSecond,
		s.MiningLevel, s.UpgradesPurchased,
		s.CurrentEnergy, s.MaxEnergy,
		s.SavedAt.UTC().Format(time.RFC3339),
	)
}

func eventIcon(t model.SecurityEventType) string {
	switch t {
	case model.EventBan:
		return "🚫"
	case model.EventCheatDetected:
		return "🚨"
	case model.EventRateLimit:
		return "⏳"
	default:
		return "⚠️"
	}
}

// parseLimit parses an optional event count.
func parseLimit(args []string) (int, error) {
	if len(args) == 0 {
		return defaultEventLimit, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("❌ Usage: /events [count]\nExample: /events 20")
	}
	return min(n, maxEventLimit), nil
}

func senderID(c tele.Context) int64 {
	if s := c.Sender(); s != nil {
		return s.ID
	}
	return 0
}
