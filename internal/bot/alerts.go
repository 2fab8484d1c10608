package bot

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"economy-guard/internal/model"
)

// maxAlertsPerBatch bounds a single alert message; the rest are summarized.
const maxAlertsPerBatch = 20

// Sender is the part of *tele.Bot used to deliver alerts.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// AlertSink forwards ban and cheat-detection events to an admin chat.
// Other event types are ignored.
type AlertSink struct {
	sender Sender
	chat   tele.Recipient
}

// NewAlertSink creates a sink posting to chatID.
func NewAlertSink(sender Sender, chatID int64) *AlertSink {
	return &AlertSink{sender: sender, chat: &tele.Chat{ID: chatID}}
}

// Name implements security.Sink.
func (s *AlertSink) Name() string {
	return "telegram"
}

// Write implements security.Sink.
func (s *AlertSink) Write(_ context.Context, events []model.SecurityEvent) error {
	text := formatAlerts(events)
	if text == "" {
		return nil
	}
	if _, err := s.sender.Send(s.chat, text); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

func formatAlerts(events []model.SecurityEvent) string {
	var lines []string
	skipped := 0
	for _, ev := range events {
		if ev.Type != model.EventBan && ev.Type != model.EventCheatDetected {
			continue
		}
		if len(lines) == maxAlertsPerBatch {
			skipped++
			continue
		}
		icon := "🚨"
		if ev.Type == model.EventBan {
			icon = "🚫"
		}
		lines = append(lines, fmt.Sprintf("%s user %d [%s] %s", icon, ev.UserID, ev.Type, ev.Details))
	}
	if len(lines) == 0 {
		return ""
	}
	if skipped > 0 {
		lines = append(lines, fmt.Sprintf("… and %d more", skipped))
	}
	return "🛡 Economy guard alert\n\n" + strings.Join(lines, "\n")
}
