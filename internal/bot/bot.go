// Package bot provides the Telegram admin bot: security alerts plus
// inspection commands restricted to configured administrators.
package bot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"economy-guard/internal/config"
	"economy-guard/internal/handler"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot          *tele.Bot
	cfg          *config.Config
	adminHandler *handler.AdminHandler
	alerts       *AlertSink
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config         *config.Config
	Events         handler.EventSource
	Activity       handler.ActivitySource
	Snapshots      handler.SnapshotSource
	History        handler.EventHistory
	CatalogVersion string
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Telegram.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Telegram.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Telegram handler error")
		},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot: teleBot,
		cfg: deps.Config,
		adminHandler: handler.NewAdminHandler(
			deps.Events, deps.Activity, deps.Snapshots, deps.History, deps.CatalogVersion),
	}
	if chatID := deps.Config.Telegram.AlertChatID; chatID != 0 {
		b.alerts = NewAlertSink(teleBot, chatID)
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(LoggingMiddleware())
}

// registerHandlers registers all command handlers. Every command is admin-only.
func (b *Bot) registerHandlers() {
	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/events", b.adminHandler.HandleEvents)
	adminGroup.Handle("/user", b.adminHandler.HandleUser)
	adminGroup.Handle("/status", b.adminHandler.HandleStatus)
}

// Alerts returns the alert sink, nil when no alert chat is configured.
func (b *Bot) Alerts() *AlertSink {
	return b.alerts
}

// Start starts the bot polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
