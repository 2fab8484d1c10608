// Package main is the entry point for the economy guard service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/urfave/cli.v1"

	"economy-guard/internal/activity"
	"economy-guard/internal/api"
	"economy-guard/internal/bot"
	"economy-guard/internal/catalog"
	"economy-guard/internal/config"
	"economy-guard/internal/janitor"
	"economy-guard/internal/metrics"
	"economy-guard/internal/pkg/db"
	"economy-guard/internal/pkg/lock"
	"economy-guard/internal/ratelimit"
	"economy-guard/internal/repository"
	"economy-guard/internal/security"
	"economy-guard/internal/service"
	"economy-guard/internal/telemetry"
	"economy-guard/internal/validator"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "Directory containing config.yaml",
		Value: "config",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log.level",
		Usage: "Log level (trace|debug|info|warn|error)",
		Value: "info",
	}
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := cli.NewApp()
	app.Name = "economy-guard"
	app.Usage = "anti-cheat and economy integrity service for the idle mining game"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{configFlag, logLevelFlag}
	app.Before = func(c *cli.Context) error {
		level, err := zerolog.ParseLevel(c.GlobalString(logLevelFlag.Name))
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		zerolog.SetGlobalLevel(level)
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the HTTP guard service",
			Action: serve,
		},
		{
			Name:   "migrate",
			Usage:  "Apply database migrations and exit",
			Action: migrate,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("economy-guard exited with error")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString(configFlag.Name))
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Configuration loaded successfully")
	return cfg, nil
}

func migrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.Migrate(ctx, pool)
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection pool
	pool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	m := metrics.New()

	// Security ledger and its sinks
	events := security.NewLog(cfg.Security.MaxEvents, cfg.Security.Retention)
	events.SetObserver(m)

	eventRepo := repository.NewSecurityEventRepository(pool.Pool)
	events.AddSink(eventRepo)

	if cfg.Redis.Enabled {
		publisher, err := telemetry.NewRedisPublisher(ctx, cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			return err
		}
		defer publisher.Close()
		events.AddSink(publisher)
	}

	cat := catalog.Default()
	if path := cfg.Upgrades.CatalogPath; path != "" {
		if cat, err = catalog.Load(path); err != nil {
			return err
		}
	}
	log.Info().
		Str("version", cat.Version()).
		Int("upgrades", len(cat.All())).
		Msg("Upgrade catalog loaded")

	snapshots := repository.NewSnapshotRepository(pool.Pool)
	tracker := activity.NewTracker(events, cfg.Validation.BanThreshold)
	limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.AbuseThreshold, events)
	userLock := lock.NewUserLock()

	offline := validator.NewOfflineProgressValidator(validator.OfflineConfig{
		MaxOfflineTime:     cfg.Offline.MaxOfflineTime,
		MaxOfflineBonus:    cfg.Offline.MaxOfflineBonus,
		LevelMultiplier:    cfg.Offline.LevelMultiplier,
		DailyCap:           cfg.Offline.DailyCap,
		HistorySize:        cfg.Offline.HistorySize,
		HistoryMaxAge:      cfg.Offline.HistoryMaxAge,
		EnergyRegenPerSec:  cfg.Offline.EnergyRegenPerSec,
		PremiumMultiplier:  cfg.Offline.PremiumMultiplier,
		MaxPointsPerSecond: cfg.Validation.MaxPointsPerSecond,
		FetchTimeout:       cfg.Store.FetchTimeout,
	}, snapshots, tracker)
	offline.SetBonusSource(cat.OfflineBonus)

	upgrades := validator.NewUpgradePurchaseValidator(validator.UpgradeConfig{
		Window:        cfg.Upgrades.PurchaseWindow,
		MaxPerWindow:  cfg.Upgrades.MaxPurchasesPerWindow,
		HistorySize:   cfg.Upgrades.HistorySize,
		HistoryMaxAge: cfg.Upgrades.HistoryMaxAge,
	}, tracker)

	gameState := validator.NewGameStateValidator(validator.GameStateConfig{
		MaxPointsPerSecond:   cfg.Validation.MaxPointsPerSecond,
		MaxGainMultiplier:    cfg.Validation.MaxGainMultiplier,
		MaxLevelPerSave:      cfg.Validation.MaxLevelPerSave,
		MaxUpgradesPerSave:   cfg.Validation.MaxUpgradesPerSave,
		MinSaveInterval:      cfg.Validation.MinSaveInterval,
		SnapshotOnSuspicious: cfg.Validation.SnapshotOnSuspicious,
	}, tracker, offline)

	guard := service.NewGuardService(service.Dependencies{
		Config: service.Config{
			FetchTimeout:          cfg.Store.FetchTimeout,
			WriteTimeout:          cfg.Store.WriteTimeout,
			LockTimeout:           cfg.Store.LockTimeout,
			PersistCorrectedState: cfg.Validation.PersistCorrectedState,
			MaxPointsPerSecond:    cfg.Validation.MaxPointsPerSecond,
			MaxGainMultiplier:     cfg.Validation.MaxGainMultiplier,
		},
		Store:     snapshots,
		Catalog:   cat,
		Limiter:   limiter,
		Tracker:   tracker,
		GameState: gameState,
		Offline:   offline,
		Upgrades:  upgrades,
		UserLock:  userLock,
		Observer:  m,
	})

	// Admin bot is optional
	if cfg.Telegram.Token != "" {
		adminBot, err := bot.New(&bot.Dependencies{
			Config:         cfg,
			Events:         events,
			Activity:       tracker,
			Snapshots:      snapshots,
			History:        eventRepo,
			CatalogVersion: cat.Version(),
		})
		if err != nil {
			return err
		}
		if alerts := adminBot.Alerts(); alerts != nil {
			events.AddSink(alerts)
		}
		go adminBot.Start()
		defer adminBot.Stop()
	} else {
		log.Info().Msg("Telegram token not set, admin bot disabled")
	}

	cleaner := janitor.New(janitor.Dependencies{
		Config: janitor.Config{
			Interval:       cfg.Cleanup.Interval,
			FlushInterval:  cfg.Security.FlushInterval,
			ActivityTTL:    cfg.Cleanup.ActivityTTL,
			EventRetention: cfg.Security.Retention,
		},
		Tracker:   tracker,
		Events:    events,
		Limiter:   limiter,
		Offline:   offline,
		Upgrades:  upgrades,
		UserLock:  userLock,
		Persisted: eventRepo,
		PoolStats: pool.PoolStats,
		Observer:  m,
	})
	cleaner.Start(ctx)
	defer cleaner.Stop()

	server := api.NewServer(api.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		IngressRPS:      cfg.Server.IngressRPS,
		IngressBurst:    cfg.Server.IngressBurst,
	}, guard, pool, m)

	err = server.Start(ctx)
	log.Info().Msg("Shutting down")
	return err
}
