package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/stockwatch/alert-engine/internal/changesync"
	"github.com/stockwatch/alert-engine/internal/config"
	"github.com/stockwatch/alert-engine/internal/dispatch"
	"github.com/stockwatch/alert-engine/internal/domain"
	"github.com/stockwatch/alert-engine/internal/evaluator"
	"github.com/stockwatch/alert-engine/internal/infrastructure/database"
	"github.com/stockwatch/alert-engine/internal/infrastructure/feed"
	"github.com/stockwatch/alert-engine/internal/infrastructure/notify"
	"github.com/stockwatch/alert-engine/internal/metrics"
	"github.com/stockwatch/alert-engine/internal/registry"
	"github.com/stockwatch/alert-engine/internal/subscription"
	"github.com/stockwatch/alert-engine/internal/worker"
)

func main() {
	mode := flag.String("mode", "alerts", "worker mode to run (alerts)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	switch *mode {
	case "alerts":
		if err := runAlerts(logger); err != nil {
			logger.Error("alert engine failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (supported: alerts)\n", *mode)
		os.Exit(2)
	}
}

func runAlerts(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.NewConnection(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	alertRepo := database.NewAlertRepository(db, logger)
	changeFeed := database.NewChangeFeed(cfg.DatabaseURL, logger)

	var tickFeed domain.TickFeed
	if cfg.FeedURL == "mock" {
		tickFeed = feed.NewMock(0, logger)
	} else {
		tickFeed = feed.NewStream(cfg.FeedURL, logger)
	}

	var notifier domain.Notifier
	if cfg.TelegramBotToken != "" {
		notifier, err = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.DeliveryTimeout, logger)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, logging notifications instead of delivering")
		notifier = notify.NewLog(logger)
	}

	m := metrics.NewSet()

	// The registry's edge hooks wake the subscription manager, which in
	// turn reads its desired symbol set back from the registry. Hooks only
	// fire once the engine runs, well after subs is assigned.
	var subs *subscription.Manager
	reg := registry.New(cfg.MaxAlerts, registry.Hooks{
		SymbolActivated:   func(sym string) { subs.OnSymbolActivated(sym) },
		SymbolDeactivated: func(sym string) { subs.OnSymbolDeactivated(sym) },
	})
	subs = subscription.NewManager(tickFeed, reg, cfg.SubscribeRetry, logger)

	dispatcher := dispatch.New(alertRepo, notifier, dispatch.Options{
		Workers:         cfg.DispatchWorkers,
		MaxAttempts:     cfg.DispatchMaxAttempts,
		BaseBackoff:     cfg.DispatchBaseBackoff,
		HighWater:       cfg.DispatchHighWater,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, m, logger)

	eval := evaluator.New(reg, dispatcher, cfg.EvalLanes, m, logger)
	syncer := changesync.New(reg, alertRepo, changeFeed, cfg.ReconcileInterval, m, logger)

	engine := worker.NewEngine(reg, subs, eval, dispatcher, syncer, tickFeed, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go m.Serve(ctx, cfg.MetricsAddr, logger)

	logger.Info("starting alert engine",
		slog.String("env", cfg.Env),
		slog.String("feed", cfg.FeedURL))

	return engine.Run(ctx)
}
