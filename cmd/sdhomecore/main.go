// Package main is the entry point for the sdhome core service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sdhome/core/internal/automation"
	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/broker"
	"github.com/sdhome/core/internal/buildinfo"
	"github.com/sdhome/core/internal/clock"
	"github.com/sdhome/core/internal/config"
	"github.com/sdhome/core/internal/e2e"
	"github.com/sdhome/core/internal/projection"
	"github.com/sdhome/core/internal/signals"
	"github.com/sdhome/core/internal/statesync"
	"github.com/sdhome/core/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting sdhomecore", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker_url", cfg.Broker.URL,
		"broker_enabled", cfg.Broker.Configured(),
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	db, err := store.Open("sqlite3", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Database.Path)

	bus := broadcaster.New()

	publisher := broker.NewPublisher(cfg.Broker, cfg.Broker.ClientIDTag+"-pub", logger)
	defer func() {
		if err := publisher.Close(context.Background()); err != nil {
			logger.Warn("publisher close failed", "error", err)
		}
	}()

	tracker := e2e.New(bus, clock.Real, logger)

	engine := automation.New(cfg.Broker.BaseTopic, cfg.Automation.TickSeconds, automation.Deps{
		Rules:     db.AutomationRules(),
		Devices:   db.Devices(),
		Scenes:    db.Scenes(),
		Readings:  db.SensorReadings(),
		Triggers:  db.TriggerEvents(),
		Publisher: publisher,
		Bus:       bus,
		Tracker:   tracker,
		Clock:     clock.Real,
		Logger:    logger,
	})

	projector := projection.New(db.SensorReadings(), db.TriggerEvents(), bus, logger)

	signalsService := signals.New(cfg.Broker.BaseTopic, db.SignalEvents(), bus, projector, engine, logger)

	syncWorker := statesync.New(
		cfg.Broker.BaseTopic,
		cfg.StateSync.PollInterval(),
		db.Devices(),
		publisher,
		bus,
		engine,
		clock.Real,
		logger,
	)

	// Every non-bridge inbound message must reach both the signals
	// pipeline (persist/project/automate) and the state-sync cache
	// (spec §4.1); broker.Ingestion only drives one Router, so fan the
	// message out to both in order.
	router := fanOutRouter{signalsService, syncWorker}

	bridge := broker.NewBridge(bus, logger)
	ingestion := broker.NewIngestion(cfg.Broker, router, bridge, logger)

	if cfg.Automation.RulesDir != "" {
		logger.Info("automation rules directory configured, enabling hot-reload", "dir", cfg.Automation.RulesDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return ingestion.Run(gctx)
	})

	group.Go(func() error {
		return syncWorker.Run(gctx)
	})

	group.Go(func() error {
		return engine.Start(gctx)
	})

	if cfg.Automation.RulesDir != "" {
		group.Go(func() error {
			return engine.WatchRules(gctx, cfg.Automation.RulesDir)
		})
	}

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("sdhomecore stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("sdhomecore stopped")
}

// fanOutRouter implements broker.Router, dispatching each message to
// every downstream router in order so the signals pipeline and the
// state-sync cache both see the same message stream (spec §4.1, §4.4).
type fanOutRouter []broker.Router

func (r fanOutRouter) HandleMessage(ctx context.Context, topic string, payload []byte) {
	for _, next := range r {
		next.HandleMessage(ctx, topic, payload)
	}
}
