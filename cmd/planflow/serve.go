package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/c360studio/planflow/bus"
	"github.com/c360studio/planflow/config"
	"github.com/c360studio/planflow/plan"
	"github.com/c360studio/planflow/processor/worker"
	"github.com/c360studio/planflow/registry"
	"github.com/c360studio/planflow/store"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the planflow worker",
		Long: `Serve connects to NATS, loads the plan definition library and
starts a worker consuming goal, request and result topics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func serve(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(appName),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	eventBus, err := bus.NewNATSBus(ctx, nc, logger)
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	defer eventBus.Close()

	kv, err := store.NewNATSKV(ctx, eventBus.JetStream())
	if err != nil {
		return fmt.Errorf("create state store: %w", err)
	}

	library := plan.NewLibrary(plan.LibraryConfig{
		Dir:     cfg.Definitions.Dir,
		Pattern: cfg.Definitions.Pattern,
		Logger:  logger,
	})
	if err := library.Load(); err != nil {
		return fmt.Errorf("load plan definitions: %w", err)
	}
	logger.Info("Plan definitions loaded",
		"dir", cfg.Definitions.Dir,
		"goal_events", library.GoalEvents())

	if cfg.Definitions.Watch {
		if err := library.Watch(ctx); err != nil {
			logger.Warn("Definition hot reload unavailable", "error", err)
		}
	}

	component, err := worker.NewComponent(worker.Config{
		Queue:              cfg.Worker.Queue,
		Source:             cfg.Worker.Source,
		DelegateEventType:  cfg.Worker.DelegateEventType,
		MaxAutoTransitions: cfg.Worker.MaxAutoTransitions,
		MaxActions:         cfg.Worker.MaxActions,
	}, worker.Dependencies{
		Bus:      eventBus,
		Store:    kv,
		Library:  library,
		Logger:   logger,
		Resolver: registry.NewStatic(cfg.Worker.Capabilities),
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	if err := component.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	logger.Info("Planflow ready",
		"version", Version,
		"queue", cfg.Worker.Queue)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	cancel()
	if err := component.Stop(5 * time.Second); err != nil {
		logger.Warn("Worker stop failed", "error", err)
	}

	return nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
