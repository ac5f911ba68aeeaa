package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/convolock/convolock/internal/config"
	"github.com/convolock/convolock/internal/coordinator"
	"github.com/convolock/convolock/internal/gateway"
	"github.com/convolock/convolock/internal/llm"
	"github.com/convolock/convolock/internal/locks"
	"github.com/convolock/convolock/internal/observability"
	"github.com/convolock/convolock/internal/storage"
)

// runServe implements the serve command. It wires the registry,
// provider, store, coordinator, and gateway together, starts the
// background maintenance loops, and blocks until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Output:    os.Stderr,
	})
	metrics := observability.NewMetrics()

	logger.Info(ctx, "starting convolock",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.LLM.Provider,
		"storage", cfg.Storage.Driver,
	)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening transcript store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn(ctx, "transcript store close error", "error", err)
		}
	}()

	provider, err := llm.NewProviderFromName(cfg.LLM.Provider,
		llm.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
			MaxTokens:    cfg.LLM.MaxTokens,
			MaxRetries:   cfg.LLM.MaxRetries,
			RetryDelay:   cfg.LLM.RetryDelay,
		},
		llm.OpenAIConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
			MaxTokens:    cfg.LLM.MaxTokens,
			MaxRetries:   cfg.LLM.MaxRetries,
			RetryDelay:   cfg.LLM.RetryDelay,
		},
	)
	if err != nil {
		return fmt.Errorf("initializing inference provider: %w", err)
	}

	registry := locks.NewRegistry()
	coord := coordinator.New(registry, provider, store, logger, metrics, coordinator.Config{
		LockTimeout:  cfg.Locks.AcquireTimeout,
		CallDeadline: cfg.Locks.CallDeadline,
		HistoryLimit: cfg.Storage.HistoryLimit,
		SystemPrompt: cfg.LLM.SystemPrompt,
	})

	watchdog := locks.NewWatchdog(registry, cfg.Locks.WatchdogInterval, cfg.Locks.WatchdogThreshold, logger, metrics)
	reaper := locks.NewReaper(registry, cfg.Locks.ReaperInterval, cfg.Locks.ReaperTTL, logger, metrics)

	server := gateway.NewServer(gateway.Config{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, coord, registry, logger, metrics)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchdog.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})

	logger.Info(ctx, "convolock started", "addr", server.Addr())

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	server.Stop(context.Background())
	if err := g.Wait(); err != nil {
		logger.Warn(context.Background(), "background loop error", "error", err)
	}
	registry.Clear()

	logger.Info(context.Background(), "shutdown complete")
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (storage.TranscriptStore, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return storage.NewSQLiteStore(cfg.Storage.Path)
	}
}
