package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/alerter"
	"github.com/heartline/alertd/internal/api"
	"github.com/heartline/alertd/internal/collector"
	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/evaluator"
	"github.com/heartline/alertd/internal/logging"
	"github.com/heartline/alertd/internal/metrics"
	"github.com/heartline/alertd/internal/notifier"
	"github.com/heartline/alertd/internal/store"
	"github.com/heartline/alertd/internal/version"
)

func run(ctx context.Context, s settings) error {
	logBuffer := logging.NewBuffer(s.LogBuffer)
	logger := logging.New(logging.Options{
		Level:       s.LogLevel,
		Environment: s.Environment,
		Buffer:      logBuffer,
	})
	logger.Info().Str("commit", version.Commit).Str("environment", s.Environment).Msg("Starting alertd")

	cfg, err := config.Load(s.ConfigPath, s.Environment)
	if err != nil {
		logger.Error().Err(err).Str("config_path", s.ConfigPath).Msg("Failed to load configuration")
		return err
	}
	logConfig(logger, cfg)

	m := metrics.New(prometheus.DefaultRegisterer)

	st, closeStore, err := openStore(ctx, s)
	if err != nil {
		logger.Error().Err(err).Str("store", s.Store).Msg("Failed to open alert store")
		return err
	}
	defer closeStore()

	dispatcher := notifier.NewDispatcher(cfg.Notifications, logger, notifier.WithMetrics(m))
	engine := alerter.NewEngine(cfg, st, dispatcher, logger, alerter.WithEngineMetrics(m))
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	registry := collector.NewRegistry()
	collectors := collector.NewManager(registry, logger)
	collectors.Start(ctx, cfg.Collectors)

	eval := evaluator.NewEvaluator(cfg, registry, engine, logger, evaluator.WithMetrics(m))
	evalCtx, stopEval := context.WithCancel(ctx)
	var evalDone sync.WaitGroup
	evalDone.Add(1)
	go func() {
		defer evalDone.Done()
		eval.Run(evalCtx)
	}()

	apply := func(next *config.Config) {
		engine.Apply(next)
		dispatcher.Apply(next.Notifications)
		collectors.Apply(next.Collectors)
		eval.Apply(next)
		logConfig(logger, next)
	}
	reload := func() error {
		next, err := config.Load(s.ConfigPath, s.Environment)
		if err != nil {
			return err
		}
		apply(next)
		return nil
	}
	if s.Watch {
		if err := config.Watch(ctx, s.ConfigPath, s.Environment, logger, apply); err != nil {
			logger.Warn().Err(err).Msg("Configuration hot reload disabled")
		}
	}

	server := api.NewServer(engine, registry, logger, s.Listen)
	server.SetLogBuffer(logBuffer)
	server.SetReloadFunc(reload)
	server.SetHealthFunc(collectors.Health)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	logger.Info().Str("listen", s.Listen).Msg("alertd running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down...")
	case err = <-serverErr:
		logger.Error().Err(err).Msg("API server stopped, shutting down")
	}

	stopEval()
	evalDone.Wait()
	collectors.Stop()
	engine.Stop(s.ShutdownGrace)

	shutdownCtx, cancel := shutdownContext(s.ShutdownGrace)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("API server shutdown incomplete")
	}
	logger.Info().Msg("alertd stopped")
	return err
}

// openStore builds the configured alert store and its close function
func openStore(ctx context.Context, s settings) (store.AlertStore, func(), error) {
	switch s.Store {
	case "", "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "redis":
		rs, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:      s.RedisAddr,
			Password:  s.RedisPassword,
			DB:        s.RedisDB,
			KeyPrefix: s.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", s.Store)
	}
}

func logConfig(logger zerolog.Logger, cfg *config.Config) {
	logger.Info().
		Int("thresholds", len(cfg.Specs)).
		Int("channels", len(cfg.Notifications.Channels)).
		Int("policies", len(cfg.Escalation.Policies)).
		Int("correlation_rules", len(cfg.Correlation.Rules)).
		Msg("Configuration loaded")
	if problems := cfg.Problems(); problems != nil {
		logger.Warn().Err(problems).Msg("Some configuration entries were refused")
	}
}
