package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/NevinXuHui/KiroGate/internal/allocator"
	"github.com/NevinXuHui/KiroGate/internal/auth"
	"github.com/NevinXuHui/KiroGate/internal/config"
	"github.com/NevinXuHui/KiroGate/internal/health"
	"github.com/NevinXuHui/KiroGate/internal/logging"
	tracing "github.com/NevinXuHui/KiroGate/internal/monitoring/tracing"
	"github.com/NevinXuHui/KiroGate/internal/runtime"
	srv "github.com/NevinXuHui/KiroGate/internal/server"
	"github.com/NevinXuHui/KiroGate/internal/store"
	"github.com/NevinXuHui/KiroGate/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if *debug {
		cfg.Debug = true
	}

	if err := logging.Setup(cfg.Debug, cfg.LogFile); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	wsLogger := logging.NewWebSocketLogger()
	wsLogger.Start()
	defer wsLogger.Stop()
	log.AddHook(&logging.Hook{WSL: wsLogger})

	traceShutdown, err := tracing.Init(context.Background())
	if err != nil {
		log.WithError(err).Warn("Failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("Failed to shutdown tracing")
			}
		}()
	}

	log.WithFields(log.Fields{"version": version.Version, "config": *configPath}).
		Info("Starting KiroGate")

	st, err := store.Open(store.Options{
		Backend:       cfg.StorageBackend,
		EncryptionKey: cfg.EncryptionKey,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		RedisPrefix:   cfg.RedisPrefix,
		PostgresDSN:   cfg.PostgresDSN,
		MongoURI:      cfg.MongoURI,
		MongoDB:       cfg.MongoDatabase,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to open storage backend")
	}
	ctx := context.Background()
	if err := st.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("Failed to initialize storage backend")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("Failed to close storage backend")
		}
	}()

	// Seed the pool from a Kiro credentials file when configured. Rotations
	// of the seeded identity are mirrored back into the file so the desktop
	// client keeps working with the rotated refresh token.
	if cfg.KiroCredsFile != "" {
		credFile := store.NewCredFile(cfg.KiroCredsFile)
		id, err := credFile.Seed(ctx, st, cfg.Region)
		if err != nil {
			log.WithError(err).WithField("path", cfg.KiroCredsFile).
				Warn("Failed to seed identity from credentials file")
		} else if id > 0 {
			st = store.MirrorRotations(st, id, credFile.SaveRotation)
			log.WithFields(log.Fields{"token_id": id, "path": cfg.KiroCredsFile}).
				Info("Seeded identity from credentials file")
		}
	}

	registry := auth.NewRegistry(st, auth.WithRefreshThreshold(cfg.RefreshThreshold()))
	alloc := allocator.New(st, registry, allocator.Options{
		MinSuccessRate:  cfg.TokenMinSuccessRate,
		DefaultStrategy: allocator.Strategy(cfg.TokenAllocationStrategy),
		SelfUseMode:     cfg.SelfUseMode,
	})

	tasks := runtime.NewTaskManager(ctx)
	if err := tasks.StartPeriodic("storage-health", "storage backend liveness probe", time.Minute, func(ctx context.Context) error {
		if err := st.Health(ctx); err != nil {
			log.WithError(err).Warn("Storage backend unhealthy")
		}
		return nil
	}); err != nil {
		log.WithError(err).Warn("Storage health task could not start")
	}
	checker := health.NewChecker(st, tasks, cfg.HealthCheckInterval())
	if cfg.HealthCheckInterval() > 0 {
		checker.Start()
	} else {
		log.Info("Background health checking disabled")
	}

	watcher := config.NewWatcher(*configPath, func(next *config.Config) {
		// Strategy and filter knobs apply on the next allocation; anything
		// needing a restart is logged so operators know.
		log.Info("Configuration reloaded")
		if next.Port != cfg.Port || next.StorageBackend != cfg.StorageBackend {
			log.Warn("Port and storage backend changes require a restart")
		}
	})
	if err := watcher.Start(); err != nil {
		log.WithError(err).Warn("Config watcher unavailable")
	}
	defer watcher.Stop()

	server := srv.New(srv.Dependencies{
		Config:    cfg,
		Store:     st,
		Registry:  registry,
		Allocator: alloc,
		Checker:   checker,
		Tasks:     tasks,
		WSLogger:  wsLogger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("Ops server failed")
		}
	}

	if err := server.Shutdown(context.Background()); err != nil {
		log.WithError(err).Warn("Server shutdown incomplete")
	}
	tasks.StopAll()
	tasks.Wait()
	log.Info("KiroGate stopped")
}
