package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/Smile2578/anabai-queue/internal/archive"
	"github.com/Smile2578/anabai-queue/internal/config"
	"github.com/Smile2578/anabai-queue/internal/handlers"
	"github.com/Smile2578/anabai-queue/internal/jobstore"
	"github.com/Smile2578/anabai-queue/internal/maintenance"
	"github.com/Smile2578/anabai-queue/internal/manager"
	"github.com/Smile2578/anabai-queue/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := jobstore.New(client)
	if err := store.Ping(ctx); err != nil {
		logger.Error("connect redis", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var archiver maintenance.Archiver
	if cfg.ArchiveDSN != "" {
		pg, err := archive.New(ctx, cfg.ArchiveDSN)
		if err != nil {
			logger.Error("connect archive postgres", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			logger.Error("archive migrations", slog.String("error", err.Error()))
			os.Exit(1)
		}
		archiver = pg
	}

	mgr := manager.New(cfg, store, client, archiver, logger)
	defer func() { _ = mgr.Close() }()

	imageProc, err := handlers.NewImageProcessor(ctx, cfg)
	if err != nil {
		logger.Error("init image processor", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if _, err := mgr.RegisterQueue(mgr.DefaultQueueConfig("image"), imageProc.Handler()); err != nil {
		logger.Error("register image queue", slog.String("error", err.Error()))
		os.Exit(1)
	}

	importValidator := handlers.RequiredFieldsValidator{Fields: []string{"name", "email"}}
	if _, err := mgr.RegisterQueue(mgr.DefaultQueueConfig("import"), handlers.NewImportHandler(importValidator)); err != nil {
		logger.Error("register import queue", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Blog and place queues need collaborators owned by the embedding
	// application (CMS backend, place directory client); this binary only
	// accepts and administers their jobs.
	for _, name := range []string{"blog", "place"} {
		if _, err := mgr.RegisterQueue(mgr.DefaultQueueConfig(name), nil); err != nil {
			logger.Error("register queue", slog.String("queue", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("worker started",
		slog.String("redis", cfg.RedisAddr),
		slog.Duration("stalled_interval", cfg.StalledInterval),
		slog.Duration("initial_backoff", cfg.InitialBackoff),
	)
	<-ctx.Done()
	logger.Info("worker shutting down")
}
