package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Smile2578/anabai-queue/internal/api"
	"github.com/Smile2578/anabai-queue/internal/archive"
	"github.com/Smile2578/anabai-queue/internal/config"
	"github.com/Smile2578/anabai-queue/internal/jobstore"
	"github.com/Smile2578/anabai-queue/internal/maintenance"
	"github.com/Smile2578/anabai-queue/internal/manager"
	"github.com/Smile2578/anabai-queue/internal/ratelimit"
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

	// The archive backs the read-only archive endpoints; the worker process
	// owns migrations and writes.
	var archiver maintenance.Archiver
	if cfg.ArchiveDSN != "" {
		pg, err := archive.New(ctx, cfg.ArchiveDSN)
		if err != nil {
			logger.Error("connect archive postgres", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pg.Close()
		archiver = pg
	}

	mgr := manager.New(cfg, store, client, archiver, logger)
	defer func() { _ = mgr.Close() }()

	// The API accepts and administers jobs; worker processes consume them.
	for _, name := range []string{"blog", "image", "place", "import"} {
		if _, err := mgr.RegisterQueue(mgr.DefaultQueueConfig(name), nil); err != nil {
			logger.Error("register queue", slog.String("queue", name), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	limiter := ratelimit.ForWindow(client, "api", cfg.RateLimitMax, cfg.RateLimitWindow)
	server := api.New(mgr, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", slog.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
