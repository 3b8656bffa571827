package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"go-collab/internal/auth"
	"go-collab/internal/collab"
	"go-collab/internal/config"
	"go-collab/internal/metrics"
	"go-collab/internal/redis"
	"go-collab/internal/routers"
	"go-collab/internal/storage/badger"
	"go-collab/internal/ws"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))

	if err := run(cfg); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	validator := auth.NewValidator(cfg.AuthIssuerURL, cfg.AuthSecret)
	if err := validator.Start(ctx); err != nil {
		return fmt.Errorf("initialize JWKS: %w", err)
	}

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		client, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client
	}

	store, closeStore, err := openStore(cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeStore()

	observers := collab.Observers{metrics.Observer{}}
	if cfg.EventsEnabled {
		observers = append(observers, redisClient)
	}

	hub := collab.NewHub(collab.RoomConfig{
		TransformWindow: cfg.TransformWindow,
		LogLimit:        cfg.LogLimit,
		EchoToAuthor:    cfg.EchoToAuthor,
	}, store, observers)

	wsServer := ws.NewServer(hub, validator, ws.Options{
		SendBuffer:     cfg.SendBuffer,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		IdleAfter:      cfg.ConnIdleAfter,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routers.New(hub, wsServer.ServeWS, cfg.AllowedOrigins),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	reaper := collab.NewReaper(hub, cfg.ReapInterval, cfg.IdleTimeout)
	if err := reaper.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("WebSocket server starting", "port", cfg.Port, "store", cfg.StoreDriver, "events", cfg.EventsEnabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.EventsEnabled {
		g.Go(func() error { return redisClient.Run(gctx) })
		g.Go(func() error { return redis.SubscribeToNotifications(gctx, redisClient, hub, nil) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		reaper.Stop()
		hub.Shutdown("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore returns the configured log store, or nil when logs live only in
// memory for as long as a room does.
func openStore(cfg *config.Config, redisClient *redis.Client) (collab.LogStore, func(), error) {
	switch cfg.StoreDriver {
	case "", "none":
		return nil, func() {}, nil
	case "memory":
		return collab.NewMemoryStore(), func() {}, nil
	case "redis":
		return redis.NewStore(redisClient), func() {}, nil
	case "badger":
		db, err := badger.Open(badger.DefaultConfig(cfg.BadgerPath))
		if err != nil {
			return nil, nil, err
		}
		return badger.NewStore(db), func() {
			if err := db.Close(); err != nil {
				slog.Error("Failed to close badger", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
