package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/whiteboard/backend/internal/api"
	"github.com/manpreetbhatti/whiteboard/backend/internal/compaction"
	"github.com/manpreetbhatti/whiteboard/backend/internal/config"
	"github.com/manpreetbhatti/whiteboard/backend/internal/db"
	"github.com/manpreetbhatti/whiteboard/backend/internal/passcode"
	"github.com/manpreetbhatti/whiteboard/backend/internal/ratelimit"
	"github.com/manpreetbhatti/whiteboard/backend/internal/room"
	"github.com/manpreetbhatti/whiteboard/backend/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize store")
	}
	defer store.Close()

	hub := ws.NewHub(store, passcode.NewBcrypt(cfg.BcryptCost), room.NewRegistry())

	sweeper := compaction.New(store, compaction.Config{
		Interval:      cfg.SweepInterval,
		Retention:     cfg.RoomRetention,
		CompressAfter: cfg.CompressAfter,
		MaxTextLength: cfg.MaxTextLength,
	})

	limiters := ratelimit.NewClientLimiters(5, 20)
	defer limiters.Stop()

	router := api.NewRouter(api.New(hub, store), api.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
		Limiters:    limiters,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		sweeper.Start(gctx)
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})

	g.Go(func() error {
		log.WithFields(log.Fields{
			"port":    cfg.Port,
			"backend": cfg.StoreBackend,
			"env":     cfg.Env,
		}).Info("Whiteboard server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP shutdown incomplete")
		}
		if err := hub.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Pending room writes abandoned")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Server stopped with error")
		store.Close()
		os.Exit(1)
	}
	log.Info("Server stopped")
}

func setupLogging(cfg *config.Config) {
	if cfg.IsProduction() {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// openStore connects the configured backend, retrying the initial
// connection, and wraps it with per-operation timeouts and retries.
func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	retry := db.RetryConfig{
		Timeout:      cfg.StoreTimeout,
		MaxRetries:   cfg.StoreRetries,
		InitialDelay: cfg.StoreRetryDelay,
	}

	var inner db.Store
	err := db.Connect(ctx, retry, func(ctx context.Context) error {
		var err error
		switch cfg.StoreBackend {
		case config.BackendRedis:
			inner, err = db.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
		default:
			inner, err = db.New(cfg.DBPath)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return db.NewRetryingStore(inner, retry), nil
}
