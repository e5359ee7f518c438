package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	ready := map[string]httpapi.ReadyCheck{}

	var locator interface {
		geo.Locator
		geo.Upserter
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		locator = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.Dispatch.LocationFreshness, logger)
		ready["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		logger.Info("locator: redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		locator = geo.NewIndex(cfg.Dispatch.LocationFreshness)
		logger.Info("locator: in-memory index")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, logger); err != nil {
				return err
			}
		}
		store = ps
		ready["postgres"] = ps.Ping
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var provider eta.Provider
	switch {
	case cfg.OSRMEndpoint != "":
		provider = eta.NewOSRMClient(cfg.OSRMEndpoint, cfg.ETATimeout)
	case cfg.GoogleMapsAPIKey != "":
		gp, err := eta.NewGoogleMapsProvider(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		provider = gp
	}
	refiner := eta.NewRefiner(provider, eta.NewCache(cfg.ETACacheTTL), cfg.DefaultSpeedMps, cfg.ETATimeout, logger)

	ws := dispatch.NewWSRegistry(logger)
	channel := dispatch.NewPushDispatcher(cfg.PushEndpoint, ws, logger)

	var notifier matcher.Notifier = events.NewLogNotifier(logger)
	var publisher httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaOutcomeTopic, logger)
		defer kp.Close()
		notifier = kp
		publisher = kp
	}

	engine, err := matcher.NewService(matcher.Deps{
		Store:    store,
		Locator:  locator,
		Refiner:  refiner,
		Channel:  channel,
		Notifier: notifier,
		Logger:   logger,
	}, cfg.Dispatch, cfg.Ranking)
	if err != nil {
		return err
	}
	defer engine.Close()
	if _, err := engine.Resume(ctx); err != nil {
		return err
	}

	handler := httpapi.NewServer(httpapi.Deps{
		Store:     store,
		Engine:    engine,
		Locations: locator,
		Kafka:     publisher,
		WSReg:     ws,
		Ready:     ready,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// migrate applies migrations/001_create_requests.sql when MIGRATE=true.
func migrate(ctx context.Context, ps *storage.PostgresStore, logger *slog.Logger) error {
	name := "001_create_requests.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return err
	}
	if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", name)
	return nil
}
