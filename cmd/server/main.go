package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/nearby/internal/cache"
	"github.com/example/nearby/internal/config"
	"github.com/example/nearby/internal/events"
	"github.com/example/nearby/internal/geo"
	httpapi "github.com/example/nearby/internal/http"
	"github.com/example/nearby/internal/identity"
	"github.com/example/nearby/internal/location"
	"github.com/example/nearby/internal/logging"
	"github.com/example/nearby/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, p.Ping)
	}

	var (
		rc    *redis.Client
		index geo.SpatialIndex
		pc    cache.ProximityCache
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey).WithLogger(logger)
		pc = cache.NewRedisCache(rc, cfg.RedisCachePrefix)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("using redis index and cache", "addr", cfg.RedisAddr, "geo_key", cfg.RedisGeoKey)
	} else {
		index = geo.NewIndex()
		pc = cache.NewMemoryCache(cfg.CacheMaxEntries, cfg.CacheTTL)
		logger.Info("using in-memory index and cache")
	}

	hub := events.NewMapHub(logger)
	defer hub.Close()

	fanout := events.NewFanout()
	if rc != nil {
		// every replica relays the channel into its own hub, including this one
		broadcaster := events.NewRedisBroadcaster(rc, cfg.MapChannel)
		fanout.Add("redis", broadcaster)
		go func() {
			if err := broadcaster.Relay(ctx, hub); err != nil {
				logger.Error("map relay stopped", "error", err)
			}
		}()
	} else {
		fanout.Add("ws", hub)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		fanout.Add("kafka", kp)
		logger.Info("publishing location events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	pub := events.NewAsync(fanout, cfg.EventQueueSize, logger)
	defer pub.Close()

	svc := location.NewService(store, index, pc, pub, location.Options{
		CacheTTL:     cfg.CacheTTL,
		KeyPrecision: cfg.CacheKeyDigits,
		Logger:       logger,
	})
	if cfg.SyncOnStart {
		n, err := svc.SyncAll(ctx)
		if err != nil {
			return err
		}
		logger.Info("initial index sync done", "synced", n)
	}

	resolver := identity.NewResolver(cfg.JWTSecret, cfg.JWTIssuer, store)
	api := httpapi.NewServer(svc, resolver, store, hub, httpapi.Options{
		DefaultRadiusKm:  cfg.DefaultRadiusKm,
		LastSeenThrottle: cfg.LastSeenThrottle,
		Logger:           logger,
	})
	api.Ready = func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("nearby listening", "addr", cfg.HTTPAddr)
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

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.LocationStore, error) {
	switch {
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				ps.Close()
				return nil, err
			}
			logger.Info("postgres migrations applied")
		}
		logger.Info("using postgres store")
		return ps, nil
	case cfg.SQLitePath != "":
		logger.Info("using sqlite store", "path", cfg.SQLitePath)
		return storage.NewSQLiteStore(cfg.SQLitePath)
	default:
		logger.Warn("no durable store configured, locations live in memory only")
		return storage.NewMemoryStore(), nil
	}
}
