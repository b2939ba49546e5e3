// Command indexer keeps a Redis GEO index in step with the location event
// stream, so read replicas can serve radius queries without the API process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/nearby/internal/config"
	"github.com/example/nearby/internal/events"
	"github.com/example/nearby/internal/geo"
	"github.com/example/nearby/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexer_messages_consumed_total",
		Help: "Total location events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexer_messages_invalid_total",
		Help: "Total undecodable or out-of-range events",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexer_index_updates_total",
		Help: "Total successful index upserts",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexer_index_errors_total",
		Help: "Total index upserts that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	cfg, err := config.LoadIndexerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "indexer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey).WithLogger(logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("indexer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down indexer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		ev, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if err := updateIndexWithRetry(ctx, index, ev, cfg.Attempts, cfg.RetryDelay); err != nil {
			indexErrors.Inc()
			logger.Error("index update failed", "user_id", ev.UserID, "error", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// IndexUpdater is the part of the spatial index the indexer writes to.
type IndexUpdater interface {
	Upsert(ctx context.Context, memberID int64, lng, lat float64) error
}

func decodeEvent(b []byte) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, err
	}
	if env.Event != events.EventLocationUpdated {
		return env, errors.New("unexpected event " + env.Event)
	}
	if env.UserID <= 0 {
		return env, errors.New("event has no user id")
	}
	if err := geo.ValidateCoord(env.Lat, env.Lng); err != nil {
		return env, err
	}
	return env, nil
}

// updateIndexWithRetry upserts the event's position, doubling delay between attempts.
func updateIndexWithRetry(ctx context.Context, idx IndexUpdater, ev events.Envelope, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Upsert(ctx, ev.UserID, ev.Lng, ev.Lat); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
