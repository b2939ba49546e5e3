package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisGeoKey      string
	RedisCachePrefix string
	MapChannel       string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	SQLitePath    string
	RunMigrations bool

	CacheTTL        time.Duration
	CacheKeyDigits  int
	CacheMaxEntries int
	DefaultRadiusKm int

	EventQueueSize   int
	JWTSecret        string
	JWTIssuer        string
	LastSeenThrottle time.Duration
	SyncOnStart      bool

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "user_locations",
		RedisCachePrefix: "nearby:",
		MapChannel:       "map",
		KafkaTopic:       "user-locations",
		CacheTTL:         30 * time.Second,
		CacheKeyDigits:   4,
		CacheMaxEntries:  10000,
		DefaultRadiusKm:  5,
		EventQueueSize:   256,
		JWTIssuer:        "nearby",
		LastSeenThrottle: 5 * time.Minute,
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisCachePrefix, "REDIS_CACHE_PREFIX")
	setStringFromEnv(&cfg.MapChannel, "MAP_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.SQLitePath = strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setDurationFromEnv(&cfg.CacheTTL, "CACHE_TTL", &errs)
	setIntFromEnv(&cfg.CacheKeyDigits, "CACHE_KEY_PRECISION", &errs)
	setIntFromEnv(&cfg.CacheMaxEntries, "CACHE_MAX_ENTRIES", &errs)
	setIntFromEnv(&cfg.DefaultRadiusKm, "DEFAULT_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.EventQueueSize, "EVENT_QUEUE_SIZE", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")
	setDurationFromEnv(&cfg.LastSeenThrottle, "LAST_SEEN_THROTTLE", &errs)
	cfg.SyncOnStart = strings.EqualFold(os.Getenv("SYNC_ON_START"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be > 0"))
	}
	if cfg.CacheKeyDigits < 1 || cfg.CacheKeyDigits > 8 {
		errs = append(errs, fmt.Errorf("CACHE_KEY_PRECISION must be within [1,8]"))
	}
	if cfg.CacheMaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_MAX_ENTRIES must be > 0"))
	}
	if cfg.DefaultRadiusKm < 1 || cfg.DefaultRadiusKm > 100 {
		errs = append(errs, fmt.Errorf("DEFAULT_RADIUS_KM must be within [1,100]"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}

	return cfg, errors.Join(errs...)
}

// IndexerConfig configures the Kafka -> Redis GEO index replicator.
type IndexerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisGeoKey   string
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadIndexerConfig() (IndexerConfig, error) {
	cfg := IndexerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "user-locations",
		KafkaGroup:   "nearby-indexer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "user_locations",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.Attempts, "INDEX_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "INDEX_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("INDEX_RETRY_ATTEMPTS must be > 0"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
