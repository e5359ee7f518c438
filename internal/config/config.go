package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers      []string
	KafkaTopic        string
	KafkaOutcomeTopic string

	PGDSN string

	PushEndpoint string

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	ETATimeout       time.Duration
	ETACacheTTL      time.Duration
	DefaultSpeedMps  float64

	Dispatch DispatchConfig
	Ranking  RankingConfig

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig drives batch size, offer windows and escalation limits.
type DispatchConfig struct {
	BatchSize         int
	OfferWindow       time.Duration
	SearchRadiusKm    float64
	LocatorLimit      int
	LocationFreshness time.Duration
	// MaxSearchDuration bounds the whole search across batches. Zero means
	// escalation runs until the candidate pool is exhausted.
	MaxSearchDuration time.Duration
	PersistRetries    int
	PersistRetryDelay time.Duration
	OpTimeout         time.Duration
}

type RankingConfig struct {
	MaxRating     float64
	ExperienceCap int
	ETACap        time.Duration
}

// ConsumerConfig is the location-ingest worker's configuration.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "drivers_geo",
		KafkaTopic:        "driver-locations",
		KafkaOutcomeTopic: "dispatch-outcomes",
		ETATimeout:        2 * time.Second,
		ETACacheTTL:       time.Minute,
		DefaultSpeedMps:   10,
		Dispatch:          DefaultDispatchConfig(),
		Ranking:           DefaultRankingConfig(),
		LogLevel:          "info",
	}
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		BatchSize:         3,
		OfferWindow:       600 * time.Second,
		SearchRadiusKm:    5,
		LocatorLimit:      50,
		LocationFreshness: 2 * time.Minute,
		PersistRetries:    3,
		PersistRetryDelay: 200 * time.Millisecond,
		OpTimeout:         5 * time.Second,
	}
}

func DefaultRankingConfig() RankingConfig {
	return RankingConfig{MaxRating: 5, ExperienceCap: 500, ETACap: 15 * time.Minute}
}

// LoadServerConfig reads an optional .env file, then the environment.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaOutcomeTopic, "KAFKA_OUTCOME_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))

	cfg.OSRMEndpoint = strings.TrimRight(strings.TrimSpace(os.Getenv("OSRM_ENDPOINT")), "/")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.ETATimeout, "ETA_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	d := &cfg.Dispatch
	setIntFromEnv(&d.BatchSize, "DISPATCH_BATCH_SIZE", &errs)
	setDurationFromEnv(&d.OfferWindow, "DISPATCH_OFFER_WINDOW", &errs)
	setFloatFromEnv(&d.SearchRadiusKm, "DISPATCH_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&d.LocatorLimit, "DISPATCH_LOCATOR_LIMIT", &errs)
	setDurationFromEnv(&d.LocationFreshness, "DISPATCH_LOCATION_FRESHNESS", &errs)
	setDurationFromEnv(&d.MaxSearchDuration, "DISPATCH_MAX_SEARCH_DURATION", &errs)
	setIntFromEnv(&d.PersistRetries, "DISPATCH_PERSIST_RETRIES", &errs)
	setDurationFromEnv(&d.PersistRetryDelay, "DISPATCH_PERSIST_RETRY_DELAY", &errs)
	setDurationFromEnv(&d.OpTimeout, "DISPATCH_OP_TIMEOUT", &errs)

	r := &cfg.Ranking
	setFloatFromEnv(&r.MaxRating, "RANK_MAX_RATING", &errs)
	setIntFromEnv(&r.ExperienceCap, "RANK_EXPERIENCE_CAP", &errs)
	setDurationFromEnv(&r.ETACap, "RANK_ETA_CAP", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, d.Validate(), r.Validate())

	return cfg, errors.Join(errs...)
}

func (d DispatchConfig) Validate() error {
	var errs []error
	if d.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE must be > 0"))
	}
	if d.OfferWindow <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_WINDOW must be > 0"))
	}
	if d.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_KM must be > 0"))
	}
	if d.LocatorLimit < d.BatchSize {
		errs = append(errs, fmt.Errorf("DISPATCH_LOCATOR_LIMIT must be >= DISPATCH_BATCH_SIZE"))
	}
	if d.MaxSearchDuration < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_SEARCH_DURATION must be >= 0"))
	}
	if d.PersistRetries <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_PERSIST_RETRIES must be > 0"))
	}
	return errors.Join(errs...)
}

func (r RankingConfig) Validate() error {
	var errs []error
	if r.MaxRating <= 0 {
		errs = append(errs, fmt.Errorf("RANK_MAX_RATING must be > 0"))
	}
	if r.ExperienceCap <= 0 {
		errs = append(errs, fmt.Errorf("RANK_EXPERIENCE_CAP must be > 0"))
	}
	if r.ETACap <= 0 {
		errs = append(errs, fmt.Errorf("RANK_ETA_CAP must be > 0"))
	}
	return errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load()

	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
