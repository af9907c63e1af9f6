package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
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
	PresenceKey   string

	KafkaBrokers   []string
	LocationsTopic string
	EventsTopic    string

	PGDSN string

	PushEndpoint string
	PushKey      string

	GoogleMapsAPIKey string
	OSRMEndpoint     string
	DefaultSpeedMps  float64

	Dispatch DispatchConfig

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the engine's timing and search knobs. Defaults give
// each offer a 60 s acceptance window, the whole dispatch a 10 minute
// lifetime while pending, and candidate search a 5 km radius capped at 10
// drivers.
type DispatchConfig struct {
	OfferTimeout   time.Duration
	OffereeTTL     time.Duration
	QueueTTL       time.Duration
	AcceptedTTL    time.Duration
	ResponseLogTTL time.Duration
	LivenessTTL    time.Duration
	SweepInterval  time.Duration
	SearchRadiusKm float64
	SearchLimit    int
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		PresenceKey:     "drivers:online",
		LocationsTopic:  "driver-locations",
		EventsTopic:     "ride-dispatch-events",
		DefaultSpeedMps: 10,
		Dispatch:        DefaultDispatchConfig(),
		LogLevel:        "info",
	}
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		OfferTimeout:   60 * time.Second,
		OffereeTTL:     120 * time.Second,
		QueueTTL:       600 * time.Second,
		AcceptedTTL:    3600 * time.Second,
		ResponseLogTTL: 86400 * time.Second,
		LivenessTTL:    300 * time.Second,
		SweepInterval:  15 * time.Second,
		SearchRadiusKm: 5,
		SearchLimit:    10,
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
	setStringFromEnv(&cfg.PresenceKey, "PRESENCE_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.EventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	setSecondsFromEnv(&cfg.Dispatch.OfferTimeout, "OFFER_TIMEOUT_SECONDS", &errs)
	setSecondsFromEnv(&cfg.Dispatch.QueueTTL, "QUEUE_TTL_SECONDS", &errs)
	setSecondsFromEnv(&cfg.Dispatch.AcceptedTTL, "ACCEPTED_TTL_SECONDS", &errs)
	setSecondsFromEnv(&cfg.Dispatch.ResponseLogTTL, "RESPONSE_LOG_TTL_SECONDS", &errs)
	setSecondsFromEnv(&cfg.Dispatch.LivenessTTL, "LIVENESS_TTL_SECONDS", &errs)
	setFloatFromEnv(&cfg.Dispatch.SearchRadiusKm, "SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Dispatch.SearchLimit, "SEARCH_LIMIT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Dispatch.SearchLimit <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_LIMIT must be > 0"))
	}
	if cfg.Dispatch.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_KM must be > 0"))
	}
	if cfg.Dispatch.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT_SECONDS must be > 0"))
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

func setSecondsFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = time.Duration(n) * time.Second
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
