package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/admission"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/state"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/users"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.New("ride-dispatch", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	var presenceIdx presence.Index
	var stateStore state.Store
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		presenceIdx = presence.NewRedisIndex(redisClient, cfg.PresenceKey, cfg.Dispatch.LivenessTTL)
		stateStore = state.NewRedisStore(redisClient)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process stores (single worker only)")
		presenceIdx = presence.NewMemoryIndex(cfg.Dispatch.LivenessTTL)
		stateStore = state.NewMemoryStore()
	}

	var rides storage.RideStore
	var userStore users.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		us, err := users.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		rides = ps
		userStore = us
	} else {
		logger.Warn("PG_DSN not set, using in-memory stores")
		rides = storage.NewMemoryStore()
		userStore = users.NewMemoryStore()
	}

	wsreg := notify.NewWSRegistry()
	var transport notify.Transport
	if cfg.PushEndpoint != "" {
		transport = notify.NewFCMTransport(cfg.PushEndpoint, cfg.PushKey)
	}
	notifier := notify.NewDispatcher(userStore, transport, wsreg, logger)

	var events engine.EventPublisher
	var locations *ingest.LocationProducer
	var eventProducer *ingest.EventProducer
	if len(cfg.KafkaBrokers) > 0 {
		locations = ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.LocationsTopic)
		eventProducer = ingest.NewEventProducer(cfg.KafkaBrokers, cfg.EventsTopic)
		events = eventProducer
	}

	eng := engine.New(stateStore, rides, notifier, events, cfg.Dispatch, logger)

	var etaClient eta.Client
	switch {
	case cfg.GoogleMapsAPIKey != "":
		gc, err := eta.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			logger.Warn("google maps client init failed, falling back", "error", err)
		} else {
			etaClient = gc
		}
	case cfg.OSRMEndpoint != "":
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	estimator := &eta.Estimator{Client: etaClient, Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}

	api := admission.New(rides, stateStore, eng, presenceIdx, notifier, estimator, cfg.Dispatch, logger)
	handler := httpapi.NewServer(api, presenceIdx, locations, wsreg, cfg.Dispatch, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.RunSweeper(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shCtx)
	eng.Close()
	if locations != nil {
		_ = locations.Close()
	}
	if eventProducer != nil {
		_ = eventProducer.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

// runMigrations applies migrations/001_create_ride_requests.sql when
// MIGRATE=true, mirroring the opt-in local-dev flow.
func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_ride_requests.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_ride_requests.sql")
}
