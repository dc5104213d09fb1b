// Package main is the entrypoint for the relay process.
// It drains the metrics stream written by the redis sink into PostgreSQL.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/trafficmeter/trafficmeter/internal/config"
	"github.com/trafficmeter/trafficmeter/internal/handler"
	"github.com/trafficmeter/trafficmeter/internal/logging"
	"github.com/trafficmeter/trafficmeter/internal/metrics"
	"github.com/trafficmeter/trafficmeter/internal/middleware"
	"github.com/trafficmeter/trafficmeter/internal/relay"
	"github.com/trafficmeter/trafficmeter/internal/server"
	"github.com/trafficmeter/trafficmeter/internal/sink"
)

const dialTimeout = 5 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := config.LoadRelay()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	recorder := metrics.NewInMemory()

	client, pool, err := connect(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	store := sink.NewPostgres(pool, sink.Options{Logger: logger, Recorder: recorder})
	worker := relay.NewWorker(client, store, relay.Config{
		StreamKey:    cfg.MetricsStreamKey,
		Group:        cfg.ConsumerGroup,
		BatchSize:    cfg.BatchSize,
		BlockTimeout: cfg.BlockTimeout,
		MaxRetries:   cfg.MaxRetries,
	}, logger, recorder)

	go func() {
		if err := worker.Run(ctx); err != nil {
			logger.Error("relay worker stopped", "error", err)
		}
	}()

	srv := server.New(
		&http.Server{
			Addr:    server.Addr(cfg.RelayPort),
			Handler: setupRouter(pool, client, recorder, logger),
		},
		server.Options{ShutdownTimeout: cfg.ShutdownTimeout},
		logger,
	)

	// LIFO: the worker stops first, then the connections it used
	srv.OnShutdown("redis", func(ctx context.Context) error {
		return client.Close()
	})
	srv.OnShutdown("postgres", store.Close)
	srv.OnShutdown("relay", worker.Shutdown)

	logger.Info("starting relay",
		"port", cfg.RelayPort,
		"stream", cfg.MetricsStreamKey,
		"group", cfg.ConsumerGroup,
		"batch_size", cfg.BatchSize,
	)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, cfg *config.RelayConfig) (*redis.Client, *pgxpool.Pool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := sink.DialRedis(dialCtx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis (%s): %s", logging.RedactURL(cfg.RedisURL), logging.SanitizeError(err, cfg.RedisURL))
	}

	pool, err := sink.DialPostgres(dialCtx, cfg.DatabaseURL)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("postgres (%s): %s", logging.RedactURL(cfg.DatabaseURL), logging.SanitizeError(err, cfg.DatabaseURL))
	}

	return client, pool, nil
}

// setupRouter exposes health and self-telemetry for the relay.
func setupRouter(pool *pgxpool.Pool, client *redis.Client, recorder *metrics.InMemoryRecorder, logger *slog.Logger) *chi.Mux {
	redisCheck := handler.CheckFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	healthHandler := handler.NewHealthHandler(pool, redisCheck)
	metricsHandler := handler.NewMetricsHandler(recorder, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Get("/metrics", metricsHandler.Metrics)

	return r
}
