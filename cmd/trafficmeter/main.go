// Package main is the entrypoint for the trafficmeter demo server.
// It serves a small HTTP API through the instrumentation hook and flushes
// traffic metrics to the configured sinks.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/trafficmeter/trafficmeter/internal/config"
	"github.com/trafficmeter/trafficmeter/internal/flusher"
	"github.com/trafficmeter/trafficmeter/internal/handler"
	"github.com/trafficmeter/trafficmeter/internal/hook"
	"github.com/trafficmeter/trafficmeter/internal/interceptor"
	"github.com/trafficmeter/trafficmeter/internal/logging"
	"github.com/trafficmeter/trafficmeter/internal/metrics"
	"github.com/trafficmeter/trafficmeter/internal/middleware"
	"github.com/trafficmeter/trafficmeter/internal/server"
	"github.com/trafficmeter/trafficmeter/internal/sink"
)

const dialTimeout = 5 * time.Second

func main() {
	// Initialize context
	ctx := context.Background()

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	instance := uuid.NewString()
	recorder := metrics.NewInMemory()

	// Open sinks before instrumenting anything
	sinks, err := openSinks(ctx, cfg, logger, recorder, instance)
	if err != nil {
		logger.Error("failed to open sinks", "error", err)
		os.Exit(1)
	}

	// Instrumentation
	collector := metrics.NewCollector()
	ic := interceptor.New(collector, logger, interceptor.WithRecorder(recorder))
	hk := hook.New(ic)
	hk.Install()

	fl, err := flusher.New(flusher.Config{
		Interval:          cfg.CollectionInterval,
		ReportingInstance: cfg.IsReportingInstance(),
		Workers:           flusher.StaticWorkers(cfg.WorkerCount),
	}, collector, sinks.sink(), logger, flusher.WithRecorder(recorder))
	if err != nil {
		logger.Error("failed to create flusher", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := fl.Run(ctx); err != nil {
			logger.Error("flusher stopped", "error", err)
		}
	}()

	// Initialize handlers
	h := handler.New(collector, logger)
	postgresCheck, redisCheck := sinks.healthCheckers()
	healthHandler := handler.NewHealthHandler(postgresCheck, redisCheck)
	metricsHandler := handler.NewMetricsHandler(recorder, collector)

	// Setup router
	r := setupRouter(h, healthHandler, metricsHandler, logger)

	// Build the server through the hook so it is instrumented
	srv := server.New(
		newHTTPServer(hk, cfg, r),
		server.Options{
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
			TLSCertFile:     cfg.TLSCertFile,
			TLSKeyFile:      cfg.TLSKeyFile,
		},
		logger,
	)

	// Registered in reverse of the order they stop
	srv.OnShutdown("hook", func(ctx context.Context) error {
		hk.UninstallPlain()
		hk.UninstallTLS()
		return nil
	})
	sinks.registerShutdown(srv)
	srv.OnShutdown("flusher", fl.Shutdown)

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"instance", instance,
		"interval", cfg.CollectionInterval,
		"sinks", cfg.SinkNames(),
		"reporting_instance", cfg.IsReportingInstance(),
	)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newHTTPServer picks the plain or TLS construction path of the hook.
func newHTTPServer(hk *hook.Hook, cfg *config.Config, h http.Handler) *http.Server {
	addr := server.Addr(cfg.AppPort)
	if cfg.TLSEnabled() {
		return hk.NewTLSServer(addr, h, &tls.Config{MinVersion: tls.VersionTLS12})
	}
	return hk.NewServer(addr, h)
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(
	h *handler.Handler,
	healthHandler *handler.HealthHandler,
	metricsHandler *handler.MetricsHandler,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.Recoverer(logger))

	// Health and self-telemetry endpoints
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Get("/metrics", metricsHandler.Metrics)
	r.Get("/debug/interval", h.Interval)

	// Demo endpoints
	r.Get("/", h.Hello)
	r.Post("/echo", h.Echo)
	r.Get("/status/{code}", h.Status)

	// 404 and 405 handlers
	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	return r
}

// sinkSet holds the sinks opened from SINKS.
type sinkSet struct {
	all      sink.Multi
	redis    *sink.RedisStream
	postgres *sink.Postgres
}

func (s *sinkSet) sink() sink.Sink {
	return s.all
}

// healthCheckers returns the remote sinks as readiness checks, nil when disabled.
func (s *sinkSet) healthCheckers() (postgres, redis handler.HealthChecker) {
	if s.postgres != nil {
		postgres = s.postgres
	}
	if s.redis != nil {
		redis = s.redis
	}
	return postgres, redis
}

// registerShutdown drains the remote sinks after the flusher's final flush.
func (s *sinkSet) registerShutdown(srv *server.Server) {
	if s.postgres != nil {
		srv.OnShutdown("sink.postgres", s.postgres.Close)
	}
	if s.redis != nil {
		srv.OnShutdown("sink.redis", s.redis.Close)
	}
}

func (s *sinkSet) close(ctx context.Context) error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close(ctx))
	}
	if s.postgres != nil {
		errs = append(errs, s.postgres.Close(ctx))
	}
	return errors.Join(errs...)
}

func openSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder metrics.Recorder, instance string) (*sinkSet, error) {
	set := &sinkSet{}
	opts := sink.Options{
		Logger:   logger,
		Recorder: recorder,
		Instance: instance,
		Timeout:  cfg.SinkTimeout,
	}

	for _, name := range cfg.SinkNames() {
		switch name {
		case config.SinkLog:
			set.all = append(set.all, sink.NewLog(logger, instance))

		case config.SinkRedis:
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			client, err := sink.DialRedis(dialCtx, cfg.RedisURL)
			cancel()
			if err != nil {
				_ = set.close(ctx)
				return nil, fmt.Errorf("redis sink (%s): %s", logging.RedactURL(cfg.RedisURL), logging.SanitizeError(err, cfg.RedisURL))
			}
			set.redis = sink.NewRedisStream(client, cfg.MetricsStreamKey, opts)
			set.all = append(set.all, set.redis)
			logger.Info("connected to Redis", "stream", cfg.MetricsStreamKey)

		case config.SinkPostgres:
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			pool, err := sink.DialPostgres(dialCtx, cfg.DatabaseURL)
			cancel()
			if err != nil {
				_ = set.close(ctx)
				return nil, fmt.Errorf("postgres sink (%s): %s", logging.RedactURL(cfg.DatabaseURL), logging.SanitizeError(err, cfg.DatabaseURL))
			}
			set.postgres = sink.NewPostgres(pool, opts)
			set.all = append(set.all, set.postgres)
			logger.Info("connected to database")
		}
	}

	return set, nil
}
