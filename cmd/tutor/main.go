// Package main is the entry point for the tutorial orchestration server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/tutor/internal/config"
	"github.com/pitabwire/tutor/internal/detection"
	"github.com/pitabwire/tutor/internal/observability"
	"github.com/pitabwire/tutor/internal/progress"
	"github.com/pitabwire/tutor/internal/recovery"
	"github.com/pitabwire/tutor/internal/template"
	"github.com/pitabwire/tutor/internal/transport"
	"github.com/pitabwire/tutor/internal/uisignal"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "tutor", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Build the template catalog: built-ins first, then any custom
	// template directories.
	assignments, assignmentsCloser, err := buildAssignmentStore(cfg.AssignmentStore, logger)
	if err != nil {
		logger.Error("assignment store initialization failed", zap.Error(err))
		return 1
	}

	catalog := template.NewCatalog(assignments, cfg.Tutorial.DefaultTemplate, metrics, logger)
	if !template.RegisterBuiltins(catalog) {
		logger.Error("built-in template registration failed")
		return 1
	}
	if len(cfg.Templates.Directories) > 0 {
		loader := template.NewLoader(logger)
		n, err := loader.LoadInto(catalog, cfg.Templates.Directories)
		if err != nil {
			logger.Error("custom template loading failed", zap.Error(err))
			return 1
		}
		logger.Info("custom templates loaded", zap.Int("registered", n))
	}

	// Step 5: Build the progress store, wrapped in a circuit breaker when
	// enabled.
	store, storeCloser, err := buildProgressStore(ctx, cfg.ProgressStore, metrics, logger)
	if err != nil {
		logger.Error("progress store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build the engine core: recovery policy, signal hub, detection
	// engine, and the state machine service, then close the detection loop.
	recov := recovery.NewHandler(cfg.Recovery.HistoryLimit, logger)
	hub := uisignal.NewHub()

	engine := detection.NewEngine(hub, recov, detection.Config{
		DefaultTimeout: cfg.Tutorial.DefaultTimeout,
		DefaultRetries: cfg.Tutorial.MaxRetries,
		PollInterval:   cfg.Tutorial.PollInterval,
	}, detection.SystemClock(), metrics, logger)

	svc := progress.NewService(store, catalog, recov, metrics, logger, progress.Options{
		ReadRetries:       cfg.Tutorial.ReadRetries,
		ReadRetryInterval: cfg.Tutorial.ReadRetryInterval,
	})
	svc.SetDetector(engine)
	svc.SetEvents(catalog)
	engine.SetSink(svc)

	// Step 7: Build the HTTP router.
	authenticate := buildAuthenticator(cfg, logger)

	readinessChecks := observability.ReadinessChecks{
		TemplatesLoaded: func() bool { return catalog.TemplateCount() > 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readinessChecks.ProgressStore = hc
	}
	if hc, ok := assignments.(observability.HealthChecker); ok {
		readinessChecks.AssignmentStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Progress:     svc,
		Catalog:      catalog,
		Hub:          hub,
		Engine:       engine,
		Ready:        readinessChecks,
		Authenticate: authenticate,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", catalog.TemplateCount()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Close stores.
	if storeCloser != nil {
		storeCloser()
	}
	if assignmentsCloser != nil {
		assignmentsCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildProgressStore creates the progress store based on config, wrapping it
// in the circuit breaker when enabled.
func buildProgressStore(ctx context.Context, cfg config.ProgressStoreConfig, metrics *observability.Metrics, logger *zap.Logger) (progress.ProgressStore, func(), error) {
	var store progress.ProgressStore
	var closer func()

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory progress store")
		store = progress.NewMemoryProgressStore()
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("progress store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("progress store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("progress store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("progress store: ping: %w", err)
		}

		store = progress.NewPgProgressStore(pool)
		closer = pool.Close
	default:
		return nil, nil, fmt.Errorf("unsupported progress store driver: %q", cfg.Driver)
	}

	if cfg.Breaker.Enabled {
		breaker := progress.NewCircuitBreaker(
			cfg.Breaker.FailureThreshold,
			cfg.Breaker.SuccessThreshold,
			cfg.Breaker.Timeout,
		)
		store = progress.NewBreakerStore(store, breaker, metrics)
	}

	return store, closer, nil
}

// buildAssignmentStore creates the variant assignment store based on config.
func buildAssignmentStore(cfg config.AssignmentStoreConfig, logger *zap.Logger) (template.AssignmentStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory assignment store")
		return template.NewMemoryAssignmentStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("assignment store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return template.NewRedisAssignmentStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported assignment store driver: %q", cfg.Driver)
	}
}

// buildAuthenticator returns the auth middleware for the configured identity
// mode. Header mode needs no middleware; the subject check happens in
// BuildRequestContext.
func buildAuthenticator(cfg *config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	if cfg.Identity.Mode != "jwt" {
		return nil
	}
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.KeyCacheTTL, logger)
	return transport.JWTAuthenticator(cfg.Identity, jwks)
}
