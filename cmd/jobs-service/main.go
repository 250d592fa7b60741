// jobs-service is the HTTP API server for managing remote compute jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradejobs/internal/api"
	"tradejobs/internal/compute"
	"tradejobs/internal/config"
	"tradejobs/internal/health"
	"tradejobs/internal/job"
	"tradejobs/internal/notify"
	"tradejobs/internal/observability"
	"tradejobs/internal/poller"
	"tradejobs/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	computeCfg := compute.LoadConfigFromEnv()
	pollerCfg := poller.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv()
	submitMaxRetries := config.GetIntEnv("SUBMIT_MAX_RETRIES", 3)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create job store. Without DATABASE_URL the service runs against an
	// in-memory store and loses all state on restart.
	var jobStore job.Store
	if svcCfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, svcCfg.DatabaseURL)
		if err != nil {
			return err
		}
		jobStore = pg
		slog.Info("Connected to Postgres")
	} else {
		jobStore = store.NewMemory()
		slog.Warn("No DATABASE_URL configured - using in-memory store")
	}
	defer jobStore.Close()

	// Create compute gateway
	gateway := compute.NewHTTPGateway(computeCfg.BaseURL, computeCfg.APIKey, computeCfg.Timeout)
	slog.Info("Compute gateway configured", "url", computeCfg.BaseURL)

	// Create event notifier
	notifier := notify.New(notifyCfg, metrics)

	// Create status poller (reconciles tracked jobs on start)
	statusPoller := poller.New(pollerCfg, jobStore, gateway, notifier, metrics)

	// Create job service
	jobService := job.NewService(jobStore, gateway, notifier, statusPoller, metrics, submitMaxRetries)

	if err := statusPoller.Start(ctx, jobService); err != nil {
		return err
	}

	// Create health checker
	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"store":   health.ReadyFunc(jobStore.Ping),
		"compute": gateway,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop polling. Remote runs keep executing on the compute
	// service; the next instance resyncs them from the store.
	slog.Info("Stopping status poller")
	statusPoller.Stop()
	pollStats := statusPoller.Stats()
	slog.Info("Poller stats", "tracked", pollStats.Tracked, "queued", pollStats.Queued)

	// Phase 4: Drain the event notifier
	slog.Info("Draining event notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"published", stats.Published,
		"throttled", stats.Throttled,
		"dropped", stats.Dropped,
	)

	slog.Info("Running jobs will continue on the compute service")
	slog.Info("Shutdown complete")
	return nil
}
