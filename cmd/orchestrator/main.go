// orchestrator consumes analysis requests, dispatches them to the batch
// cluster, reconciles their state and stages their results.
package main

import (
	"context"
	"errors"
	"hpcorchestrator/internal/api"
	"hpcorchestrator/internal/blob"
	"hpcorchestrator/internal/cluster"
	"hpcorchestrator/internal/collector"
	"hpcorchestrator/internal/config"
	"hpcorchestrator/internal/health"
	"hpcorchestrator/internal/intake"
	"hpcorchestrator/internal/ledger"
	"hpcorchestrator/internal/observability"
	"hpcorchestrator/internal/reconciler"
	"hpcorchestrator/internal/script"
	"hpcorchestrator/internal/telemetry"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
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

	// File values are defaults; the environment overrides them
	if err := config.LoadFile(os.Getenv("CONFIG_FILE")); err != nil {
		return err
	}
	svcCfg := config.LoadServiceConfig()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	jobLedger, closeLedger, err := openLedger(ctx, svcCfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	sink := telemetry.New(telemetry.LoadConfigFromEnv(), metrics)

	// Workers stop on this context; servers have their own shutdown.
	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()
	var workers sync.WaitGroup

	var (
		clusterClient *cluster.Dispatcher
		enqueuer      api.Enqueuer
	)
	if svcCfg.RunIntake || svcCfg.RunReconciler {
		clusterClient, err = cluster.New(cluster.LoadConfigFromEnv(), slog.Default())
		if err != nil {
			return err
		}
		store, err := blob.Open(ctx, blob.LoadConfigFromEnv())
		if err != nil {
			return err
		}

		if svcCfg.RunReconciler {
			coll, err := collector.New(collector.Config{
				Ledger:    jobLedger,
				Fetcher:   clusterClient,
				Store:     store,
				Telemetry: sink,
				Metrics:   metrics,
			})
			if err != nil {
				return err
			}
			rec, err := reconciler.New(reconciler.Config{
				Ledger:    jobLedger,
				Status:    clusterClient,
				Collector: coll,
				Telemetry: sink,
				Metrics:   metrics,
				Options:   reconciler.LoadOptionsFromEnv(),
			})
			if err != nil {
				return err
			}
			workers.Go(func() { rec.Run(workCtx) })
		}

		if svcCfg.RunIntake {
			queue, err := intake.OpenQueue(ctx, intake.LoadQueueConfigFromEnv())
			if err != nil {
				return err
			}
			if mq, ok := queue.(*intake.MemoryQueue); ok {
				enqueuer = mq
			}
			presigner, _ := store.(blob.Presigner)
			consumer, err := intake.NewConsumer(intake.Config{
				Queue:     queue,
				Ledger:    jobLedger,
				Builder:   script.NewBuilder(script.LoadOptionsFromEnv()),
				Submitter: clusterClient,
				Presigner: presigner,
				Telemetry: sink,
				Metrics:   metrics,
				Options:   intake.LoadOptionsFromEnv(),
			})
			if err != nil {
				return err
			}
			workers.Go(func() { consumer.Run(workCtx) })
		}
	} else {
		slog.Info("Intake and reconciler disabled, serving status only")
	}

	var healthChecker *health.Checker
	if clusterClient != nil {
		healthChecker = health.NewChecker(jobLedger, clusterClient)
	} else {
		healthChecker = health.NewChecker(jobLedger, nil)
	}

	router := api.NewRouter(api.RouterConfig{
		Ledger:        jobLedger,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Enqueuer:      enqueuer,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		stopWork()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop pulling and polling. Deliveries in flight settle on
	// their own contexts; unsettled ones are redelivered by the queue.
	slog.Info("Stopping workers")
	stopWork()
	if !waitTimeout(&workers, svcCfg.ShutdownTimeout) {
		slog.Warn("Workers did not stop in time", "timeout", svcCfg.ShutdownTimeout)
	}

	// Phase 3: Close servers
	slog.Info("Starting graceful shutdown")
	shutdown(svcCfg.ShutdownTimeout)

	// Phase 4: Flush telemetry
	sinkCtx, sinkCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sinkCancel()
	if err := sink.Close(sinkCtx); err != nil {
		slog.Warn("Telemetry shutdown error", "error", err)
	}
	stats := sink.Stats()
	slog.Info("Telemetry stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Remote jobs keep running; the ledger lets the next process resume them.
	slog.Info("Shutdown complete")
	return nil
}

// openLedger selects the SQL ledger when a DSN is configured and the
// in-memory one otherwise.
func openLedger(ctx context.Context, cfg *config.ServiceConfig) (ledger.Ledger, func(), error) {
	if cfg.LedgerDSN == "" {
		slog.Warn("No LEDGER_DSN configured, job state is kept in memory")
		return ledger.NewMemory(), func() {}, nil
	}

	sqlLedger, err := ledger.Open(ctx, cfg.LedgerDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LedgerMigrate {
		if err := sqlLedger.Migrate(ctx); err != nil {
			sqlLedger.Close()
			return nil, nil, err
		}
	}
	closeFn := func() {
		if err := sqlLedger.Close(); err != nil {
			slog.Warn("Ledger close error", "error", err)
		}
	}
	return sqlLedger, closeFn, nil
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
