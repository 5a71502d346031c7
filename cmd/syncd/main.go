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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/pkg/api"
	"github.com/dsprosolution/sync-engine/pkg/config"
	"github.com/dsprosolution/sync-engine/pkg/conflict"
	"github.com/dsprosolution/sync-engine/pkg/connectivity"
	"github.com/dsprosolution/sync-engine/pkg/engine"
	"github.com/dsprosolution/sync-engine/pkg/processor"
	"github.com/dsprosolution/sync-engine/pkg/puller"
	"github.com/dsprosolution/sync-engine/pkg/queue"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting sync engine")

	// Open the local store. A failed open is not fatal: the app keeps
	// running with empty reads and erroring writes until restart.
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Warn("Local store unavailable, running degraded", zap.Error(err))
	} else if err := st.Migrate(context.Background()); err != nil {
		logger.Fatal("Failed to migrate local store", zap.Error(err))
	}
	defer st.Close()

	overrides, err := config.LoadTableOverrides(cfg.Sync.TablesFile)
	if err != nil {
		logger.Fatal("Failed to load table overrides", zap.Error(err))
	}

	// Server client
	httpClient := &http.Client{Timeout: cfg.API.RequestTimeout}
	auth := api.NewTokenProvider(cfg.API.Auth, httpClient)
	client := api.NewClient(cfg.API.BaseURL, auth, httpClient, logger)

	// Sync components
	q := queue.New(st, logger)
	conflicts := conflict.NewManager(st, q, logger)
	proc, err := processor.New(st, client, conflicts, logger, processor.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
	})
	if err != nil {
		logger.Fatal("Failed to build processor", zap.Error(err))
	}
	pull := puller.New(st, client, cfg.Sync, overrides, logger)
	monitor := connectivity.NewMonitor(client, cfg.Sync.ProbeInterval, cfg.Sync.ProbeTimeout, logger)

	ctx := context.Background()
	eng := engine.New(st, proc, pull, monitor, conflicts, cfg.Sync, logger)
	eng.Start(ctx, q.Wake())
	defer eng.Stop()

	// Setup HTTP server for the local API and metrics
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint (liveness)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness endpoint - returns 503 until the initial sync pass ran
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !eng.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	// Metrics endpoint
	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled")
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", handleGetStatus(eng, logger))
		r.Post("/sync", handleSyncNow(eng, logger))

		r.Get("/queue", handleListQueue(st, logger))
		r.Post("/queue/{id}/retry", handleRetryMutation(q, logger))
		r.Delete("/queue/{id}", handleDiscardMutation(q, logger))

		r.Get("/conflicts", handleListConflicts(conflicts, logger))
		r.Post("/conflicts/{id}/resolve", handleResolveConflict(conflicts, q, logger))
		r.Post("/conflicts/resolve-all", handleResolveAllConflicts(conflicts, q, logger))

		r.Get("/records/{table}", handleListRecords(st, logger))
		r.Post("/records/{table}", handleMutateRecord(q, store.OpCreate, logger))
		r.Get("/records/{table}/{id}", handleGetRecord(st, logger))
		r.Patch("/records/{table}/{id}", handleMutateRecord(q, store.OpUpdate, logger))
		r.Delete("/records/{table}/{id}", handleMutateRecord(q, store.OpDelete, logger))

		r.Get("/export/bookkeeping.csv", handleExportBookkeepingCSV(st, logger))
	})

	// Start HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("address", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Sync engine stopped")
}
