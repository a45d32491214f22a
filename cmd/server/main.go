package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpcapi "rental-escrow-backend/internal/api/grpc"
	httpapi "rental-escrow-backend/internal/api/http"
	"rental-escrow-backend/internal/app"
	"rental-escrow-backend/internal/config"
	"rental-escrow-backend/internal/jobs"
	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/scheduler"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.dev.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.InitializeWithOptions(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	logger.Info("Starting Rental Escrow Backend...", "log_level", cfg.Log.Level, "log_format", cfg.Log.Format)
	logger.Info("Server configuration", "address", cfg.GetServerAddress(), "health_address", cfg.GetHealthAddress())
	logger.Info("Ledger configuration", "mode", cfg.Ledger.Mode, "reserve", cfg.Ledger.StartingReserve, "base_fee", cfg.Ledger.BaseFee)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize engine
	engine, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Error("Failed to build engine", "error", err)
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer engine.Close()
	engine.Start(ctx)

	// Set up gRPC health server
	healthServer := grpcapi.NewHealthServer()
	if addr := cfg.GetHealthAddress(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Error("Failed to listen", "error", err, "address", addr)
			log.Fatalf("Failed to listen: %v", err)
		}
		go func() {
			logger.Info("gRPC health server listening", "address", addr)
			if err := healthServer.Serve(lis); err != nil {
				logger.Error("gRPC health server error", "error", err)
			}
		}()
	}

	// Resolve anything left unconfirmed by the previous run before taking traffic
	report, err := engine.Reconciler.Sweep(ctx)
	if err != nil {
		logger.Error("Startup reconciliation sweep failed", "error", err)
		log.Fatalf("Startup reconciliation sweep failed: %v", err)
	}
	logger.Info("Startup reconciliation sweep done", "checked", report.Checked, "applied", report.Applied,
		"failed", report.Failed, "unknown", report.Unknown, "errors", report.Errors)

	// Initialize Scheduler
	jobRunner := jobs.NewJobRunner(engine.JobServices(), cfg)
	cronScheduler, err := scheduler.NewScheduler(jobRunner)
	if err != nil {
		logger.Error("Failed to initialize scheduler", "error", err)
		log.Fatalf("Failed to initialize scheduler: %v", err)
	}
	cronScheduler.Start()

	// Set up HTTP API
	srv := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           httpapi.NewHandler(engine.Lifecycle, engine.Tokens).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()
	healthServer.MarkServing()

	<-ctx.Done()

	// Graceful shutdown
	logger.Info("Shutting down...")
	healthServer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	cronScheduler.Stop()
	logger.Info("Server stopped. Goodbye!")
}
