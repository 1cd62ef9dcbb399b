// Package main provides the worker entry point for the storefront CRM. It
// consumes the dispatch queue and runs the periodic sync and RFM jobs.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/storefront-crm/internal/app"
	"github.com/storefront-crm/internal/config"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("worker")

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logging.GetGlobalLogger()))
	defer cancel()

	a, err := app.New(ctx, cfg, logging.GetGlobalLogger())
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	// Start takes this worker's lease and requeues messages held by crashed workers
	if err := a.Queue.Start(ctx, a.Processor.Handle); err != nil {
		logger.WithError(err).Fatal("Failed to start dispatch queue")
	}

	syncWorker, err := worker.NewSyncWorker(&worker.SyncWorkerConfig{
		Shops:        a.Shops(),
		Syncs:        a.Syncs,
		RFM:          a.RFM,
		Queue:        a.Queue,
		SyncInterval: cfg.Sync.IncrementalInterval,
		RFMInterval:  cfg.Sync.RFMInterval,
		Metrics:      a.Metrics,
		Logger:       logging.GetGlobalLogger(),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sync worker")
	}
	if err := syncWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync worker")
	}

	logger.WithFields(map[string]interface{}{
		"shops":       len(cfg.Shopify.Shops),
		"concurrency": cfg.Worker.Concurrency,
	}).Info("Worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received, stopping worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	if err := syncWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping sync worker")
	}
	if err := a.Queue.Stop(); err != nil {
		logger.WithError(err).Error("Error stopping dispatch queue")
	}

	status := syncWorker.GetStatus()
	logger.WithFields(map[string]interface{}{
		"syncFailures": status.SyncFailures,
		"rfmFailures":  status.RFMFailures,
	}).Info("Worker stopped")
}
