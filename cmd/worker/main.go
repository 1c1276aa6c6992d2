/**
 * Meter Reading Worker - Main Entry Point
 *
 * Go worker that turns electricity meter photos into stored kWh readings.
 *
 * Architecture:
 * - Redis LIST or asynq consumer for the upload job queue
 * - Multi-strategy OCR with meter-type detection and a confidence-gated fallback chain
 * - Plausibility validation against the previous reading of the device
 * - PostgreSQL persistence for readings and job status, local image archive
 * - HTTP server for health, Prometheus metrics, uploads and OCR testing
 *
 * Strategy fallback order (default):
 * template -> seven_segment -> advanced -> simple -> basic
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/adverant/nexus/meterread-worker/internal/bootstrap"
	"github.com/adverant/nexus/meterread-worker/internal/config"
	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/processor"
	"github.com/adverant/nexus/meterread-worker/internal/queue"
	"github.com/adverant/nexus/meterread-worker/internal/server"
	"github.com/adverant/nexus/meterread-worker/internal/storage"
)

func main() {
	logger := logging.NewLogger("worker")
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Info(".env not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fatal(logger, "Failed to load configuration", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		fatal(logger, "Invalid worker configuration", err)
	}

	logging.SetLevel(cfg.LogLevel)
	if cfg.DebugMode {
		logging.SetLevel("debug")
	}

	logger.Info("Meter reading worker starting",
		"queue_backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"archive", cfg.ArchiveDir,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orchestrator, err := bootstrap.Orchestrator(cfg, registry, logger)
	if err != nil {
		fatal(logger, "Failed to build OCR orchestrator", err)
	}

	// Initialize storage manager (PostgreSQL + image archive)
	logger.Info("Connecting to storage")
	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.ArchiveDir)
	if err != nil {
		fatal(logger, "Failed to initialize storage manager", err)
	}

	proc, err := processor.NewReadingProcessor(&processor.ProcessorConfig{
		MaxFileSize: cfg.MaxFileSize,
		Extractor:   orchestrator,
		Store:       storageManager,
		Archive:     storageManager.Archive(),
		Logger:      logging.NewLogger("processor"),
	})
	if err != nil {
		fatal(logger, "Failed to initialize reading processor", err)
	}

	worker, err := newWorker(cfg, proc)
	if err != nil {
		fatal(logger, "Failed to initialize queue consumer", err)
	}
	if err := worker.Start(); err != nil {
		fatal(logger, "Failed to start queue consumer", err)
	}

	srv := server.New(orchestrator,
		server.WithLogger(logging.NewLogger("http")),
		server.WithGatherer(registry),
		server.WithEnqueuer(worker),
		server.WithMaxFileSize(cfg.MaxFileSize),
		server.WithHealthCheck("postgres", storageManager.Ping),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	logger.Info("Meter reading worker is ready, waiting for jobs")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping HTTP server", "error", err)
	}

	if err := worker.Stop(); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	}

	if err := storageManager.Close(); err != nil {
		logger.Warn("Error closing storage manager", "error", err)
	}

	logger.Info("Shutdown complete")
}

// newWorker builds the consumer selected by QUEUE_BACKEND.
func newWorker(cfg *config.Config, proc processor.ReadingProcessorInterface) (queue.Worker, error) {
	if cfg.QueueBackend == "asynq" {
		return queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logging.NewLogger("asynq-consumer"),
		})
	}
	return queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Processor:         proc,
		ProcessingTimeout: int64(cfg.ProcessingTimeout),
		Logger:            logging.NewLogger("redis-consumer"),
	})
}

func fatal(logger *logging.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	logger.Sync()
	os.Exit(1)
}
