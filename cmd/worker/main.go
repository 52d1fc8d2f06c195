package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"speechlab/internal/analysis"
	"speechlab/internal/config"
	"speechlab/internal/metrics"
	"speechlab/internal/queue"
	"speechlab/internal/storage"
	"speechlab/internal/worker"
	"speechlab/pkg/logger"
	"speechlab/pkg/resilience"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	debug := os.Getenv("DEBUG") != ""
	if err := logger.Init(debug); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting speechlab worker service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
		return
	}

	metrics.MustRegister()

	// Expose worker metrics for scraping
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil {
			logger.Error("Metrics listener stopped", zap.Error(err))
		}
	}()

	// Connect to database
	db, err := storage.NewPostgresStorage(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
		return
	}
	defer db.Close()

	logger.Info("Database connection established")

	// Initialize S3 storage
	s3Storage, err := storage.NewS3Storage(
		cfg.S3.Endpoint,
		cfg.S3.Region,
		cfg.S3.AccessKey,
		cfg.S3.SecretKey,
		cfg.S3.Bucket,
	)
	if err != nil {
		logger.Fatal("Failed to initialize S3 storage", zap.Error(err))
		return
	}

	logger.Info("S3 storage initialized")

	// Initialize analysis API client
	analysisClient := analysis.NewClient(cfg.Analysis.URL, cfg.Analysis.DefaultLanguage, cfg.Analysis.Timeout)

	logger.Info("Analysis client initialized", zap.String("url", cfg.Analysis.URL))

	// Connect to RabbitMQ
	rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		return
	}
	defer rabbitMQ.Close()

	logger.Info("RabbitMQ connection established")

	retry := &resilience.RetryConfig{
		MaxAttempts:     cfg.Analysis.MaxRetries,
		InitialInterval: cfg.Analysis.RetryDelay,
		MaxInterval:     12 * cfg.Analysis.RetryDelay,
		Multiplier:      2.0,
	}
	processor := worker.NewProcessor(db, s3Storage, analysisClient, retry)

	// Graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Sweep jobs orphaned by worker crashes back to failed
	reconciler := worker.NewReconciler(db, cfg.Worker.ReconcileInterval, cfg.Worker.StuckJobDeadline)
	go reconciler.Start(ctx)

	// Start consuming messages
	go func() {
		logger.Info("Starting to consume messages from queue")
		if err := rabbitMQ.Consume(ctx, queue.QueueNameAnalysis, processor.ProcessTask); err != nil {
			logger.Error("Failed to consume messages", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Worker service shutdown complete")
}
