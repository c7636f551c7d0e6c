package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fonkengChris/pianolessons-mailer/internal/api"
	"github.com/fonkengChris/pianolessons-mailer/internal/config"
	"github.com/fonkengChris/pianolessons-mailer/internal/db"
	"github.com/fonkengChris/pianolessons-mailer/internal/email"
	"github.com/fonkengChris/pianolessons-mailer/internal/gate"
	"github.com/fonkengChris/pianolessons-mailer/internal/metrics"
	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	var store *db.Store
	connect := func() error {
		var err error
		store, err = db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		return store.Ping(ctx)
	}
	if err := backoff.Retry(connect, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	// ------------------------------------------------
	// Redis
	// ------------------------------------------------
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	ping := func() error { return rdb.Ping(ctx).Err() }
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Queue
	// ------------------------------------------------
	q := queue.New(rdb, queue.Config{
		MaxAttempts:      cfg.MaxAttempts,
		BackoffBase:      cfg.BackoffBase,
		RemoveOnComplete: cfg.RemoveOnComplete,
		RemoveOnFail:     cfg.RemoveOnFail,
		StallInterval:    cfg.StallInterval,
	}, logger)

	// ------------------------------------------------
	// Email pipeline
	// ------------------------------------------------
	renderer, err := email.NewRenderer()
	if err != nil {
		logger.Fatal("template load failed", zap.Error(err))
	}

	sender := email.NewSMTPSender(
		cfg.SMTPHost,
		cfg.SMTPPort,
		cfg.SMTPUser,
		cfg.SMTPPassword,
		cfg.SMTPFrom,
		cfg.RateLimit,
		logger,
	)

	g := gate.New(store, logger)

	processors := email.NewProcessors(store, sender, renderer, g, cfg.FrontendURL, logger)
	if err := processors.RegisterAll(q, cfg.Concurrency, cfg.BulkConcurrency); err != nil {
		logger.Fatal("processor registration failed", zap.Error(err))
	}

	q.OnEvent(func(ev queue.Event) {
		switch ev.Type {
		case queue.EventFailed:
			logger.Warn("job failed",
				zap.String("job_id", ev.JobID),
				zap.String("kind", string(ev.Kind)),
				zap.String("reason", ev.Reason),
			)
		case queue.EventStalled:
			logger.Warn("job stalled",
				zap.String("job_id", ev.JobID),
				zap.String("kind", string(ev.Kind)),
			)
		}
	})

	if err := q.Start(); err != nil {
		logger.Fatal("queue start failed", zap.Error(err))
	}

	svc := email.NewService(q, logger)
	notifier := email.NewNotifier(svc, g, logger)

	// ------------------------------------------------
	// Retention cleanup
	// ------------------------------------------------
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				completed, failed, err := q.Cleanup(ctx)
				if err != nil {
					logger.Warn("queue cleanup failed", zap.Error(err))
					continue
				}
				logger.Info("queue cleanup",
					zap.Int("completed_removed", completed),
					zap.Int("failed_removed", failed),
				)
			}
		}
	}()

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Service:  svc,
		Notifier: notifier,
		Queue:    q,
		Gate:     g,
		Users:    store,
		Log:      logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Router(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests, then drain in-flight jobs.
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	q.Close()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
