package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"commission-engine/config"
	"commission-engine/internal/api"
	"commission-engine/internal/app"
	"commission-engine/internal/broker"
	"commission-engine/internal/util"
	"commission-engine/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting commission engine", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx := context.Background()
	engine, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}
	defer engine.Close()

	// Recreate commissions lost between payment approval and commission creation
	if n, err := engine.Approvals.Reconcile(ctx); err != nil {
		logger.Error("Startup reconciliation failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Startup reconciliation recreated commissions", zap.Int("count", n))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var wg sync.WaitGroup

	run := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(workerCtx); err != nil {
				logger.Error("Worker stopped with error", zap.String("worker", name), zap.Error(err))
			}
		}()
	}

	var paymentWorker *worker.PaymentEventWorker
	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
		paymentWorker = worker.NewPaymentEventWorker(consumer, engine.Approvals)
		run("payment-events", paymentWorker.Start)
	}

	retryWorker := worker.NewRetryWorker(engine.Retries, engine.Approvals, cfg.Retry.SweepInterval)
	run("retry-sweep", retryWorker.Start)

	deliveryWorker := worker.NewDeliveryWorker(engine.Webhooks, cfg.Webhook.Workers, cfg.Webhook.PollInterval)
	run("webhook-delivery", deliveryWorker.Start)

	outboxWorker := worker.NewOutboxWorker(engine.Notifier, cfg.Webhook.PollInterval)
	run("outbox-relay", outboxWorker.Start)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(engine.Approvals, engine.Webhooks, engine.Fraud).
		WithReadinessCheck("ledger", engine.Ledger)
	if engine.Redis != nil {
		handler.WithIdempotency(engine.Redis).WithReadinessCheck("redis", engine.Redis)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if paymentWorker != nil {
		if err := paymentWorker.Stop(); err != nil {
			logger.Error("Error stopping payment event worker", zap.Error(err))
		}
	}
	wg.Wait()

	logger.Info("Server exited")
}
