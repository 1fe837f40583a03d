package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/crosslogic/billing-engine/internal/activation"
	"github.com/crosslogic/billing-engine/internal/api"
	"github.com/crosslogic/billing-engine/internal/config"
	"github.com/crosslogic/billing-engine/internal/dlq"
	"github.com/crosslogic/billing-engine/internal/dunning"
	"github.com/crosslogic/billing-engine/internal/processor"
	"github.com/crosslogic/billing-engine/internal/provider"
	"github.com/crosslogic/billing-engine/internal/queue"
	"github.com/crosslogic/billing-engine/internal/reconciler"
	"github.com/crosslogic/billing-engine/internal/scheduler"
	"github.com/crosslogic/billing-engine/internal/store"
	"github.com/crosslogic/billing-engine/internal/webhook"
	"github.com/crosslogic/billing-engine/pkg/cache"
	"github.com/crosslogic/billing-engine/pkg/database"
	"github.com/crosslogic/billing-engine/pkg/metrics"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting billing engine")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	billingStore := store.NewPostgresStore(db.Pool)

	providerAdapter := provider.NewHTTPAdapter(
		cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.CallTimeout,
		cfg.Provider.BreakerMaxFails, cfg.Provider.BreakerOpenWait, logger,
	)

	deadLetter := dlq.NewStore(logger)
	chargeQueue := queue.NewInMemoryQueue(cfg.Queue.MaxRedeliveries, deadLetter)
	webhookQueue := queue.NewInMemoryQueue(cfg.Webhook.MaxAttempts, deadLetter)

	dunningCoordinator := dunning.NewCoordinator(cfg.Dunning.Intervals)

	sched := scheduler.New(
		func(ctx context.Context, payload interface{}) error {
			_, err := chargeQueue.Enqueue(ctx, payload)
			return err
		},
		redisCache, cfg.Scheduler.MaxFireRetries, logger,
	)

	emitter := webhook.NewEmitter(webhookQueue, func(accountID string) (string, string, bool) {
		ep, err := billingStore.GetWebhookEndpoint(context.Background(), accountID)
		if err != nil {
			return "", "", false
		}
		return ep.URL, ep.Secret, ep.Enabled
	}, logger)

	proc := processor.New(processor.Config{
		Queue: chargeQueue, Store: billingStore, Provider: providerAdapter,
		Scheduler: sched, Dunning: dunningCoordinator, Emitter: emitter,
		Logger: logger, Workers: cfg.Queue.Workers,
	})

	orchestrator := activation.New(activation.Config{
		Store: billingStore, Provider: providerAdapter, Scheduler: sched,
		Emitter: emitter, SpenderAddress: cfg.Provider.SpenderAddress, Logger: logger,
	})

	recon := reconciler.New(billingStore, chargeQueue, time.Minute, 10*time.Minute, 100, logger)

	deliveryWorker := webhook.NewDeliveryWorker(webhookQueue, cfg.Webhook.DeliveryTimeout, cfg.Queue.Workers,
		cfg.Webhook.BackoffBase, cfg.Webhook.BackoffCap, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var activationsWG sync.WaitGroup
	go proc.Run(ctx)
	go deliveryWorker.Run(ctx)
	go recon.Run(ctx)
	go reportQueueMetrics(ctx, chargeQueue, webhookQueue, sched)

	httpAPI := api.New(api.Config{
		Store: billingStore, Orchestrator: orchestrator,
		Auth: api.PassThroughAuth("default-account"), Logger: logger, ActivationsWG: &activationsWG,
		DeadLetter: deadLetter,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpAPI,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down billing engine...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		activationsWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("all in-flight activations drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached with activations still in flight")
	}

	chargeQueue.Close()
	webhookQueue.Close()
	cancel()

	logger.Info("billing engine exited")
}

// reportQueueMetrics polls the in-memory queue depths and live timer count
// into their gauges until ctx is done. These are point-in-time reads, not
// events, so a ticker is simpler and cheap enough than threading a gauge
// update through every Enqueue/Nack/Set call site.
func reportQueueMetrics(ctx context.Context, chargeQueue, webhookQueue *queue.InMemoryQueue, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ChargeQueueDepth.Set(float64(chargeQueue.Len()))
			metrics.WebhookQueueDepth.Set(float64(webhookQueue.Len()))
			metrics.SchedulerTimersActive.Set(float64(sched.ActiveCount()))
		}
	}
}
