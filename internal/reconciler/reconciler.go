// Package reconciler is the safety-net sweep behind the scheduler: a
// periodic poll that claims every order that is due (or due for retry)
// straight from the store and enqueues it, which covers orders whose
// in-memory timer was lost in a process restart. It claims due orders
// whether or not a live timer still exists for them.
// It also resets orders stuck in Processing past a staleness window
// back to Pending so a crashed worker's claim doesn't strand an order
// forever. Grounded in internal/orchestrator's ticker-driven
// reconciliationLoop, retargeted from cloud-cluster state sync to
// billing-order recovery.
package reconciler

import (
	"context"
	"time"

	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/crosslogic/billing-engine/internal/queue"
	"github.com/crosslogic/billing-engine/internal/scheduler"
	"github.com/crosslogic/billing-engine/internal/store"
	"github.com/crosslogic/billing-engine/pkg/metrics"
	"go.uber.org/zap"
)

// Reconciler periodically claims due/retry orders directly and resets
// orders whose Processing state has gone stale back to Pending.
type Reconciler struct {
	store          store.Store
	queue          queue.Queue
	logger         *zap.Logger
	interval       time.Duration
	claimLimit     int
	staleAfter     time.Duration
}

// New builds a Reconciler. interval governs how often the sweep runs;
// staleAfter is how long an order may sit in Processing before it's
// considered abandoned by a crashed worker.
func New(s store.Store, q queue.Queue, interval, staleAfter time.Duration, claimLimit int, logger *zap.Logger) *Reconciler {
	if claimLimit <= 0 {
		claimLimit = 50
	}
	return &Reconciler{store: s, queue: q, logger: logger, interval: interval, claimLimit: claimLimit, staleAfter: staleAfter}
}

// Run starts the reconciliation loop and blocks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	r.claimDue(ctx)
	r.claimRetries(ctx)
	r.recoverStale(ctx)
}

func (r *Reconciler) claimDue(ctx context.Context) {
	due, err := r.store.ClaimDueOrders(ctx, r.claimLimit)
	if err != nil {
		r.logger.Error("failed to claim due orders", zap.Error(err))
		return
	}
	for _, o := range due {
		r.enqueue(ctx, o, false, o.Attempts)
	}
	if len(due) > 0 {
		metrics.OrdersClaimed.WithLabelValues("due").Add(float64(len(due)))
		r.logger.Info("reconciler claimed due orders", zap.Int("count", len(due)))
	}
}

func (r *Reconciler) claimRetries(ctx context.Context) {
	retries, err := r.store.GetDueRetries(ctx, r.claimLimit)
	if err != nil {
		r.logger.Error("failed to claim due retries", zap.Error(err))
		return
	}
	for _, o := range retries {
		r.enqueue(ctx, o, true, o.Attempts)
	}
	if len(retries) > 0 {
		metrics.OrdersClaimed.WithLabelValues("retry").Add(float64(len(retries)))
		r.logger.Info("reconciler claimed due retries", zap.Int("count", len(retries)))
	}
}

func (r *Reconciler) enqueue(ctx context.Context, o domain.DueOrder, isRetry bool, attempts int) {
	msg := scheduler.ChargeMessage{OrderID: o.OrderID, SubscriptionID: o.SubscriptionID, IsRetry: isRetry, RetryCount: attempts}
	if _, err := r.queue.Enqueue(ctx, msg); err != nil {
		r.logger.Error("failed to enqueue reconciled order", zap.Int64("order_id", o.OrderID), zap.Error(err))
	}
}

func (r *Reconciler) recoverStale(ctx context.Context) {
	stale, err := r.store.ListStaleProcessingOrders(ctx, time.Now().UTC().Add(-r.staleAfter))
	if err != nil {
		r.logger.Error("failed to list stale processing orders", zap.Error(err))
		return
	}
	for _, o := range stale {
		if _, err := r.store.UpdateOrder(ctx, o.ID, domain.OrderPending, "", "", ""); err != nil {
			r.logger.Error("failed to reset stale order to pending", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		metrics.ReconciliationRecovered.Inc()
		r.logger.Warn("recovered stale processing order back to pending", zap.Int64("order_id", o.ID))
	}
}
