// Package scheduler is the order scheduler: one timer per pending
// order, firing at due_at (or a dunning retry time) by enqueueing a
// charge message for the processor to consume. Timers live in memory
// (time.AfterFunc), so a process restart loses them; recovery of
// missed fires is the reconciler's job, not this package's.
//
// The hard invariant here is no double charge: a due_at that
// fires concurrently with an operator-issued Update, or a redelivered
// charge message racing a fresh timer, must never enqueue the same
// order twice. Two mechanisms enforce that: a per-entry generation
// counter invalidates stale callbacks scheduled before the most recent
// Set/Update, and a redis-persisted "processed" flag is written before
// the enqueue (mark-then-enqueue), so a repeated fire of the same
// generation is a no-op and a crash between mark and enqueue loses the
// fire rather than repeating it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChargeMessage is the payload the scheduler hands to the charge queue.
// IsRetry distinguishes a dunning retry fire from an original due_at
// fire; the processor uses it to claim a dunning retry's still-Failed
// order (store.ClaimRetryOrder) instead of treating it as stale.
type ChargeMessage struct {
	OrderID     int64
	SubscriptionID string
	OrderNumber int64
	IsRetry     bool
	RetryCount  int
}

// enqueueFunc matches queue.Queue.Enqueue's signature closely enough to
// let the scheduler depend on a function value instead of the queue
// package directly, keeping this package testable without a live queue.
type enqueueFunc func(ctx context.Context, payload interface{}) error

type timerEntry struct {
	timer        *time.Timer
	generation   uint64
	dueAt        time.Time
	orderNum     int64
	subscription string
}

// Scheduler holds one timer per tracked order and fires ChargeMessages
// into the charge queue at due_at.
type Scheduler struct {
	mu             sync.Mutex
	timers         map[int64]*timerEntry
	enqueue        enqueueFunc
	processed      processedTracker
	logger         *zap.Logger
	maxFireRetries int
	generationSeq  uint64
}

// processedTracker is the durable store backing the idempotent-fire
// guard; pkg/cache.Cache satisfies it via Set/Exists.
type processedTracker interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Exists(ctx context.Context, keys ...string) (int64, error)
}

// New builds a scheduler that enqueues through enqueue and records
// fired orders in tracker so a fire already durably recorded is never
// repeated, even if the in-memory timer entry is lost.
func New(enqueue func(ctx context.Context, payload interface{}) error, tracker processedTracker, maxFireRetries int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		timers:         make(map[int64]*timerEntry),
		enqueue:        enqueue,
		processed:      tracker,
		maxFireRetries: maxFireRetries,
		logger:         logger,
	}
}

// Set schedules (or reschedules) a timer for orderID to fire at dueAt.
// Any previously scheduled timer for this order is canceled; its
// in-flight callback, if already running, will see a stale generation
// and become a no-op.
func (s *Scheduler) Set(orderID int64, subscriptionID string, orderNumber int64, dueAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(orderID, subscriptionID, orderNumber, dueAt, false, 0)
}

// Update reschedules an existing timer to a new due time, used when a
// dunning retry computes the next NextRetryAt. retryCount is the
// attempt number this fire will represent.
func (s *Scheduler) Update(orderID int64, subscriptionID string, orderNumber int64, dueAt time.Time, retryCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(orderID, subscriptionID, orderNumber, dueAt, true, retryCount)
}

func (s *Scheduler) setLocked(orderID int64, subscriptionID string, orderNumber int64, dueAt time.Time, isRetry bool, retryCount int) {
	if existing, ok := s.timers[orderID]; ok {
		existing.timer.Stop()
	}
	s.generationSeq++
	gen := s.generationSeq
	delay := time.Until(dueAt)
	if delay < 0 {
		delay = 0
	}

	entry := &timerEntry{generation: gen, dueAt: dueAt, orderNum: orderNumber, subscription: subscriptionID}
	entry.timer = time.AfterFunc(delay, func() {
		s.Fire(context.Background(), orderID, gen, isRetry, retryCount)
	})
	s.timers[orderID] = entry
}

// Delete cancels orderID's timer, used when a subscription is canceled
// or an order leaves the pending state outside the fire path.
func (s *Scheduler) Delete(orderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[orderID]; ok {
		existing.timer.Stop()
		delete(s.timers, orderID)
	}
}

// ActiveCount returns the number of timers currently tracked, for
// SchedulerTimersActive.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Fire runs the firing protocol for a single timer callback:
//  1. discard if generation is stale (superseded by a later Set/Update)
//  2. discard if the processed flag is already set (crash-recovery dedupe)
//  3. mark processed BEFORE enqueueing, so a crash after the mark but
//     before enqueue fails safe (a missed fire the reconciler can
//     recover) rather than unsafe (a double charge)
//  4. enqueue the charge message, retrying with a short backoff up to
//     maxFireRetries on transient enqueue failure
//  5. drop the timer entry whether or not the enqueue succeeded; a
//     failed enqueue after retries is logged for the reconciler to pick up
func (s *Scheduler) Fire(ctx context.Context, orderID int64, generation uint64, isRetry bool, retryCount int) {
	s.mu.Lock()
	entry, ok := s.timers[orderID]
	if !ok || entry.generation != generation {
		s.mu.Unlock()
		return
	}
	orderNumber := entry.orderNum
	subscriptionID := entry.subscription
	s.mu.Unlock()

	key := s.processedKey(orderID, generation)
	if already, err := s.processed.Exists(ctx, key); err == nil && already > 0 {
		s.logger.Info("timer fire already processed, skipping", zap.Int64("order_id", orderID))
		s.mu.Lock()
		delete(s.timers, orderID)
		s.mu.Unlock()
		return
	}

	if err := s.processed.Set(ctx, key, "1", 24*time.Hour); err != nil {
		s.logger.Error("failed to persist processed flag, skipping fire to stay safe",
			zap.Int64("order_id", orderID), zap.Error(err))
		return
	}

	msg := ChargeMessage{OrderID: orderID, SubscriptionID: subscriptionID, OrderNumber: orderNumber, IsRetry: isRetry, RetryCount: retryCount}
	var err error
	for attempt := 0; attempt <= s.maxFireRetries; attempt++ {
		if err = s.enqueue(ctx, msg); err == nil {
			break
		}
		s.logger.Warn("charge enqueue failed, retrying",
			zap.Int64("order_id", orderID), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(backoff(attempt))
	}

	s.mu.Lock()
	delete(s.timers, orderID)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("charge enqueue exhausted retries, order will be recovered by reconciliation",
			zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func (s *Scheduler) processedKey(orderID int64, generation uint64) string {
	return fmt.Sprintf("sched:fired:%d:%d", orderID, generation)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}
