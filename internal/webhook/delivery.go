package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/crosslogic/billing-engine/internal/queue"
	"github.com/crosslogic/billing-engine/pkg/metrics"
	"go.uber.org/zap"
)

// DeliveryWorker consumes webhook Tasks and POSTs them to the merchant
// URL, retrying failures with bounded exponential backoff (base/cap
// configurable, doubling per attempt) via the queue's own Nack/
// redelivery mechanism and routing exhausted deliveries to its
// DeadLetterSink.
type DeliveryWorker struct {
	queue       queue.Queue
	client      *http.Client
	logger      *zap.Logger
	workers     int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewDeliveryWorker builds a worker pool reading from q. perAttemptTimeout
// bounds a single POST; the merchant must respond 2xx promptly.
// backoffBase/backoffCap bound the delay before redelivery; either
// falls back to a sane default (5s/15m) if zero.
func NewDeliveryWorker(q queue.Queue, perAttemptTimeout time.Duration, workers int, backoffBase, backoffCap time.Duration, logger *zap.Logger) *DeliveryWorker {
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 15 * time.Minute
	}
	return &DeliveryWorker{
		queue:       q,
		client:      &http.Client{Timeout: perAttemptTimeout},
		logger:      logger,
		workers:     workers,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Run starts the configured number of consumer goroutines and blocks
// until ctx is canceled.
func (w *DeliveryWorker) Run(ctx context.Context) {
	done := make(chan struct{}, w.workers)
	for i := 0; i < w.workers; i++ {
		go func() {
			w.loop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < w.workers; i++ {
		<-done
	}
}

func (w *DeliveryWorker) loop(ctx context.Context) {
	for {
		msg, ok := w.queue.Consume(ctx)
		if !ok {
			return
		}
		task, ok := msg.Payload.(Task)
		if !ok {
			w.logger.Error("webhook queue message has unexpected payload type")
			continue
		}
		w.deliver(ctx, msg, task)
	}
}

func (w *DeliveryWorker) deliver(ctx context.Context, msg queue.Message, task Task) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, task.URL, bytes.NewReader(task.Payload))
	if err != nil {
		w.nack(ctx, msg, "build request: "+err.Error())
		return
	}
	req.Method = http.MethodPost
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", strconv.FormatInt(task.Timestamp, 10))
	req.Header.Set("X-Signature", task.Signature)

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("retrying").Inc()
		w.nack(ctx, msg, "request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		w.queue.Ack(ctx, msg)
		return
	}

	metrics.WebhookDeliveries.WithLabelValues("retrying").Inc()
	w.nack(ctx, msg, fmt.Sprintf("webhook endpoint returned status %d", resp.StatusCode))
}

func (w *DeliveryWorker) nack(ctx context.Context, msg queue.Message, reason string) {
	delay := w.backoffDelay(msg.Attempts)
	w.logger.Warn("webhook delivery failed, will retry",
		zap.String("message_id", msg.ID), zap.Int("attempts", msg.Attempts),
		zap.Duration("next_delay", delay), zap.String("reason", reason))
	if err := w.queue.Nack(ctx, msg, delay); err != nil {
		w.logger.Error("failed to nack webhook message", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (w *DeliveryWorker) backoffDelay(attempts int) time.Duration {
	d := w.backoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= w.backoffCap {
			return w.backoffCap
		}
	}
	return d
}
