package webhook

import (
	"context"
	"time"

	"github.com/crosslogic/billing-engine/internal/queue"
	"go.uber.org/zap"
)

// Task is the wire shape enqueued onto the webhook queue: the exact
// bytes, signature, and timestamp that go out on every delivery
// attempt. The signature is computed once, here, and never recomputed
// by the delivery worker on redelivery.
type Task struct {
	URL       string
	Payload   []byte
	Signature string
	Timestamp int64
}

// Emitter builds, signs, and enqueues events. Enqueue failures are
// logged and swallowed: emission is fire-and-forget from the caller's
// perspective (processor, activation orchestrator) and must never fail
// the billing transaction that triggered it.
type Emitter struct {
	queue  queue.Queue
	secret func(accountID string) (string, string, bool) // returns (url, secret, enabled)
	logger *zap.Logger
}

// NewEmitter builds an Emitter. lookup resolves an account's configured
// webhook endpoint (url, secret, enabled); the composition root
// (cmd/billingd) passes store.GetWebhookEndpoint wrapped to this shape.
func NewEmitter(q queue.Queue, lookup func(accountID string) (string, string, bool), logger *zap.Logger) *Emitter {
	return &Emitter{queue: q, secret: lookup, logger: logger}
}

// Emit assembles, signs, and enqueues event for accountID. A disabled or
// unconfigured endpoint is a silent no-op, not an error: a merchant who
// never set up webhooks should not see errors for events they can't
// receive.
func (e *Emitter) Emit(ctx context.Context, accountID string, event Event) {
	url, secret, enabled := e.secret(accountID)
	if !enabled || url == "" {
		return
	}

	event.ID = NewEventID()
	payload, err := Marshal(event)
	if err != nil {
		e.logger.Error("failed to marshal webhook event", zap.String("account_id", accountID), zap.Error(err))
		return
	}

	ts := event.CreatedAt.Unix()
	task := Task{
		URL:       url,
		Payload:   payload,
		Signature: Sign(secret, ts, payload),
		Timestamp: ts,
	}

	if _, err := e.queue.Enqueue(ctx, task); err != nil {
		e.logger.Error("failed to enqueue webhook task",
			zap.String("account_id", accountID), zap.String("event_type", event.Type), zap.Error(err))
	}
}

// Now is the single clock dependency, overridable in tests.
var Now = func() time.Time { return time.Now().UTC() }
