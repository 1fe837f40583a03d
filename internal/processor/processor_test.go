package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/crosslogic/billing-engine/internal/dunning"
	"github.com/crosslogic/billing-engine/internal/provider"
	"github.com/crosslogic/billing-engine/internal/queue"
	"github.com/crosslogic/billing-engine/internal/scheduler"
	"github.com/crosslogic/billing-engine/internal/store"
	"github.com/crosslogic/billing-engine/internal/webhook"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fakeProvider is a minimal provider.Provider stand-in for the processor's
// tests; Charge/GetStatus results are set directly on the struct.
type fakeProvider struct {
	chargeResult *provider.ChargeResult
	chargeErr    error
	status       *provider.Status
	statusErr    error
}

func (f *fakeProvider) Charge(ctx context.Context, subscriptionID string, amount decimal.Decimal, recipient string) (*provider.ChargeResult, error) {
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return f.chargeResult, nil
}

func (f *fakeProvider) GetStatus(ctx context.Context, subscriptionID string) (*provider.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

// memTracker is a minimal stand-in for pkg/cache.Cache's Set/Exists pair,
// the same shape internal/scheduler's own tests use.
type memTracker struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemTracker() *memTracker { return &memTracker{keys: make(map[string]bool)} }

func (t *memTracker) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[key] = true
	return nil
}

func (t *memTracker) Exists(ctx context.Context, keys ...string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		if t.keys[k] {
			return 1, nil
		}
	}
	return 0, nil
}

type noopDeadLetter struct{}

func (noopDeadLetter) Send(ctx context.Context, msg queue.Message, reason string) error { return nil }

func newTestProcessor(t *testing.T, s store.Store, prov provider.Provider) *Processor {
	t.Helper()
	return newTestProcessorWithDunning(t, s, prov, dunning.NewCoordinator(nil))
}

func newTestProcessorWithDunning(t *testing.T, s store.Store, prov provider.Provider, coordinator *dunning.Coordinator) *Processor {
	t.Helper()
	chargeQueue := queue.NewInMemoryQueue(3, noopDeadLetter{})
	webhookQueue := queue.NewInMemoryQueue(3, noopDeadLetter{})
	sched := scheduler.New(func(ctx context.Context, payload interface{}) error {
		_, err := chargeQueue.Enqueue(ctx, payload)
		return err
	}, newMemTracker(), 3, zap.NewNop())
	emitter := webhook.NewEmitter(webhookQueue, func(accountID string) (string, string, bool) {
		return "https://merchant.example/hook", "shh", true
	}, zap.NewNop())

	return New(Config{
		Queue: chargeQueue, Store: s, Provider: prov, Scheduler: sched,
		Dunning: coordinator, Emitter: emitter, Logger: zap.NewNop(), Workers: 1,
	})
}

func seedInitialOrder(t *testing.T, s *store.MemStore, subID string) domain.Order {
	t.Helper()
	sub := domain.Subscription{ID: subID, AccountID: "acct-1", Beneficiary: "0xBEEF", Provider: "onchain", Status: domain.SubscriptionProcessing}
	order := domain.Order{Type: domain.OrderInitial, DueAt: time.Now().UTC(), Amount: decimal.NewFromInt(10), PeriodLengthSeconds: 2592000, Status: domain.OrderPending}
	res, err := s.CreateSubscriptionWithOrder(context.Background(), sub, order)
	if err != nil || !res.Created {
		t.Fatalf("seed: CreateSubscriptionWithOrder failed: %v", err)
	}
	order.ID = res.OrderID
	order.OrderNumber = res.OrderNumber
	order.SubscriptionID = subID
	return order
}

func TestHandle_SuccessfulInitialCharge_ActivatesAndSchedulesNext(t *testing.T) {
	s := store.NewMemStore()
	order := seedInitialOrder(t, s, "sub-success")

	prov := &fakeProvider{
		chargeResult: &provider.ChargeResult{TransactionHash: "0xTX1", Success: true},
		status: &provider.Status{
			IsSubscribed: true, PermissionExists: true,
			NextPeriodStart: time.Now().Add(30 * 24 * time.Hour).Unix(),
			PeriodInSeconds: 2592000, RecurringCharge: decimal.NewFromInt(10),
		},
	}
	p := newTestProcessor(t, s, prov)

	charge := scheduler.ChargeMessage{OrderID: order.ID, SubscriptionID: order.SubscriptionID, OrderNumber: order.OrderNumber}
	if err := p.handle(context.Background(), charge); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	sub, ok := s.Snapshot(order.SubscriptionID)
	if !ok {
		t.Fatalf("subscription missing after activation")
	}
	if sub.Status != domain.SubscriptionActive {
		t.Fatalf("expected subscription Active, got %s", sub.Status)
	}
}

func TestHandle_TerminalFailure_CancelsSubscription(t *testing.T) {
	s := store.NewMemStore()
	order := seedInitialOrder(t, s, "sub-terminal")
	if _, err := s.UpdateOrder(context.Background(), order.ID, domain.OrderProcessing, "", "", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	prov := &fakeProvider{chargeErr: errors.New("permission revoked by owner")}
	p := newTestProcessor(t, s, prov)

	charge := scheduler.ChargeMessage{OrderID: order.ID, SubscriptionID: order.SubscriptionID, OrderNumber: order.OrderNumber}
	if err := p.handle(context.Background(), charge); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	sub, _ := s.Snapshot(order.SubscriptionID)
	if sub.Status != domain.SubscriptionCanceled {
		t.Fatalf("expected subscription Canceled, got %s", sub.Status)
	}
}

func TestHandle_RetryablePaymentFailure_SchedulesRetry(t *testing.T) {
	s := store.NewMemStore()
	order := seedInitialOrder(t, s, "sub-retry")
	if _, err := s.UpdateOrder(context.Background(), order.ID, domain.OrderProcessing, "", "", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	prov := &fakeProvider{chargeErr: errors.New("insufficient balance for transfer")}
	p := newTestProcessor(t, s, prov)

	charge := scheduler.ChargeMessage{OrderID: order.ID, SubscriptionID: order.SubscriptionID, OrderNumber: order.OrderNumber}
	if err := p.handle(context.Background(), charge); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	got, _ := s.OrderSnapshot(order.ID)
	if got.NextRetryAt == nil {
		t.Fatalf("expected order rescheduled with a retry deadline, got nextRetryAt=%v (status=%s)", got.NextRetryAt, got.Status)
	}
	sub, _ := s.Snapshot(order.SubscriptionID)
	if sub.Status != domain.SubscriptionPastDue {
		t.Fatalf("expected subscription PastDue while retries remain, got %s", sub.Status)
	}
}

func TestHandle_RetryExhaustion_MovesSubscriptionUnpaidWithFullAttemptCount(t *testing.T) {
	s := store.NewMemStore()
	order := seedInitialOrder(t, s, "sub-exhausted")
	// A single-entry schedule: the first failure exhausts it immediately.
	coordinator := dunning.NewCoordinator([]time.Duration{time.Hour})
	if _, err := s.UpdateOrder(context.Background(), order.ID, domain.OrderProcessing, "", "", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	prov := &fakeProvider{chargeErr: errors.New("insufficient balance for transfer")}
	p := newTestProcessorWithDunning(t, s, prov, coordinator)

	charge := scheduler.ChargeMessage{OrderID: order.ID, SubscriptionID: order.SubscriptionID, OrderNumber: order.OrderNumber}
	if err := p.handle(context.Background(), charge); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	got, _ := s.OrderSnapshot(order.ID)
	if got.Status != domain.OrderFailed {
		t.Fatalf("expected order Failed, got %s", got.Status)
	}
	if got.Attempts != coordinator.MaxAttempts() {
		t.Fatalf("expected order attempts to equal the schedule length (%d), got %d", coordinator.MaxAttempts(), got.Attempts)
	}
	if got.NextRetryAt != nil {
		t.Fatalf("exhausted order must not carry a pending retry deadline, got %v", got.NextRetryAt)
	}
	sub, _ := s.Snapshot(order.SubscriptionID)
	if sub.Status != domain.SubscriptionUnpaid {
		t.Fatalf("expected subscription Unpaid after retries exhausted, got %s", sub.Status)
	}
}

func TestHandle_SchedulerFiredRetry_ClaimsFailedOrderAndCharges(t *testing.T) {
	s := store.NewMemStore()
	order := seedInitialOrder(t, s, "sub-scheduled-retry")
	if _, err := s.UpdateOrder(context.Background(), order.ID, domain.OrderProcessing, "", "", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// ScheduleRetry leaves the order Failed with a past next-retry-at, the
	// same state a dunning retry is in when its timer fires.
	if err := s.ScheduleRetry(context.Background(), order.ID, order.SubscriptionID, time.Now().Add(-time.Second), "insufficient_balance"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	prov := &fakeProvider{
		chargeResult: &provider.ChargeResult{TransactionHash: "0xTX2", Success: true},
		status: &provider.Status{
			IsSubscribed: true, PermissionExists: true,
			NextPeriodStart: time.Now().Add(30 * 24 * time.Hour).Unix(),
			PeriodInSeconds: 2592000, RecurringCharge: decimal.NewFromInt(10),
		},
	}
	p := newTestProcessor(t, s, prov)

	charge := scheduler.ChargeMessage{OrderID: order.ID, SubscriptionID: order.SubscriptionID, OrderNumber: order.OrderNumber, IsRetry: true, RetryCount: 1}
	if err := p.handle(context.Background(), charge); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	got, _ := s.OrderSnapshot(order.ID)
	if got.Status != domain.OrderPaid {
		t.Fatalf("expected the claimed retry to actually charge and land Paid, got %s", got.Status)
	}
	sub, _ := s.Snapshot(order.SubscriptionID)
	if sub.Status != domain.SubscriptionActive {
		t.Fatalf("expected subscription reactivated to Active, got %s", sub.Status)
	}
}

func TestHandle_StaleMessage_IsNoOp(t *testing.T) {
	s := store.NewMemStore()
	order := seedInitialOrder(t, s, "sub-stale")
	if _, err := s.UpdateOrder(context.Background(), order.ID, domain.OrderPaid, "", "", "0xDONE"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	prov := &fakeProvider{chargeErr: errors.New("should never be called")}
	p := newTestProcessor(t, s, prov)

	charge := scheduler.ChargeMessage{OrderID: order.ID, SubscriptionID: order.SubscriptionID, OrderNumber: order.OrderNumber}
	if err := p.handle(context.Background(), charge); err != nil {
		t.Fatalf("handle on a stale (already-paid) order must be a no-op, got error: %v", err)
	}
}
