package activation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/crosslogic/billing-engine/internal/pkgerrors"
	"github.com/crosslogic/billing-engine/internal/provider"
	"github.com/crosslogic/billing-engine/internal/queue"
	"github.com/crosslogic/billing-engine/internal/scheduler"
	"github.com/crosslogic/billing-engine/internal/store"
	"github.com/crosslogic/billing-engine/internal/webhook"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeProvider struct {
	status       *provider.Status
	statusErr    error
	chargeResult *provider.ChargeResult
	chargeErr    error
}

func (f *fakeProvider) GetStatus(ctx context.Context, subscriptionID string) (*provider.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeProvider) Charge(ctx context.Context, subscriptionID string, amount decimal.Decimal, recipient string) (*provider.ChargeResult, error) {
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return f.chargeResult, nil
}

type noopDeadLetter struct{}

func (noopDeadLetter) Send(ctx context.Context, msg queue.Message, reason string) error { return nil }

func newTestOrchestrator(prov provider.Provider, s store.Store) *Orchestrator {
	chargeQueue := queue.NewInMemoryQueue(3, noopDeadLetter{})
	webhookQueue := queue.NewInMemoryQueue(3, noopDeadLetter{})
	sched := scheduler.New(func(ctx context.Context, payload interface{}) error {
		_, err := chargeQueue.Enqueue(ctx, payload)
		return err
	}, newNoopTracker(), 3, zap.NewNop())
	emitter := webhook.NewEmitter(webhookQueue, func(accountID string) (string, string, bool) {
		return "", "", false
	}, zap.NewNop())

	return New(Config{
		Store: s, Provider: prov, Scheduler: sched, Emitter: emitter,
		SpenderAddress: "0xSPENDER", Logger: zap.NewNop(),
	})
}

type noopTracker struct{}

func newNoopTracker() noopTracker { return noopTracker{} }
func (noopTracker) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}
func (noopTracker) Exists(ctx context.Context, keys ...string) (int64, error) { return 0, nil }

func TestValidateID_RejectsNonHexPrefixed(t *testing.T) {
	if err := ValidateID("not-hex"); err == nil {
		t.Fatal("expected error for a non 0x-prefixed id")
	}
	if err := ValidateID("0xabc"); err != nil {
		t.Fatalf("expected a valid 0x-prefixed id to pass, got %v", err)
	}
}

func TestBegin_RejectsWhenSubscriptionNotActiveOnchain(t *testing.T) {
	s := store.NewMemStore()
	prov := &fakeProvider{status: &provider.Status{IsSubscribed: false}}
	o := newTestOrchestrator(prov, s)

	_, _, err := o.Begin(context.Background(), Request{SubscriptionID: "0xabc123", AccountID: "acct-1", Beneficiary: "0xBEEF"})
	if err == nil {
		t.Fatal("expected an error when the onchain permission is not active")
	}
	var ve *pkgerrors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected a *ValidationError, got %T: %v", err, err)
	}
}

func TestBegin_RejectsWhenOwnerDoesNotMatchSpender(t *testing.T) {
	s := store.NewMemStore()
	prov := &fakeProvider{status: &provider.Status{
		IsSubscribed: true, SubscriptionOwner: "0xSOMEONEELSE",
		PermissionExists: true, NextPeriodStart: time.Now().Add(time.Hour).Unix(), PeriodInSeconds: 2592000,
		RemainingChargeInPeriod: decimal.NewFromInt(5),
	}}
	o := newTestOrchestrator(prov, s)

	_, _, err := o.Begin(context.Background(), Request{SubscriptionID: "0xabc123", AccountID: "acct-1", Beneficiary: "0xBEEF"})
	if err == nil {
		t.Fatal("expected forbidden error when owner does not match the configured spender")
	}
}

func TestBegin_CreatesSubscriptionAndOrderOnSuccess(t *testing.T) {
	s := store.NewMemStore()
	prov := &fakeProvider{status: &provider.Status{
		IsSubscribed: true, SubscriptionOwner: "0xSPENDER",
		PermissionExists: true, NextPeriodStart: time.Now().Add(time.Hour).Unix(), PeriodInSeconds: 2592000,
		RemainingChargeInPeriod: decimal.NewFromInt(5),
	}}
	o := newTestOrchestrator(prov, s)

	sub, order, err := o.Begin(context.Background(), Request{SubscriptionID: "0xabc123", AccountID: "acct-1", Beneficiary: "0xBEEF"})
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if sub.Status != domain.SubscriptionProcessing {
		t.Fatalf("expected subscription Processing after Begin, got %s", sub.Status)
	}
	if order.Type != domain.OrderInitial || order.ID == 0 {
		t.Fatalf("expected a persisted initial order, got %+v", order)
	}
}

func TestFinish_SuccessfulChargeActivatesSubscription(t *testing.T) {
	s := store.NewMemStore()
	prov := &fakeProvider{status: &provider.Status{
		IsSubscribed: true, SubscriptionOwner: "0xSPENDER",
		PermissionExists: true, NextPeriodStart: time.Now().Add(time.Hour).Unix(), PeriodInSeconds: 2592000,
		RemainingChargeInPeriod: decimal.NewFromInt(5),
	}, chargeResult: &provider.ChargeResult{TransactionHash: "0xTX1", Success: true}}
	o := newTestOrchestrator(prov, s)

	sub, order, err := o.Begin(context.Background(), Request{SubscriptionID: "0xabc123", AccountID: "acct-1", Beneficiary: "0xBEEF"})
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}

	o.Finish(context.Background(), sub, order)

	got, ok := s.Snapshot(sub.ID)
	if !ok || got.Status != domain.SubscriptionActive {
		t.Fatalf("expected subscription Active after a successful Finish, got %+v ok=%v", got, ok)
	}
}

func TestFinish_FailedChargeMarksIncomplete(t *testing.T) {
	s := store.NewMemStore()
	prov := &fakeProvider{status: &provider.Status{
		IsSubscribed: true, SubscriptionOwner: "0xSPENDER",
		PermissionExists: true, NextPeriodStart: time.Now().Add(time.Hour).Unix(), PeriodInSeconds: 2592000,
		RemainingChargeInPeriod: decimal.NewFromInt(5),
	}}
	o := newTestOrchestrator(prov, s)

	sub, order, err := o.Begin(context.Background(), Request{SubscriptionID: "0xabc123", AccountID: "acct-1", Beneficiary: "0xBEEF"})
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}

	o.provider.(*fakeProvider).chargeErr = errors.New("permission revoked by owner")
	o.Finish(context.Background(), sub, order)

	got, ok := s.Snapshot(sub.ID)
	if !ok || got.Status != domain.SubscriptionIncomplete {
		t.Fatalf("expected subscription Incomplete after a failed Finish, got %+v ok=%v", got, ok)
	}
}
