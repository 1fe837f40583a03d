package store

import (
	"context"
	"testing"
	"time"

	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/shopspring/decimal"
)

func TestCreateSubscriptionWithOrder_DuplicateReturnsCreatedFalse(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	sub := domain.Subscription{ID: "0xAAAA", AccountID: "acct1", Beneficiary: "0xBEEF", Provider: "north"}
	order := domain.Order{DueAt: time.Now(), Amount: decimal.NewFromFloat(0.5), PeriodLengthSeconds: 60}

	res, err := s.CreateSubscriptionWithOrder(ctx, sub, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created || res.OrderNumber != 1 {
		t.Fatalf("expected created with order #1, got %+v", res)
	}

	res2, err := s.CreateSubscriptionWithOrder(ctx, sub, order)
	if err != nil {
		t.Fatalf("unexpected error on duplicate: %v", err)
	}
	if res2.Created {
		t.Error("expected created:false on duplicate subscription id")
	}

	orders := s.OrdersFor(sub.ID)
	if len(orders) != 1 {
		t.Errorf("store must be unchanged by the duplicate call, got %d orders", len(orders))
	}
}

func TestOrderNumbers_GapFree(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	sub := domain.Subscription{ID: "0xBBBB", AccountID: "acct1", Beneficiary: "0xBEEF", Provider: "north"}
	order := domain.Order{DueAt: time.Now(), Amount: decimal.NewFromFloat(1), PeriodLengthSeconds: 60}

	created, err := s.CreateSubscriptionWithOrder(ctx, sub, order)
	if err != nil || !created.Created {
		t.Fatalf("setup failed: %+v, %v", created, err)
	}

	if _, err := s.ExecuteSubscriptionActivation(ctx, sub.ID, created.OrderID, "0xTX1", time.Now().Add(time.Minute), decimal.NewFromFloat(1), 60); err != nil {
		t.Fatalf("activation failed: %v", err)
	}
	if _, err := s.CreateNextRecurringOrder(ctx, sub.ID, time.Now().Add(2*time.Minute), decimal.NewFromFloat(1), 60); err != nil {
		t.Fatalf("create next recurring failed: %v", err)
	}

	orders := s.OrdersFor(sub.ID)
	seen := make(map[int64]bool)
	for _, o := range orders {
		seen[o.OrderNumber] = true
	}
	for i := int64(1); i <= int64(len(orders)); i++ {
		if !seen[i] {
			t.Errorf("missing order number %d among %d orders", i, len(orders))
		}
	}
}

func TestClaimDueOrders_OnlyActiveSubscriptionsPendingDue(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	sub := domain.Subscription{ID: "0xCCCC", AccountID: "acct1", Beneficiary: "0xBEEF", Provider: "north"}
	s.CreateSubscriptionWithOrder(ctx, sub, domain.Order{DueAt: time.Now(), Amount: decimal.NewFromFloat(1), PeriodLengthSeconds: 60})
	s.UpdateSubscription(ctx, sub.ID, domain.SubscriptionActive)
	due, err := s.CreateNextRecurringOrder(ctx, sub.ID, time.Now().Add(-time.Minute), decimal.NewFromFloat(1), 60)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	claimed, err := s.ClaimDueOrders(ctx, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].OrderID != due.ID {
		t.Fatalf("expected to claim the due order, got %+v", claimed)
	}

	// Second claim must not re-claim the same order (now Processing).
	claimed2, err := s.ClaimDueOrders(ctx, 10)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(claimed2) != 0 {
		t.Errorf("expected no re-claim of an already-Processing order, got %+v", claimed2)
	}
}

func TestUniqueViolationHelper_NonPgError(t *testing.T) {
	if isUniqueViolation(context.DeadlineExceeded) {
		t.Error("non-pg error should never be classified as a unique violation")
	}
}
