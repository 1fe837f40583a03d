package store

import (
	"context"
	"sync"
	"time"

	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/crosslogic/billing-engine/internal/pkgerrors"
	"github.com/shopspring/decimal"
)

// MemStore is an in-memory Store used by every other package's tests —
// the same in-process-fake-over-a-mutex idiom the reference retry engine
// uses for its store, generalized to cover the full Store contract. It is
// not a mock of the SQL surface (store_postgres.go has no tests of its
// own); it is a second real implementation good enough to drive the
// processor, activation and api packages' tests without a live Postgres.
type MemStore struct {
	mu            sync.Mutex
	subscriptions map[string]*domain.Subscription
	orders        map[int64]*domain.Order
	webhooks      map[string]domain.WebhookEndpoint
	nextOrderID   int64
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		subscriptions: make(map[string]*domain.Subscription),
		orders:        make(map[int64]*domain.Order),
		webhooks:      make(map[string]domain.WebhookEndpoint),
	}
}

func (m *MemStore) maxOrderNumber(subscriptionID string) int64 {
	var max int64
	for _, o := range m.orders {
		if o.SubscriptionID == subscriptionID && o.OrderNumber > max {
			max = o.OrderNumber
		}
	}
	return max
}

func (m *MemStore) CreateSubscriptionWithOrder(ctx context.Context, sub domain.Subscription, order domain.Order) (CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subscriptions[sub.ID]; exists {
		return CreateResult{Created: false}, nil
	}

	now := time.Now().UTC()
	sub.Status = domain.SubscriptionProcessing
	sub.CreatedAt, sub.ModifiedAt = now, now
	m.subscriptions[sub.ID] = &sub

	m.nextOrderID++
	order.ID = m.nextOrderID
	order.OrderNumber = m.maxOrderNumber(sub.ID) + 1
	order.Type = domain.OrderInitial
	order.Status = domain.OrderProcessing
	order.CreatedAt = now
	m.orders[order.ID] = &order

	return CreateResult{Created: true, OrderID: order.ID, OrderNumber: order.OrderNumber}, nil
}

func (m *MemStore) SubscriptionExists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.subscriptions[id]
	return exists, nil
}

func (m *MemStore) GetOrderDetails(ctx context.Context, orderID int64) (domain.OrderDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.OrderDetails{}, pkgerrors.ErrNotFound
	}
	sub, ok := m.subscriptions[o.SubscriptionID]
	if !ok {
		return domain.OrderDetails{}, pkgerrors.ErrNotFound
	}
	cp := *o
	return domain.OrderDetails{
		Order:              cp,
		SubscriptionStatus: sub.Status,
		AccountID:          sub.AccountID,
		Beneficiary:        sub.Beneficiary,
		Provider:           sub.Provider,
		Testnet:            sub.Testnet,
	}, nil
}

func (m *MemStore) ExecuteSubscriptionActivation(ctx context.Context, subscriptionID string, orderID int64, txHash string, nextDueAt time.Time, nextAmount decimal.Decimal, periodSeconds int64) (ActivationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ActivationResult{}, pkgerrors.ErrNotFound
	}
	o.Status = domain.OrderPaid
	o.TransactionHash = txHash

	m.nextOrderID++
	next := &domain.Order{
		ID:                  m.nextOrderID,
		SubscriptionID:      subscriptionID,
		OrderNumber:         m.maxOrderNumber(subscriptionID) + 1,
		Type:                domain.OrderRecurring,
		DueAt:               nextDueAt,
		Amount:              nextAmount,
		PeriodLengthSeconds: periodSeconds,
		Status:              domain.OrderPending,
		CreatedAt:           time.Now().UTC(),
	}
	m.orders[next.ID] = next

	if sub, ok := m.subscriptions[subscriptionID]; ok {
		sub.Status = domain.SubscriptionActive
		sub.ModifiedAt = time.Now().UTC()
	}

	return ActivationResult{NextOrderID: next.ID}, nil
}

func (m *MemStore) MarkSubscriptionIncomplete(ctx context.Context, subscriptionID string, orderID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscriptions[subscriptionID]; ok {
		sub.Status = domain.SubscriptionIncomplete
		sub.ModifiedAt = time.Now().UTC()
	}
	if o, ok := m.orders[orderID]; ok {
		o.Status = domain.OrderFailed
		o.FailureReason = reason
	}
	return nil
}

func (m *MemStore) UpdateOrder(ctx context.Context, orderID int64, status domain.OrderStatus, failureReason, rawError, txHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return 0, pkgerrors.ErrNotFound
	}
	o.Status = status
	o.FailureReason = failureReason
	o.RawError = rawError
	if txHash != "" {
		o.TransactionHash = txHash
	}
	return o.OrderNumber, nil
}

func (m *MemStore) UpdateSubscription(ctx context.Context, subscriptionID string, status domain.SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	sub.Status = status
	sub.ModifiedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) ScheduleRetry(ctx context.Context, orderID int64, subscriptionID string, nextRetryAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	o.Attempts++
	retryAt := nextRetryAt
	o.NextRetryAt = &retryAt
	o.Status = domain.OrderFailed
	o.FailureReason = reason
	if sub, ok := m.subscriptions[subscriptionID]; ok {
		sub.Status = domain.SubscriptionPastDue
		sub.ModifiedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemStore) ExhaustRetries(ctx context.Context, orderID int64, subscriptionID string, attempts int, failureReason, rawError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	o.Attempts = attempts
	o.Status = domain.OrderFailed
	o.FailureReason = failureReason
	o.RawError = rawError
	o.NextRetryAt = nil
	if sub, ok := m.subscriptions[subscriptionID]; ok {
		sub.Status = domain.SubscriptionUnpaid
		sub.ModifiedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemStore) ClaimRetryOrder(ctx context.Context, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != domain.OrderFailed || o.NextRetryAt == nil || o.NextRetryAt.After(time.Now()) {
		return false, nil
	}
	sub, ok := m.subscriptions[o.SubscriptionID]
	if !ok || sub.Status != domain.SubscriptionPastDue {
		return false, nil
	}
	o.Status = domain.OrderProcessing
	return true, nil
}

func (m *MemStore) ReactivateSubscription(ctx context.Context, orderID int64, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.NextRetryAt = nil
	}
	if sub, ok := m.subscriptions[subscriptionID]; ok {
		sub.Status = domain.SubscriptionActive
		sub.ModifiedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemStore) CancelSubscription(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	sub.Status = domain.SubscriptionCanceled
	sub.ModifiedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) CancelPendingOrders(ctx context.Context, subscriptionID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, o := range m.orders {
		if o.SubscriptionID == subscriptionID && o.Status == domain.OrderPending {
			o.Status = domain.OrderFailed
			o.FailureReason = "canceled"
			ids = append(ids, o.ID)
		}
	}
	return ids, nil
}

func (m *MemStore) ClaimDueOrders(ctx context.Context, limit int) ([]domain.DueOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []domain.DueOrder
	for _, o := range m.orders {
		if len(out) >= limit {
			break
		}
		sub, ok := m.subscriptions[o.SubscriptionID]
		if !ok || sub.Status != domain.SubscriptionActive {
			continue
		}
		if o.Status == domain.OrderPending && !o.DueAt.After(now) {
			o.Status = domain.OrderProcessing
			out = append(out, domain.DueOrder{
				OrderID: o.ID, SubscriptionID: o.SubscriptionID, Provider: sub.Provider,
				Amount: o.Amount, Attempts: o.Attempts, Testnet: sub.Testnet,
			})
		}
	}
	return out, nil
}

func (m *MemStore) GetDueRetries(ctx context.Context, limit int) ([]domain.DueOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []domain.DueOrder
	for _, o := range m.orders {
		if len(out) >= limit {
			break
		}
		sub, ok := m.subscriptions[o.SubscriptionID]
		if !ok || sub.Status != domain.SubscriptionPastDue {
			continue
		}
		if o.Status == domain.OrderFailed && o.NextRetryAt != nil && !o.NextRetryAt.After(now) {
			o.Status = domain.OrderProcessing
			out = append(out, domain.DueOrder{
				OrderID: o.ID, SubscriptionID: o.SubscriptionID, Provider: sub.Provider,
				Amount: o.Amount, Attempts: o.Attempts, Testnet: sub.Testnet,
			})
		}
	}
	return out, nil
}

func (m *MemStore) CreateNextRecurringOrder(ctx context.Context, subscriptionID string, dueAt time.Time, amount decimal.Decimal, periodSeconds int64) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrderID++
	o := domain.Order{
		ID: m.nextOrderID, SubscriptionID: subscriptionID, OrderNumber: m.maxOrderNumber(subscriptionID) + 1,
		Type: domain.OrderRecurring, DueAt: dueAt, Amount: amount, PeriodLengthSeconds: periodSeconds,
		Status: domain.OrderPending, CreatedAt: time.Now().UTC(),
	}
	m.orders[o.ID] = &o
	return o, nil
}

func (m *MemStore) GetWebhookEndpoint(ctx context.Context, accountID string) (domain.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.webhooks[accountID]
	if !ok {
		return domain.WebhookEndpoint{}, pkgerrors.ErrNotFound
	}
	return e, nil
}

func (m *MemStore) PutWebhookEndpoint(ctx context.Context, endpoint domain.WebhookEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[endpoint.AccountID] = endpoint
	return nil
}

func (m *MemStore) HasSuccessfulTransaction(ctx context.Context, subscriptionID string, orderID int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.SubscriptionID != subscriptionID || o.Status != domain.OrderPaid || o.TransactionHash == "" {
		return "", false, nil
	}
	return o.TransactionHash, true, nil
}

func (m *MemStore) ListStaleProcessingOrders(ctx context.Context, olderThan time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.Status == domain.OrderProcessing && !o.DueAt.After(olderThan) {
			out = append(out, *o)
		}
	}
	return out, nil
}

// Snapshot returns a defensive copy of a subscription, for test assertions.
func (m *MemStore) Snapshot(subscriptionID string) (domain.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return domain.Subscription{}, false
	}
	return *sub, true
}

// OrderSnapshot returns a defensive copy of an order, for test assertions.
func (m *MemStore) OrderSnapshot(orderID int64) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OrdersFor returns every order for a subscription, for gap-free order
// number checks.
func (m *MemStore) OrdersFor(subscriptionID string) []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.SubscriptionID == subscriptionID {
			out = append(out, *o)
		}
	}
	return out
}
