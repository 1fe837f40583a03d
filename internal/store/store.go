// Package store is the durable state for subscriptions and orders.
// Every multi-row mutation is a single batched transaction so partial
// writes can never be observed; ClaimDueOrders, GetDueRetries, and
// ClaimRetryOrder are each one UPDATE ... RETURNING so two concurrent
// claimers can never obtain the same order.
package store

import (
	"context"
	"time"

	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// CreateResult is CreateSubscriptionWithOrder's return shape.
type CreateResult struct {
	Created     bool
	OrderID     int64
	OrderNumber int64
}

// ActivationResult is ExecuteSubscriptionActivation's return shape.
type ActivationResult struct {
	NextOrderID int64
}

// Store is the contract the payment processor, activation orchestrator,
// and scheduler depend on. The Postgres implementation lives in
// store_postgres.go; MemStore in fake.go is an in-memory double used by
// every other package's tests.
type Store interface {
	CreateSubscriptionWithOrder(ctx context.Context, sub domain.Subscription, order domain.Order) (CreateResult, error)
	SubscriptionExists(ctx context.Context, id string) (bool, error)
	GetOrderDetails(ctx context.Context, orderID int64) (domain.OrderDetails, error)
	ExecuteSubscriptionActivation(ctx context.Context, subscriptionID string, orderID int64, txHash string, nextDueAt time.Time, nextAmount decimal.Decimal, periodSeconds int64) (ActivationResult, error)
	MarkSubscriptionIncomplete(ctx context.Context, subscriptionID string, orderID int64, reason string) error
	UpdateOrder(ctx context.Context, orderID int64, status domain.OrderStatus, failureReason, rawError, txHash string) (int64, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, status domain.SubscriptionStatus) error
	ScheduleRetry(ctx context.Context, orderID int64, subscriptionID string, nextRetryAt time.Time, reason string) error
	ExhaustRetries(ctx context.Context, orderID int64, subscriptionID string, attempts int, failureReason, rawError string) error
	ClaimRetryOrder(ctx context.Context, orderID int64) (bool, error)
	ReactivateSubscription(ctx context.Context, orderID int64, subscriptionID string) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
	CancelPendingOrders(ctx context.Context, subscriptionID string) ([]int64, error)
	ClaimDueOrders(ctx context.Context, limit int) ([]domain.DueOrder, error)
	GetDueRetries(ctx context.Context, limit int) ([]domain.DueOrder, error)
	CreateNextRecurringOrder(ctx context.Context, subscriptionID string, dueAt time.Time, amount decimal.Decimal, periodSeconds int64) (domain.Order, error)
	GetWebhookEndpoint(ctx context.Context, accountID string) (domain.WebhookEndpoint, error)
	PutWebhookEndpoint(ctx context.Context, endpoint domain.WebhookEndpoint) error
	HasSuccessfulTransaction(ctx context.Context, subscriptionID string, orderID int64) (string, bool, error)
	ListStaleProcessingOrders(ctx context.Context, olderThan time.Time) ([]domain.Order, error)
}
