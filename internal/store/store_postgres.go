package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/crosslogic/billing-engine/internal/pkgerrors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the durable Store implementation over pgxpool, grounded
// in the reference control-plane's pkg/database connection-pool wiring.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// CreateSubscriptionWithOrder inserts Subscription (status=Processing)
// and its first Order (type=Initial, status=Processing) atomically. The
// order number is computed inside the insert so numbering stays gap-free
// even under concurrent inserts for distinct subscriptions; initial and
// recurring orders for the SAME subscription never race.
func (s *PostgresStore) CreateSubscriptionWithOrder(ctx context.Context, sub domain.Subscription, order domain.Order) (CreateResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (subscription_id, account_id, beneficiary_address, provider, testnet, status, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		sub.ID, sub.AccountID, sub.Beneficiary, sub.Provider, sub.Testnet, domain.SubscriptionProcessing, now)
	if err != nil {
		if isUniqueViolation(err) {
			return CreateResult{Created: false}, nil
		}
		return CreateResult{}, fmt.Errorf("insert subscription: %w", err)
	}

	var orderID, orderNumber int64
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (subscription_id, order_number, type, due_at, amount, period_length_in_seconds, status, attempts, created_at)
		VALUES ($1, COALESCE((SELECT MAX(order_number) FROM orders WHERE subscription_id = $1), 0) + 1, $2, $3, $4, $5, $6, 0, $7)
		RETURNING id, order_number`,
		sub.ID, domain.OrderInitial, order.DueAt, order.Amount, order.PeriodLengthSeconds, domain.OrderProcessing, now,
	).Scan(&orderID, &orderNumber)
	if err != nil {
		return CreateResult{}, fmt.Errorf("insert initial order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, fmt.Errorf("commit tx: %w", err)
	}

	return CreateResult{Created: true, OrderID: orderID, OrderNumber: orderNumber}, nil
}

// SubscriptionExists implements Store.
func (s *PostgresStore) SubscriptionExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE subscription_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check subscription exists: %w", err)
	}
	return exists, nil
}

// GetOrderDetails joins order and subscription, used by the processor.
func (s *PostgresStore) GetOrderDetails(ctx context.Context, orderID int64) (domain.OrderDetails, error) {
	var d domain.OrderDetails
	var nextRetryAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT o.id, o.subscription_id, o.order_number, o.type, o.due_at, o.amount, o.period_length_in_seconds,
		       o.status, o.attempts, o.next_retry_at, o.failure_reason, o.raw_error, o.transaction_hash, o.created_at,
		       s.status, s.account_id, s.beneficiary_address, s.provider, s.testnet
		FROM orders o JOIN subscriptions s ON s.subscription_id = o.subscription_id
		WHERE o.id = $1`, orderID,
	).Scan(
		&d.Order.ID, &d.Order.SubscriptionID, &d.Order.OrderNumber, &d.Order.Type, &d.Order.DueAt, &d.Order.Amount,
		&d.Order.PeriodLengthSeconds, &d.Order.Status, &d.Order.Attempts, &nextRetryAt, &d.Order.FailureReason,
		&d.Order.RawError, &d.Order.TransactionHash, &d.Order.CreatedAt,
		&d.SubscriptionStatus, &d.AccountID, &d.Beneficiary, &d.Provider, &d.Testnet,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderDetails{}, pkgerrors.ErrNotFound
		}
		return domain.OrderDetails{}, fmt.Errorf("get order details: %w", err)
	}
	d.Order.NextRetryAt = nextRetryAt
	return d, nil
}

// ExecuteSubscriptionActivation marks the order Paid + records the tx,
// creates the next Recurring order, and marks the subscription Active —
// one batch.
func (s *PostgresStore) ExecuteSubscriptionActivation(ctx context.Context, subscriptionID string, orderID int64, txHash string, nextDueAt time.Time, nextAmount decimal.Decimal, periodSeconds int64) (ActivationResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, transaction_hash = $2 WHERE id = $3`,
		domain.OrderPaid, txHash, orderID); err != nil {
		return ActivationResult{}, fmt.Errorf("mark order paid: %w", err)
	}

	var nextOrderID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (subscription_id, order_number, type, due_at, amount, period_length_in_seconds, status, attempts, created_at)
		VALUES ($1, COALESCE((SELECT MAX(order_number) FROM orders WHERE subscription_id = $1), 0) + 1, $2, $3, $4, $5, $6, 0, $7)
		RETURNING id`,
		subscriptionID, domain.OrderRecurring, nextDueAt, nextAmount, periodSeconds, domain.OrderPending, now,
	).Scan(&nextOrderID)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("insert next order: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE subscriptions SET status = $1, modified_at = $2 WHERE subscription_id = $3`,
		domain.SubscriptionActive, now, subscriptionID); err != nil {
		return ActivationResult{}, fmt.Errorf("activate subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ActivationResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return ActivationResult{NextOrderID: nextOrderID}, nil
}

// MarkSubscriptionIncomplete implements Store.
func (s *PostgresStore) MarkSubscriptionIncomplete(ctx context.Context, subscriptionID string, orderID int64, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE subscriptions SET status = $1, modified_at = $2 WHERE subscription_id = $3`,
		domain.SubscriptionIncomplete, now, subscriptionID); err != nil {
		return fmt.Errorf("mark subscription incomplete: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET status = $1, failure_reason = $2 WHERE id = $3`,
		domain.OrderFailed, reason, orderID); err != nil {
		return fmt.Errorf("mark order failed: %w", err)
	}
	return tx.Commit(ctx)
}

// UpdateOrder implements Store.
func (s *PostgresStore) UpdateOrder(ctx context.Context, orderID int64, status domain.OrderStatus, failureReason, rawError, txHash string) (int64, error) {
	var orderNumber int64
	err := s.pool.QueryRow(ctx, `
		UPDATE orders SET status = $1, failure_reason = $2, raw_error = $3, transaction_hash = NULLIF($4, '')
		WHERE id = $5 RETURNING order_number`,
		status, failureReason, rawError, txHash, orderID,
	).Scan(&orderNumber)
	if err != nil {
		return 0, fmt.Errorf("update order: %w", err)
	}
	return orderNumber, nil
}

// UpdateSubscription implements Store.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, subscriptionID string, status domain.SubscriptionStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE subscriptions SET status = $1, modified_at = $2 WHERE subscription_id = $3`,
		status, time.Now().UTC(), subscriptionID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// ScheduleRetry increments attempts, sets next-retry-at, order→Failed,
// subscription→PastDue — one batch.
func (s *PostgresStore) ScheduleRetry(ctx context.Context, orderID int64, subscriptionID string, nextRetryAt time.Time, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, attempts = attempts + 1, next_retry_at = $2, failure_reason = $3
		WHERE id = $4`, domain.OrderFailed, nextRetryAt, reason, orderID); err != nil {
		return fmt.Errorf("schedule retry on order: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE subscriptions SET status = $1, modified_at = $2 WHERE subscription_id = $3`,
		domain.SubscriptionPastDue, time.Now().UTC(), subscriptionID); err != nil {
		return fmt.Errorf("mark subscription past due: %w", err)
	}
	return tx.Commit(ctx)
}

// ExhaustRetries records the order's final attempts count and moves
// order→Failed, subscription→Unpaid — one batch, used once the dunning
// schedule is used up.
func (s *PostgresStore) ExhaustRetries(ctx context.Context, orderID int64, subscriptionID string, attempts int, failureReason, rawError string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, attempts = $2, failure_reason = $3, raw_error = $4, next_retry_at = NULL
		WHERE id = $5`, domain.OrderFailed, attempts, failureReason, rawError, orderID); err != nil {
		return fmt.Errorf("exhaust retries on order: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE subscriptions SET status = $1, modified_at = $2 WHERE subscription_id = $3`,
		domain.SubscriptionUnpaid, time.Now().UTC(), subscriptionID); err != nil {
		return fmt.Errorf("mark subscription unpaid: %w", err)
	}
	return tx.Commit(ctx)
}

// ClaimRetryOrder atomically transitions a single due Failed order to
// Processing, for a scheduler-fired dunning retry: ScheduleRetry leaves
// the order in Failed so GetDueRetries can find it, but a timer fire for
// that same order must claim it the same way before charging, or it
// would read as stale. Returns false if the order is no longer a
// claimable due retry (already claimed, reactivated, or canceled).
func (s *PostgresStore) ClaimRetryOrder(ctx context.Context, orderID int64) (bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		UPDATE orders SET status = $1
		WHERE id = $2 AND status = $3 AND next_retry_at IS NOT NULL AND next_retry_at <= now()
		  AND EXISTS (SELECT 1 FROM subscriptions s WHERE s.subscription_id = orders.subscription_id AND s.status = $4)
		RETURNING id`,
		domain.OrderProcessing, orderID, domain.OrderFailed, domain.SubscriptionPastDue,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("claim retry order: %w", err)
	}
	return true, nil
}

// ReactivateSubscription clears next-retry-at, subscription→Active — one batch.
func (s *PostgresStore) ReactivateSubscription(ctx context.Context, orderID int64, subscriptionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE orders SET next_retry_at = NULL WHERE id = $1`, orderID); err != nil {
		return fmt.Errorf("clear next retry: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE subscriptions SET status = $1, modified_at = $2 WHERE subscription_id = $3`,
		domain.SubscriptionActive, time.Now().UTC(), subscriptionID); err != nil {
		return fmt.Errorf("reactivate subscription: %w", err)
	}
	return tx.Commit(ctx)
}

// CancelSubscription implements Store.
func (s *PostgresStore) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE subscriptions SET status = $1, modified_at = $2 WHERE subscription_id = $3`,
		domain.SubscriptionCanceled, time.Now().UTC(), subscriptionID)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

// CancelPendingOrders marks all Pending orders of a subscription Failed
// ("canceled") and returns their ids so the scheduler can drop their timers.
func (s *PostgresStore) CancelPendingOrders(ctx context.Context, subscriptionID string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE orders SET status = $1, failure_reason = 'canceled'
		WHERE subscription_id = $2 AND status = $3
		RETURNING id`, domain.OrderFailed, subscriptionID, domain.OrderPending)
	if err != nil {
		return nil, fmt.Errorf("cancel pending orders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan canceled order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimDueOrders atomically selects and updates up to limit Pending
// orders whose due-at has passed, on Active subscriptions — a single
// UPDATE ... WHERE id IN (SELECT ...) RETURNING so two concurrent
// claimers can never obtain the same order.
func (s *PostgresStore) ClaimDueOrders(ctx context.Context, limit int) ([]domain.DueOrder, error) {
	return s.claim(ctx, `
		UPDATE orders SET status = $1
		WHERE id IN (
			SELECT o.id FROM orders o JOIN subscriptions s ON s.subscription_id = o.subscription_id
			WHERE o.status = $2 AND o.due_at <= now() AND s.status = $3
			ORDER BY o.due_at ASC LIMIT $4
			FOR UPDATE OF o SKIP LOCKED
		)
		RETURNING orders.id, orders.subscription_id, orders.amount, orders.attempts,
		          (SELECT provider FROM subscriptions WHERE subscription_id = orders.subscription_id),
		          (SELECT testnet FROM subscriptions WHERE subscription_id = orders.subscription_id)`,
		domain.OrderProcessing, domain.OrderPending, domain.SubscriptionActive, limit)
}

// GetDueRetries is the same shape as ClaimDueOrders but selects Failed
// orders on PastDue subscriptions whose next-retry-at has passed.
func (s *PostgresStore) GetDueRetries(ctx context.Context, limit int) ([]domain.DueOrder, error) {
	return s.claim(ctx, `
		UPDATE orders SET status = $1
		WHERE id IN (
			SELECT o.id FROM orders o JOIN subscriptions s ON s.subscription_id = o.subscription_id
			WHERE o.status = $2 AND s.status = $3 AND o.next_retry_at IS NOT NULL AND o.next_retry_at <= now()
			ORDER BY o.next_retry_at ASC LIMIT $4
			FOR UPDATE OF o SKIP LOCKED
		)
		RETURNING orders.id, orders.subscription_id, orders.amount, orders.attempts,
		          (SELECT provider FROM subscriptions WHERE subscription_id = orders.subscription_id),
		          (SELECT testnet FROM subscriptions WHERE subscription_id = orders.subscription_id)`,
		domain.OrderProcessing, domain.OrderFailed, domain.SubscriptionPastDue, limit)
}

func (s *PostgresStore) claim(ctx context.Context, sql string, args ...interface{}) ([]domain.DueOrder, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("claim orders: %w", err)
	}
	defer rows.Close()

	var out []domain.DueOrder
	for rows.Next() {
		var d domain.DueOrder
		if err := rows.Scan(&d.OrderID, &d.SubscriptionID, &d.Amount, &d.Attempts, &d.Provider, &d.Testnet); err != nil {
			return nil, fmt.Errorf("scan claimed order: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateNextRecurringOrder inserts the next Pending Recurring order for a
// subscription, used by the processor's recurring-success path once it
// has learned nextPeriodStart/recurringCharge from GetStatus.
func (s *PostgresStore) CreateNextRecurringOrder(ctx context.Context, subscriptionID string, dueAt time.Time, amount decimal.Decimal, periodSeconds int64) (domain.Order, error) {
	var o domain.Order
	o.SubscriptionID = subscriptionID
	o.Type = domain.OrderRecurring
	o.DueAt = dueAt
	o.Amount = amount
	o.PeriodLengthSeconds = periodSeconds
	o.Status = domain.OrderPending
	o.CreatedAt = time.Now().UTC()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO orders (subscription_id, order_number, type, due_at, amount, period_length_in_seconds, status, attempts, created_at)
		VALUES ($1, COALESCE((SELECT MAX(order_number) FROM orders WHERE subscription_id = $1), 0) + 1, $2, $3, $4, $5, $6, 0, $7)
		RETURNING id, order_number`,
		subscriptionID, domain.OrderRecurring, dueAt, amount, periodSeconds, domain.OrderPending, o.CreatedAt,
	).Scan(&o.ID, &o.OrderNumber)
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert next recurring order: %w", err)
	}
	return o, nil
}

// GetWebhookEndpoint implements Store.
func (s *PostgresStore) GetWebhookEndpoint(ctx context.Context, accountID string) (domain.WebhookEndpoint, error) {
	var e domain.WebhookEndpoint
	e.AccountID = accountID
	err := s.pool.QueryRow(ctx, `SELECT url, secret, enabled FROM webhooks WHERE account_id = $1`, accountID).
		Scan(&e.URL, &e.Secret, &e.Enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WebhookEndpoint{}, pkgerrors.ErrNotFound
		}
		return domain.WebhookEndpoint{}, fmt.Errorf("get webhook endpoint: %w", err)
	}
	return e, nil
}

// PutWebhookEndpoint implements Store (upsert, one per account).
func (s *PostgresStore) PutWebhookEndpoint(ctx context.Context, endpoint domain.WebhookEndpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhooks (account_id, url, secret, enabled) VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET url = EXCLUDED.url, secret = EXCLUDED.secret, enabled = EXCLUDED.enabled`,
		endpoint.AccountID, endpoint.URL, endpoint.Secret, endpoint.Enabled)
	if err != nil {
		return fmt.Errorf("put webhook endpoint: %w", err)
	}
	return nil
}

// HasSuccessfulTransaction backs the processor's idempotency check: does
// this order already have a recorded Paid transaction?
func (s *PostgresStore) HasSuccessfulTransaction(ctx context.Context, subscriptionID string, orderID int64) (string, bool, error) {
	var txHash string
	err := s.pool.QueryRow(ctx, `
		SELECT transaction_hash FROM orders
		WHERE id = $1 AND subscription_id = $2 AND status = $3 AND transaction_hash IS NOT NULL AND transaction_hash != ''`,
		orderID, subscriptionID, domain.OrderPaid,
	).Scan(&txHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("check existing transaction: %w", err)
	}
	return txHash, true, nil
}

// ListStaleProcessingOrders finds orders stuck in Processing past a
// staleness window — crash recovery backstop for the reconciliation sweep.
func (s *PostgresStore) ListStaleProcessingOrders(ctx context.Context, olderThan time.Time) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, order_number, type, due_at, amount, period_length_in_seconds, status, attempts, created_at
		FROM orders WHERE status = $1 AND due_at <= $2`, domain.OrderProcessing, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale processing orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.SubscriptionID, &o.OrderNumber, &o.Type, &o.DueAt, &o.Amount,
			&o.PeriodLengthSeconds, &o.Status, &o.Attempts, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stale order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
