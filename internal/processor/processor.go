// Package processor is the payment processor: the charge-queue
// consumer that claims an order, calls the provider, classifies the
// outcome, updates the store, triggers webhook emission, and either
// schedules the next recurring order or a dunning retry. It is the
// central orchestration point tying together the provider, store,
// scheduler, dunning coordinator, webhook emitter, and classifier,
// grounded in the reference repo's queue-consumer loop shape
// generalized from GPU job dispatch to payment processing.
package processor

import (
	"context"
	"time"

	"github.com/crosslogic/billing-engine/internal/classifier"
	"github.com/crosslogic/billing-engine/internal/domain"
	"github.com/crosslogic/billing-engine/internal/dunning"
	"github.com/crosslogic/billing-engine/internal/pkgerrors"
	"github.com/crosslogic/billing-engine/internal/provider"
	"github.com/crosslogic/billing-engine/internal/queue"
	"github.com/crosslogic/billing-engine/internal/scheduler"
	"github.com/crosslogic/billing-engine/internal/store"
	"github.com/crosslogic/billing-engine/internal/webhook"
	"github.com/crosslogic/billing-engine/pkg/metrics"
	"go.uber.org/zap"
)

// chargeTimeout bounds a single provider.Charge call.
const chargeTimeout = 30 * time.Second

// Processor consumes ChargeMessages and runs the per-message algorithm
// charge algorithm. Workers is the number of concurrent consumer goroutines; the
// store's atomic claim operations and the scheduler's processed flag
// are what make concurrent workers safe to run against the same queue,
// not any in-memory lock here (no lock may be held across a
// suspension point).
type Processor struct {
	queue     queue.Queue
	store     store.Store
	provider  provider.Provider
	scheduler *scheduler.Scheduler
	dunning   *dunning.Coordinator
	emitter   *webhook.Emitter
	logger    *zap.Logger
	workers   int
}

// Config bundles a Processor's collaborators.
type Config struct {
	Queue     queue.Queue
	Store     store.Store
	Provider  provider.Provider
	Scheduler *scheduler.Scheduler
	Dunning   *dunning.Coordinator
	Emitter   *webhook.Emitter
	Logger    *zap.Logger
	Workers   int
}

// New builds a Processor from cfg.
func New(cfg Config) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		queue:     cfg.Queue,
		store:     cfg.Store,
		provider:  cfg.Provider,
		scheduler: cfg.Scheduler,
		dunning:   cfg.Dunning,
		emitter:   cfg.Emitter,
		logger:    cfg.Logger,
		workers:   workers,
	}
}

// Run starts the configured worker pool and blocks until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	done := make(chan struct{}, p.workers)
	for i := 0; i < p.workers; i++ {
		go func() {
			p.loop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.workers; i++ {
		<-done
	}
}

func (p *Processor) loop(ctx context.Context) {
	for {
		msg, ok := p.queue.Consume(ctx)
		if !ok {
			return
		}
		charge, ok := msg.Payload.(scheduler.ChargeMessage)
		if !ok {
			p.logger.Error("charge queue message has unexpected payload type")
			continue
		}
		if err := p.handle(ctx, charge); err != nil {
			p.logger.Warn("charge handling failed, message will be redelivered",
				zap.Int64("order_id", charge.OrderID), zap.Error(err))
			p.queue.Nack(ctx, msg, 30*time.Second)
			continue
		}
		p.queue.Ack(ctx, msg)
	}
}

// handle runs the per-message charge algorithm; the ack
// vs nack) is the caller's responsibility so this function can return a
// plain error for any unexpected failure.
func (p *Processor) handle(ctx context.Context, charge scheduler.ChargeMessage) error {
	details, err := p.store.GetOrderDetails(ctx, charge.OrderID)
	if err != nil {
		if err == pkgerrors.ErrNotFound {
			return nil // step 1: missing order, ack and return
		}
		return err
	}

	order := details.Order
	if charge.IsRetry && order.Status == domain.OrderFailed {
		// ScheduleRetry leaves the order in Failed so GetDueRetries can
		// find it; this timer fire must claim it the same way before
		// charging, or it reads as stale below.
		claimed, err := p.store.ClaimRetryOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil // step 2: retry already resolved (reactivated, canceled, or claimed elsewhere)
		}
		order.Status = domain.OrderProcessing
		details.Order = order
	} else if details.SubscriptionStatus == domain.SubscriptionCanceled || details.SubscriptionStatus == domain.SubscriptionUnpaid ||
		order.Status == domain.OrderPaid || order.Status == domain.OrderFailed {
		return nil // step 2: stale message
	}

	// Idempotency check: a prior attempt may have charged successfully
	// and had its ack lost before redelivery.
	if txHash, found, err := p.store.HasSuccessfulTransaction(ctx, order.SubscriptionID, order.ID); err == nil && found {
		p.logger.Info("order already has a successful transaction, skipping provider call",
			zap.Int64("order_id", order.ID), zap.String("tx_hash", txHash))
		return p.handleSuccess(ctx, details, txHash)
	}

	if order.Status != domain.OrderProcessing {
		if _, err := p.store.UpdateOrder(ctx, order.ID, domain.OrderProcessing, "", "", ""); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, chargeTimeout)
	result, chargeErr := p.provider.Charge(callCtx, order.SubscriptionID, order.Amount, details.Beneficiary)
	cancel()

	if chargeErr == nil && result != nil {
		metrics.ChargesTotal.WithLabelValues("success").Inc()
		return p.handleSuccess(ctx, details, result.TransactionHash)
	}

	return p.handleFailure(ctx, details, chargeErr)
}

// handleSuccess runs the success branch: for Initial
// orders it delegates to ExecuteSubscriptionActivation the same way the
// activation orchestrator does; for Recurring orders it runs the
// recurring-success batch (mark paid, read next period from GetStatus,
// insert the next order, reactivate the subscription).
func (p *Processor) handleSuccess(ctx context.Context, details domain.OrderDetails, txHash string) error {
	order := details.Order

	if order.Type == domain.OrderInitial {
		status, err := p.provider.GetStatus(ctx, order.SubscriptionID)
		if err != nil || !status.HasPeriodFields() {
			p.logger.Error("initial charge succeeded but status lookup failed; order left for reconciliation",
				zap.Int64("order_id", order.ID), zap.Error(err))
			return err
		}
		res, err := p.store.ExecuteSubscriptionActivation(ctx, order.SubscriptionID, order.ID, txHash,
			time.Unix(status.NextPeriodStart, 0).UTC(), status.RecurringCharge, status.PeriodInSeconds)
		if err != nil {
			return err
		}
		p.scheduler.Set(res.NextOrderID, order.SubscriptionID, order.OrderNumber+1, time.Unix(status.NextPeriodStart, 0).UTC())
		p.emitPaid(details, txHash)
		return nil
	}

	if _, err := p.store.UpdateOrder(ctx, order.ID, domain.OrderPaid, "", "", txHash); err != nil {
		return err
	}

	status, err := p.provider.GetStatus(ctx, order.SubscriptionID)
	if err != nil {
		p.logger.Warn("recurring charge paid but status lookup failed; next order left for reconciliation",
			zap.Int64("order_id", order.ID), zap.Error(err))
		return p.reactivate(ctx, details, txHash)
	}

	if status.IsSubscribed && status.NextPeriodStart > 0 {
		next, err := p.store.CreateNextRecurringOrder(ctx, order.SubscriptionID,
			time.Unix(status.NextPeriodStart, 0).UTC(), status.RecurringCharge, status.PeriodInSeconds)
		if err != nil {
			return err
		}
		p.scheduler.Set(next.ID, order.SubscriptionID, next.OrderNumber, next.DueAt)
	}

	return p.reactivate(ctx, details, txHash)
}

func (p *Processor) reactivate(ctx context.Context, details domain.OrderDetails, txHash string) error {
	order := details.Order
	if details.SubscriptionStatus == domain.SubscriptionPastDue {
		if err := p.store.ReactivateSubscription(ctx, order.ID, order.SubscriptionID); err != nil {
			return err
		}
	} else if err := p.store.UpdateSubscription(ctx, order.SubscriptionID, domain.SubscriptionActive); err != nil {
		return err
	}
	p.emitPaid(details, txHash)
	return nil
}

func (p *Processor) emitPaid(details domain.OrderDetails, txHash string) {
	order := details.Order
	start, end := order.CurrentPeriod()
	startU, endU := start.Unix(), end.Unix()
	p.emitter.Emit(context.Background(), details.AccountID, webhook.Event{
		Type:      "subscription.updated",
		CreatedAt: webhook.Now(),
		Data: webhook.EventData{
			Subscription: webhook.SubscriptionView{ID: order.SubscriptionID, Status: string(domain.SubscriptionActive), Amount: order.Amount.String(), PeriodInSeconds: order.PeriodLengthSeconds},
			Order: &webhook.OrderView{
				Number: order.OrderNumber, Type: string(order.Type), Amount: order.Amount.String(),
				Status: string(domain.OrderPaid), CurrentPeriodStart: &startU, CurrentPeriodEnd: &endU,
			},
			Transaction: &webhook.TransactionView{Hash: txHash, Amount: order.Amount.String(), ProcessedAt: webhook.Now().Unix()},
		},
	})
}

// handleFailure runs the classification-action table.
func (p *Processor) handleFailure(ctx context.Context, details domain.OrderDetails, chargeErr error) error {
	order := details.Order
	classified := classifier.Classify(chargeErr)
	metrics.ChargesTotal.WithLabelValues(string(classified.Category)).Inc()

	switch classified.Category {
	case pkgerrors.CategoryTerminal:
		return p.handleTerminal(ctx, details, classified)
	case pkgerrors.CategoryRetryablePayment:
		return p.handleRetryablePayment(ctx, details, classified)
	case pkgerrors.CategoryUpstreamTransient:
		// Leave the order in Processing; the message is nacked by the
		// caller for broker-level redelivery. No webhook, no store write.
		return chargeErr
	default:
		return p.handleOther(ctx, details, classified)
	}
}

func (p *Processor) handleTerminal(ctx context.Context, details domain.OrderDetails, classified *pkgerrors.PaymentError) error {
	order := details.Order
	if _, err := p.store.UpdateOrder(ctx, order.ID, domain.OrderFailed, classified.Code, classified.Message, ""); err != nil {
		return err
	}
	if err := p.store.CancelSubscription(ctx, order.SubscriptionID); err != nil {
		return err
	}
	p.scheduler.Delete(order.ID)
	canceled, err := p.store.CancelPendingOrders(ctx, order.SubscriptionID)
	if err != nil {
		return err
	}
	for _, id := range canceled {
		p.scheduler.Delete(id)
	}
	p.emitFailed(details, classified, domain.SubscriptionCanceled, nil)
	return nil
}

func (p *Processor) handleRetryablePayment(ctx context.Context, details domain.OrderDetails, classified *pkgerrors.PaymentError) error {
	order := details.Order
	attempts := order.Attempts + 1
	nextRetryAt, err := p.dunning.NextRetryAt(attempts, time.Now().UTC())
	if err != nil {
		if uerr := p.store.ExhaustRetries(ctx, order.ID, order.SubscriptionID, attempts, classified.Code, classified.Message); uerr != nil {
			return uerr
		}
		p.scheduler.Delete(order.ID)
		p.emitFailed(details, classified, domain.SubscriptionUnpaid, nil)
		return nil
	}

	if err := p.store.ScheduleRetry(ctx, order.ID, order.SubscriptionID, nextRetryAt, classified.Code); err != nil {
		return err
	}
	p.scheduler.Update(order.ID, order.SubscriptionID, order.OrderNumber, nextRetryAt, attempts)
	metrics.DunningRetriesIssued.Inc()
	nextU := nextRetryAt.Unix()
	p.emitFailed(details, classified, domain.SubscriptionPastDue, &nextU)
	return nil
}

func (p *Processor) handleOther(ctx context.Context, details domain.OrderDetails, classified *pkgerrors.PaymentError) error {
	order := details.Order
	if _, err := p.store.UpdateOrder(ctx, order.ID, domain.OrderFailed, classified.Code, classified.Message, ""); err != nil {
		return err
	}

	status, err := p.provider.GetStatus(ctx, order.SubscriptionID)
	if err == nil && status.IsSubscribed && status.NextPeriodStart > 0 {
		next, cerr := p.store.CreateNextRecurringOrder(ctx, order.SubscriptionID,
			time.Unix(status.NextPeriodStart, 0).UTC(), status.RecurringCharge, status.PeriodInSeconds)
		if cerr == nil {
			p.scheduler.Set(next.ID, order.SubscriptionID, next.OrderNumber, next.DueAt)
		}
	}

	p.emitFailed(details, classified, details.SubscriptionStatus, nil)
	return nil
}

func (p *Processor) emitFailed(details domain.OrderDetails, classified *pkgerrors.PaymentError, subStatus domain.SubscriptionStatus, nextRetryAt *int64) {
	order := details.Order
	p.emitter.Emit(context.Background(), details.AccountID, webhook.Event{
		Type:      "subscription.updated",
		CreatedAt: webhook.Now(),
		Data: webhook.EventData{
			Subscription: webhook.SubscriptionView{ID: order.SubscriptionID, Status: string(subStatus), Amount: order.Amount.String(), PeriodInSeconds: order.PeriodLengthSeconds},
			Order: &webhook.OrderView{
				Number: order.OrderNumber, Type: string(order.Type), Amount: order.Amount.String(),
				Status: string(domain.OrderFailed), NextRetryAt: nextRetryAt,
			},
			Error: &webhook.ErrorView{Code: classified.Code, Message: classified.Sanitized()},
		},
	})
}
