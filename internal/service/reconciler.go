package service

import (
	"context"
	"fmt"
	"time"

	"courier-service/internal/models"
	"courier-service/internal/store"
	"courier-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reconciler is the only writer of order payment aggregates. Every
// payment outcome, regardless of trigger source (webhook, manual verify,
// cash confirmation, poll worker), flows through ApplyPaymentEvent, so
// reconciliation logic exists exactly once.
type Reconciler struct {
	store          Store
	ledger         *Ledger
	bus            EventSink
	mirror         EventMirror
	cache          StatusCache
	gateways       GatewayResolver
	tolerance      decimal.Decimal
	gatewayTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// NewReconciler creates a reconciliation engine. tolerance is the slack
// allowed before a completed payment is rejected for exceeding the order
// price.
func NewReconciler(
	st Store,
	ledger *Ledger,
	sink EventSink,
	mirror EventMirror,
	cache StatusCache,
	gateways GatewayResolver,
	tolerance decimal.Decimal,
	gatewayTimeout time.Duration,
) *Reconciler {
	return &Reconciler{
		store:          st,
		ledger:         ledger,
		bus:            sink,
		mirror:         mirror,
		cache:          cache,
		gateways:       gateways,
		tolerance:      tolerance,
		gatewayTimeout: gatewayTimeout,
		now:            time.Now,
		logger:         util.GetLogger(),
	}
}

// InitiatePayment starts a gateway transaction for an order and records
// it PENDING in the ledger. The gateway call happens before the order
// lock is taken so a slow gateway never holds up reconciliation.
func (r *Reconciler) InitiatePayment(ctx context.Context, orderID, userID, kind, gatewayName string, amount decimal.Decimal) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.InitiatePayment")
	defer span.End()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive")
	}

	gw, err := r.gateways.Gateway(gatewayName)
	if err != nil {
		return nil, err
	}

	order, err := r.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
	defer cancel()

	start := time.Now()
	externalRef, err := gw.Initialize(gctx, order, amount)
	util.GatewayVerifyLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("gateway initialization failed: %w", err)
	}

	var payment *models.Payment
	err = r.store.WithOrderTx(ctx, orderID, func(tx store.OrderTx) error {
		payment, _, err = r.ledger.RecordPaymentEvent(tx, PaymentEvent{
			OrderID:     orderID,
			ExternalRef: externalRef,
			Gateway:     gatewayName,
			Amount:      amount,
			Status:      models.PaymentStatusPending,
			UserID:      userID,
			Kind:        kind,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Payment initiated",
		zap.String("order_id", orderID),
		zap.String("payment_id", payment.ID),
		zap.String("gateway", gatewayName),
		zap.String("external_ref", externalRef))

	return payment, nil
}

// ApplyPaymentEvent reconciles a payment outcome against the order under
// the per-order exclusive section. Duplicate deliveries of a terminal
// event are no-ops returning the unchanged order. The aggregate is always
// recomputed from the ledger rather than incremented in place, so
// re-applying the same completed event is safe and the aggregate
// self-heals after partial failures.
func (r *Reconciler) ApplyPaymentEvent(ctx context.Context, ev PaymentEvent, outcome Outcome) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.ApplyPaymentEvent")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.Observe(time.Since(start).Seconds())
	}()

	if outcome == OutcomePending {
		return nil, fmt.Errorf("cannot apply a pending outcome")
	}

	kind := ev.Kind
	if kind == "" {
		kind = models.PaymentKindClient
	}

	var (
		updated *models.Order
		applied bool
	)
	err := r.store.WithOrderTx(ctx, ev.OrderID, func(tx store.OrderTx) error {
		order := tx.Order()

		existing, err := tx.FindPaymentByRef(ev.Gateway, ev.ExternalRef)
		if err != nil {
			return fmt.Errorf("failed to look up payment by reference: %w", err)
		}
		if existing != nil && existing.Terminal() {
			util.DuplicatePaymentEventsTotal.Inc()
			r.logger.Info("Duplicate payment event ignored",
				zap.String("order_id", ev.OrderID),
				zap.String("gateway", ev.Gateway),
				zap.String("external_ref", ev.ExternalRef))
			updated = order
			return nil
		}

		// Amount guard: a completed client payment may not push the
		// captured total past the order price beyond the tolerance.
		// When a PENDING record already exists the ledger credits the
		// record's stored amount, not whatever the event claims, so the
		// guard checks the stored amount too. Webhook callers cannot
		// understate their way past the double-charge check.
		creditAmount := ev.Amount
		creditKind := kind
		if existing != nil {
			creditAmount = existing.Amount
			creditKind = existing.Kind
		}
		if outcome == OutcomeCompleted && creditKind == models.PaymentKindClient {
			captured, err := tx.SumCapturedClientPayments()
			if err != nil {
				return fmt.Errorf("failed to sum captured payments: %w", err)
			}
			if captured.Add(creditAmount).GreaterThan(order.Price.Add(r.tolerance)) {
				util.AmountMismatchTotal.Inc()
				r.logger.Warn("Payment amount exceeds order price, rejecting",
					zap.String("order_id", ev.OrderID),
					zap.String("external_ref", ev.ExternalRef),
					zap.String("amount", creditAmount.String()),
					zap.String("already_captured", captured.String()),
					zap.String("price", order.Price.String()))
				return models.ErrAmountMismatch
			}
		}

		ev.Status = outcome.Status()
		ev.Kind = kind
		if _, _, err := r.ledger.RecordPaymentEvent(tx, ev); err != nil {
			return err
		}

		if err := r.recompute(tx, order); err != nil {
			return err
		}

		updated = order
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.PaymentEventsTotal.WithLabelValues(ev.Gateway, string(outcome)).Inc()

	if applied {
		r.logger.Info("Payment event reconciled",
			zap.String("order_id", updated.ID),
			zap.String("outcome", string(outcome)),
			zap.String("payment_state", updated.PaymentStatus),
			zap.String("total_paid", updated.TotalPaid.String()))
		r.publishStatus(ctx, updated)
	}

	return updated, nil
}

// VerifyPayment re-checks a payment's outcome with its gateway and, if
// the gateway has reached a verdict, applies it. Safe to call repeatedly;
// terminal payments are returned without a gateway round-trip.
func (r *Reconciler) VerifyPayment(ctx context.Context, paymentID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.VerifyPayment")
	defer span.End()

	payment, err := r.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Terminal() {
		return r.store.GetOrderByID(ctx, payment.OrderID)
	}

	gw, err := r.gateways.Gateway(payment.Gateway)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := gw.Verify(gctx, payment.ExternalRef)
	util.GatewayVerifyLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("gateway verification failed: %w", err)
	}
	if outcome == OutcomePending {
		return r.store.GetOrderByID(ctx, payment.OrderID)
	}

	return r.ApplyPaymentEvent(ctx, PaymentEvent{
		OrderID:     payment.OrderID,
		ExternalRef: payment.ExternalRef,
		Gateway:     payment.Gateway,
		Amount:      payment.Amount,
		UserID:      payment.UserID,
		Kind:        payment.Kind,
	}, outcome)
}

// RequestRefund records a PENDING refund against a specific payment.
func (r *Reconciler) RequestRefund(ctx context.Context, paymentID string, amount decimal.Decimal, reason string) (*models.Refund, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.RequestRefund")
	defer span.End()

	payment, err := r.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	var refund *models.Refund
	err = r.store.WithOrderTx(ctx, payment.OrderID, func(tx store.OrderTx) error {
		refund, err = r.ledger.RecordRefund(tx, paymentID, amount, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	util.RefundsTotal.WithLabelValues(refund.Status).Inc()
	return refund, nil
}

// ProcessRefund pushes a PENDING refund through its gateway and finalizes
// it, recomputing the order aggregate. Terminal refunds are returned
// unchanged.
func (r *Reconciler) ProcessRefund(ctx context.Context, refundID string) (*models.Refund, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.ProcessRefund")
	defer span.End()

	refund, err := r.store.GetRefundByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Status != models.PaymentStatusPending {
		return refund, nil
	}

	payment, err := r.store.GetPaymentByID(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}

	outcome := OutcomeCompleted
	if payment.Gateway != models.GatewayCash {
		gw, err := r.gateways.Gateway(payment.Gateway)
		if err != nil {
			return nil, err
		}
		gctx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
		defer cancel()
		outcome, err = gw.Refund(gctx, payment.ExternalRef, refund.Amount)
		if err != nil {
			return nil, fmt.Errorf("gateway refund failed: %w", err)
		}
	}

	var (
		updated *models.Order
		applied bool
	)
	err = r.store.WithOrderTx(ctx, refund.OrderID, func(tx store.OrderTx) error {
		refund, applied, err = r.ledger.FinalizeRefund(tx, refundID, outcome.Status(), r.now())
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		order := tx.Order()
		if err := r.recompute(tx, order); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		util.RefundsTotal.WithLabelValues(refund.Status).Inc()
		r.logger.Info("Refund processed",
			zap.String("refund_id", refund.ID),
			zap.String("order_id", refund.OrderID),
			zap.String("status", refund.Status))
		if updated != nil {
			r.publishStatus(ctx, updated)
		}
	}

	return refund, nil
}

// recompute rebuilds the order's payment aggregate from the ledger:
// total paid is the sum of captured client payments, total refunded the
// sum of completed refunds, and the payment state derives from those and
// the price. Driver payouts never participate in the client-facing
// aggregate.
func (r *Reconciler) recompute(tx store.OrderTx, order *models.Order) error {
	paid, err := tx.SumCapturedClientPayments()
	if err != nil {
		return fmt.Errorf("failed to sum captured payments: %w", err)
	}
	refunded, err := tx.SumCompletedRefunds()
	if err != nil {
		return fmt.Errorf("failed to sum completed refunds: %w", err)
	}

	order.TotalPaid = paid
	order.TotalRefunded = refunded
	order.PaymentStatus = models.DerivePaymentState(paid, refunded, order.Price)

	return tx.UpdateOrder(order)
}

// publishStatus fans the order's new state out to tracking subscribers
// and mirrors it to the broker. Best-effort on the mirror and cache:
// durable state has already committed.
func (r *Reconciler) publishStatus(ctx context.Context, order *models.Order) {
	event := models.Event{
		EventID:        uuid.New().String(),
		Type:           models.EventTypeOrderStatusChanged,
		OrderID:        order.ID,
		LifecycleState: order.Status,
		PaymentState:   order.PaymentStatus,
		Timestamp:      r.now(),
	}
	if order.DriverID != nil {
		event.DriverID = *order.DriverID
	}

	r.bus.Publish(models.OrderTopic(order.ID), event)

	if r.cache != nil {
		if err := r.cache.SetOrderStatus(ctx, order.ID, order.Status); err != nil {
			r.logger.Warn("Failed to cache order status", zap.Error(err))
		}
	}
	if r.mirror != nil {
		if err := r.mirror.Mirror(ctx, event); err != nil {
			r.logger.Error("Failed to mirror order event", zap.Error(err))
		}
	}
}
