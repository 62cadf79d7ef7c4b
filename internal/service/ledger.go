package service

import (
	"fmt"
	"time"

	"courier-service/internal/models"
	"courier-service/internal/store"
	"courier-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the append-only record of payment attempts and refunds per
// order. All mutations run inside a per-order exclusive section supplied
// by the caller; the ledger itself never opens transactions.
type Ledger struct {
	logger *zap.Logger
}

// NewLedger creates a ledger.
func NewLedger() *Ledger {
	return &Ledger{logger: util.GetLogger()}
}

// PaymentEvent is a payment outcome arriving from any trigger source:
// gateway webhook, manual verify, cash confirmation or the poll worker.
type PaymentEvent struct {
	OrderID     string
	ExternalRef string
	Gateway     string
	Amount      decimal.Decimal
	Status      string
	// UserID and Kind are used only when the event creates the record
	// (e.g. a cash payment confirmed without prior initiation). Kind
	// defaults to CLIENT_PAYMENT.
	UserID string
	Kind   string
	// Details carries the raw gateway response for audit.
	Details string
}

// RecordPaymentEvent performs the idempotent upsert keyed by
// (gateway, external_ref). A record that already reached a terminal
// status is returned unchanged with applied=false: duplicate webhook
// delivery is a no-op, never a double credit.
func (l *Ledger) RecordPaymentEvent(tx store.OrderTx, ev PaymentEvent) (*models.Payment, bool, error) {
	existing, err := tx.FindPaymentByRef(ev.Gateway, ev.ExternalRef)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up payment by reference: %w", err)
	}

	if existing != nil {
		if existing.Terminal() || existing.Status == ev.Status {
			return existing, false, nil
		}

		if err := tx.UpdatePaymentStatus(existing.ID, ev.Status, ev.Details); err != nil {
			return nil, false, fmt.Errorf("failed to update payment status: %w", err)
		}
		l.logger.Info("Payment status updated",
			zap.String("payment_id", existing.ID),
			zap.String("order_id", existing.OrderID),
			zap.String("from", existing.Status),
			zap.String("to", ev.Status))
		existing.Status = ev.Status
		if ev.Details != "" {
			existing.Details = ev.Details
		}
		return existing, true, nil
	}

	kind := ev.Kind
	if kind == "" {
		kind = models.PaymentKindClient
	}

	payment := &models.Payment{
		ID:          uuid.New().String(),
		OrderID:     ev.OrderID,
		UserID:      ev.UserID,
		Kind:        kind,
		Amount:      ev.Amount,
		Currency:    "ZAR",
		Gateway:     ev.Gateway,
		Status:      ev.Status,
		ExternalRef: ev.ExternalRef,
		Details:     ev.Details,
	}

	if err := tx.InsertPayment(payment); err != nil {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}

	l.logger.Info("Payment recorded",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", payment.OrderID),
		zap.String("gateway", payment.Gateway),
		zap.String("status", payment.Status))

	return payment, payment.Status != models.PaymentStatusPending, nil
}

// RecordRefund creates a PENDING refund after validating the amount
// against the remaining refundable balance on that specific payment (not
// the order). Fails with ErrOverRefund when exceeded.
func (l *Ledger) RecordRefund(tx store.OrderTx, paymentID string, amount decimal.Decimal, reason string) (*models.Refund, error) {
	payment, err := tx.GetPayment(paymentID)
	if err != nil {
		return nil, err
	}
	if payment.OrderID != tx.Order().ID {
		return nil, fmt.Errorf("payment %s does not belong to order %s", paymentID, tx.Order().ID)
	}

	if !amount.IsPositive() {
		return nil, fmt.Errorf("refund amount must be positive")
	}

	refundable, err := l.refundableBalance(tx, payment)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(refundable) {
		l.logger.Warn("Refund exceeds refundable balance",
			zap.String("payment_id", paymentID),
			zap.String("amount", amount.String()),
			zap.String("refundable", refundable.String()))
		return nil, models.ErrOverRefund
	}

	refund := &models.Refund{
		ID:        uuid.New().String(),
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    amount,
		Reason:    reason,
		Status:    models.PaymentStatusPending,
	}

	if err := tx.InsertRefund(refund); err != nil {
		return nil, fmt.Errorf("failed to insert refund: %w", err)
	}

	l.logger.Info("Refund recorded",
		zap.String("refund_id", refund.ID),
		zap.String("payment_id", refund.PaymentID),
		zap.String("amount", refund.Amount.String()))

	return refund, nil
}

// FinalizeRefund moves a PENDING refund to its terminal status once
// processing confirmation arrives, and rolls the referenced payment's
// status to PARTIAL or REFUNDED as completed refunds accumulate. Terminal
// refunds are no-ops.
func (l *Ledger) FinalizeRefund(tx store.OrderTx, refundID, outcome string, now time.Time) (*models.Refund, bool, error) {
	refund, err := tx.GetRefund(refundID)
	if err != nil {
		return nil, false, err
	}
	if refund.Status != models.PaymentStatusPending {
		return refund, false, nil
	}

	if outcome != models.PaymentStatusCompleted {
		if err := tx.UpdateRefundStatus(refund.ID, models.PaymentStatusFailed, nil); err != nil {
			return nil, false, fmt.Errorf("failed to fail refund: %w", err)
		}
		refund.Status = models.PaymentStatusFailed
		return refund, true, nil
	}

	payment, err := tx.GetPayment(refund.PaymentID)
	if err != nil {
		return nil, false, err
	}

	// Re-check under the lock: another refund may have completed since
	// this one was recorded.
	refundable, err := l.refundableBalance(tx, payment)
	if err != nil {
		return nil, false, err
	}
	if refund.Amount.GreaterThan(refundable) {
		return nil, false, models.ErrOverRefund
	}

	if err := tx.UpdateRefundStatus(refund.ID, models.PaymentStatusCompleted, &now); err != nil {
		return nil, false, fmt.Errorf("failed to complete refund: %w", err)
	}
	refund.Status = models.PaymentStatusCompleted
	refund.ProcessedAt = &now

	refunded, err := tx.SumCompletedRefundsForPayment(payment.ID)
	if err != nil {
		return nil, false, err
	}

	paymentStatus := models.PaymentStatusPartial
	if refunded.GreaterThanOrEqual(payment.Amount) {
		paymentStatus = models.PaymentStatusRefunded
	}
	if err := tx.UpdatePaymentStatus(payment.ID, paymentStatus, ""); err != nil {
		return nil, false, fmt.Errorf("failed to update payment after refund: %w", err)
	}

	l.logger.Info("Refund completed",
		zap.String("refund_id", refund.ID),
		zap.String("payment_id", payment.ID),
		zap.String("payment_status", paymentStatus))

	return refund, true, nil
}

func (l *Ledger) refundableBalance(tx store.OrderTx, payment *models.Payment) (decimal.Decimal, error) {
	refunded, err := tx.SumCompletedRefundsForPayment(payment.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum refunds for payment: %w", err)
	}
	return payment.Amount.Sub(refunded), nil
}
