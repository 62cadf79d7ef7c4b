package service

import (
	"context"
	"testing"
	"time"

	"courier-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*Reconciler, *fakeStore, *SimulatedGateway) {
	t.Helper()
	st := newFakeStore()
	gw := NewSimulatedGateway()
	r := NewReconciler(
		st,
		NewLedger(),
		nullSink{},
		nil,
		nil,
		GatewaySet{models.GatewayPayfast: gw, models.GatewayCash: CashGateway{}},
		decimal.RequireFromString("0.01"),
		5*time.Second,
	)
	return r, st, gw
}

func seedOrder(t *testing.T, st *fakeStore, price string) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:            uuid.New().String(),
		ClientID:      "client-1",
		Status:        models.OrderStatusCreated,
		PaymentStatus: models.PaymentStatusPending,
		Price:         decimal.RequireFromString(price),
		TotalPaid:     decimal.Zero,
		TotalRefunded: decimal.Zero,
	}
	require.NoError(t, st.CreateOrder(context.Background(), order))
	return order
}

func completedEvent(orderID, ref, amount string) PaymentEvent {
	return PaymentEvent{
		OrderID:     orderID,
		ExternalRef: ref,
		Gateway:     models.GatewayPayfast,
		Amount:      decimal.RequireFromString(amount),
	}
}

func TestApplyPaymentEventPartialThenCompleted(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	updated, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "60.00"), OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPartial, updated.PaymentStatus)
	assert.True(t, updated.TotalPaid.Equal(decimal.RequireFromString("60.00")))

	updated, err = r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-b", "40.00"), OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, updated.PaymentStatus)
	assert.True(t, updated.TotalPaid.Equal(decimal.RequireFromString("100.00")))
}

func TestDuplicateWebhookIsNoOp(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	_, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "100.00"), OutcomeCompleted)
	require.NoError(t, err)

	// Same gateway reference delivered again.
	updated, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "100.00"), OutcomeCompleted)
	require.NoError(t, err)
	assert.True(t, updated.TotalPaid.Equal(decimal.RequireFromString("100.00")))

	payments, err := st.GetPaymentsByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestReplayAfterFullPaymentIsNotMismatch(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	_, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "60.00"), OutcomeCompleted)
	require.NoError(t, err)
	_, err = r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-b", "40.00"), OutcomeCompleted)
	require.NoError(t, err)

	// A replay of the first event arrives after the order is fully paid.
	// The duplicate check must win over the amount guard.
	updated, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "60.00"), OutcomeCompleted)
	require.NoError(t, err)
	assert.True(t, updated.TotalPaid.Equal(decimal.RequireFromString("100.00")))
	assert.Equal(t, models.PaymentStatusCompleted, updated.PaymentStatus)
}

func TestAmountMismatchRejected(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	_, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-big", "150.00"), OutcomeCompleted)
	assert.ErrorIs(t, err, models.ErrAmountMismatch)

	// The rejected event must leave no trace in the aggregate.
	current, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, current.PaymentStatus)
	assert.True(t, current.TotalPaid.IsZero())

	_, err = r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-ok", "100.00"), OutcomeCompleted)
	assert.NoError(t, err)
}

func TestToleranceAllowsSmallOverage(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()

	within := seedOrder(t, st, "100.00")
	updated, err := r.ApplyPaymentEvent(ctx, completedEvent(within.ID, "ref-a", "100.01"), OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, updated.PaymentStatus)

	beyond := seedOrder(t, st, "100.00")
	_, err = r.ApplyPaymentEvent(ctx, completedEvent(beyond.ID, "ref-b", "100.02"), OutcomeCompleted)
	assert.ErrorIs(t, err, models.ErrAmountMismatch)
}

func TestGuardChecksStoredAmountOnPendingRecord(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	first, err := r.InitiatePayment(ctx, order.ID, "client-1", "", models.GatewayPayfast, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	second, err := r.InitiatePayment(ctx, order.ID, "client-1", "", models.GatewayPayfast, decimal.RequireFromString("100.00"))
	require.NoError(t, err)

	_, err = r.ApplyPaymentEvent(ctx, completedEvent(order.ID, first.ExternalRef, "100.00"), OutcomeCompleted)
	require.NoError(t, err)

	// A completion for the second PENDING record claims a tiny amount,
	// but the ledger would credit the stored 100.00. The guard must see
	// through the claim.
	_, err = r.ApplyPaymentEvent(ctx, completedEvent(order.ID, second.ExternalRef, "0.01"), OutcomeCompleted)
	assert.ErrorIs(t, err, models.ErrAmountMismatch)

	current, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, current.TotalPaid.Equal(decimal.RequireFromString("100.00")))
	assert.Equal(t, models.PaymentStatusCompleted, current.PaymentStatus)
}

func TestFailedPaymentDoesNotCredit(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	updated, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "100.00"), OutcomeFailed)
	require.NoError(t, err)
	assert.True(t, updated.TotalPaid.IsZero())
	assert.Equal(t, models.PaymentStatusPending, updated.PaymentStatus)

	payments, err := st.GetPaymentsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, payments[0].Status)
}

func TestDriverPayoutDoesNotAffectAggregate(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	ev := completedEvent(order.ID, "payout-1", "80.00")
	ev.Kind = models.PaymentKindPayout
	updated, err := r.ApplyPaymentEvent(ctx, ev, OutcomeCompleted)
	require.NoError(t, err)
	assert.True(t, updated.TotalPaid.IsZero())
	assert.Equal(t, models.PaymentStatusPending, updated.PaymentStatus)
}

func TestInitiateAndVerifyPayment(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	payment, err := r.InitiatePayment(ctx, order.ID, "client-1", "", models.GatewayPayfast, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.NotEmpty(t, payment.ExternalRef)

	updated, err := r.VerifyPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, updated.PaymentStatus)
	assert.True(t, updated.TotalPaid.Equal(decimal.RequireFromString("100.00")))

	// Verifying a terminal payment skips the gateway entirely.
	again, err := r.VerifyPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, again.TotalPaid.Equal(updated.TotalPaid))
}

func TestVerifyFailedTransaction(t *testing.T) {
	r, st, gw := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	gw.FailNext()
	payment, err := r.InitiatePayment(ctx, order.ID, "client-1", "", models.GatewayPayfast, decimal.RequireFromString("100.00"))
	require.NoError(t, err)

	updated, err := r.VerifyPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, updated.PaymentStatus)
	assert.True(t, updated.TotalPaid.IsZero())
}

func TestRefundLifecycle(t *testing.T) {
	r, st, gw := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	// Webhook-originated reference; the gateway must know it before it
	// can process refunds against it.
	gw.Settle("ref-a", OutcomeCompleted)
	_, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "100.00"), OutcomeCompleted)
	require.NoError(t, err)
	payments, err := st.GetPaymentsByOrder(ctx, order.ID)
	require.NoError(t, err)
	paymentID := payments[0].ID

	refund, err := r.RequestRefund(ctx, paymentID, decimal.RequireFromString("30.00"), "damaged goods")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, refund.Status)

	refund, err = r.ProcessRefund(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, refund.Status)
	require.NotNil(t, refund.ProcessedAt)

	current, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPartial, current.PaymentStatus)
	assert.True(t, current.Balance().Equal(decimal.RequireFromString("70.00")))

	// Refund the remainder; the aggregate returns to PENDING and the
	// payment record rolls to REFUNDED.
	refund, err = r.RequestRefund(ctx, paymentID, decimal.RequireFromString("70.00"), "order cancelled")
	require.NoError(t, err)
	refund, err = r.ProcessRefund(ctx, refund.ID)
	require.NoError(t, err)

	current, err = st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, current.PaymentStatus)
	assert.True(t, current.Balance().IsZero())

	payment, err := st.GetPaymentByID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)
}

func TestOverRefundRejected(t *testing.T) {
	r, st, gw := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	gw.Settle("ref-a", OutcomeCompleted)
	_, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "100.00"), OutcomeCompleted)
	require.NoError(t, err)
	payments, err := st.GetPaymentsByOrder(ctx, order.ID)
	require.NoError(t, err)
	paymentID := payments[0].ID

	_, err = r.RequestRefund(ctx, paymentID, decimal.RequireFromString("120.00"), "")
	assert.ErrorIs(t, err, models.ErrOverRefund)

	// Sequential refunds may not exceed the payment either.
	refund, err := r.RequestRefund(ctx, paymentID, decimal.RequireFromString("80.00"), "")
	require.NoError(t, err)
	_, err = r.ProcessRefund(ctx, refund.ID)
	require.NoError(t, err)

	_, err = r.RequestRefund(ctx, paymentID, decimal.RequireFromString("30.00"), "")
	assert.ErrorIs(t, err, models.ErrOverRefund)
}

func TestProcessRefundIsIdempotent(t *testing.T) {
	r, st, gw := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	gw.Settle("ref-a", OutcomeCompleted)
	_, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "100.00"), OutcomeCompleted)
	require.NoError(t, err)
	payments, err := st.GetPaymentsByOrder(ctx, order.ID)
	require.NoError(t, err)

	refund, err := r.RequestRefund(ctx, payments[0].ID, decimal.RequireFromString("50.00"), "")
	require.NoError(t, err)
	_, err = r.ProcessRefund(ctx, refund.ID)
	require.NoError(t, err)
	_, err = r.ProcessRefund(ctx, refund.ID)
	require.NoError(t, err)

	current, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, current.TotalRefunded.Equal(decimal.RequireFromString("50.00")))
}

func TestPayoutRefundDoesNotAffectClientAggregate(t *testing.T) {
	r, st, gw := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	gw.Settle("ref-a", OutcomeCompleted)
	_, err := r.ApplyPaymentEvent(ctx, completedEvent(order.ID, "ref-a", "100.00"), OutcomeCompleted)
	require.NoError(t, err)

	gw.Settle("payout-1", OutcomeCompleted)
	payout := completedEvent(order.ID, "payout-1", "80.00")
	payout.Kind = models.PaymentKindPayout
	_, err = r.ApplyPaymentEvent(ctx, payout, OutcomeCompleted)
	require.NoError(t, err)

	payments, err := st.GetPaymentsByOrder(ctx, order.ID)
	require.NoError(t, err)
	var payoutID string
	for _, p := range payments {
		if p.Kind == models.PaymentKindPayout {
			payoutID = p.ID
		}
	}
	require.NotEmpty(t, payoutID)

	// Clawing back the driver payout must not touch the client-facing
	// balance.
	refund, err := r.RequestRefund(ctx, payoutID, decimal.RequireFromString("80.00"), "payout error")
	require.NoError(t, err)
	_, err = r.ProcessRefund(ctx, refund.ID)
	require.NoError(t, err)

	current, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, current.PaymentStatus)
	assert.True(t, current.TotalRefunded.IsZero())
	assert.True(t, current.TotalPaid.Equal(decimal.RequireFromString("100.00")))
}

func TestCashConfirmationThroughSamePath(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	order := seedOrder(t, st, "100.00")
	ctx := context.Background()

	payment, err := r.InitiatePayment(ctx, order.ID, "client-1", "", models.GatewayCash, decimal.RequireFromString("100.00"))
	require.NoError(t, err)

	// Cash never settles via polling; the driver's confirmation arrives
	// as an event for the same reference.
	updated, err := r.ApplyPaymentEvent(ctx, PaymentEvent{
		OrderID:     order.ID,
		ExternalRef: payment.ExternalRef,
		Gateway:     models.GatewayCash,
		Amount:      payment.Amount,
	}, OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, updated.PaymentStatus)
}
