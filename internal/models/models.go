package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle states
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusAccepted  = "ACCEPTED"
	OrderStatusPickedUp  = "PICKED_UP"
	OrderStatusInTransit = "IN_TRANSIT"
	OrderStatusDelivered = "DELIVERED"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusCancelled = "CANCELLED"
)

// Payment statuses, shared by payment records, refunds and the
// order-level derived aggregate
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusRefunded  = "REFUNDED"
	PaymentStatusPartial   = "PARTIAL"
)

// Payment kinds
const (
	PaymentKindClient = "CLIENT_PAYMENT"
	PaymentKindPayout = "DRIVER_PAYOUT"
)

// Payment gateways
const (
	GatewayPayfast  = "payfast"
	GatewayPaystack = "paystack"
	GatewayCash     = "cash"
)

// Actor roles
const (
	RoleClient = "client"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// Domain error taxonomy. Lifecycle errors are caller-correctable (4xx);
// ledger errors are rejected-but-logged and need admin review.
var (
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrUnauthorized      = errors.New("actor not authorized for this transition")
	ErrAlreadyAssigned   = errors.New("order already accepted by another driver")
	ErrPaymentIncomplete = errors.New("order payment incomplete")
	ErrAmountMismatch    = errors.New("payment amount exceeds order balance")
	ErrOverRefund        = errors.New("refund exceeds refundable balance on payment")
	ErrOrderNotFound     = errors.New("order not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrRefundNotFound    = errors.New("refund not found")
)

// Actor is a verified principal acting on an order.
type Actor struct {
	ID   string
	Role string
}

// Order represents a delivery order. TotalPaid and TotalRefunded are
// bookkeeping fields owned by the reconciliation engine; PaymentStatus is
// always DerivePaymentState(TotalPaid, TotalRefunded, Price) and is never
// set directly by any other path.
type Order struct {
	ID                  string          `db:"id" json:"id"`
	ClientID            string          `db:"client_id" json:"client_id"`
	DriverID            *string         `db:"driver_id" json:"driver_id,omitempty"`
	Status              string          `db:"status" json:"status"`
	PaymentStatus       string          `db:"payment_status" json:"payment_status"`
	Price               decimal.Decimal `db:"price" json:"price"`
	TotalPaid           decimal.Decimal `db:"total_paid" json:"total_paid"`
	TotalRefunded       decimal.Decimal `db:"total_refunded" json:"total_refunded"`
	Prepaid             bool            `db:"prepaid" json:"prepaid"`
	PickupAddress       string          `db:"pickup_address" json:"pickup_address"`
	PickupLatitude      float64         `db:"pickup_latitude" json:"pickup_latitude"`
	PickupLongitude     float64         `db:"pickup_longitude" json:"pickup_longitude"`
	DropoffAddress      string          `db:"dropoff_address" json:"dropoff_address"`
	DropoffLatitude     float64         `db:"dropoff_latitude" json:"dropoff_latitude"`
	DropoffLongitude    float64         `db:"dropoff_longitude" json:"dropoff_longitude"`
	DistanceKM          decimal.Decimal `db:"distance_km" json:"distance_km"`
	SpecialInstructions string          `db:"special_instructions" json:"special_instructions,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	AcceptedAt          *time.Time      `db:"accepted_at" json:"accepted_at,omitempty"`
	CompletedAt         *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Balance is the captured amount net of refunds.
func (o *Order) Balance() decimal.Decimal {
	return o.TotalPaid.Sub(o.TotalRefunded)
}

// Payment represents a single payment attempt against an order. The
// (Gateway, ExternalRef) pair is the idempotency key: repeated gateway
// notifications for the same pair must never double-credit the order.
type Payment struct {
	ID          string          `db:"id" json:"id"`
	OrderID     string          `db:"order_id" json:"order_id"`
	UserID      string          `db:"user_id" json:"user_id"`
	Kind        string          `db:"kind" json:"kind"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Currency    string          `db:"currency" json:"currency"`
	Gateway     string          `db:"gateway" json:"gateway"`
	Status      string          `db:"status" json:"status"`
	ExternalRef string          `db:"external_ref" json:"external_ref"`
	Details     string          `db:"details" json:"details,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the payment has reached a final status. A
// terminal record is immutable to gateway events; further notifications
// for its idempotency key are no-ops. PARTIAL counts: the capture
// finished, only refund bookkeeping still moves.
func (p *Payment) Terminal() bool {
	switch p.Status {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusPartial:
		return true
	}
	return false
}

// Refund references exactly one payment and its order.
type Refund struct {
	ID          string          `db:"id" json:"id"`
	PaymentID   string          `db:"payment_id" json:"payment_id"`
	OrderID     string          `db:"order_id" json:"order_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Reason      string          `db:"reason" json:"reason,omitempty"`
	Status      string          `db:"status" json:"status"`
	ProcessedAt *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// DerivePaymentState is the single source of truth for an order's payment
// aggregate. It is a pure function of the bookkeeping fields; no other
// field may encode payment status.
func DerivePaymentState(totalPaid, totalRefunded, price decimal.Decimal) string {
	balance := totalPaid.Sub(totalRefunded)
	switch {
	case balance.GreaterThanOrEqual(price):
		return PaymentStatusCompleted
	case balance.IsPositive():
		return PaymentStatusPartial
	default:
		return PaymentStatusPending
	}
}
