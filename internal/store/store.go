package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"courier-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// OrderTx exposes the operations available inside a per-order exclusive
// section. The order row is locked for the duration of the callback, so
// every read-modify-write on lifecycle state, driver assignment or payment
// aggregates is serialized per order. Two different orders proceed in
// parallel.
type OrderTx interface {
	// Order returns the locked order row as loaded at section entry.
	Order() *models.Order
	// UpdateOrder persists the order's mutable fields.
	UpdateOrder(o *models.Order) error

	FindPaymentByRef(gateway, externalRef string) (*models.Payment, error)
	GetPayment(paymentID string) (*models.Payment, error)
	InsertPayment(p *models.Payment) error
	UpdatePaymentStatus(paymentID, status, details string) error
	// SumCapturedClientPayments totals client payments whose funds were
	// captured, including those later partially or fully refunded.
	// Refunds are summed separately.
	SumCapturedClientPayments() (decimal.Decimal, error)
	SumCompletedRefunds() (decimal.Decimal, error)
	SumCompletedRefundsForPayment(paymentID string) (decimal.Decimal, error)

	InsertRefund(r *models.Refund) error
	GetRefund(refundID string) (*models.Refund, error)
	UpdateRefundStatus(refundID, status string, processedAt *time.Time) error
}

// orderTx implements OrderTx over a single sqlx transaction holding a
// SELECT ... FOR UPDATE lock on the order row.
type orderTx struct {
	ctx   context.Context
	tx    *sqlx.Tx
	order *models.Order
}

// WithOrderTx runs fn under an exclusive section scoped to one order: a
// transaction with the order row locked FOR UPDATE. If fn returns an
// error the transaction rolls back and no partial write is observable.
func (s *Store) WithOrderTx(ctx context.Context, orderID string, fn func(tx OrderTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin order transaction: %w", err)
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if err == sql.ErrNoRows {
		return models.ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock order %s: %w", orderID, err)
	}

	if err := fn(&orderTx{ctx: ctx, tx: tx, order: &order}); err != nil {
		return err
	}

	return tx.Commit()
}

func (t *orderTx) Order() *models.Order {
	return t.order
}

func (t *orderTx) UpdateOrder(o *models.Order) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE orders
		SET driver_id = $1, status = $2, payment_status = $3, price = $4,
		    total_paid = $5, total_refunded = $6,
		    accepted_at = $7, completed_at = $8, updated_at = NOW()
		WHERE id = $9`,
		o.DriverID, o.Status, o.PaymentStatus, o.Price,
		o.TotalPaid, o.TotalRefunded,
		o.AcceptedAt, o.CompletedAt, o.ID)
	return err
}

func (t *orderTx) FindPaymentByRef(gateway, externalRef string) (*models.Payment, error) {
	var payment models.Payment
	err := t.tx.GetContext(t.ctx, &payment,
		"SELECT * FROM payments WHERE gateway = $1 AND external_ref = $2", gateway, externalRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (t *orderTx) GetPayment(paymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := t.tx.GetContext(t.ctx, &payment, "SELECT * FROM payments WHERE id = $1", paymentID)
	if err == sql.ErrNoRows {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (t *orderTx) InsertPayment(p *models.Payment) error {
	query := `
		INSERT INTO payments (id, order_id, user_id, kind, amount, currency, gateway, status, external_ref, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	return t.tx.QueryRowxContext(t.ctx, query,
		p.ID, p.OrderID, p.UserID, p.Kind, p.Amount, p.Currency,
		p.Gateway, p.Status, p.ExternalRef, p.Details).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (t *orderTx) UpdatePaymentStatus(paymentID, status, details string) error {
	_, err := t.tx.ExecContext(t.ctx,
		"UPDATE payments SET status = $1, details = COALESCE(NULLIF($2, ''), details), updated_at = NOW() WHERE id = $3",
		status, details, paymentID)
	return err
}

func (t *orderTx) SumCapturedClientPayments() (decimal.Decimal, error) {
	return t.sum(`
		SELECT COALESCE(SUM(amount), 0) FROM payments
		WHERE order_id = $1 AND kind = $2 AND status IN ($3, $4, $5)`,
		t.order.ID, models.PaymentKindClient,
		models.PaymentStatusCompleted, models.PaymentStatusPartial, models.PaymentStatusRefunded)
}

// SumCompletedRefunds totals completed refunds of client payments.
// Payout clawbacks reference DRIVER_PAYOUT records and stay out of the
// client-facing aggregate, mirroring SumCapturedClientPayments.
func (t *orderTx) SumCompletedRefunds() (decimal.Decimal, error) {
	return t.sum(`
		SELECT COALESCE(SUM(r.amount), 0)
		FROM refunds r
		JOIN payments p ON p.id = r.payment_id
		WHERE r.order_id = $1 AND r.status = $2 AND p.kind = $3`,
		t.order.ID, models.PaymentStatusCompleted, models.PaymentKindClient)
}

func (t *orderTx) SumCompletedRefundsForPayment(paymentID string) (decimal.Decimal, error) {
	return t.sum(`
		SELECT COALESCE(SUM(amount), 0) FROM refunds
		WHERE payment_id = $1 AND status = $2`,
		paymentID, models.PaymentStatusCompleted)
}

func (t *orderTx) sum(query string, args ...interface{}) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := t.tx.GetContext(t.ctx, &total, query, args...); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (t *orderTx) InsertRefund(r *models.Refund) error {
	query := `
		INSERT INTO refunds (id, payment_id, order_id, amount, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return t.tx.QueryRowxContext(t.ctx, query,
		r.ID, r.PaymentID, r.OrderID, r.Amount, r.Reason, r.Status).
		Scan(&r.CreatedAt, &r.UpdatedAt)
}

func (t *orderTx) GetRefund(refundID string) (*models.Refund, error) {
	var refund models.Refund
	err := t.tx.GetContext(t.ctx, &refund, "SELECT * FROM refunds WHERE id = $1", refundID)
	if err == sql.ErrNoRows {
		return nil, models.ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (t *orderTx) UpdateRefundStatus(refundID, status string, processedAt *time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		"UPDATE refunds SET status = $1, processed_at = $2, updated_at = NOW() WHERE id = $3",
		status, processedAt, refundID)
	return err
}
