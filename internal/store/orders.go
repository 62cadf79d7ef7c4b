package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"courier-service/internal/models"
)

// CreateOrder inserts a new order row.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, client_id, status, payment_status, price,
			total_paid, total_refunded, prepaid,
			pickup_address, pickup_latitude, pickup_longitude,
			dropoff_address, dropoff_latitude, dropoff_longitude,
			distance_km, special_instructions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		order.ID, order.ClientID, order.Status, order.PaymentStatus, order.Price,
		order.TotalPaid, order.TotalRefunded, order.Prepaid,
		order.PickupAddress, order.PickupLatitude, order.PickupLongitude,
		order.DropoffAddress, order.DropoffLatitude, order.DropoffLongitude,
		order.DistanceKM, order.SpecialInstructions).
		Scan(&order.CreatedAt, &order.UpdatedAt)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByClient retrieves orders for a client
func (s *Store) GetOrdersByClient(ctx context.Context, clientID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE client_id = $1 ORDER BY created_at DESC", clientID)
	return orders, err
}

// GetOrdersByDriver retrieves orders for a driver
func (s *Store) GetOrdersByDriver(ctx context.Context, driverID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE driver_id = $1 ORDER BY created_at DESC", driverID)
	return orders, err
}

// GetPendingOrders retrieves unassigned orders drivers can accept.
func (s *Store) GetPendingOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE status = $1 ORDER BY created_at", models.OrderStatusCreated)
	return orders, err
}

// ActiveOrderForDriver returns the driver's current in-progress order, or
// nil when there is none. A driver has at most one active order at a time.
func (s *Store) ActiveOrderForDriver(ctx context.Context, driverID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		SELECT * FROM orders
		WHERE driver_id = $1 AND status IN ($2, $3, $4)
		ORDER BY accepted_at DESC LIMIT 1`,
		driverID, models.OrderStatusAccepted, models.OrderStatusPickedUp, models.OrderStatusInTransit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CountActiveOrdersForDriver counts in-progress orders for a driver.
func (s *Store) CountActiveOrdersForDriver(ctx context.Context, driverID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM orders
		WHERE driver_id = $1 AND status IN ($2, $3, $4)`,
		driverID, models.OrderStatusAccepted, models.OrderStatusPickedUp, models.OrderStatusInTransit)
	return n, err
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, paymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", paymentID)
	if err == sql.ErrNoRows {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentsByOrder retrieves all payment attempts for an order.
func (s *Store) GetPaymentsByOrder(ctx context.Context, orderID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at", orderID)
	return payments, err
}

// GetRefundsByOrder retrieves all refunds for an order.
func (s *Store) GetRefundsByOrder(ctx context.Context, orderID string) ([]models.Refund, error) {
	var refunds []models.Refund
	err := s.db.SelectContext(ctx, &refunds,
		"SELECT * FROM refunds WHERE order_id = $1 ORDER BY created_at", orderID)
	return refunds, err
}

// GetRefundByID retrieves a refund by ID
func (s *Store) GetRefundByID(ctx context.Context, refundID string) (*models.Refund, error) {
	var refund models.Refund
	err := s.db.GetContext(ctx, &refund, "SELECT * FROM refunds WHERE id = $1", refundID)
	if err == sql.ErrNoRows {
		return nil, models.ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// GetStalePendingPayments returns PENDING payments older than the cutoff,
// for the poll worker to re-verify against their gateway. Cash records are
// excluded, they complete only by explicit confirmation.
func (s *Store) GetStalePendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments, `
		SELECT * FROM payments
		WHERE status = $1 AND gateway <> $2 AND created_at < NOW() - $3::interval
		ORDER BY created_at LIMIT $4`,
		models.PaymentStatusPending, models.GatewayCash,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	return payments, err
}
