package service

import (
	"context"
	"time"

	"courier-service/internal/models"
	"courier-service/internal/store"
)

// Store is the durable persistence contract the services depend on.
// *store.Store is the production implementation; tests use an in-memory
// fake with the same per-order locking contract.
type Store interface {
	WithOrderTx(ctx context.Context, orderID string, fn func(tx store.OrderTx) error) error

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrdersByClient(ctx context.Context, clientID string) ([]models.Order, error)
	GetOrdersByDriver(ctx context.Context, driverID string) ([]models.Order, error)
	GetPendingOrders(ctx context.Context) ([]models.Order, error)
	ActiveOrderForDriver(ctx context.Context, driverID string) (*models.Order, error)
	CountActiveOrdersForDriver(ctx context.Context, driverID string) (int, error)

	GetPaymentByID(ctx context.Context, paymentID string) (*models.Payment, error)
	GetPaymentsByOrder(ctx context.Context, orderID string) ([]models.Payment, error)
	GetRefundsByOrder(ctx context.Context, orderID string) ([]models.Refund, error)
	GetRefundByID(ctx context.Context, refundID string) (*models.Refund, error)
	GetStalePendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]models.Payment, error)
}

// EventSink receives domain events for in-process fan-out. Publishing is
// non-blocking; the bus drops slow subscribers rather than stalling the
// caller.
type EventSink interface {
	Publish(topic string, event models.Event)
}

// EventMirror forwards domain events to the external broker for other
// services (notifications, analytics). Mirror failures are logged, never
// propagated: the in-process view stays authoritative.
type EventMirror interface {
	Mirror(ctx context.Context, event models.Event) error
}

// StatusCache is the ephemeral cache for cheap status lookups and
// driver-to-active-order mapping.
type StatusCache interface {
	SetOrderStatus(ctx context.Context, orderID, status string) error
	GetOrderStatus(ctx context.Context, orderID string) (string, error)
	SetActiveOrderForDriver(ctx context.Context, driverID, orderID string) error
	GetActiveOrderForDriver(ctx context.Context, driverID string) (string, error)
	DeleteActiveOrderForDriver(ctx context.Context, driverID string) error
	GetDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error)
}
