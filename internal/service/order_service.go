package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier-service/internal/models"
	"courier-service/internal/store"
	"courier-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxActiveOrdersPerDriver caps how many in-flight deliveries a driver
// may hold at once.
const maxActiveOrdersPerDriver = 1

// OrderService handles order lifecycle business logic. All writes that
// change lifecycle state go through the per-order exclusive section in
// the store, so concurrent accepts and cancels serialize on the row.
type OrderService struct {
	store  Store
	bus    EventSink
	mirror EventMirror
	cache  StatusCache
	now    func() time.Time
	logger *zap.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(
	st Store,
	sink EventSink,
	mirror EventMirror,
	cache StatusCache,
) *OrderService {
	return &OrderService{
		store:  st,
		bus:    sink,
		mirror: mirror,
		cache:  cache,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create a delivery order.
type CreateOrderRequest struct {
	PickupAddress       string  `json:"pickup_address" binding:"required"`
	PickupLatitude      float64 `json:"pickup_latitude" binding:"required"`
	PickupLongitude     float64 `json:"pickup_longitude" binding:"required"`
	DropoffAddress      string  `json:"dropoff_address" binding:"required"`
	DropoffLatitude     float64 `json:"dropoff_latitude" binding:"required"`
	DropoffLongitude    float64 `json:"dropoff_longitude" binding:"required"`
	Price               string  `json:"price" binding:"required"`
	DistanceKM          string  `json:"distance_km"`
	Prepaid             bool    `json:"prepaid"`
	SpecialInstructions string  `json:"special_instructions"`
}

// CreateOrder creates a new order in CREATED state owned by the actor.
// Prepaid orders bypass the payment gate on completion, so only admins
// may create them.
func (s *OrderService) CreateOrder(ctx context.Context, actor models.Actor, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.Prepaid && actor.Role != models.RoleAdmin {
		return nil, fmt.Errorf("prepaid orders are admin-only: %w", models.ErrUnauthorized)
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("price must not be negative")
	}

	distance := decimal.Zero
	if req.DistanceKM != "" {
		distance, err = decimal.NewFromString(req.DistanceKM)
		if err != nil {
			return nil, fmt.Errorf("invalid distance: %w", err)
		}
	}

	order := &models.Order{
		ID:                  uuid.New().String(),
		ClientID:            actor.ID,
		Status:              models.OrderStatusCreated,
		PaymentStatus:       models.PaymentStatusPending,
		Price:               price,
		TotalPaid:           decimal.Zero,
		TotalRefunded:       decimal.Zero,
		Prepaid:             req.Prepaid,
		PickupAddress:       req.PickupAddress,
		PickupLatitude:      req.PickupLatitude,
		PickupLongitude:     req.PickupLongitude,
		DropoffAddress:      req.DropoffAddress,
		DropoffLatitude:     req.DropoffLatitude,
		DropoffLongitude:    req.DropoffLongitude,
		DistanceKM:          distance,
		SpecialInstructions: req.SpecialInstructions,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("client_id", actor.ID),
		zap.String("price", price.String()))

	s.publishStatus(ctx, order)
	return order, nil
}

// AcceptOrder assigns a pending order to a driver. The first driver to
// take the row lock wins; later attempts fail with ErrAlreadyAssigned.
// A driver already carrying an active delivery cannot accept another.
func (s *OrderService) AcceptOrder(ctx context.Context, orderID string, actor models.Actor) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.AcceptOrder")
	defer span.End()

	if actor.Role == models.RoleDriver {
		active, err := s.store.CountActiveOrdersForDriver(ctx, actor.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count active orders: %w", err)
		}
		if active >= maxActiveOrdersPerDriver {
			util.OrderTransitionsFailed.WithLabelValues("driver_busy").Inc()
			return nil, fmt.Errorf("driver already has an active order: %w", models.ErrIllegalTransition)
		}
	}

	var updated *models.Order
	err := s.store.WithOrderTx(ctx, orderID, func(tx store.OrderTx) error {
		order := tx.Order()
		if err := ValidateTransition(order, actor, models.OrderStatusAccepted); err != nil {
			return err
		}

		driverID := actor.ID
		now := s.now()
		order.DriverID = &driverID
		order.Status = models.OrderStatusAccepted
		order.AcceptedAt = &now
		updated = order
		return tx.UpdateOrder(order)
	})
	if err != nil {
		s.countTransitionFailure(err)
		return nil, err
	}

	util.OrdersAcceptedTotal.Inc()
	s.logger.Info("Order accepted",
		zap.String("order_id", orderID),
		zap.String("driver_id", actor.ID))

	if s.cache != nil {
		if err := s.cache.SetActiveOrderForDriver(ctx, actor.ID, orderID); err != nil {
			s.logger.Warn("Failed to cache active order", zap.Error(err))
		}
	}
	s.publishStatus(ctx, updated)
	return updated, nil
}

// Transition moves an order to the target lifecycle state on behalf of
// the actor. Authorization, legality, and the payment gate on COMPLETED
// are all enforced inside the exclusive section.
func (s *OrderService) Transition(ctx context.Context, orderID string, actor models.Actor, target string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Transition")
	defer span.End()

	if target == models.OrderStatusAccepted {
		return s.AcceptOrder(ctx, orderID, actor)
	}

	var (
		updated       *models.Order
		clearedDriver string
	)
	err := s.store.WithOrderTx(ctx, orderID, func(tx store.OrderTx) error {
		order := tx.Order()
		if err := ValidateTransition(order, actor, target); err != nil {
			return err
		}

		order.Status = target
		switch target {
		case models.OrderStatusCompleted:
			now := s.now()
			order.CompletedAt = &now
		case models.OrderStatusCancelled:
			if order.DriverID != nil {
				clearedDriver = *order.DriverID
				order.DriverID = nil
			}
		}
		updated = order
		return tx.UpdateOrder(order)
	})
	if err != nil {
		s.countTransitionFailure(err)
		return nil, err
	}

	if target == models.OrderStatusCancelled {
		util.OrdersCancelledTotal.Inc()
	}
	s.logger.Info("Order transitioned",
		zap.String("order_id", orderID),
		zap.String("status", target),
		zap.String("actor_id", actor.ID),
		zap.String("actor_role", actor.Role))

	if s.cache != nil {
		releaseFor := ""
		switch {
		case clearedDriver != "":
			releaseFor = clearedDriver
		case target == models.OrderStatusCompleted && updated.DriverID != nil:
			releaseFor = *updated.DriverID
		}
		if releaseFor != "" {
			if err := s.cache.DeleteActiveOrderForDriver(ctx, releaseFor); err != nil {
				s.logger.Warn("Failed to clear active order cache", zap.Error(err))
			}
		}
	}
	s.publishStatus(ctx, updated)
	return updated, nil
}

// OverridePrice lets an admin reprice an order. The payment aggregate is
// re-derived against the new price under the order lock, so an order that
// was fully paid can drop back to PARTIAL after a price increase.
func (s *OrderService) OverridePrice(ctx context.Context, orderID string, actor models.Actor, price decimal.Decimal) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.OverridePrice")
	defer span.End()

	if actor.Role != models.RoleAdmin {
		return nil, models.ErrUnauthorized
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("price must not be negative")
	}

	var updated *models.Order
	err := s.store.WithOrderTx(ctx, orderID, func(tx store.OrderTx) error {
		order := tx.Order()
		order.Price = price
		order.PaymentStatus = models.DerivePaymentState(order.TotalPaid, order.TotalRefunded, price)
		updated = order
		return tx.UpdateOrder(order)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order price overridden",
		zap.String("order_id", orderID),
		zap.String("admin_id", actor.ID),
		zap.String("price", price.String()))

	s.publishStatus(ctx, updated)
	return updated, nil
}

// GetOrder retrieves an order by ID.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.store.GetOrderByID(ctx, orderID)
}

// ListOrdersForClient returns the client's orders, newest first.
func (s *OrderService) ListOrdersForClient(ctx context.Context, clientID string) ([]models.Order, error) {
	return s.store.GetOrdersByClient(ctx, clientID)
}

// ListOrdersForDriver returns the driver's orders, newest first.
func (s *OrderService) ListOrdersForDriver(ctx context.Context, driverID string) ([]models.Order, error) {
	return s.store.GetOrdersByDriver(ctx, driverID)
}

// ListPayments returns an order's payment records.
func (s *OrderService) ListPayments(ctx context.Context, orderID string) ([]models.Payment, error) {
	if _, err := s.store.GetOrderByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.GetPaymentsByOrder(ctx, orderID)
}

// ListRefunds returns an order's refund records.
func (s *OrderService) ListRefunds(ctx context.Context, orderID string) ([]models.Refund, error) {
	if _, err := s.store.GetOrderByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.GetRefundsByOrder(ctx, orderID)
}

// ListPendingOrders returns unassigned orders available for acceptance.
func (s *OrderService) ListPendingOrders(ctx context.Context) ([]models.Order, error) {
	return s.store.GetPendingOrders(ctx)
}

// StatusSnapshot builds the current view of an order for tracking
// clients: lifecycle state, payment state, and the driver's last known
// position when one is assigned.
func (s *OrderService) StatusSnapshot(ctx context.Context, orderID string) (*models.StatusSnapshot, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	snap := &models.StatusSnapshot{
		OrderID:        order.ID,
		LifecycleState: order.Status,
		PaymentState:   order.PaymentStatus,
	}
	if order.DriverID != nil {
		snap.DriverID = *order.DriverID
		if s.cache != nil {
			loc, err := s.cache.GetDriverLocation(ctx, *order.DriverID)
			if err != nil {
				s.logger.Warn("Failed to read driver location", zap.Error(err))
			} else {
				snap.DriverLocation = loc
			}
		}
	}
	return snap, nil
}

// ActiveOrderIDForDriver resolves the order a driver is currently
// delivering, cache first with a database fallback.
func (s *OrderService) ActiveOrderIDForDriver(ctx context.Context, driverID string) (string, error) {
	if s.cache != nil {
		orderID, err := s.cache.GetActiveOrderForDriver(ctx, driverID)
		if err == nil && orderID != "" {
			return orderID, nil
		}
	}

	order, err := s.store.ActiveOrderForDriver(ctx, driverID)
	if err != nil {
		return "", err
	}
	if order == nil {
		return "", nil
	}
	if s.cache != nil {
		if err := s.cache.SetActiveOrderForDriver(ctx, driverID, order.ID); err != nil {
			s.logger.Warn("Failed to cache active order", zap.Error(err))
		}
	}
	return order.ID, nil
}

func (s *OrderService) countTransitionFailure(err error) {
	reason := "error"
	switch {
	case errors.Is(err, models.ErrIllegalTransition):
		reason = "illegal_transition"
	case errors.Is(err, models.ErrAlreadyAssigned):
		reason = "already_assigned"
	case errors.Is(err, models.ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, models.ErrPaymentIncomplete):
		reason = "payment_incomplete"
	case errors.Is(err, models.ErrOrderNotFound):
		reason = "not_found"
	}
	util.OrderTransitionsFailed.WithLabelValues(reason).Inc()
}

func (s *OrderService) publishStatus(ctx context.Context, order *models.Order) {
	event := models.Event{
		EventID:        uuid.New().String(),
		Type:           models.EventTypeOrderStatusChanged,
		OrderID:        order.ID,
		LifecycleState: order.Status,
		PaymentState:   order.PaymentStatus,
		Timestamp:      s.now(),
	}
	if order.DriverID != nil {
		event.DriverID = *order.DriverID
	}

	s.bus.Publish(models.OrderTopic(order.ID), event)

	if s.cache != nil {
		if err := s.cache.SetOrderStatus(ctx, order.ID, order.Status); err != nil {
			s.logger.Warn("Failed to cache order status", zap.Error(err))
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, event); err != nil {
			s.logger.Error("Failed to mirror order event", zap.Error(err))
		}
	}
}
