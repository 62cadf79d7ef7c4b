package service

import (
	"context"
	"sync"
	"time"

	"courier-service/internal/models"
	"courier-service/internal/store"

	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory Store with the same contract as the real
// one: WithOrderTx serializes all work on an order and discards staged
// writes when fn returns an error.
type fakeStore struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	payments map[string]*models.Payment
	refunds  map[string]*models.Refund
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   make(map[string]*models.Order),
		payments: make(map[string]*models.Payment),
		refunds:  make(map[string]*models.Refund),
	}
}

func (f *fakeStore) WithOrderTx(_ context.Context, orderID string, fn func(tx store.OrderTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, ok := f.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}

	staged := *current
	tx := &fakeTx{
		order:    &staged,
		payments: clonePayments(f.payments),
		refunds:  cloneRefunds(f.refunds),
	}
	if err := fn(tx); err != nil {
		return err
	}

	f.orders[orderID] = tx.order
	f.payments = tx.payments
	f.refunds = tx.refunds
	return nil
}

func (f *fakeStore) CreateOrder(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	cp := *order
	f.orders[order.ID] = &cp
	return nil
}

func (f *fakeStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (f *fakeStore) GetOrdersByClient(_ context.Context, clientID string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.ClientID == clientID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeStore) GetOrdersByDriver(_ context.Context, driverID string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.DriverID != nil && *o.DriverID == driverID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeStore) GetPendingOrders(_ context.Context) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.Status == models.OrderStatusCreated {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveOrderForDriver(_ context.Context, driverID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.DriverID != nil && *o.DriverID == driverID && activeStatus(o.Status) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CountActiveOrdersForDriver(_ context.Context, driverID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, o := range f.orders {
		if o.DriverID != nil && *o.DriverID == driverID && activeStatus(o.Status) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) GetPaymentByID(_ context.Context, paymentID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payment, ok := f.payments[paymentID]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	cp := *payment
	return &cp, nil
}

func (f *fakeStore) GetPaymentsByOrder(_ context.Context, orderID string) ([]models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Payment
	for _, p := range f.payments {
		if p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRefundsByOrder(_ context.Context, orderID string) ([]models.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Refund
	for _, r := range f.refunds {
		if r.OrderID == orderID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRefundByID(_ context.Context, refundID string) (*models.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refund, ok := f.refunds[refundID]
	if !ok {
		return nil, models.ErrRefundNotFound
	}
	cp := *refund
	return &cp, nil
}

func (f *fakeStore) GetStalePendingPayments(_ context.Context, olderThan time.Duration, limit int) ([]models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []models.Payment
	for _, p := range f.payments {
		if len(out) >= limit {
			break
		}
		if p.Status == models.PaymentStatusPending && p.Gateway != models.GatewayCash && p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func activeStatus(status string) bool {
	switch status {
	case models.OrderStatusAccepted, models.OrderStatusPickedUp, models.OrderStatusInTransit:
		return true
	}
	return false
}

func clonePayments(src map[string]*models.Payment) map[string]*models.Payment {
	dst := make(map[string]*models.Payment, len(src))
	for k, v := range src {
		cp := *v
		dst[k] = &cp
	}
	return dst
}

func cloneRefunds(src map[string]*models.Refund) map[string]*models.Refund {
	dst := make(map[string]*models.Refund, len(src))
	for k, v := range src {
		cp := *v
		dst[k] = &cp
	}
	return dst
}

// fakeTx implements store.OrderTx over the staged copies.
type fakeTx struct {
	order    *models.Order
	payments map[string]*models.Payment
	refunds  map[string]*models.Refund
}

func (t *fakeTx) Order() *models.Order { return t.order }

func (t *fakeTx) UpdateOrder(o *models.Order) error {
	o.UpdatedAt = time.Now()
	t.order = o
	return nil
}

func (t *fakeTx) FindPaymentByRef(gateway, externalRef string) (*models.Payment, error) {
	for _, p := range t.payments {
		if p.Gateway == gateway && p.ExternalRef == externalRef {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) GetPayment(paymentID string) (*models.Payment, error) {
	p, ok := t.payments[paymentID]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *fakeTx) InsertPayment(p *models.Payment) error {
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	t.payments[p.ID] = &cp
	return nil
}

func (t *fakeTx) UpdatePaymentStatus(paymentID, status, details string) error {
	p, ok := t.payments[paymentID]
	if !ok {
		return models.ErrPaymentNotFound
	}
	p.Status = status
	if details != "" {
		p.Details = details
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (t *fakeTx) SumCapturedClientPayments() (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range t.payments {
		if p.OrderID == t.order.ID && p.Kind == models.PaymentKindClient && captured(p.Status) {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func captured(status string) bool {
	switch status {
	case models.PaymentStatusCompleted, models.PaymentStatusPartial, models.PaymentStatusRefunded:
		return true
	}
	return false
}

func (t *fakeTx) SumCompletedRefunds() (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, r := range t.refunds {
		if r.OrderID != t.order.ID || r.Status != models.PaymentStatusCompleted {
			continue
		}
		p, ok := t.payments[r.PaymentID]
		if !ok || p.Kind != models.PaymentKindClient {
			continue
		}
		sum = sum.Add(r.Amount)
	}
	return sum, nil
}

func (t *fakeTx) SumCompletedRefundsForPayment(paymentID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, r := range t.refunds {
		if r.PaymentID == paymentID && r.Status == models.PaymentStatusCompleted {
			sum = sum.Add(r.Amount)
		}
	}
	return sum, nil
}

func (t *fakeTx) InsertRefund(r *models.Refund) error {
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	t.refunds[r.ID] = &cp
	return nil
}

func (t *fakeTx) GetRefund(refundID string) (*models.Refund, error) {
	r, ok := t.refunds[refundID]
	if !ok {
		return nil, models.ErrRefundNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *fakeTx) UpdateRefundStatus(refundID, status string, processedAt *time.Time) error {
	r, ok := t.refunds[refundID]
	if !ok {
		return models.ErrRefundNotFound
	}
	r.Status = status
	r.ProcessedAt = processedAt
	r.UpdatedAt = time.Now()
	return nil
}

// nullSink discards published events; tests that assert on fan-out use
// the real bus instead.
type nullSink struct{}

func (nullSink) Publish(string, models.Event) {}
