package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"courier-service/internal/broker"
	"courier-service/internal/models"
	"courier-service/internal/service"
	"courier-service/internal/util"

	"go.uber.org/zap"
)

// stalePaymentBatch bounds how many stale payments one poll cycle picks up.
const stalePaymentBatch = 50

// PaymentPollWorker periodically re-verifies payments that have sat in
// PENDING longer than the stale threshold. Gateways that webhook reliably
// rarely leave anything for it; gateways that must be polled depend on it.
// Every verdict it finds flows through the reconciler, the same path a
// webhook takes.
type PaymentPollWorker struct {
	store      PaymentLister
	reconciler *service.Reconciler
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
}

// PaymentLister is the narrow slice of the persistence layer the poll
// worker needs.
type PaymentLister interface {
	GetStalePendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]models.Payment, error)
}

// NewPaymentPollWorker creates a poll worker.
func NewPaymentPollWorker(st PaymentLister, reconciler *service.Reconciler, interval, staleAfter time.Duration) *PaymentPollWorker {
	return &PaymentPollWorker{
		store:      st,
		reconciler: reconciler,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     util.GetLogger(),
	}
}

// Start runs the poll loop until the context is cancelled.
func (w *PaymentPollWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment poll worker",
		zap.Duration("interval", w.interval),
		zap.Duration("stale_after", w.staleAfter))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Payment poll worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *PaymentPollWorker) pollOnce(ctx context.Context) {
	payments, err := w.store.GetStalePendingPayments(ctx, w.staleAfter, stalePaymentBatch)
	if err != nil {
		w.logger.Error("Failed to list stale payments", zap.Error(err))
		return
	}

	for _, p := range payments {
		if _, err := w.reconciler.VerifyPayment(ctx, p.ID); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Warn("Failed to verify stale payment",
				zap.String("payment_id", p.ID),
				zap.String("gateway", p.Gateway),
				zap.Error(err))
		}
	}
}

// Notifier delivers user-facing notifications for order events.
type Notifier interface {
	NotifyOrderStatus(ctx context.Context, event *models.Event) error
}

// LogNotifier is the default Notifier; it records what would be sent.
// A push or SMS provider slots in behind the same interface.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.GetLogger()}
}

// NotifyOrderStatus logs the notification that would be delivered.
func (n *LogNotifier) NotifyOrderStatus(_ context.Context, event *models.Event) error {
	n.logger.Info("Order notification",
		zap.String("order_id", event.OrderID),
		zap.String("lifecycle_state", event.LifecycleState),
		zap.String("payment_state", event.PaymentState))
	return nil
}

// NotificationWorker consumes the mirrored event stream and turns order
// status changes into notifications.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewNotificationWorker creates a notification worker.
func NewNotificationWorker(consumer *broker.Consumer, notifier Notifier) *NotificationWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderStatusChanged(notifier.NotifyOrderStatus)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	log.Println("Starting notification worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	log.Println("Stopping notification worker...")
	return w.consumer.Close()
}
