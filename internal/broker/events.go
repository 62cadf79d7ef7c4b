package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"courier-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher mirrors tracking events onto the external topic so
// downstream consumers (notifications, analytics) see the same stream
// as in-process subscribers. Messages are keyed by order id, falling
// back to driver id, so per-order ordering survives partitioning.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Mirror publishes an event to the external topic.
func (ep *EventPublisher) Mirror(ctx context.Context, event models.Event) error {
	key := event.OrderID
	if key == "" {
		key = event.DriverID
	}
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes consumed events to registered callbacks
type EventHandler struct {
	onOrderStatusChanged func(context.Context, *models.Event) error
	onDriverLocation     func(context.Context, *models.Event) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnOrderStatusChanged registers a handler for order status events
func (eh *EventHandler) OnOrderStatusChanged(handler func(context.Context, *models.Event) error) {
	eh.onOrderStatusChanged = handler
}

// OnDriverLocation registers a handler for driver location events
func (eh *EventHandler) OnDriverLocation(handler func(context.Context, *models.Event) error) {
	eh.onDriverLocation = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	switch event.Type {
	case models.EventTypeOrderStatusChanged:
		if eh.onOrderStatusChanged != nil {
			return eh.onOrderStatusChanged(ctx, &event)
		}

	case models.EventTypeDriverLocation:
		if eh.onDriverLocation != nil {
			return eh.onDriverLocation(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", event.Type)
	}

	return nil
}
