package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried on the bus and over the wire
const (
	EventTypeOrderStatusChanged = "order_status_changed"
	EventTypeDriverLocation     = "driver_location"
)

// Reply types sent back on a tracking connection in response to client
// messages
const (
	ReplyTypeOrderStatus  = "order_status"
	ReplyTypeSubscribed   = "subscribed"
	ReplyTypeUnsubscribed = "unsubscribed"
	ReplyTypePong         = "pong"
	ReplyTypeError        = "error"
)

// Topic prefixes. A topic names a broadcast channel subscribers attach to.
const (
	TopicOrderPrefix  = "order:"
	TopicDriverPrefix = "driver:"
)

// OrderTopic returns the broadcast topic for an order.
func OrderTopic(orderID string) string { return TopicOrderPrefix + orderID }

// DriverTopic returns the broadcast topic for a driver.
func DriverTopic(driverID string) string { return TopicDriverPrefix + driverID }

// DriverLocation is a driver's last known position.
type DriverLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Event is the wire shape delivered to tracking subscribers and mirrored
// to the broker.
type Event struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	OrderID        string          `json:"order_id,omitempty"`
	LifecycleState string          `json:"lifecycle_state,omitempty"`
	PaymentState   string          `json:"payment_state,omitempty"`
	DriverID       string          `json:"driver_id,omitempty"`
	DriverLocation *DriverLocation `json:"driver_location,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Client message kinds accepted over a tracking connection
const (
	ClientMsgSubscribeOrder   = "subscribe_order"
	ClientMsgUnsubscribeOrder = "unsubscribe_order"
	ClientMsgLocationUpdate   = "driver_location_update"
	ClientMsgGetStatus        = "get_status"
	ClientMsgPing             = "ping"
)

// ClientMessage is the decoded form of an inbound tracking message.
// Exactly one of the payload fields is set, selected by Kind; DecodeClientMessage
// rejects unknown kinds so dispatch can switch exhaustively.
type ClientMessage struct {
	Kind        string
	Subscribe   *SubscribeOrder
	Unsubscribe *UnsubscribeOrder
	Location    *LocationUpdate
	GetStatus   *GetStatus
}

type SubscribeOrder struct {
	OrderID string `json:"order_id"`
}

type UnsubscribeOrder struct {
	OrderID string `json:"order_id"`
}

type LocationUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type GetStatus struct {
	OrderID string `json:"order_id"`
}

type rawClientMessage struct {
	Type      string  `json:"type"`
	OrderID   string  `json:"order_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DecodeClientMessage parses an inbound tracking frame into its tagged form.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var raw rawClientMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode client message: %w", err)
	}

	switch raw.Type {
	case ClientMsgSubscribeOrder:
		if raw.OrderID == "" {
			return nil, fmt.Errorf("subscribe_order requires order_id")
		}
		return &ClientMessage{Kind: raw.Type, Subscribe: &SubscribeOrder{OrderID: raw.OrderID}}, nil
	case ClientMsgUnsubscribeOrder:
		if raw.OrderID == "" {
			return nil, fmt.Errorf("unsubscribe_order requires order_id")
		}
		return &ClientMessage{Kind: raw.Type, Unsubscribe: &UnsubscribeOrder{OrderID: raw.OrderID}}, nil
	case ClientMsgLocationUpdate:
		return &ClientMessage{Kind: raw.Type, Location: &LocationUpdate{Latitude: raw.Latitude, Longitude: raw.Longitude}}, nil
	case ClientMsgGetStatus:
		if raw.OrderID == "" {
			return nil, fmt.Errorf("get_status requires order_id")
		}
		return &ClientMessage{Kind: raw.Type, GetStatus: &GetStatus{OrderID: raw.OrderID}}, nil
	case ClientMsgPing:
		return &ClientMessage{Kind: raw.Type}, nil
	default:
		return nil, fmt.Errorf("unknown client message type: %q", raw.Type)
	}
}

// StatusSnapshot is the synchronous answer to a get_status request. It is
// read from durable state, so a subscriber that missed live events can
// always recover the current view.
type StatusSnapshot struct {
	OrderID        string          `json:"order_id"`
	LifecycleState string          `json:"lifecycle_state"`
	PaymentState   string          `json:"payment_state"`
	DriverID       string          `json:"driver_id,omitempty"`
	DriverLocation *DriverLocation `json:"driver_location,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}
