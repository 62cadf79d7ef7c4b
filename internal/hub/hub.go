package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"courier-service/internal/bus"
	"courier-service/internal/models"
	"courier-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventStream is the pub/sub surface the hub rides on.
type EventStream interface {
	Subscribe(topic string) *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
	Publish(topic string, event models.Event)
}

// OrderSource answers durable-state questions for tracking clients.
type OrderSource interface {
	StatusSnapshot(ctx context.Context, orderID string) (*models.StatusSnapshot, error)
	ActiveOrderIDForDriver(ctx context.Context, driverID string) (string, error)
}

// LocationStore persists driver positions.
type LocationStore interface {
	SetDriverLocation(ctx context.Context, driverID string, lat, lon float64) error
}

// Hub fans live order and driver events out to tracking connections.
// Each connection owns a bounded outbound queue; delivery never blocks,
// and a connection that cannot keep up is detached from the topic that
// overflowed. Clients recover missed events with a get_status request.
type Hub struct {
	mu      sync.Mutex
	conns   map[*Conn]struct{}
	topics  map[string]map[*Conn]struct{}
	pumps   map[string]*bus.Subscription
	stream  EventStream
	orders  OrderSource
	locs    LocationStore
	bufSize int
	now     func() time.Time
	logger  *zap.Logger
}

// Conn is one tracking connection's hub-side handle. The transport layer
// reads Outbound() and writes frames to the socket; the hub never touches
// the socket itself.
type Conn struct {
	actor  models.Actor
	out    chan []byte
	closed bool
}

// Outbound returns the frames queued for this connection. The channel is
// closed when the connection is unregistered.
func (c *Conn) Outbound() <-chan []byte {
	return c.out
}

// Actor returns the authenticated principal behind the connection.
func (c *Conn) Actor() models.Actor {
	return c.actor
}

// New creates a tracking hub. bufSize bounds each connection's outbound
// queue.
func New(stream EventStream, orders OrderSource, locs LocationStore, bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Hub{
		conns:   make(map[*Conn]struct{}),
		topics:  make(map[string]map[*Conn]struct{}),
		pumps:   make(map[string]*bus.Subscription),
		stream:  stream,
		orders:  orders,
		locs:    locs,
		bufSize: bufSize,
		now:     time.Now,
		logger:  util.GetLogger(),
	}
}

// Register admits a new tracking connection for the actor.
func (h *Hub) Register(actor models.Actor) *Conn {
	conn := &Conn{
		actor: actor,
		out:   make(chan []byte, h.bufSize),
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	util.TrackingConnections.Inc()
	h.logger.Info("Tracking connection opened",
		zap.String("actor_id", actor.ID),
		zap.String("role", actor.Role))
	return conn
}

// Unregister detaches a connection from every topic and closes its
// outbound queue. Safe to call more than once.
func (h *Hub) Unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.closed {
		return
	}
	conn.closed = true
	close(conn.out)
	delete(h.conns, conn)
	for topic := range h.topics {
		h.detachLocked(topic, conn)
	}

	util.TrackingConnections.Dec()
	h.logger.Info("Tracking connection closed",
		zap.String("actor_id", conn.actor.ID))
}

// HandleMessage dispatches one inbound client frame.
func (h *Hub) HandleMessage(ctx context.Context, conn *Conn, data []byte) {
	msg, err := models.DecodeClientMessage(data)
	if err != nil {
		h.replyError(conn, err.Error())
		return
	}

	switch msg.Kind {
	case models.ClientMsgSubscribeOrder:
		h.subscribeOrder(ctx, conn, msg.Subscribe.OrderID)
	case models.ClientMsgUnsubscribeOrder:
		h.unsubscribe(conn, models.OrderTopic(msg.Unsubscribe.OrderID))
		h.reply(conn, map[string]string{
			"type":     models.ReplyTypeUnsubscribed,
			"order_id": msg.Unsubscribe.OrderID,
		})
	case models.ClientMsgLocationUpdate:
		h.locationUpdate(ctx, conn, msg.Location)
	case models.ClientMsgGetStatus:
		h.sendSnapshot(ctx, conn, msg.GetStatus.OrderID)
	case models.ClientMsgPing:
		h.reply(conn, map[string]string{"type": models.ReplyTypePong})
	}
}

// subscribeOrder attaches the connection to an order's topic and answers
// with the current snapshot so the client starts from a consistent view.
func (h *Hub) subscribeOrder(ctx context.Context, conn *Conn, orderID string) {
	snap, err := h.orders.StatusSnapshot(ctx, orderID)
	if err != nil {
		h.replyError(conn, "order not found")
		return
	}

	h.attach(models.OrderTopic(orderID), conn)
	h.reply(conn, map[string]string{
		"type":     models.ReplyTypeSubscribed,
		"order_id": orderID,
	})
	h.replySnapshot(conn, snap)
}

// locationUpdate stores a driver's position and broadcasts it to the
// driver's topic and the order the driver is actively delivering.
func (h *Hub) locationUpdate(ctx context.Context, conn *Conn, loc *models.LocationUpdate) {
	if conn.actor.Role != models.RoleDriver {
		h.replyError(conn, "only drivers may report locations")
		return
	}

	driverID := conn.actor.ID
	if err := h.locs.SetDriverLocation(ctx, driverID, loc.Latitude, loc.Longitude); err != nil {
		h.logger.Warn("Failed to store driver location",
			zap.String("driver_id", driverID),
			zap.Error(err))
	}
	util.DriverLocationUpdates.Inc()

	event := models.Event{
		EventID:  uuid.New().String(),
		Type:     models.EventTypeDriverLocation,
		DriverID: driverID,
		DriverLocation: &models.DriverLocation{
			Lat: loc.Latitude,
			Lon: loc.Longitude,
		},
		Timestamp: h.now(),
	}

	h.stream.Publish(models.DriverTopic(driverID), event)

	orderID, err := h.orders.ActiveOrderIDForDriver(ctx, driverID)
	if err != nil {
		h.logger.Warn("Failed to resolve active order",
			zap.String("driver_id", driverID),
			zap.Error(err))
		return
	}
	if orderID != "" {
		event.OrderID = orderID
		h.stream.Publish(models.OrderTopic(orderID), event)
	}
}

func (h *Hub) sendSnapshot(ctx context.Context, conn *Conn, orderID string) {
	snap, err := h.orders.StatusSnapshot(ctx, orderID)
	if err != nil {
		h.replyError(conn, "order not found")
		return
	}
	h.replySnapshot(conn, snap)
}

// attach adds the connection to a topic, starting the topic's pump from
// the event stream when it gains its first subscriber.
func (h *Hub) attach(topic string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.closed {
		return
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Conn]struct{})
		h.topics[topic] = set
		sub := h.stream.Subscribe(topic)
		h.pumps[topic] = sub
		go h.pump(topic, sub)
	}
	if _, ok := set[conn]; !ok {
		set[conn] = struct{}{}
		util.TrackingSubscriptions.Inc()
	}
}

func (h *Hub) unsubscribe(conn *Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(topic, conn)
}

// detachLocked must be called with h.mu held. Dropping the last
// subscriber cancels the topic's stream subscription, which ends its
// pump goroutine.
func (h *Hub) detachLocked(topic string, conn *Conn) {
	set, ok := h.topics[topic]
	if !ok {
		return
	}
	if _, ok := set[conn]; !ok {
		return
	}
	delete(set, conn)
	util.TrackingSubscriptions.Dec()
	if len(set) == 0 {
		delete(h.topics, topic)
		if sub, ok := h.pumps[topic]; ok {
			delete(h.pumps, topic)
			h.stream.Unsubscribe(sub)
		}
	}
}

// pump relays one topic's events from the stream into subscriber queues.
func (h *Hub) pump(topic string, sub *bus.Subscription) {
	for event := range sub.C() {
		h.fanout(topic, event)
	}
}

// fanout delivers one event to every connection on the topic without
// blocking. A connection whose queue is full is detached from the topic;
// its other subscriptions stay intact.
func (h *Hub) fanout(topic string, event models.Event) {
	frame, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.topics[topic] {
		select {
		case conn.out <- frame:
			util.TrackingEventsSent.Inc()
		default:
			h.logger.Warn("Dropping slow tracking subscriber",
				zap.String("topic", topic),
				zap.String("actor_id", conn.actor.ID))
			util.TrackingSubscribersDropped.Inc()
			h.detachLocked(topic, conn)
		}
	}
}

func (h *Hub) replySnapshot(conn *Conn, snap *models.StatusSnapshot) {
	snap.Timestamp = h.now()
	h.reply(conn, struct {
		Type string `json:"type"`
		*models.StatusSnapshot
	}{Type: models.ReplyTypeOrderStatus, StatusSnapshot: snap})
}

func (h *Hub) replyError(conn *Conn, detail string) {
	h.reply(conn, map[string]string{
		"type":   models.ReplyTypeError,
		"detail": detail,
	})
}

// reply queues a direct response on the connection. Responses compete
// with broadcast events for the same bounded queue; if it is full the
// reply is dropped, not the connection.
func (h *Hub) reply(conn *Conn, payload any) {
	frame, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if conn.closed {
		return
	}
	select {
	case conn.out <- frame:
	default:
		h.logger.Warn("Dropping reply to slow connection",
			zap.String("actor_id", conn.actor.ID))
	}
}
