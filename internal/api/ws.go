package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"courier-service/internal/hub"
	"courier-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// WSHandler upgrades tracking requests and bridges the socket to the hub.
// The hub owns fan-out and subscription state; this layer only moves
// frames and enforces socket-level deadlines.
type WSHandler struct {
	hub      *hub.Hub
	identity IdentityVerifier
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSHandler creates the websocket entry point.
func NewWSHandler(h *hub.Hub, identity IdentityVerifier) *WSHandler {
	return &WSHandler{
		hub:      h,
		identity: identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: util.GetLogger(),
	}
}

// checkOrigin admits non-browser clients (no Origin header) and
// same-host browsers. Cross-origin browser access goes through the edge
// gateway, which rewrites Host for allowed frontends.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Serve authenticates the request, upgrades it, and runs the connection
// until either side closes.
func (h *WSHandler) Serve(c *gin.Context) {
	actor, err := h.identity.Verify(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid identity"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	conn := h.hub.Register(actor)
	go h.writeLoop(ws, conn)
	h.readLoop(c, ws, conn)
}

// readLoop pumps inbound frames into the hub. It exits on the first read
// error, which unregisters the connection and ends the write loop.
func (h *WSHandler) readLoop(c *gin.Context, ws *websocket.Conn, conn *hub.Conn) {
	defer func() {
		h.hub.Unregister(conn)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Websocket read error",
					zap.String("actor_id", conn.Actor().ID),
					zap.Error(err))
			}
			return
		}
		h.hub.HandleMessage(c.Request.Context(), conn, data)
	}
}

// writeLoop drains the hub's outbound queue onto the socket and keeps the
// connection alive with pings.
func (h *WSHandler) writeLoop(ws *websocket.Conn, conn *hub.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame, ok := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
