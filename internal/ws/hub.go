// Package ws is the websocket transport: handshake, per-connection read and
// write pumps and the routing of client events to the relay services.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"relay-service/internal/auth"
	"relay-service/internal/lifecycle"
	"relay-service/internal/observability"
	"relay-service/internal/registry"
	"relay-service/internal/relay"
	"relay-service/internal/rooms"
	"relay-service/internal/signaling"
)

type Config struct {
	// AuthRequired rejects handshakes without a valid token.
	AuthRequired bool
	SendBuffer   int
	RatePerSec   float64
	RateBurst    int
}

type Deps struct {
	Registry  *registry.Registry
	Rooms     *rooms.Service
	Relay     *relay.Relay
	Broker    *signaling.Broker
	Lifecycle *lifecycle.Handler
	Tokens    auth.TokenValidator
}

// Hub accepts websocket connections and keeps track of the live clients.
type Hub struct {
	Deps
	cfg Config

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

func NewHub(deps Deps, cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
	return &Hub{Deps: deps, cfg: cfg, clients: make(map[*Client]struct{})}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle upgrades the request and serves the connection until it closes.
func (h *Hub) Handle(c *gin.Context) {
	ctx, span := observability.Tracer().Start(c.Request.Context(), "ws.handshake")

	userID := 0
	if token := tokenFromRequest(c); token != "" && h.Tokens != nil {
		id, err := h.Tokens.ValidateToken(ctx, token)
		if err != nil {
			span.End()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID = id
	} else if h.cfg.AuthRequired {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	traceID := span.SpanContext().TraceID().String()
	span.End()

	meta := observability.RequestMetaFrom(c.Request)
	info := ConnInfo{
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	client := newClient(h, conn, info)
	client.id = h.Registry.Register(client)
	if userID > 0 {
		_ = h.Registry.BindIdentity(client.id, userID)
	}
	h.track(client)

	observability.IncWSActive()
	observability.IncWSEvent("connect", "ok")
	_ = observability.PublishEvent(ctx, observability.WSEventsRoutingKey,
		observability.WSEvent("ws_connect", info.identity(string(client.id), userID), ""),
		observability.BuildHeaders(info.RequestID, traceID))
	log.Info().Str("conn_id", string(client.id)).Int("user_id", userID).Str("ip", info.IP).Msg("websocket connected")

	go client.writePump()
	client.readPump()
}

// Clients returns the number of live clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every client with a going-away frame and waits for their
// cleanup to finish or ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for c := range h.clients {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) track(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.wg.Add(1)
}

// release runs the disconnect cascade once the read pump has stopped.
func (h *Hub) release(c *Client, reason string) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	userID, _ := h.Registry.UserOf(c.id)
	h.Lifecycle.Disconnect(ctx, c.id, reason, c.info.identity(string(c.id), userID))

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}
