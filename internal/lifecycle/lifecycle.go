// Package lifecycle runs the cleanup cascade of a closed connection.
package lifecycle

import (
	"context"

	"github.com/rs/zerolog/log"

	"relay-service/internal/observability"
	"relay-service/internal/registry"
	"relay-service/internal/signaling"
)

type Handler struct {
	registry *registry.Registry
	broker   *signaling.Broker
}

func New(reg *registry.Registry, broker *signaling.Broker) *Handler {
	return &Handler{registry: reg, broker: broker}
}

// Disconnect leaves every call channel of conn (one rtc_peer_left per
// channel), deregisters it and publishes ws_disconnect. Calling it again for
// the same connection is a no-op that returns false.
func (h *Handler) Disconnect(ctx context.Context, conn registry.ConnID, reason string, identity observability.ConnIdentity) (registry.Snapshot, bool) {
	snap, ok := h.registry.Snapshot(conn)
	if !ok {
		return registry.Snapshot{}, false
	}

	for _, roomID := range snap.Calls {
		h.broker.Disconnect(ctx, conn, roomID)
	}

	final, ok := h.registry.Deregister(conn)
	if !ok {
		return registry.Snapshot{}, false
	}

	identity.ConnID = string(conn)
	identity.UserID = final.UserID
	observability.DecWSActive()
	observability.IncWSEvent("disconnect", "ok")
	_ = observability.PublishEvent(ctx, observability.WSEventsRoutingKey,
		observability.WSEvent("ws_disconnect", identity, reason),
		observability.BuildHeaders(identity.RequestID, identity.TraceID))

	log.Info().
		Str("conn_id", string(conn)).
		Int("user_id", final.UserID).
		Ints("rooms", final.Rooms).
		Ints("calls", snap.Calls).
		Str("reason", reason).
		Msg("connection closed")
	return final, true
}
