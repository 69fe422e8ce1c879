package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"relay-service/internal/relay"
	"relay-service/internal/rooms"
	"relay-service/internal/signaling"
)

// RoomHandler serves the REST side of rooms: direct room lookup, message
// history and call presence.
type RoomHandler struct {
	rooms  *rooms.Service
	relay  *relay.Relay
	broker *signaling.Broker
}

func NewRoomHandler(roomSvc *rooms.Service, r *relay.Relay, broker *signaling.Broker) *RoomHandler {
	return &RoomHandler{rooms: roomSvc, relay: r, broker: broker}
}

func (h *RoomHandler) Register(group gin.IRoutes) {
	group.POST("/rooms/direct", h.OpenDirectRoom)
	group.GET("/rooms/:room_id", h.GetRoom)
	group.GET("/rooms/:room_id/messages", h.GetMessages)
	group.GET("/rooms/:room_id/call", h.GetCall)
}

// OpenDirectRoom finds or creates the direct room between the caller and peer_id.
func (h *RoomHandler) OpenDirectRoom(c *gin.Context) {
	userID := userIDFromContext(c)

	var req struct {
		PeerID int `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.PeerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer_id"})
		return
	}

	room, err := h.rooms.FindOrCreateDirectRoom(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestIDFromContext(c)).Int("user_id", userID).Msg("open direct room")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	room, err := h.rooms.Room(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !room.HasMember(userIDFromContext(c)) {
		writeError(c, relay.ErrNotAMember)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// GetMessages returns room history, oldest first. before pages backwards by message id.
func (h *RoomHandler) GetMessages(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	before, err := strconv.Atoi(c.DefaultQuery("before", "0"))
	if err != nil || before < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
		return
	}

	msgs, err := h.relay.History(c.Request.Context(), roomID, userIDFromContext(c), limit, before)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GetCall reports who is in the room's call.
func (h *RoomHandler) GetCall(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	member, err := h.rooms.IsMember(c.Request.Context(), roomID, userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if !member {
		writeError(c, relay.ErrNotAMember)
		return
	}

	participants := h.broker.Participants(roomID)
	c.JSON(http.StatusOK, gin.H{
		"room_id":      roomID,
		"count":        len(participants),
		"participants": participants,
	})
}

func roomIDParam(c *gin.Context) (int, bool) {
	roomID, err := strconv.Atoi(c.Param("room_id"))
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, false
	}
	return roomID, true
}
