package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relay-service/internal/registry"
	"relay-service/internal/signaling"
	"relay-service/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, reg *registry.Registry, broker *signaling.Broker, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/calls", func(c *gin.Context) {
		calls := map[string]int{}
		for roomID, n := range broker.ActiveCalls() {
			calls[strconv.Itoa(roomID)] = n
		}
		c.JSON(http.StatusOK, gin.H{"connections": reg.Count(), "calls": calls})
	})
}
