package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Healthz reports whether the database is reachable.
func (h *Handler) Healthz(c *gin.Context) {
	sqlDB, err := h.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": len(h.hub.Members(h.hub.LivenessGroup())),
	})
}
