package api

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"camwatch-backend/internal/hub"
	"camwatch-backend/internal/metrics"
	"camwatch-backend/internal/mw"
)

// Stream holds the caller's real-time connection open as server-sent events. Pushed
// commands arrive as "command" events and presence changes as "presence" events.
//
// Employees join the liveness group and their private channel, and their presence is
// tracked. Supervisors only watch: they receive presence broadcasts but never count as
// connected and have no presence row.
func (h *Handler) Stream(c *gin.Context) {
	p, _ := mw.PrincipalFrom(c)
	ctx := c.Request.Context()

	var conn *hub.Conn
	if p.Role == mw.RoleEmployee {
		if err := h.ensureEmployee(c, p); err != nil {
			respondError(c, err)
			return
		}
		conn = h.hub.Connect(p.Email)
	} else {
		conn = h.hub.Watch(p.Email)
	}
	metrics.TransportConnected(1)
	defer func() {
		h.hub.Disconnect(conn)
		metrics.TransportConnected(-1)
		if p.Role != mw.RoleEmployee {
			return
		}
		// The request context is already cancelled here.
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.Disconnected(offCtx, p.Email); err != nil {
			log.Printf("api: marking %s offline failed: %v", p.Email, err)
		}
	}()

	if p.Role == mw.RoleEmployee {
		if err := h.presence.Connected(ctx, p.Email); err != nil {
			// The connection is live; reconciliation repairs the record later.
			log.Printf("api: marking %s online failed: %v", p.Email, err)
		}
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"email": p.Email})
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-conn.Done():
			return false
		case msg := <-conn.Messages():
			c.SSEvent(msg.Event, string(msg.Data))
			return true
		case <-ticker.C:
			c.SSEvent("ping", h.now().Format(time.RFC3339))
			return true
		}
	})
}
