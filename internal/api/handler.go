package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"camwatch-backend/internal/dispatch"
	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/hub"
	"camwatch-backend/internal/identity"
	"camwatch-backend/internal/presence"
	"camwatch-backend/internal/reconcile"
	"camwatch-backend/internal/store"
)

// Deps are the services the API is built on.
type Deps struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Presence   *presence.Service
	Reconciler *reconcile.Service
	Resolver   *identity.Resolver
	Hub        *hub.Hub
	WebPush    *webpush.Options

	// CommandTTL is applied to commands issued without ttlSeconds. Zero disables expiry.
	CommandTTL time.Duration
	KeepAlive  time.Duration
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	presence   *presence.Service
	reconciler *reconcile.Service
	resolver   *identity.Resolver
	hub        *hub.Hub
	webpush    *webpush.Options
	commandTTL time.Duration
	keepAlive  time.Duration
	now        func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &Handler{
		store:      d.Store,
		dispatcher: d.Dispatcher,
		presence:   d.Presence,
		reconciler: d.Reconciler,
		resolver:   d.Resolver,
		hub:        d.Hub,
		webpush:    d.WebPush,
		commandTTL: d.CommandTTL,
		keepAlive:  keepAlive,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// respondError maps an error class to its HTTP status. Server-side failures are logged
// and reported without detail.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Printf("api: %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func invalidRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}
