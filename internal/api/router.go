package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"camwatch-backend/config"
	"camwatch-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)

	cacheTTL := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(cacheTTL, 2*cacheTTL)
	caching := mw.Cache(cacheStore, cacheTTL)

	api := r.Group("/api")
	api.Use(mw.Auth([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer), rateLimiter)
	{
		api.GET("/stream", h.Stream)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)

		employee := api.Group("", mw.RequireRole(mw.RoleEmployee))
		employee.GET("/commands/pending", h.GetPendingCommands)
		employee.POST("/commands/ack", h.AckCommands)
		employee.POST("/presence/heartbeat", h.Heartbeat)

		supervisor := api.Group("", mw.RequireRole(mw.RoleSupervisor))
		supervisor.POST("/commands", h.PostCommand)
		supervisor.GET("/presence", caching, h.GetRoster)
		supervisor.PUT("/employees", h.PutEmployee)
		supervisor.POST("/reconcile", h.PostReconcile)
		supervisor.GET("/subscriptions", h.GetSubscription)
		supervisor.PUT("/subscriptions", h.PutSubscription)
		supervisor.DELETE("/subscriptions", h.DeleteSubscription)
	}

	return r
}
