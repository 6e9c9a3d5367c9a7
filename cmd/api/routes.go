package main

import (
	"net/http"
	"time"

	"telecrm/internal/auth"
	"telecrm/internal/httpapi"
	"telecrm/internal/metrics"
	"telecrm/internal/rbac"
	"telecrm/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler(d.metrics)))

	// Provider webhooks (public, verified by the configured Verifier).
	hooks := r.Group("/webhooks/provider")
	if d.limiter != nil {
		hooks.Use(httpapi.RateLimit(d.limiter))
	}
	hooks.POST("/status", d.webhook.Handle)

	v1 := r.Group("/v1")
	if d.limiter != nil {
		v1.Use(httpapi.RateLimit(d.limiter))
	}

	// Token issuance for local and staging.
	v1.POST("/auth/login", d.api.Login)

	// Browsers cannot set headers on the websocket upgrade, so the token may
	// also arrive as ?token=.
	v1.GET("/signaling/ws", auth.RequireAccessTokenOrQuery(d.auth), d.signal.Serve)

	protected := v1.Group("")
	protected.Use(auth.RequireAccessToken(d.auth))
	{
		protected.GET("/me", d.api.Me)

		// CALLS routes
		calls := protected.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleManager, rbac.RoleCaller))
		{
			calls.POST("", d.api.InitiateCall)
			calls.GET("/summary", d.api.CallsSummary)
			calls.GET("/:id", d.api.GetCall)
			calls.PATCH("/:id", d.api.UpdateCall)
			calls.POST("/:id/end", d.api.EndCall)
			calls.GET("/:id/audit", rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleManager), d.api.CallAudit)
		}
	}
}
