package main

import (
	"comms-platform/internal/config"
	"comms-platform/internal/httpapi"
	"comms-platform/internal/ingest"
	"comms-platform/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	cfg      config.Config
	rdb      *redis.Client
	authMW   gin.HandlerFunc
	webhooks *ingest.Handler
	api      *httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public; token-in-path plus signature verification
	// is their auth). Literal status-callback routes MUST be registered
	// before the parameterized route so they are not captured as tokens.
	hooks := r.Group("/webhooks")
	hooks.Use(ingest.RateLimit(deps.rdb, deps.cfg.RateLimit.RequestsPerWindow, deps.cfg.RateLimit.Window))
	{
		hooks.POST("/twilio/sms/status", deps.webhooks.TwilioMessageStatus)
		hooks.POST("/twilio/voice/status", deps.webhooks.TwilioCallStatus)
		hooks.POST("/:provider/:token", deps.webhooks.ProviderWebhook)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(deps.authMW)
	v1.Use(rbac.RequireWorkspace())
	{
		sync := v1.Group("/sync")
		sync.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin))
		{
			sync.POST("", deps.api.StartSync)
			sync.GET("/status", deps.api.GetSyncStatus)
			sync.POST("/cancel", deps.api.CancelSync)
			sync.POST("/quick", deps.api.QuickSync)
		}

		reads := v1.Group("")
		reads.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleAgent))
		{
			reads.GET("/conversations", deps.api.ListConversations)
			reads.GET("/contacts/:number/history", deps.api.ContactHistory)
			reads.POST("/messages", deps.api.SendMessage)
		}

		subs := v1.Group("/subscriptions")
		subs.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin))
		{
			subs.POST("", deps.api.CreateSubscription)
			subs.GET("", deps.api.ListSubscriptions)
			subs.DELETE("/:id", deps.api.DeleteSubscription)
			subs.POST("/:id/reactivate", deps.api.ReactivateSubscription)
		}
	}
}
