package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"lead-qualifier/internal/auth"
	"lead-qualifier/internal/config"
	"lead-qualifier/internal/httpapi"
	"lead-qualifier/internal/telephony"
	"lead-qualifier/pkg/utils"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, a *app) {
	r.GET("/healthz", healthz(a.db, a.rdb))
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	// Provider webhooks. Signature validation is required in production.
	hooks := r.Group("")
	if cfg.Twilio.VerifySignature {
		hooks.Use(telephony.RequireSignature(cfg.Twilio.AuthToken, cfg.App.PublicBaseURL))
	}
	telephony.WebhookHandler{
		Calls:     a.dispatcher,
		Callbacks: a.callbacks,
		TwiML:     a.renderer,
	}.Register(hooks)

	h := httpapi.Handlers{
		Auth:      a.auth,
		Operators: a.operators,
		Calls:     a.dispatcher,
		Sessions:  a.repo,
		Audit:     a.audit,
		Reports:   a.reports,
	}
	h.Register(r.Group("/v1"), auth.RequireAccessToken(a.auth), a.hub.ServeWS)
}

// healthz pings whichever stores are configured; the memory store is always healthy.
func healthz(db *sql.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		code := http.StatusOK
		if db != nil {
			if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
				body["status"], body["postgres"], code = "degraded", err.Error(), http.StatusServiceUnavailable
			}
		}
		if rdb != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err := rdb.Ping(ctx).Err()
			cancel()
			if err != nil {
				body["status"], body["redis"], code = "degraded", "redis: ping: "+err.Error(), http.StatusServiceUnavailable
			}
		}
		c.JSON(code, body)
	}
}
