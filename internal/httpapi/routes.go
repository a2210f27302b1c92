package httpapi

import (
	"github.com/gin-gonic/gin"

	"lead-qualifier/internal/rbac"
)

// Register mounts the operator API on v1. authMW must verify access tokens. feed may be
// nil when the live feed is disabled.
func (h Handlers) Register(v1 *gin.RouterGroup, authMW gin.HandlerFunc, feed gin.HandlerFunc) {
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	protected := v1.Group("")
	protected.Use(authMW)
	protected.GET("/me", h.Me)

	read := rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer)
	write := rbac.RequireAnyRole(rbac.RoleOperator)

	callsGroup := protected.Group("/calls")
	{
		callsGroup.GET("", read, h.ListCalls)
		callsGroup.POST("", write, h.StartCall)
		callsGroup.GET("/:session_id", read, h.GetCall)
		callsGroup.POST("/:session_id/hangup", write, h.HangupCall)
	}

	reports := protected.Group("/reports")
	reports.Use(read)
	{
		reports.GET("/outcomes", h.OutcomeReport)
	}

	if feed != nil {
		protected.GET("/feed", read, feed)
	}
}
