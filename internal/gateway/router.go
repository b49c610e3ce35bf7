package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/agendo/agendo/internal/common/logger"
)

// NewRouter builds the worker's HTTP router with the standard middleware.
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS())

	router.GET("/health", h.HealthCheck)
	SetupRoutes(router.Group("/api/v1"), h)
	return router
}

// SetupRoutes registers the session API under the given group.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	router.GET("/status", h.GetStatus)

	sessions := router.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.POST("", h.CreateSession)
		sessions.GET("/:sessionId", h.GetSession)

		// Control surface.
		sessions.POST("/:sessionId/message", h.PostMessage)
		sessions.POST("/:sessionId/cancel", h.CancelSession)
		sessions.POST("/:sessionId/interrupt", h.InterruptSession)
		sessions.POST("/:sessionId/redirect", h.RedirectSession)
		sessions.POST("/:sessionId/approval", h.PostApproval)
		sessions.POST("/:sessionId/answer", h.PostAnswer)
		sessions.POST("/:sessionId/tool-result", h.PostToolResult)
		sessions.POST("/:sessionId/permission-mode", h.SetPermissionMode)
		sessions.POST("/:sessionId/model", h.SetModel)

		// Stream bridges.
		sessions.GET("/:sessionId/events/stream", h.StreamEvents)
		sessions.GET("/:sessionId/logs/stream", h.StreamLogs)
		sessions.GET("/:sessionId/logs/ws", h.StreamLogsWS)
	}
}
