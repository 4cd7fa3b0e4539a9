package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/projectregistry"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/session"
)

// WSRoutes lets the caller register the WebSocket planes alongside the
// REST routes without httpapi importing wsgateway.
type WSRoutes interface {
	StreamSession(c *gin.Context)
	StreamGlobal(c *gin.Context)
}

// SetupRoutes configures the full HTTP surface: health, projects,
// sessions, messages, and (via ws) the two WebSocket planes (spec.md §6).
func SetupRoutes(router *gin.Engine, coordinator *session.Coordinator, projects *projectregistry.Registry, ws WSRoutes, log *logger.Logger) {
	h := NewHandler(coordinator, projects, log)

	router.GET("/healthz", h.Health)

	api := router.Group("/api/v1")

	projectsGroup := api.Group("/projects")
	{
		projectsGroup.GET("", h.ListProjects)
		projectsGroup.POST("", h.CreateProject)
		projectsGroup.PATCH("/:id", h.UpdateProject)
		projectsGroup.DELETE("/:id", h.DeleteProject)
	}

	sessions := api.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.PATCH("/:id", h.RenameSession)
		sessions.DELETE("/:id", h.DeleteSession)
		sessions.POST("/:id/start", h.StartSession)
		sessions.POST("/:id/terminate", h.TerminateSession)
		sessions.POST("/:id/interrupt", h.Interrupt)
		sessions.PATCH("/:id/permission-mode", h.SetPermissionMode)
		sessions.POST("/:id/messages", h.SendMessage)
		sessions.GET("/:id/messages", h.ListMessages)
		sessions.GET("/:id/tool-calls", h.ToolCallView)
		sessions.POST("/:id/permissions/:requestId", h.RespondPermission)
		sessions.POST("/:id/permissions/suggestions", h.ApplyPermissionSuggestion)

		if ws != nil {
			sessions.GET("/:id/stream", ws.StreamSession)
		}
	}

	if ws != nil {
		api.GET("/stream", ws.StreamGlobal)
	}
}
