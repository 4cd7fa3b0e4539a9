// Package httpapi exposes the session lifecycle's CRUD and history
// surface over HTTP/JSON via gin, delegating every lifecycle decision to
// the session coordinator (spec.md §6).
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/projectregistry"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/session"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// Handler holds the HTTP handlers for the session API.
type Handler struct {
	coordinator *session.Coordinator
	projects    *projectregistry.Registry
	log         *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(coordinator *session.Coordinator, projects *projectregistry.Registry, log *logger.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		projects:    projects,
		log:         log.WithFields(zap.String("component", "httpapi")),
	}
}

func writeErr(c *gin.Context, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": apperr.CodeInternal, "message": err.Error()}})
		return
	}
	c.JSON(ae.HTTPStatus, gin.H{"error": gin.H{"code": ae.Code, "message": ae.Message}})
}

// CreateSessionRequest is the POST /sessions body.
type CreateSessionRequest struct {
	ProjectID      string              `json:"project_id" binding:"required"`
	Name           string              `json:"name"`
	PermissionMode v1.PermissionMode   `json:"permission_mode"`
	ToolsAllowlist []string            `json:"tools_allowlist"`
	Model          string              `json:"model"`
	WorkingDir     string              `json:"working_directory"`
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.BadRequest(err.Error()))
		return
	}

	s, err := h.coordinator.Create(c.Request.Context(), req.ProjectID, session.CreateOptions{
		Name:           req.Name,
		PermissionMode: req.PermissionMode,
		ToolsAllowlist: req.ToolsAllowlist,
		Model:          req.Model,
		WorkingDir:     req.WorkingDir,
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.coordinator.List(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.coordinator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// StartSession handles POST /api/v1/sessions/:id/start.
func (h *Handler) StartSession(c *gin.Context) {
	if err := h.coordinator.Start(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "session started"})
}

// sendMessageRequest is the POST /sessions/:id/messages body.
type sendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendMessage handles POST /api/v1/sessions/:id/messages.
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.coordinator.Send(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "message enqueued"})
}

// ListMessages handles GET /api/v1/sessions/:id/messages.
func (h *Handler) ListMessages(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	result, err := h.coordinator.ListMessages(c.Param("id"), offset, limit)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records":  result.Records,
		"total":    result.Total,
		"has_more": result.HasMore,
		"warnings": result.Warnings,
	})
}

// Interrupt handles POST /api/v1/sessions/:id/interrupt.
func (h *Handler) Interrupt(c *gin.Context) {
	if err := h.coordinator.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "interrupt sent"})
}

// respondPermissionRequest is the POST /sessions/:id/permissions/:requestId body.
type respondPermissionRequest struct {
	Allow              bool     `json:"allow"`
	AppliedSuggestions []string `json:"applied_suggestions"`
	Guidance           string   `json:"guidance"`
}

// RespondPermission handles POST /api/v1/sessions/:id/permissions/:requestId.
func (h *Handler) RespondPermission(c *gin.Context) {
	var req respondPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.BadRequest(err.Error()))
		return
	}
	err := h.coordinator.RespondPermission(c.Request.Context(), c.Param("id"), c.Param("requestId"), req.Allow, req.AppliedSuggestions, req.Guidance)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "decision recorded"})
}

// applySuggestionRequest is the POST /sessions/:id/permissions/suggestions body.
type applySuggestionRequest struct {
	v1.PermissionSuggestion
}

// ApplyPermissionSuggestion handles the supplemental durable-rule endpoint.
func (h *Handler) ApplyPermissionSuggestion(c *gin.Context) {
	var req applySuggestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.coordinator.ApplyPermissionSuggestion(c.Request.Context(), c.Param("id"), req.PermissionSuggestion); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "suggestion applied"})
}

// setPermissionModeRequest is the PATCH /sessions/:id/permission-mode body.
type setPermissionModeRequest struct {
	Mode v1.PermissionMode `json:"mode" binding:"required"`
}

// SetPermissionMode handles PATCH /api/v1/sessions/:id/permission-mode.
func (h *Handler) SetPermissionMode(c *gin.Context) {
	var req setPermissionModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.coordinator.SetPermissionMode(c.Request.Context(), c.Param("id"), req.Mode); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "permission mode updated"})
}

// renameSessionRequest is the PATCH /sessions/:id body.
type renameSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

// RenameSession handles PATCH /api/v1/sessions/:id.
func (h *Handler) RenameSession(c *gin.Context) {
	var req renameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.coordinator.UpdateName(c.Request.Context(), c.Param("id"), req.Name); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session renamed"})
}

// TerminateSession handles POST /api/v1/sessions/:id/terminate.
func (h *Handler) TerminateSession(c *gin.Context) {
	if err := h.coordinator.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session terminated"})
}

// DeleteSession handles DELETE /api/v1/sessions/:id.
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.coordinator.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session deleted"})
}

// ToolCallView handles GET /api/v1/sessions/:id/tool-calls, the
// supplemental reconciliation endpoint (SPEC_FULL supplemental feature
// #1).
func (h *Handler) ToolCallView(c *gin.Context) {
	calls, err := h.coordinator.ToolCallView(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool_calls": calls})
}

// ListProjects handles GET /api/v1/projects.
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.projects.List(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// createProjectRequest is the POST /projects body.
type createProjectRequest struct {
	Name       string `json:"name" binding:"required"`
	WorkingDir string `json:"working_directory" binding:"required"`
}

// CreateProject handles POST /api/v1/projects.
func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.BadRequest(err.Error()))
		return
	}
	p, err := h.projects.Create(c.Request.Context(), req.Name, req.WorkingDir)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// updateProjectRequest is the PATCH /projects/:id body.
type updateProjectRequest struct {
	Name       string `json:"name"`
	WorkingDir string `json:"working_directory"`
}

// UpdateProject handles PATCH /api/v1/projects/:id.
func (h *Handler) UpdateProject(c *gin.Context) {
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apperr.BadRequest(err.Error()))
		return
	}
	p, err := h.projects.Update(c.Request.Context(), c.Param("id"), req.Name, req.WorkingDir)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// DeleteProject handles DELETE /api/v1/projects/:id.
func (h *Handler) DeleteProject(c *gin.Context) {
	if err := h.projects.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "project deleted"})
}

// Health handles GET /healthz.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
