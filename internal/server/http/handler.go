package http

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"retouch/internal/backend"
	"retouch/internal/logging"
	"retouch/internal/service"
	"retouch/internal/session"
	"retouch/internal/task"
)

// turnBody is the JSON body shared by the synchronous endpoints.
type turnBody struct {
	Prompt string   `json:"prompt" binding:"required"`
	Model  string   `json:"model"`
	Gem    string   `json:"gem"`
	Images []string `json:"images"`
}

// asyncBody adds the async-only fields.
type asyncBody struct {
	turnBody
	SessionID  string `json:"session_id"`
	WebhookURL string `json:"webhook_url"`
}

// Handler maps HTTP routes onto the dispatcher.
type Handler struct {
	svc      *service.Service
	tasks    *task.Registry
	sessions *session.Store
	logger   logging.Logger
}

// NewHandler builds the route handler.
func NewHandler(svc *service.Service, tasks *task.Registry, sessions *session.Store, logger logging.Logger) *Handler {
	return &Handler{
		svc:      svc,
		tasks:    tasks,
		sessions: sessions,
		logger:   logging.OrNop(logger),
	}
}

// CreateSession runs the first turn of a new session inline.
func (h *Handler) CreateSession(c *gin.Context) {
	var body turnBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	result, err := h.svc.StartSession(c.Request.Context(), service.TurnRequest{
		Prompt:    body.Prompt,
		Model:     body.Model,
		Gem:       body.Gem,
		ImageURLs: body.Images,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// ContinueSession runs a follow-up turn on an existing session inline.
func (h *Handler) ContinueSession(c *gin.Context) {
	var body turnBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	result, err := h.svc.ContinueSession(c.Request.Context(), service.TurnRequest{
		SessionID: c.Param("id"),
		Prompt:    body.Prompt,
		Model:     body.Model,
		Gem:       body.Gem,
		ImageURLs: body.Images,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SubmitAsync accepts a turn for background execution and returns the
// pending task immediately.
func (h *Handler) SubmitAsync(c *gin.Context) {
	var body asyncBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	// An unknown model is rejected before any task is created.
	if _, err := backend.ResolveModel(body.Model); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t := h.svc.SubmitAsync(c.Request.Context(), service.TurnRequest{
		SessionID:  body.SessionID,
		Prompt:     body.Prompt,
		Model:      body.Model,
		Gem:        body.Gem,
		ImageURLs:  body.Images,
		WebhookURL: body.WebhookURL,
	})
	c.JSON(http.StatusAccepted, gin.H{
		"task_id": t.ID,
		"status":  t.Status,
		"message": "task accepted for processing",
	})
}

// GetTask reports the registry's current view of one task.
func (h *Handler) GetTask(c *gin.Context) {
	t, err := h.tasks.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListTasks pages through known tasks, newest first.
func (h *Handler) ListTasks(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	tasks, total, err := h.tasks.List(limit, offset)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":  tasks,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetSession returns a session snapshot with its history.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListModels reports the models accepted by the generation backend.
func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": backend.ModelNames()})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var invalidModel *backend.InvalidModelError
	var backendErr *backend.Error

	switch {
	case stderrors.As(err, &invalidModel):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case stderrors.Is(err, service.ErrImageFetch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case stderrors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case stderrors.Is(err, session.ErrSessionBusy), stderrors.Is(err, session.ErrSessionFull):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case backend.IsTimeout(err):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case stderrors.As(err, &backendErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
