package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"taskbridge/internal/intent"
	"taskbridge/internal/logging"
	"taskbridge/internal/server/app"
	"taskbridge/internal/server/ports"
)

// APIHandler handles the REST task endpoints.
type APIHandler struct {
	coordinator *app.Coordinator
	store       ports.TaskStore
	logger      logging.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(coordinator *app.Coordinator, store ports.TaskStore) *APIHandler {
	return &APIHandler{
		coordinator: coordinator,
		store:       store,
		logger:      logging.NewComponentLogger("APIHandler"),
	}
}

// CreateTaskRequest accepts either a structured task or free text that is
// routed through the intent parser.
type CreateTaskRequest struct {
	Task     string `json:"task"`
	Text     string `json:"text"`
	RepoURL  string `json:"repo_url"`
	RepoPath string `json:"repo_path"`
}

// HandleCreateTask handles POST /api/tasks.
func (h *APIHandler) HandleCreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	description := strings.TrimSpace(req.Task)
	repoURL := req.RepoURL

	if description == "" {
		text := strings.TrimSpace(req.Text)
		if text == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "task text is required"})
			return
		}

		command := intent.Parse(text)
		switch command.Intent {
		case intent.IntentCreateTask:
			description = command.Task
			if repoURL == "" {
				repoURL = command.RepoURL
			}
		case intent.IntentCheckStatus, intent.IntentListTasks:
			tasks, err := h.store.List(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"intent": command.Intent, "tasks": tasks})
			return
		case intent.IntentCancelTask:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "cancellation needs a task id; use POST /api/tasks/:id/cancel",
				"intent": command.Intent,
			})
			return
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "could not understand the request",
				"intent": intent.IntentUnknown,
			})
			return
		}
	}

	h.logger.Info("Creating task: task='%s'", description)
	task, err := h.coordinator.Submit(c.Request.Context(), description, repoURL, req.RepoPath)
	if err != nil {
		if errors.Is(err, app.ErrEmptyDescription) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "task text is required"})
			return
		}
		h.logger.Error("Failed to create task: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	c.JSON(http.StatusCreated, task)
}

// HandleListTasks handles GET /api/tasks.
func (h *APIHandler) HandleListTasks(c *gin.Context) {
	tasks, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// HandleGetTask handles GET /api/tasks/:id.
func (h *APIHandler) HandleGetTask(c *gin.Context) {
	task, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, app.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// HandleCancelTask handles POST /api/tasks/:id/cancel.
func (h *APIHandler) HandleCancelTask(c *gin.Context) {
	task, err := h.coordinator.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		case errors.Is(err, app.ErrTerminalTask):
			c.JSON(http.StatusConflict, gin.H{"error": "task already finished"})
		default:
			h.logger.Error("Failed to cancel task %s: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel task"})
		}
		return
	}
	c.JSON(http.StatusOK, task)
}
