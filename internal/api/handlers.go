// Package api exposes the engine over HTTP with hertz.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"task-automation-service/internal/events"
	"task-automation-service/internal/listener"
	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
)

// UserHeader identifies the calling account.
const UserHeader = "X-User-ID"

const userKey = "user_id"

// Engine is the task engine surface served over HTTP.
type Engine interface {
	ListTasks(ctx context.Context, userID string) ([]models.Task, error)
	GetTask(ctx context.Context, id, userID string) (models.Task, error)
	CreateTask(ctx context.Context, t models.Task) (models.Task, error)
	UpdateTask(ctx context.Context, id, userID string, patch models.TaskPatch) (models.Task, error)
	DeleteTask(ctx context.Context, id, userID string) error
	ToggleStatus(ctx context.Context, id, userID string) (models.Task, error)
	RunNow(ctx context.Context, id, userID string, fields map[string]string) (models.TaskRun, bool, error)
	ListRuns(ctx context.Context, id, userID string, limit int) ([]models.TaskRun, error)
	GetCampaign(ctx context.Context, taskID, actionID, userID string) (models.EmailCampaign, error)
	CloseCampaign(ctx context.Context, taskID, actionID, userID string) (models.EmailCampaign, error)
	DeliverWebhook(ctx context.Context, key string, req listener.WebhookRequest) (string, error)
	HandleReply(ctx context.Context, userID string, email mail.InboundEmail) (int, error)
}

type TaskHandler struct {
	Engine Engine
}

func NewTaskHandler(e Engine) *TaskHandler {
	return &TaskHandler{Engine: e}
}

// RequireUser rejects requests without the X-User-ID header.
func RequireUser(ctx context.Context, c *app.RequestContext) {
	user := string(c.GetHeader(UserHeader))
	if user == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, utils.H{"error": UserHeader + " header is required"})
		return
	}
	c.Set(userKey, user)
	c.Next(ctx)
}

func userOf(c *app.RequestContext) string { return c.GetString(userKey) }

// writeError maps engine errors onto HTTP statuses.
func writeError(c *app.RequestContext, op string, err error) {
	var verr *models.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, listener.ErrInvalidSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		hlog.Errorf("API: %s failed: %v", op, err)
	}
	c.JSON(status, utils.H{"error": err.Error()})
}

func decodeBody(c *app.RequestContext, v any) bool {
	body := c.Request.Body()
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, utils.H{"error": verr.Error()})
			return false
		}
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return false
	}
	return true
}

func (h *TaskHandler) ListTasks(ctx context.Context, c *app.RequestContext) {
	tasks, err := h.Engine.ListTasks(ctx, userOf(c))
	if err != nil {
		writeError(c, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *TaskHandler) GetTask(ctx context.Context, c *app.RequestContext) {
	task, err := h.Engine.GetTask(ctx, c.Param("id"), userOf(c))
	if err != nil {
		writeError(c, "get task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) CreateTask(ctx context.Context, c *app.RequestContext) {
	var task models.Task
	if !decodeBody(c, &task) {
		return
	}
	task.UserID = userOf(c)
	created, err := h.Engine.CreateTask(ctx, task)
	if err != nil {
		writeError(c, "create task", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *TaskHandler) UpdateTask(ctx context.Context, c *app.RequestContext) {
	var patch models.TaskPatch
	if !decodeBody(c, &patch) {
		return
	}
	updated, err := h.Engine.UpdateTask(ctx, c.Param("id"), userOf(c), patch)
	if err != nil {
		writeError(c, "update task", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *TaskHandler) DeleteTask(ctx context.Context, c *app.RequestContext) {
	if err := h.Engine.DeleteTask(ctx, c.Param("id"), userOf(c)); err != nil {
		writeError(c, "delete task", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TaskHandler) ToggleStatus(ctx context.Context, c *app.RequestContext) {
	task, err := h.Engine.ToggleStatus(ctx, c.Param("id"), userOf(c))
	if err != nil {
		writeError(c, "toggle task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type RunRequest struct {
	Fields map[string]string `json:"fields"`
}

func (h *TaskHandler) RunNow(ctx context.Context, c *app.RequestContext) {
	var req RunRequest
	if !decodeBody(c, &req) {
		return
	}
	run, ran, err := h.Engine.RunNow(ctx, c.Param("id"), userOf(c), req.Fields)
	if err != nil {
		writeError(c, "run task", err)
		return
	}
	if !ran {
		c.JSON(http.StatusOK, utils.H{"ran": false, "message": "conditions not met"})
		return
	}
	c.JSON(http.StatusOK, utils.H{"ran": true, "run": run})
}

func (h *TaskHandler) ListRuns(ctx context.Context, c *app.RequestContext) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}
	runs, err := h.Engine.ListRuns(ctx, c.Param("id"), userOf(c), limit)
	if err != nil {
		writeError(c, "list runs", err)
		return
	}
	if runs == nil {
		runs = []models.TaskRun{}
	}
	c.JSON(http.StatusOK, runs)
}

func (h *TaskHandler) GetCampaign(ctx context.Context, c *app.RequestContext) {
	campaign, err := h.Engine.GetCampaign(ctx, c.Param("id"), c.Param("actionId"), userOf(c))
	if err != nil {
		writeError(c, "get campaign", err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (h *TaskHandler) CloseCampaign(ctx context.Context, c *app.RequestContext) {
	campaign, err := h.Engine.CloseCampaign(ctx, c.Param("id"), c.Param("actionId"), userOf(c))
	if err != nil {
		writeError(c, "close campaign", err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

// Webhook is the inbox of webhook triggers. The routing key is the last path
// segment of the trigger's webhookUrl.
func (h *TaskHandler) Webhook(ctx context.Context, c *app.RequestContext) {
	req := listener.WebhookRequest{
		Method:     string(c.Method()),
		Path:       string(c.Path()),
		RemoteAddr: c.RemoteAddr().String(),
		Header:     map[string]string{},
		Query:      map[string]string{},
		Body:       append([]byte(nil), c.Request.Body()...),
	}
	c.Request.Header.VisitAll(func(k, v []byte) {
		req.Header[http.CanonicalHeaderKey(string(k))] = string(v)
	})
	c.QueryArgs().VisitAll(func(k, v []byte) {
		req.Query[string(k)] = string(v)
	})
	taskID, err := h.Engine.DeliverWebhook(ctx, c.Param("key"), req)
	if err != nil {
		writeError(c, "deliver webhook", err)
		return
	}
	c.JSON(http.StatusAccepted, utils.H{"taskId": taskID})
}

// Reply ingests an inbound email for campaign reply matching. The account
// comes from the X-User-ID header or the payload; without one only
// correlation tokens match.
func (h *TaskHandler) Reply(ctx context.Context, c *app.RequestContext) {
	var payload events.InboundReplyPayload
	if !decodeBody(c, &payload) {
		return
	}
	if payload.From == "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": "from is required"})
		return
	}
	userID := string(c.GetHeader(UserHeader))
	if userID == "" {
		userID = payload.UserID
	}
	n, err := h.Engine.HandleReply(ctx, userID, payload.Email())
	if err != nil {
		writeError(c, "handle reply", err)
		return
	}
	c.JSON(http.StatusOK, utils.H{"matched": n})
}
