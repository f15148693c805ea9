package engine

import (
	"context"
	"fmt"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"

	"task-automation-service/internal/listener"
	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
)

func (e *Engine) ListTasks(ctx context.Context, userID string) ([]models.Task, error) {
	return e.store.ListTasks(ctx, userID)
}

func (e *Engine) GetTask(ctx context.Context, id, userID string) (models.Task, error) {
	return e.store.GetTask(ctx, id, userID)
}

// CreateTask validates and stores a new task and starts its listener when it
// is active. Status defaults to active; error is set by the engine only.
func (e *Engine) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	t = t.Clone()
	t.ID, t.RunCount, t.LastRun, t.Version = "", 0, nil, 0
	switch t.Status {
	case "":
		t.Status = models.StatusActive
	case models.StatusActive, models.StatusInactive:
	default:
		return models.Task{}, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("a new task must be active or inactive, got %q", t.Status)}
	}
	assignActionIDs(&t)
	if err := e.validate(t); err != nil {
		return models.Task{}, err
	}
	created, err := e.store.CreateTask(ctx, t)
	if err != nil {
		return models.Task{}, err
	}
	hlog.CtxInfof(ctx, "Engine: task %s (%s) created for user %s", created.ID, created.Name, created.UserID)
	if created.Status == models.StatusActive {
		if err := e.startListener(created); err != nil {
			hlog.CtxErrorf(ctx, "Engine: task %s cannot listen: %v", created.ID, err)
			e.markError(ctx, created.ID, err)
			return e.store.GetTaskByID(ctx, created.ID)
		}
	}
	return created, nil
}

// UpdateTask applies a patch. The listener of an active task is restarted
// with the new configuration and campaigns of removed blast actions are
// deleted.
func (e *Engine) UpdateTask(ctx context.Context, id, userID string, patch models.TaskPatch) (models.Task, error) {
	if _, err := e.store.GetTask(ctx, id, userID); err != nil {
		return models.Task{}, err
	}
	if patch.Empty() {
		return e.store.GetTask(ctx, id, userID)
	}

	lock := e.taskLock(id)
	lock.Lock()
	saved, err := e.update(ctx, id, func(cur models.Task) (models.Task, error) {
		next := patch.Apply(cur)
		assignActionIDs(&next)
		if err := e.validate(next); err != nil {
			return models.Task{}, err
		}
		return next, nil
	})
	lock.Unlock()
	if err != nil {
		return models.Task{}, err
	}

	if patch.Actions != nil {
		if err := e.store.DeleteCampaignsExcept(ctx, id, blastActionIDs(saved)); err != nil {
			hlog.CtxErrorf(ctx, "Engine: failed to prune campaigns of task %s: %v", id, err)
		}
	}
	if saved.Status == models.StatusActive {
		if err := e.startListener(saved); err != nil {
			hlog.CtxErrorf(ctx, "Engine: task %s cannot listen: %v", id, err)
			e.markError(ctx, id, err)
			return e.store.GetTaskByID(ctx, id)
		}
	}
	hlog.CtxInfof(ctx, "Engine: task %s updated (version %d)", id, saved.Version)
	return saved, nil
}

// DeleteTask stops the task's listener and campaign runs, then removes it
// together with its campaigns.
func (e *Engine) DeleteTask(ctx context.Context, id, userID string) error {
	if _, err := e.store.GetTask(ctx, id, userID); err != nil {
		return err
	}
	e.stopListener(id)
	if e.campaigns != nil {
		e.campaigns.CancelTask(id)
	}
	lock := e.taskLock(id)
	lock.Lock()
	err := e.store.DeleteTask(ctx, id, userID)
	lock.Unlock()
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
	hlog.CtxInfof(ctx, "Engine: task %s deleted", id)
	return nil
}

// ToggleStatus switches active → inactive and inactive|error → active.
// Reactivating starts a fresh listener; events that arrived meanwhile are
// not replayed.
func (e *Engine) ToggleStatus(ctx context.Context, id, userID string) (models.Task, error) {
	if _, err := e.store.GetTask(ctx, id, userID); err != nil {
		return models.Task{}, err
	}
	lock := e.taskLock(id)
	lock.Lock()
	saved, err := e.update(ctx, id, func(cur models.Task) (models.Task, error) {
		if cur.Status == models.StatusActive {
			return cur.WithStatus(models.StatusInactive), nil
		}
		return cur.WithStatus(models.StatusActive), nil
	})
	lock.Unlock()
	if err != nil {
		return models.Task{}, err
	}

	if saved.Status == models.StatusActive {
		if err := e.startListener(saved); err != nil {
			hlog.CtxErrorf(ctx, "Engine: task %s cannot listen: %v", id, err)
			e.markError(ctx, id, err)
			return e.store.GetTaskByID(ctx, id)
		}
		if e.campaigns != nil {
			e.campaigns.ResumeTask(ctx, id)
		}
	} else {
		e.stopListener(id)
		if e.campaigns != nil {
			e.campaigns.CancelTask(id)
		}
	}
	hlog.CtxInfof(ctx, "Engine: task %s is now %s", id, saved.Status)
	e.publishStatus(ctx, saved, "toggled")
	return saved, nil
}

// RunNow fires the task once with the given event fields, whatever its
// trigger and status. ran is false when the conditions did not pass.
func (e *Engine) RunNow(ctx context.Context, id, userID string, fields map[string]string) (run models.TaskRun, ran bool, err error) {
	task, err := e.store.GetTask(ctx, id, userID)
	if err != nil {
		return models.TaskRun{}, false, err
	}
	if fields == nil {
		fields = map[string]string{}
	}
	return e.handle(ctx, task.ID, listener.Event{TaskID: task.ID, Fields: fields, OccurredAt: e.now()}, true)
}

func (e *Engine) ListRuns(ctx context.Context, id, userID string, limit int) ([]models.TaskRun, error) {
	if _, err := e.store.GetTask(ctx, id, userID); err != nil {
		return nil, err
	}
	return e.store.ListRuns(ctx, id, limit)
}

func (e *Engine) GetCampaign(ctx context.Context, taskID, actionID, userID string) (models.EmailCampaign, error) {
	if _, err := e.store.GetTask(ctx, taskID, userID); err != nil {
		return models.EmailCampaign{}, err
	}
	return e.store.GetCampaign(ctx, taskID, actionID)
}

// CloseCampaign ends the reply window of a sent campaign.
func (e *Engine) CloseCampaign(ctx context.Context, taskID, actionID, userID string) (models.EmailCampaign, error) {
	if _, err := e.store.GetTask(ctx, taskID, userID); err != nil {
		return models.EmailCampaign{}, err
	}
	if e.campaigns == nil {
		return models.EmailCampaign{}, fmt.Errorf("campaign runner is not configured")
	}
	return e.campaigns.Close(ctx, taskID, actionID)
}

// DeliverWebhook routes an inbound webhook request to the owning task.
func (e *Engine) DeliverWebhook(ctx context.Context, key string, req listener.WebhookRequest) (string, error) {
	return e.deps.Webhooks.Deliver(ctx, key, req)
}

// HandleReply offers an inbound reply to the campaign matcher on behalf of
// userID. Without an account only correlation tokens match.
func (e *Engine) HandleReply(ctx context.Context, userID string, email mail.InboundEmail) (int, error) {
	if e.campaigns == nil {
		return 0, nil
	}
	return e.campaigns.HandleReply(ctx, userID, email)
}

// validate checks the task and that a listener can be built for it.
func (e *Engine) validate(t models.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if cfg, ok := t.Trigger.Config.(models.WebhookConfig); ok {
		key := cfg.RoutingKey()
		if owner, taken := e.deps.Webhooks.Owner(key); taken && owner != t.ID {
			return &models.ValidationError{Field: "trigger.config.webhookUrl", Reason: fmt.Sprintf("webhook key %q is already used by another task", key)}
		}
	}
	if _, err := listener.New(t, e.deps); err != nil {
		return err
	}
	return nil
}

// assignActionIDs gives every action without an id a fresh one. t must own
// its Actions slice.
func assignActionIDs(t *models.Task) {
	for i := range t.Actions {
		if t.Actions[i].ID == "" {
			t.Actions[i].ID = uuid.NewString()
		}
	}
}

func blastActionIDs(t models.Task) []string {
	var ids []string
	for _, a := range t.Actions {
		if a.Type == models.ActionEmailBlast {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
