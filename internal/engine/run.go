package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/sethvargo/go-retry"

	"task-automation-service/internal/conditions"
	"task-automation-service/internal/events"
	"task-automation-service/internal/executor"
	"task-automation-service/internal/listener"
	"task-automation-service/internal/models"
	"task-automation-service/pkg/template"
)

// handle processes one trigger event. Events of the same task are serialised.
// It reports whether the conditions passed; a failing condition set records
// nothing. Listener events for a task that is no longer active are dropped;
// manual runs execute regardless of status.
func (e *Engine) handle(ctx context.Context, taskID string, ev listener.Event, manual bool) (models.TaskRun, bool, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := e.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return models.TaskRun{}, false, err
	}
	if !manual && task.Status != models.StatusActive {
		hlog.CtxDebugf(ctx, "Engine: task %s is %s, event dropped", taskID, task.Status)
		return models.TaskRun{}, false, nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}
	if ev.Email != nil && e.campaigns != nil {
		if _, err := e.campaigns.HandleReply(ctx, task.UserID, *ev.Email); err != nil {
			hlog.CtxWarnf(ctx, "Engine: reply matching for task %s failed: %v", taskID, err)
		}
	}
	if !conditions.Evaluate(task.Conditions, ev.Fields) {
		hlog.CtxDebugf(ctx, "Engine: task %s conditions not met", taskID)
		return models.TaskRun{}, false, nil
	}

	vars := template.NewBag().
		Add(task.Variables).
		Add(ev.Fields).
		Set("timestamp", ev.OccurredAt.UTC().Format(time.RFC3339)).
		Vars()
	inv := executor.Invocation{TaskID: task.ID, UserID: task.UserID, Vars: vars, Email: ev.Email}
	if cfg, ok := task.Trigger.Config.(models.EmailReceivedConfig); ok && ev.Email != nil {
		mb := cfg.EmailConfig
		inv.Mailbox = &mb
	}

	results := make([]models.ActionOutcome, 0, len(task.Actions))
	for _, a := range task.Actions {
		res := e.actions.Execute(ctx, a, inv)
		results = append(results, models.ActionOutcome{
			ActionID:   res.ActionID,
			Type:       res.Type,
			Output:     res.Output,
			Error:      res.Error,
			DurationMs: res.Duration.Milliseconds(),
		})
	}
	outcome := models.OutcomeOf(results)
	allFailed := len(results) > 0 && outcome == models.RunFailed

	saved, err := e.update(ctx, taskID, func(cur models.Task) (models.Task, error) {
		next := cur.WithRun(ev.OccurredAt)
		if allFailed && cur.Status == models.StatusActive {
			next = next.WithStatus(models.StatusError)
		}
		return next, nil
	})
	if err != nil {
		return models.TaskRun{}, true, fmt.Errorf("record run of task %s: %w", taskID, err)
	}

	run, err := e.store.RecordRun(ctx, models.TaskRun{
		TaskID:     taskID,
		Trigger:    task.Trigger.Type,
		OccurredAt: ev.OccurredAt,
		Outcome:    outcome,
		Fields:     ev.Fields,
		Results:    results,
	})
	if err != nil {
		hlog.CtxErrorf(ctx, "Engine: failed to append run log of task %s: %v", taskID, err)
	}
	e.metrics.TaskRun(string(outcome))
	hlog.CtxInfof(ctx, "Engine: task %s run #%d finished: %s", taskID, saved.RunCount, outcome)

	pubErr := e.publisher.Publish(ctx, taskID, events.TaskRunEvent{
		Kind:       events.KindTaskRun,
		TaskID:     taskID,
		UserID:     saved.UserID,
		Trigger:    task.Trigger.Type,
		Outcome:    outcome,
		RunCount:   saved.RunCount,
		OccurredAt: ev.OccurredAt,
		Results:    results,
	})
	if pubErr != nil {
		hlog.CtxWarnf(ctx, "Engine: failed to publish run of task %s: %v", taskID, pubErr)
	}

	if saved.Status == models.StatusError && task.Status == models.StatusActive {
		hlog.CtxWarnf(ctx, "Engine: every action of task %s failed, task set to error", taskID)
		e.publishStatus(ctx, saved, "all actions failed")
		e.detachListener(taskID)
		if e.campaigns != nil {
			e.campaigns.CancelTask(taskID)
		}
	}
	return run, true, nil
}

// update re-reads the task and applies fn until the optimistic save succeeds
// or the conflict retries are exhausted.
func (e *Engine) update(ctx context.Context, taskID string, fn func(models.Task) (models.Task, error)) (models.Task, error) {
	var saved models.Task
	backoff := retry.WithMaxRetries(e.conflictRetries, retry.NewExponential(5*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		cur, err := e.store.GetTaskByID(ctx, taskID)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		saved, err = e.store.SaveTask(ctx, next)
		if errors.Is(err, models.ErrConflict) {
			hlog.CtxDebugf(ctx, "Engine: task %s changed concurrently, retrying", taskID)
			return retry.RetryableError(err)
		}
		return err
	})
	return saved, err
}

// markError moves an active task to error after its listener gave up.
func (e *Engine) markError(ctx context.Context, taskID string, cause error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	saved, err := e.update(ctx, taskID, func(cur models.Task) (models.Task, error) {
		if cur.Status != models.StatusActive {
			return cur, errNoChange
		}
		return cur.WithStatus(models.StatusError), nil
	})
	lock.Unlock()
	if errors.Is(err, errNoChange) {
		return
	}
	if err != nil {
		hlog.CtxErrorf(ctx, "Engine: failed to mark task %s as error: %v", taskID, err)
		return
	}
	e.publishStatus(ctx, saved, cause.Error())
	if e.campaigns != nil {
		e.campaigns.CancelTask(taskID)
	}
}

var errNoChange = errors.New("no change")
