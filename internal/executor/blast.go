package executor

import (
	"context"
	"time"

	"task-automation-service/internal/models"
)

// CampaignDispatcher starts or resumes the campaign owned by an email_blast action.
type CampaignDispatcher interface {
	Dispatch(ctx context.Context, taskID, actionID string, at time.Time) error
}

// BlastExecutor hands the campaign to the dispatcher and returns at once;
// sending happens on the campaign runner's own goroutine.
type BlastExecutor struct {
	Dispatcher CampaignDispatcher
	Now        func() time.Time
}

func (e *BlastExecutor) Execute(ctx context.Context, a models.Action, inv Invocation) (string, error) {
	if _, err := configAs[models.EmailBlastConfig](a); err != nil {
		return "", err
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	if err := e.Dispatcher.Dispatch(ctx, inv.TaskID, a.ID, now()); err != nil {
		return "", err
	}
	return "campaign dispatched", nil
}
