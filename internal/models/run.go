package models

import "time"

// RunOutcome summarises a task run.
type RunOutcome string

const (
	RunSucceeded RunOutcome = "success"
	RunPartial   RunOutcome = "partial"
	RunFailed    RunOutcome = "failed"
)

// ActionOutcome is the recorded result of one action in a run.
type ActionOutcome struct {
	ActionID   string     `json:"actionId"`
	Type       ActionType `json:"type"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

// TaskRun is one entry of a task's run log.
type TaskRun struct {
	ID         uint              `json:"id"`
	TaskID     string            `json:"taskId"`
	Trigger    TriggerType       `json:"trigger"`
	OccurredAt time.Time         `json:"occurredAt"`
	Outcome    RunOutcome        `json:"outcome"`
	Fields     map[string]string `json:"fields,omitempty"`
	Results    []ActionOutcome   `json:"results"`
}

// OutcomeOf classifies a run from its action results. A run with no actions
// succeeds; it fails only when every action failed.
func OutcomeOf(results []ActionOutcome) RunOutcome {
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	switch {
	case len(results) == 0 || failed == 0:
		return RunSucceeded
	case failed == len(results):
		return RunFailed
	default:
		return RunPartial
	}
}
