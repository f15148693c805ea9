package models

import (
	"maps"
	"slices"
	"time"
)

// Category groups tasks in the dashboard. It has no effect on execution.
type Category string

const (
	CategoryServer     Category = "server"
	CategoryDatabase   Category = "database"
	CategorySecurity   Category = "security"
	CategoryMonitoring Category = "monitoring"
	CategoryEmail      Category = "email"
	CategoryCustom     Category = "custom"
	CategoryMarketing  Category = "marketing"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusActive   TaskStatus = "active"
	StatusInactive TaskStatus = "inactive"
	StatusError    TaskStatus = "error"
)

// Task is a user-configured automation rule: one trigger, AND-combined
// conditions and an ordered list of actions.
//
// Task is a value type. Use TaskPatch.Apply or the With* helpers to derive a
// modified copy instead of mutating nested slices and maps in place.
type Task struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId" validate:"required"`
	Name        string            `json:"name" validate:"required"`
	Description string            `json:"description,omitempty"`
	Category    Category          `json:"category" validate:"omitempty,oneof=server database security monitoring email custom marketing"`
	Prompt      string            `json:"prompt,omitempty"`
	Trigger     Trigger           `json:"trigger"`
	Conditions  []Condition       `json:"conditions"`
	Actions     []Action          `json:"actions"`
	Variables   map[string]string `json:"variables,omitempty"`
	Status      TaskStatus        `json:"status" validate:"omitempty,oneof=active inactive error"`
	RunCount    int64             `json:"runCount"`
	LastRun     *time.Time        `json:"lastRun,omitempty"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	out.Conditions = slices.Clone(t.Conditions)
	out.Actions = make([]Action, len(t.Actions))
	for i, a := range t.Actions {
		out.Actions[i] = a.Clone()
	}
	out.Variables = maps.Clone(t.Variables)
	out.Trigger = t.Trigger.Clone()
	if t.LastRun != nil {
		lr := *t.LastRun
		out.LastRun = &lr
	}
	return out
}

// WithStatus returns a copy of the task with the given status.
func (t Task) WithStatus(s TaskStatus) Task {
	out := t.Clone()
	out.Status = s
	return out
}

// WithRun returns a copy of the task with the run counter bumped and LastRun
// set to at.
func (t Task) WithRun(at time.Time) Task {
	out := t.Clone()
	out.RunCount++
	out.LastRun = &at
	return out
}

// Action returns the action with the given id.
func (t Task) Action(id string) (Action, bool) {
	for _, a := range t.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Name        *string            `json:"name,omitempty"`
	Description *string            `json:"description,omitempty"`
	Category    *Category          `json:"category,omitempty"`
	Prompt      *string            `json:"prompt,omitempty"`
	Trigger     *Trigger           `json:"trigger,omitempty"`
	Conditions  *[]Condition       `json:"conditions,omitempty"`
	Actions     *[]Action          `json:"actions,omitempty"`
	Variables   *map[string]string `json:"variables,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Category == nil && p.Prompt == nil &&
		p.Trigger == nil && p.Conditions == nil && p.Actions == nil && p.Variables == nil
}

// Apply returns a new task with the patch applied. Run metadata, status and
// ownership are never touched by a patch.
func (p TaskPatch) Apply(t Task) Task {
	out := t.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Prompt != nil {
		out.Prompt = *p.Prompt
	}
	if p.Trigger != nil {
		out.Trigger = p.Trigger.Clone()
	}
	if p.Conditions != nil {
		out.Conditions = slices.Clone(*p.Conditions)
	}
	if p.Actions != nil {
		out.Actions = make([]Action, len(*p.Actions))
		for i, a := range *p.Actions {
			out.Actions[i] = a.Clone()
		}
	}
	if p.Variables != nil {
		out.Variables = maps.Clone(*p.Variables)
	}
	return out
}

// ConditionOperator selects how a condition compares the event field.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpContains    ConditionOperator = "contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpRegex       ConditionOperator = "regex"
)

// Condition is a structured predicate over one field of a trigger event.
type Condition struct {
	Field    string            `json:"field" validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"oneof=equals contains greater_than less_than regex"`
	Value    string            `json:"value"`
}
