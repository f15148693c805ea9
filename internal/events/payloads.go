// Package events defines the messages the engine publishes and consumes.
package events

import (
	"context"
	"time"

	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
)

// Kind discriminates published events.
type Kind string

const (
	KindTaskRun  Kind = "task_run"
	KindCampaign Kind = "campaign"
	KindTask     Kind = "task_status"
)

// TaskRunEvent is published after every run.
type TaskRunEvent struct {
	Kind       Kind                   `json:"kind"`
	TaskID     string                 `json:"task_id"`
	UserID     string                 `json:"user_id"`
	Trigger    models.TriggerType     `json:"trigger"`
	Outcome    models.RunOutcome      `json:"outcome"`
	RunCount   int64                  `json:"run_count"`
	OccurredAt time.Time              `json:"occurred_at"`
	Results    []models.ActionOutcome `json:"results"`
}

// TaskStatusEvent is published when a task changes status.
type TaskStatusEvent struct {
	Kind   Kind              `json:"kind"`
	TaskID string            `json:"task_id"`
	UserID string            `json:"user_id"`
	Status models.TaskStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
	At     time.Time         `json:"at"`
}

// CampaignEvent is published on every campaign state change.
type CampaignEvent struct {
	Kind          Kind                  `json:"kind"`
	CampaignID    string                `json:"campaign_id"`
	TaskID        string                `json:"task_id"`
	ActionID      string                `json:"action_id"`
	Status        models.CampaignStatus `json:"status"`
	SentCount     int                   `json:"sent_count"`
	ResponseCount int                   `json:"response_count"`
	At            time.Time             `json:"at"`
}

// InboundReplyPayload is consumed from the reply topic and handed to the
// campaign reply matcher. UserID is the account whose mailbox received it.
type InboundReplyPayload struct {
	UserID     string    `json:"user_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	From       string    `json:"from"`
	FromName   string    `json:"from_name,omitempty"`
	To         []string  `json:"to,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Email converts the payload into an inbound email.
func (p InboundReplyPayload) Email() mail.InboundEmail {
	return mail.InboundEmail{
		MessageID:  p.MessageID,
		From:       p.From,
		FromName:   p.FromName,
		To:         p.To,
		Subject:    p.Subject,
		Body:       p.Body,
		InReplyTo:  p.InReplyTo,
		References: p.References,
		ReceivedAt: p.ReceivedAt,
	}
}

// Publisher emits engine events. key groups related events (the task id).
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
