package models

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// CampaignStatus is a state of the campaign lifecycle. Transitions only move
// forward: draft → scheduled → sent → completed.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSent      CampaignStatus = "sent"
	CampaignCompleted CampaignStatus = "completed"
)

var campaignOrder = map[CampaignStatus]int{
	CampaignDraft:     0,
	CampaignScheduled: 1,
	CampaignSent:      2,
	CampaignCompleted: 3,
}

// CanTransition reports whether from → to is a single forward step.
func CanTransition(from, to CampaignStatus) bool {
	f, ok1 := campaignOrder[from]
	t, ok2 := campaignOrder[to]
	return ok1 && ok2 && t == f+1
}

// EmailTemplate holds subject and body with {{var}} placeholders. Variables is
// documentation only.
type EmailTemplate struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Subject   string   `json:"subject" validate:"required"`
	Body      string   `json:"body"`
	Variables []string `json:"variables,omitempty"`
}

// Client is one recipient of a campaign.
type Client struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Email            string            `json:"email" validate:"required,email"`
	Company          string            `json:"company,omitempty"`
	CustomFields     map[string]string `json:"customFields,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	ResponseReceived bool              `json:"responseReceived"`
	LastEmailSent    *time.Time        `json:"lastEmailSent,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
}

// Vars returns the client scalar fields as template variables.
func (c Client) Vars() map[string]string {
	return map[string]string{
		"name":    c.Name,
		"email":   c.Email,
		"company": c.Company,
	}
}

// EmailCampaign is a templated mass email owned by one email_blast action.
type EmailCampaign struct {
	ID                string         `json:"id"`
	TaskID            string         `json:"taskId,omitempty"`
	ActionID          string         `json:"actionId,omitempty"`
	Name              string         `json:"name" validate:"required"`
	Clients           []Client       `json:"clients" validate:"dive"`
	Template          EmailTemplate  `json:"template"`
	ScheduledTime     *time.Time     `json:"scheduledTime,omitempty"`
	Timezone          string         `json:"timezone,omitempty"`
	Status            CampaignStatus `json:"status"`
	SentCount         int            `json:"sentCount"`
	ResponseCount     int            `json:"responseCount"`
	AutoReplyEnabled  bool           `json:"autoReplyEnabled"`
	AutoReplyTemplate *EmailTemplate `json:"autoReplyTemplate,omitempty"`
	CorrelationToken  string         `json:"correlationToken,omitempty"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
}

// Clone returns a deep copy.
func (c EmailCampaign) Clone() EmailCampaign {
	out := c
	out.Clients = make([]Client, len(c.Clients))
	for i, cl := range c.Clients {
		cl.CustomFields = maps.Clone(cl.CustomFields)
		cl.Tags = slices.Clone(cl.Tags)
		out.Clients[i] = cl
	}
	out.Template.Variables = slices.Clone(c.Template.Variables)
	if c.AutoReplyTemplate != nil {
		t := *c.AutoReplyTemplate
		t.Variables = slices.Clone(t.Variables)
		out.AutoReplyTemplate = &t
	}
	return out
}

// ClientByEmail finds a client by address, case-insensitively.
func (c EmailCampaign) ClientByEmail(addr string) (Client, bool) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	for _, cl := range c.Clients {
		if strings.ToLower(cl.Email) == addr {
			return cl, true
		}
	}
	return Client{}, false
}
