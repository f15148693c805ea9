package store

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"task-automation-service/internal/models"
)

// TaskRecord is a task row. Nested configuration is stored as JSON.
type TaskRecord struct {
	ID          string             `gorm:"primaryKey;size:36"`
	UserID      string             `gorm:"index;size:64;not null"`
	Name        string             `gorm:"size:255;not null"`
	Description string             `gorm:"type:text"`
	Category    string             `gorm:"size:32;index"`
	Prompt      string             `gorm:"type:text"`
	TriggerType string             `gorm:"size:32;index"`
	Trigger     models.Trigger     `gorm:"serializer:json;type:text"`
	Conditions  []models.Condition `gorm:"serializer:json;type:text"`
	Actions     []models.Action    `gorm:"serializer:json;type:text"`
	Variables   map[string]string  `gorm:"serializer:json;type:text"`
	Status      string             `gorm:"size:16;index"`
	RunCount    int64
	LastRun     *time.Time
	Version     int64 `gorm:"not null;default:1"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

func (TaskRecord) TableName() string { return "tasks" }

// CampaignRecord is the persisted state of the campaign owned by one
// email_blast action.
type CampaignRecord struct {
	ID                string                `gorm:"primaryKey;size:36"`
	TaskID            string                `gorm:"size:36;not null;uniqueIndex:idx_campaign_action"`
	ActionID          string                `gorm:"size:64;not null;uniqueIndex:idx_campaign_action"`
	Name              string                `gorm:"size:255"`
	Template          models.EmailTemplate  `gorm:"serializer:json;type:text"`
	ScheduledTime     *time.Time            `gorm:"index"`
	Timezone          string                `gorm:"size:64"`
	Status            string                `gorm:"size:16;index"`
	SentCount         int                   `gorm:"not null;default:0"`
	ResponseCount     int                   `gorm:"not null;default:0"`
	AutoReplyEnabled  bool
	AutoReplyTemplate *models.EmailTemplate `gorm:"serializer:json;type:text"`
	CorrelationToken  string                `gorm:"size:32;uniqueIndex"`
	SentAt            *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Clients           []ClientRecord `gorm:"foreignKey:CampaignID;constraint:OnDelete:CASCADE"`
}

func (CampaignRecord) TableName() string { return "campaigns" }

// ClientRecord is one recipient of a campaign, in list order.
type ClientRecord struct {
	ID               uint              `gorm:"primaryKey"`
	CampaignID       string            `gorm:"size:36;not null;uniqueIndex:idx_campaign_client;uniqueIndex:idx_campaign_email"`
	ClientID         string            `gorm:"size:64;not null;uniqueIndex:idx_campaign_client"`
	Position         int               `gorm:"not null"`
	Name             string            `gorm:"size:255"`
	Email            string            `gorm:"size:320;not null"`
	EmailKey         string            `gorm:"size:320;not null;uniqueIndex:idx_campaign_email"`
	Company          string            `gorm:"size:255"`
	CustomFields     map[string]string `gorm:"serializer:json;type:text"`
	Tags             []string          `gorm:"serializer:json;type:text"`
	ResponseReceived bool              `gorm:"not null;default:false"`
	RespondedAt      *time.Time
	LastEmailSent    *time.Time
	LastError        string `gorm:"type:text"`
}

func (ClientRecord) TableName() string { return "campaign_clients" }

// RunRecord is one entry of the run log.
type RunRecord struct {
	ID         uint                   `gorm:"primaryKey"`
	TaskID     string                 `gorm:"size:36;index;not null"`
	Trigger    string                 `gorm:"size:32"`
	OccurredAt time.Time              `gorm:"index"`
	Outcome    string                 `gorm:"size:16;index"`
	Fields     map[string]string      `gorm:"serializer:json;type:text"`
	Results    []models.ActionOutcome `gorm:"serializer:json;type:text"`
	CreatedAt  time.Time
}

func (RunRecord) TableName() string { return "task_runs" }

// All lists every record type for migration.
func All() []interface{} {
	return []interface{}{&TaskRecord{}, &CampaignRecord{}, &ClientRecord{}, &RunRecord{}}
}

func toTaskRecord(t models.Task) TaskRecord {
	return TaskRecord{
		ID:          t.ID,
		UserID:      t.UserID,
		Name:        t.Name,
		Description: t.Description,
		Category:    string(t.Category),
		Prompt:      t.Prompt,
		TriggerType: string(t.Trigger.Type),
		Trigger:     t.Trigger,
		Conditions:  t.Conditions,
		Actions:     t.Actions,
		Variables:   t.Variables,
		Status:      string(t.Status),
		RunCount:    t.RunCount,
		LastRun:     t.LastRun,
		Version:     t.Version,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func (r TaskRecord) toModel() models.Task {
	return models.Task{
		ID:          r.ID,
		UserID:      r.UserID,
		Name:        r.Name,
		Description: r.Description,
		Category:    models.Category(r.Category),
		Prompt:      r.Prompt,
		Trigger:     r.Trigger,
		Conditions:  r.Conditions,
		Actions:     r.Actions,
		Variables:   r.Variables,
		Status:      models.TaskStatus(r.Status),
		RunCount:    r.RunCount,
		LastRun:     r.LastRun,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toClientRecord(campaignID string, pos int, c models.Client) ClientRecord {
	return ClientRecord{
		CampaignID:       campaignID,
		ClientID:         c.ID,
		Position:         pos,
		Name:             c.Name,
		Email:            strings.TrimSpace(c.Email),
		EmailKey:         emailKey(c.Email),
		Company:          c.Company,
		CustomFields:     c.CustomFields,
		Tags:             c.Tags,
		ResponseReceived: c.ResponseReceived,
		LastEmailSent:    c.LastEmailSent,
		LastError:        c.LastError,
	}
}

func (r ClientRecord) toModel() models.Client {
	return models.Client{
		ID:               r.ClientID,
		Name:             r.Name,
		Email:            r.Email,
		Company:          r.Company,
		CustomFields:     r.CustomFields,
		Tags:             r.Tags,
		ResponseReceived: r.ResponseReceived,
		LastEmailSent:    r.LastEmailSent,
		LastError:        r.LastError,
	}
}

func (r CampaignRecord) toModel() models.EmailCampaign {
	c := models.EmailCampaign{
		ID:                r.ID,
		TaskID:            r.TaskID,
		ActionID:          r.ActionID,
		Name:              r.Name,
		Template:          r.Template,
		ScheduledTime:     r.ScheduledTime,
		Timezone:          r.Timezone,
		Status:            models.CampaignStatus(r.Status),
		SentCount:         r.SentCount,
		ResponseCount:     r.ResponseCount,
		AutoReplyEnabled:  r.AutoReplyEnabled,
		AutoReplyTemplate: r.AutoReplyTemplate,
		CorrelationToken:  r.CorrelationToken,
		SentAt:            r.SentAt,
		CompletedAt:       r.CompletedAt,
		Clients:           make([]models.Client, len(r.Clients)),
	}
	for i, cl := range r.Clients {
		c.Clients[i] = cl.toModel()
	}
	return c
}

func (r RunRecord) toModel() models.TaskRun {
	return models.TaskRun{
		ID:         r.ID,
		TaskID:     r.TaskID,
		Trigger:    models.TriggerType(r.Trigger),
		OccurredAt: r.OccurredAt,
		Outcome:    models.RunOutcome(r.Outcome),
		Fields:     r.Fields,
		Results:    r.Results,
	}
}

func emailKey(addr string) string { return strings.ToLower(strings.TrimSpace(addr)) }
