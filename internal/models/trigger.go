package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"
)

// TriggerType selects the listener that feeds a task.
type TriggerType string

const (
	TriggerWebhook             TriggerType = "webhook"
	TriggerSchedule            TriggerType = "schedule"
	TriggerAPIMonitor          TriggerType = "api_monitor"
	TriggerLogMonitor          TriggerType = "log_monitor"
	TriggerEmailReceived       TriggerType = "email_received"
	TriggerCustom              TriggerType = "custom"
	TriggerScheduledEmailBlast TriggerType = "scheduled_email_blast"
)

// TriggerConfig is implemented by one concrete type per trigger variant.
type TriggerConfig interface {
	accepts(TriggerType) bool
	cloneTrigger() TriggerConfig
}

// Trigger pairs a type tag with the config shape for that type.
type Trigger struct {
	Type   TriggerType
	Config TriggerConfig
}

// Clone returns a deep copy.
func (t Trigger) Clone() Trigger {
	if t.Config == nil {
		return t
	}
	return Trigger{Type: t.Type, Config: t.Config.cloneTrigger()}
}

type triggerJSON struct {
	Type   TriggerType     `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes the trigger as {"type": ..., "config": {...}}.
func (t Trigger) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if t.Config != nil {
		b, err := json.Marshal(t.Config)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(triggerJSON{Type: t.Type, Config: raw})
}

// UnmarshalJSON decodes the config into the concrete type selected by "type".
func (t *Trigger) UnmarshalJSON(data []byte) error {
	var tj triggerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return err
	}
	var cfg TriggerConfig
	switch tj.Type {
	case TriggerWebhook:
		c := WebhookConfig{}
		if err := decodeConfig(tj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case TriggerSchedule, TriggerScheduledEmailBlast:
		c := ScheduleConfig{}
		if err := decodeConfig(tj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case TriggerAPIMonitor, TriggerLogMonitor, TriggerCustom:
		c := MonitorConfig{}
		if err := decodeConfig(tj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case TriggerEmailReceived:
		c := EmailReceivedConfig{}
		if err := decodeConfig(tj.Config, &c); err != nil {
			return err
		}
		cfg = c
	default:
		return &ValidationError{Field: "trigger.type", Reason: fmt.Sprintf("unknown trigger type %q", tj.Type)}
	}
	t.Type = tj.Type
	t.Config = cfg
	return nil
}

func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// WebhookConfig configures a passive webhook trigger.
type WebhookConfig struct {
	WebhookURL    string `json:"webhookUrl" validate:"required"`
	Secret        string `json:"secret,omitempty"`
	PayloadSchema string `json:"payloadSchema,omitempty"`
}

func (WebhookConfig) accepts(t TriggerType) bool  { return t == TriggerWebhook }
func (c WebhookConfig) cloneTrigger() TriggerConfig { return c }

// RoutingKey is the last non-empty path segment of the webhook URL.
func (c WebhookConfig) RoutingKey() string {
	raw := strings.TrimSpace(c.WebhookURL)
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		raw = u.Path
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	return parts[len(parts)-1]
}

// ScheduleConfig is a 5-field cron expression evaluated in Timezone.
type ScheduleConfig struct {
	Schedule string `json:"schedule" validate:"required"`
	Timezone string `json:"timezone,omitempty"`
}

func (ScheduleConfig) accepts(t TriggerType) bool {
	return t == TriggerSchedule || t == TriggerScheduledEmailBlast
}
func (c ScheduleConfig) cloneTrigger() TriggerConfig { return c }

// Location resolves the timezone, defaulting to UTC.
func (c ScheduleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// MonitorConfig drives api_monitor, log_monitor and custom triggers.
//
// Target is a URL for api_monitor, a file path for log_monitor and a probe name
// for custom. Fields maps observation names to gjson paths in the api_monitor
// response body.
type MonitorConfig struct {
	Target        string            `json:"target" validate:"required"`
	CheckInterval int               `json:"checkInterval,omitempty" validate:"gte=0"`
	Condition     []Condition       `json:"condition,omitempty" validate:"dive"`
	Fields        map[string]string `json:"fields,omitempty"`
}

func (MonitorConfig) accepts(t TriggerType) bool {
	return t == TriggerAPIMonitor || t == TriggerLogMonitor || t == TriggerCustom
}

func (c MonitorConfig) cloneTrigger() TriggerConfig {
	c.Condition = slices.Clone(c.Condition)
	c.Fields = maps.Clone(c.Fields)
	return c
}

// Provider names a mailbox preset.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderCustom  Provider = "custom"
)

// MailboxConfig describes how to reach a mailbox. Host/port pairs are filled
// from the provider preset when left empty.
type MailboxConfig struct {
	Provider Provider `json:"provider" validate:"oneof=gmail outlook custom"`
	IMAPHost string   `json:"imapHost,omitempty" validate:"required_if=Provider custom"`
	IMAPPort int      `json:"imapPort,omitempty"`
	SMTPHost string   `json:"smtpHost,omitempty"`
	SMTPPort int      `json:"smtpPort,omitempty"`
	Username string   `json:"username" validate:"required"`
	Password string   `json:"password" validate:"required"`
	Folder   string   `json:"folder,omitempty"`
	Insecure bool     `json:"insecure,omitempty"`
}

// Address is the mailbox's own email address, taken from the username when it
// is one.
func (c MailboxConfig) Address() string {
	if strings.Contains(c.Username, "@") {
		return strings.TrimSpace(c.Username)
	}
	return ""
}

// EmailFilterField selects the part of a message a filter inspects.
type EmailFilterField string

const (
	FilterFrom       EmailFilterField = "from"
	FilterTo         EmailFilterField = "to"
	FilterSubject    EmailFilterField = "subject"
	FilterBody       EmailFilterField = "body"
	FilterAttachment EmailFilterField = "attachment"
)

// EmailFilterOperator compares a message field with the filter value.
type EmailFilterOperator string

const (
	FilterContains   EmailFilterOperator = "contains"
	FilterEquals     EmailFilterOperator = "equals"
	FilterStartsWith EmailFilterOperator = "starts_with"
	FilterEndsWith   EmailFilterOperator = "ends_with"
	FilterRegex      EmailFilterOperator = "regex"
)

// EmailFilter gates which inbound messages become trigger events.
type EmailFilter struct {
	Field    EmailFilterField    `json:"field" validate:"oneof=from to subject body attachment"`
	Operator EmailFilterOperator `json:"operator" validate:"oneof=contains equals starts_with ends_with regex"`
	Value    string              `json:"value"`
}

// EmailReceivedConfig polls a mailbox for new messages.
type EmailReceivedConfig struct {
	EmailConfig   MailboxConfig `json:"emailConfig"`
	CheckInterval int           `json:"checkInterval,omitempty" validate:"gte=0"`
	EmailFilters  []EmailFilter `json:"emailFilters,omitempty" validate:"dive"`
}

func (EmailReceivedConfig) accepts(t TriggerType) bool { return t == TriggerEmailReceived }

func (c EmailReceivedConfig) cloneTrigger() TriggerConfig {
	c.EmailFilters = slices.Clone(c.EmailFilters)
	return c
}
