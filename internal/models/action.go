package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// ActionType selects the executor that runs an action.
type ActionType string

const (
	ActionCommand      ActionType = "command"
	ActionAPICall      ActionType = "api_call"
	ActionNotification ActionType = "notification"
	ActionScript       ActionType = "script"
	ActionEmailReply   ActionType = "email_reply"
	ActionEmailSend    ActionType = "email_send"
	ActionEmailForward ActionType = "email_forward"
	ActionEmailBlast   ActionType = "email_blast"
)

// ActionConfig is implemented by one concrete type per action variant.
type ActionConfig interface {
	ActionType() ActionType
	cloneAction() ActionConfig
}

// Action is one step of a task. Actions run in declared order and do not pass
// outputs to each other.
type Action struct {
	ID     string
	Type   ActionType
	Name   string
	Config ActionConfig
}

// Clone returns a deep copy.
func (a Action) Clone() Action {
	if a.Config != nil {
		a.Config = a.Config.cloneAction()
	}
	return a
}

type actionJSON struct {
	ID     string          `json:"id"`
	Type   ActionType      `json:"type"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes the action as {"id","type","name","config"}.
func (a Action) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if a.Config != nil {
		b, err := json.Marshal(a.Config)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(actionJSON{ID: a.ID, Type: a.Type, Name: a.Name, Config: raw})
}

// UnmarshalJSON decodes the config into the concrete type selected by "type".
func (a *Action) UnmarshalJSON(data []byte) error {
	var aj actionJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return err
	}
	var cfg ActionConfig
	switch aj.Type {
	case ActionCommand:
		c := CommandConfig{}
		if err := decodeConfig(aj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionScript:
		c := ScriptConfig{}
		if err := decodeConfig(aj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionAPICall:
		c := APICallConfig{}
		if err := decodeConfig(aj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionNotification:
		c := NotificationConfig{}
		if err := decodeConfig(aj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionEmailReply:
		c := EmailReplyConfig{}
		if err := decodeConfig(aj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionEmailSend:
		c := EmailSendConfig{}
		if err := decodeConfig(aj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionEmailForward:
		c := EmailForwardConfig{}
		if err := decodeConfig(aj.Config, &c); err != nil {
			return err
		}
		cfg = c
	case ActionEmailBlast:
		c := EmailBlastConfig{}
		if err := decodeConfig(aj.Config, &c); err != nil {
			return err
		}
		cfg = c
	default:
		return &ValidationError{Field: "action.type", Reason: fmt.Sprintf("unknown action type %q", aj.Type)}
	}
	a.ID, a.Type, a.Name, a.Config = aj.ID, aj.Type, aj.Name, cfg
	return nil
}

// CommandConfig runs a single command line through the sandboxed runner.
type CommandConfig struct {
	Command        string `json:"command" validate:"required"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" validate:"gte=0"`
}

func (CommandConfig) ActionType() ActionType       { return ActionCommand }
func (c CommandConfig) cloneAction() ActionConfig { return c }

// ScriptConfig runs a script body with an interpreter (sh by default).
type ScriptConfig struct {
	Script         string `json:"script" validate:"required"`
	Interpreter    string `json:"interpreter,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" validate:"gte=0"`
}

func (ScriptConfig) ActionType() ActionType       { return ActionScript }
func (c ScriptConfig) cloneAction() ActionConfig { return c }

// APICallConfig is a single outbound HTTP request.
type APICallConfig struct {
	APIURL         string            `json:"apiUrl" validate:"required"`
	Method         string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD get post put patch delete head"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" validate:"gte=0"`
}

func (APICallConfig) ActionType() ActionType { return ActionAPICall }
func (c APICallConfig) cloneAction() ActionConfig {
	c.Headers = maps.Clone(c.Headers)
	return c
}

// NotificationConfig is delivered fire-and-forget.
type NotificationConfig struct {
	Channel   string `json:"channel,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message" validate:"required"`
}

func (NotificationConfig) ActionType() ActionType       { return ActionNotification }
func (c NotificationConfig) cloneAction() ActionConfig { return c }

// EmailReplyConfig answers the message that triggered the task.
type EmailReplyConfig struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body" validate:"required"`
}

func (EmailReplyConfig) ActionType() ActionType       { return ActionEmailReply }
func (c EmailReplyConfig) cloneAction() ActionConfig { return c }

// EmailSendConfig sends a new message.
type EmailSendConfig struct {
	To      []string `json:"to" validate:"min=1,dive,required"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject" validate:"required"`
	Body    string   `json:"body"`
}

func (EmailSendConfig) ActionType() ActionType { return ActionEmailSend }
func (c EmailSendConfig) cloneAction() ActionConfig {
	c.To = slices.Clone(c.To)
	c.Cc = slices.Clone(c.Cc)
	return c
}

// EmailForwardConfig forwards the triggering message.
type EmailForwardConfig struct {
	ForwardTo      []string `json:"forwardTo" validate:"min=1,dive,required"`
	AttachOriginal bool     `json:"attachOriginal,omitempty"`
	Note           string   `json:"note,omitempty"`
}

func (EmailForwardConfig) ActionType() ActionType { return ActionEmailForward }
func (c EmailForwardConfig) cloneAction() ActionConfig {
	c.ForwardTo = slices.Clone(c.ForwardTo)
	return c
}

// EmailBlastConfig owns exactly one campaign.
type EmailBlastConfig struct {
	Campaign           *EmailCampaign `json:"campaign"`
	DelayBetweenEmails int            `json:"delayBetweenEmails,omitempty" validate:"gte=0"`
	ReplyWindowHours   int            `json:"replyWindowHours,omitempty" validate:"gte=0"`
}

func (EmailBlastConfig) ActionType() ActionType { return ActionEmailBlast }
func (c EmailBlastConfig) cloneAction() ActionConfig {
	if c.Campaign != nil {
		cp := c.Campaign.Clone()
		c.Campaign = &cp
	}
	return c
}
