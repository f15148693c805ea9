package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"task-automation-service/pkg/validation"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// CronParser parses the 5-field expressions accepted by schedule triggers.
// A CRON_TZ= prefix is accepted as well.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a schedule config into a cron schedule bound to its timezone.
func ParseSchedule(c ScheduleConfig) (cron.Schedule, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, &ValidationError{Field: "trigger.config.timezone", Reason: err.Error()}
	}
	expr := strings.TrimSpace(c.Schedule)
	if expr == "" {
		return nil, &ValidationError{Field: "trigger.config.schedule", Reason: "cron expression is required"}
	}
	if !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + loc.String() + " " + expr
	}
	sched, err := CronParser.Parse(expr)
	if err != nil {
		return nil, &ValidationError{Field: "trigger.config.schedule", Reason: err.Error()}
	}
	return sched, nil
}

// Validate checks the whole task configuration. It returns a *ValidationError.
func (t Task) Validate() error {
	v := structValidator()
	if strings.TrimSpace(t.UserID) == "" {
		return &ValidationError{Field: "userId", Reason: "is required"}
	}
	if strings.TrimSpace(t.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if t.Category != "" {
		if err := v.Var(string(t.Category), "oneof=server database security monitoring email custom marketing"); err != nil {
			return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", t.Category)}
		}
	}
	if t.Status != "" {
		if err := v.Var(string(t.Status), "oneof=active inactive error"); err != nil {
			return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
		}
	}
	if err := t.Trigger.Validate(); err != nil {
		return err
	}
	for i, c := range t.Conditions {
		if err := v.Struct(c); err != nil {
			return toValidationError(fmt.Sprintf("conditions[%d]", i), err)
		}
	}
	seen := make(map[string]bool, len(t.Actions))
	for i, a := range t.Actions {
		prefix := fmt.Sprintf("actions[%d]", i)
		if a.ID != "" {
			if seen[a.ID] {
				return &ValidationError{Field: prefix + ".id", Reason: fmt.Sprintf("duplicate action id %q", a.ID)}
			}
			seen[a.ID] = true
		}
		if err := a.validate(prefix); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the config shape matches the trigger type.
func (t Trigger) Validate() error {
	v := structValidator()
	if t.Type == "" {
		return &ValidationError{Field: "trigger.type", Reason: "is required"}
	}
	if t.Config == nil {
		return &ValidationError{Field: "trigger.config", Reason: fmt.Sprintf("%s trigger requires a config", t.Type)}
	}
	if !t.Config.accepts(t.Type) {
		return &ValidationError{Field: "trigger.config", Reason: fmt.Sprintf("config %T does not match trigger type %q", t.Config, t.Type)}
	}
	if err := v.Struct(t.Config); err != nil {
		return toValidationError("trigger.config", err)
	}
	switch cfg := t.Config.(type) {
	case ScheduleConfig:
		if _, err := ParseSchedule(cfg); err != nil {
			return err
		}
	case WebhookConfig:
		if cfg.RoutingKey() == "" {
			return &ValidationError{Field: "trigger.config.webhookUrl", Reason: "has no routing key"}
		}
		if cfg.PayloadSchema != "" {
			if _, err := validation.Compile(cfg.PayloadSchema); err != nil {
				return &ValidationError{Field: "trigger.config.payloadSchema", Reason: err.Error()}
			}
		}
	}
	return nil
}

func (a Action) validate(prefix string) error {
	if a.Config == nil {
		return &ValidationError{Field: prefix + ".config", Reason: fmt.Sprintf("%s action requires a config", a.Type)}
	}
	if a.Config.ActionType() != a.Type {
		return &ValidationError{Field: prefix + ".config", Reason: fmt.Sprintf("config %T does not match action type %q", a.Config, a.Type)}
	}
	if err := structValidator().Struct(a.Config); err != nil {
		return toValidationError(prefix+".config", err)
	}
	blast, ok := a.Config.(EmailBlastConfig)
	if !ok {
		return nil
	}
	if blast.Campaign == nil {
		return &ValidationError{Field: prefix + ".config.campaign", Reason: "email_blast requires a campaign"}
	}
	if blast.Campaign.Timezone != "" {
		if _, err := time.LoadLocation(blast.Campaign.Timezone); err != nil {
			return &ValidationError{Field: prefix + ".config.campaign.timezone", Reason: err.Error()}
		}
	}
	emails := make(map[string]bool, len(blast.Campaign.Clients))
	ids := make(map[string]bool, len(blast.Campaign.Clients))
	for i, cl := range blast.Campaign.Clients {
		if cl.ID != "" {
			if ids[cl.ID] {
				return &ValidationError{
					Field:  fmt.Sprintf("%s.config.campaign.clients[%d].id", prefix, i),
					Reason: fmt.Sprintf("duplicate client id %q", cl.ID),
				}
			}
			ids[cl.ID] = true
		}
		key := strings.ToLower(strings.TrimSpace(cl.Email))
		if emails[key] {
			return &ValidationError{
				Field:  fmt.Sprintf("%s.config.campaign.clients[%d].email", prefix, i),
				Reason: fmt.Sprintf("duplicate client email %q", cl.Email),
			}
		}
		emails[key] = true
	}
	return nil
}

func toValidationError(prefix string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		} else {
			field = fe.Field()
		}
		reason := "failed " + fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &ValidationError{Field: prefix + "." + field, Reason: reason}
	}
	return &ValidationError{Field: prefix, Reason: err.Error()}
}
