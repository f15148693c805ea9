// Package listener turns task triggers into events. Every listener runs on its
// own goroutine until its context is cancelled; all timing goes through a
// clockwork clock.
package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jonboulle/clockwork"

	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
)

// DefaultCheckInterval is used by polling triggers without a checkInterval.
const DefaultCheckInterval = 60 * time.Second

// Event is one trigger firing.
type Event struct {
	TaskID     string
	Fields     map[string]string
	OccurredAt time.Time
	Email      *mail.InboundEmail
}

// EmitFunc receives events. It is called from the listener goroutine.
type EmitFunc func(Event)

// Listener watches one trigger source.
type Listener interface {
	// Run blocks until ctx is cancelled (returning nil) or the source fails
	// permanently (returning *models.ListenerFatalError).
	Run(ctx context.Context, emit EmitFunc) error
}

// Deps are the shared collaborators of all listeners.
type Deps struct {
	Clock           clockwork.Clock
	Webhooks        *WebhookRouter
	Dialer          mail.MailboxDialer
	Probes          *ProbeRegistry
	HTTPClient      *resty.Client
	DefaultInterval time.Duration
	MaxRetries      uint64
	RetryBase       time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.DefaultInterval <= 0 {
		d.DefaultInterval = DefaultCheckInterval
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 5
	}
	if d.RetryBase <= 0 {
		d.RetryBase = time.Second
	}
	if d.HTTPClient == nil {
		d.HTTPClient = resty.New().SetRetryCount(0)
	}
	if d.Probes == nil {
		d.Probes = NewProbeRegistry()
	}
	return d
}

func (d Deps) interval(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return d.DefaultInterval
}

// New builds the listener for the task's trigger.
func New(task models.Task, d Deps) (Listener, error) {
	d = d.withDefaults()
	trig := task.Trigger
	switch cfg := trig.Config.(type) {
	case models.ScheduleConfig:
		sched, err := models.ParseSchedule(cfg)
		if err != nil {
			return nil, err
		}
		return &scheduleListener{taskID: task.ID, sched: sched, clock: d.Clock}, nil
	case models.WebhookConfig:
		if d.Webhooks == nil {
			return nil, fmt.Errorf("webhook router is not configured")
		}
		return &webhookListener{taskID: task.ID, cfg: cfg, router: d.Webhooks, clock: d.Clock}, nil
	case models.MonitorConfig:
		var src source
		switch trig.Type {
		case models.TriggerAPIMonitor:
			src = newAPIMonitor(cfg, d)
		case models.TriggerLogMonitor:
			src = newLogMonitor(cfg)
		case models.TriggerCustom:
			probe, err := d.Probes.Get(cfg.Target)
			if err != nil {
				return nil, err
			}
			src = newProbeMonitor(cfg, probe)
		default:
			return nil, fmt.Errorf("monitor config on %s trigger", trig.Type)
		}
		return newPoller(task.ID, trig.Type, d.interval(cfg.CheckInterval), src, d), nil
	case models.EmailReceivedConfig:
		if d.Dialer == nil {
			return nil, fmt.Errorf("mailbox dialer is not configured")
		}
		return newPoller(task.ID, trig.Type, d.interval(cfg.CheckInterval), newMailboxSource(cfg, d.Dialer), d), nil
	default:
		return nil, &models.ValidationError{Field: "trigger.config", Reason: fmt.Sprintf("no listener for %s trigger with %T", trig.Type, trig.Config)}
	}
}
