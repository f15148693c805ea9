// Package executor runs task actions. Each action type has one Executor
// registered on a Registry; the registry captures every outcome as a Result.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/jonboulle/clockwork"

	"task-automation-service/internal/mail"
	"task-automation-service/internal/metrics"
	"task-automation-service/internal/models"
)

// Invocation is the context an action runs in.
type Invocation struct {
	TaskID string
	UserID string
	// Vars is the merged variable bag used for interpolation.
	Vars map[string]string
	// Email is the triggering message for email_received tasks and campaign replies.
	Email *mail.InboundEmail
	// Mailbox is the mailbox Email arrived in, for email_received tasks.
	Mailbox *models.MailboxConfig
}

// Result is the outcome of one action.
type Result struct {
	ActionID  string            `json:"actionId"`
	Type      models.ActionType `json:"type"`
	Output    string            `json:"output,omitempty"`
	Err       error             `json:"-"`
	Error     string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	Duration  time.Duration     `json:"duration"`
}

// Failed reports whether the action failed.
func (r Result) Failed() bool { return r.Err != nil }

// Executor runs one action type.
type Executor interface {
	Execute(ctx context.Context, action models.Action, inv Invocation) (output string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action models.Action, inv Invocation) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, action models.Action, inv Invocation) (string, error) {
	return f(ctx, action, inv)
}

// Runner executes actions and records their outcome.
type Runner interface {
	Execute(ctx context.Context, action models.Action, inv Invocation) Result
}

// Registry maps action types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[models.ActionType]Executor
	clock     clockwork.Clock
	metrics   *metrics.Collector
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock used for timing results.
func WithClock(c clockwork.Clock) RegistryOption { return func(r *Registry) { r.clock = c } }

// WithMetrics records every result on the collector.
func WithMetrics(m *metrics.Collector) RegistryOption { return func(r *Registry) { r.metrics = m } }

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		executors: make(map[models.ActionType]Executor),
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register binds an executor to an action type, replacing any previous one.
func (r *Registry) Register(t models.ActionType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hlog.Debugf("ExecutorRegistry: registering executor for type: %s", t)
	r.executors[t] = e
}

// Get returns the executor for an action type.
func (r *Registry) Get(t models.ActionType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for type: %s", t)
	}
	return e, nil
}

// Execute runs the action and never panics or returns an error: failures are
// carried in the Result.
func (r *Registry) Execute(ctx context.Context, action models.Action, inv Invocation) (res Result) {
	res = Result{ActionID: action.ID, Type: action.Type, StartedAt: r.clock.Now()}
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("executor panicked: %v", p)
		}
		res.Duration = r.clock.Since(res.StartedAt)
		outcome := "success"
		if res.Err != nil {
			res.Error = res.Err.Error()
			outcome = "failed"
			hlog.CtxWarnf(ctx, "ExecutorRegistry: task %s action %s (%s) failed: %v", inv.TaskID, action.ID, action.Type, res.Err)
		}
		r.metrics.ActionResult(string(action.Type), outcome, res.Duration.Seconds())
	}()

	e, err := r.Get(action.Type)
	if err != nil {
		res.Err = err
		return res
	}
	res.Output, res.Err = e.Execute(ctx, action, inv)
	return res
}

// Deps are the collaborators of the built-in executors.
type Deps struct {
	CommandTimeout time.Duration
	APITimeout     time.Duration
	Sender         mail.Sender
	From           string
	MailboxSenders mail.SenderFactory
	Notifier       Notifier
	Dispatcher     CampaignDispatcher
}

// NewDefaultRegistry registers an executor for every action type.
func NewDefaultRegistry(d Deps, opts ...RegistryOption) *Registry {
	r := NewRegistry(opts...)
	r.Register(models.ActionCommand, &CommandExecutor{DefaultTimeout: d.CommandTimeout})
	r.Register(models.ActionScript, &ScriptExecutor{DefaultTimeout: d.CommandTimeout})
	r.Register(models.ActionAPICall, NewAPICallExecutor(d.APITimeout))
	notifier := d.Notifier
	if notifier == nil {
		notifier = LogNotifier{}
	}
	r.Register(models.ActionNotification, &NotificationExecutor{Notifier: notifier})
	r.Register(models.ActionEmailReply, &EmailReplyExecutor{Sender: d.Sender, From: d.From, ForMailbox: d.MailboxSenders})
	r.Register(models.ActionEmailSend, &EmailSendExecutor{Sender: d.Sender, From: d.From, ForMailbox: d.MailboxSenders})
	r.Register(models.ActionEmailForward, &EmailForwardExecutor{Sender: d.Sender, From: d.From, ForMailbox: d.MailboxSenders})
	if d.Dispatcher != nil {
		r.Register(models.ActionEmailBlast, &BlastExecutor{Dispatcher: d.Dispatcher})
	}
	hlog.Info("ExecutorRegistry: initialized with built-in executors")
	return r
}

func configAs[T models.ActionConfig](a models.Action) (T, error) {
	cfg, ok := a.Config.(T)
	if !ok {
		var zero T
		return zero, &models.ValidationError{Field: "config", Reason: fmt.Sprintf("action %s has config %T, want %T", a.ID, a.Config, zero)}
	}
	return cfg, nil
}
