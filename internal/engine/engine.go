// Package engine owns the runtime of every active task: it starts one trigger
// listener per task, evaluates conditions on each event, runs the actions
// in order and records the outcome.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/jonboulle/clockwork"

	"task-automation-service/internal/events"
	"task-automation-service/internal/executor"
	"task-automation-service/internal/listener"
	"task-automation-service/internal/mail"
	"task-automation-service/internal/metrics"
	"task-automation-service/internal/models"
)

// DefaultConflictRetries bounds re-read/re-write cycles on ErrConflict.
const DefaultConflictRetries = 5

// Store is the persistence the engine needs; *store.Store implements it.
type Store interface {
	ListTasks(ctx context.Context, userID string) ([]models.Task, error)
	ListActiveTasks(ctx context.Context) ([]models.Task, error)
	GetTask(ctx context.Context, id, userID string) (models.Task, error)
	GetTaskByID(ctx context.Context, id string) (models.Task, error)
	CreateTask(ctx context.Context, t models.Task) (models.Task, error)
	SaveTask(ctx context.Context, t models.Task) (models.Task, error)
	DeleteTask(ctx context.Context, id, userID string) error
	RecordRun(ctx context.Context, run models.TaskRun) (models.TaskRun, error)
	ListRuns(ctx context.Context, taskID string, limit int) ([]models.TaskRun, error)
	GetCampaign(ctx context.Context, taskID, actionID string) (models.EmailCampaign, error)
	DeleteCampaignsExcept(ctx context.Context, taskID string, keep []string) error
}

// Campaigns is the campaign runner as seen by the engine.
type Campaigns interface {
	Start(ctx context.Context)
	Stop()
	CancelTask(taskID string)
	ResumeTask(ctx context.Context, taskID string)
	Close(ctx context.Context, taskID, actionID string) (models.EmailCampaign, error)
	HandleReply(ctx context.Context, userID string, email mail.InboundEmail) (int, error)
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

func WithCampaigns(c Campaigns) Option { return func(e *Engine) { e.campaigns = c } }

func WithConflictRetries(n uint64) Option { return func(e *Engine) { e.conflictRetries = n } }

type Engine struct {
	store           Store
	actions         executor.Runner
	deps            listener.Deps
	campaigns       Campaigns
	clock           clockwork.Clock
	publisher       events.Publisher
	metrics         *metrics.Collector
	conflictRetries uint64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]*taskRuntime
	locks   map[string]*sync.Mutex
}

type taskRuntime struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped engine. deps.Webhooks is created when nil so webhook
// tasks always have a router to register on.
func New(store Store, actions executor.Runner, deps listener.Deps, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		actions:         actions,
		clock:           clockwork.NewRealClock(),
		publisher:       events.NopPublisher{},
		conflictRetries: DefaultConflictRetries,
		running:         make(map[string]*taskRuntime),
		locks:           make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(e)
	}
	if deps.Webhooks == nil {
		deps.Webhooks = listener.NewWebhookRouter()
	}
	if deps.Clock == nil {
		deps.Clock = e.clock
	}
	e.deps = deps
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Webhooks returns the router inbound webhook requests are delivered to.
func (e *Engine) Webhooks() *listener.WebhookRouter { return e.deps.Webhooks }

// Start launches listeners for every active task and re-arms campaigns.
func (e *Engine) Start(ctx context.Context) error {
	hlog.Info("Engine: starting...")
	tasks, err := e.store.ListActiveTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := e.startListener(t); err != nil {
			hlog.Errorf("Engine: task %s cannot listen: %v", t.ID, err)
			e.markError(ctx, t.ID, err)
		}
	}
	if e.campaigns != nil {
		e.campaigns.Start(ctx)
	}
	hlog.Infof("Engine: started with %d active tasks", len(tasks))
	return nil
}

// Stop cancels every listener and waits for them, then stops the campaign runner.
func (e *Engine) Stop() {
	hlog.Info("Engine: stopping...")
	e.cancel()
	e.wg.Wait()
	if e.campaigns != nil {
		e.campaigns.Stop()
	}
	hlog.Info("Engine: stopped")
}

// Listening reports whether the task currently has a listener.
func (e *Engine) Listening(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskID]
	return ok
}

func (e *Engine) taskLock(taskID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}
	return l
}

// startListener replaces any running listener of the task.
func (e *Engine) startListener(t models.Task) error {
	l, err := listener.New(t, e.deps)
	if err != nil {
		return err
	}
	e.stopListener(t.ID)

	e.mu.Lock()
	if e.baseCtx.Err() != nil {
		e.mu.Unlock()
		return e.baseCtx.Err()
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	rt := &taskRuntime{cancel: cancel, done: make(chan struct{})}
	e.running[t.ID] = rt
	e.wg.Add(1)
	e.mu.Unlock()

	taskID, trigger := t.ID, t.Trigger.Type
	go func() {
		defer e.wg.Done()
		defer close(rt.done)
		defer cancel()
		e.metrics.ListenerStarted()
		defer e.metrics.ListenerStopped()
		hlog.Infof("Engine: listener for task %s (%s) started", taskID, trigger)

		err := l.Run(ctx, func(ev listener.Event) {
			if _, _, err := e.handle(ctx, taskID, ev, false); err != nil && ctx.Err() == nil {
				hlog.Errorf("Engine: task %s event handling failed: %v", taskID, err)
			}
		})

		e.mu.Lock()
		if e.running[taskID] == rt {
			delete(e.running, taskID)
		}
		e.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			hlog.Errorf("Engine: listener for task %s stopped: %v", taskID, err)
			e.metrics.ListenerFatal(string(trigger))
			e.markError(e.baseCtx, taskID, err)
			return
		}
		hlog.Infof("Engine: listener for task %s stopped", taskID)
	}()
	return nil
}

// stopListener cancels the task's listener and waits for it to exit. It must
// not be called from the listener's own goroutine; use detachListener there.
func (e *Engine) stopListener(taskID string) {
	e.mu.Lock()
	rt, ok := e.running[taskID]
	delete(e.running, taskID)
	e.mu.Unlock()
	if !ok {
		return
	}
	rt.cancel()
	<-rt.done
}

// detachListener cancels without waiting.
func (e *Engine) detachListener(taskID string) {
	e.mu.Lock()
	rt, ok := e.running[taskID]
	delete(e.running, taskID)
	e.mu.Unlock()
	if ok {
		rt.cancel()
	}
}

func (e *Engine) now() time.Time { return e.clock.Now() }

func (e *Engine) publishStatus(ctx context.Context, t models.Task, reason string) {
	ev := events.TaskStatusEvent{
		Kind:   events.KindTask,
		TaskID: t.ID,
		UserID: t.UserID,
		Status: t.Status,
		Reason: reason,
		At:     e.now(),
	}
	if err := e.publisher.Publish(ctx, t.ID, ev); err != nil {
		hlog.CtxWarnf(ctx, "Engine: failed to publish status event for task %s: %v", t.ID, err)
	}
}
