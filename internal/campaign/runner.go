// Package campaign runs email_blast campaigns through their lifecycle:
// draft → scheduled → sent → completed.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"task-automation-service/internal/events"
	"task-automation-service/internal/executor"
	"task-automation-service/internal/mail"
	"task-automation-service/internal/metrics"
	"task-automation-service/internal/models"
)

// DefaultReplyWindow is how long a sent campaign collects replies before it
// completes when the action sets no replyWindowHours.
const DefaultReplyWindow = 72 * time.Hour

// Store is the persistence the runner needs.
type Store interface {
	GetTaskByID(ctx context.Context, id string) (models.Task, error)
	UpsertCampaign(ctx context.Context, c models.EmailCampaign) (models.EmailCampaign, error)
	GetCampaign(ctx context.Context, taskID, actionID string) (models.EmailCampaign, error)
	GetCampaignByID(ctx context.Context, id string) (models.EmailCampaign, error)
	FindCampaignByToken(ctx context.Context, token string) (models.EmailCampaign, error)
	ListCampaignsByStatus(ctx context.Context, statuses ...models.CampaignStatus) ([]models.EmailCampaign, error)
	ListUserCampaigns(ctx context.Context, userID string, statuses ...models.CampaignStatus) ([]models.EmailCampaign, error)
	TransitionCampaign(ctx context.Context, id string, from, to models.CampaignStatus, at time.Time) error
	MarkClientSent(ctx context.Context, campaignID, clientID string, at time.Time) error
	MarkClientFailed(ctx context.Context, campaignID, clientID, reason string) error
	MarkClientResponded(ctx context.Context, campaignID, clientID string, at time.Time) (bool, error)
}

// Config holds addressing and timing defaults.
type Config struct {
	// From is the sender address of campaign emails.
	From string
	// ReplyAddress, when set, becomes the Reply-To with the campaign token as
	// a plus tag: local+token@domain.
	ReplyAddress string
	ReplyWindow  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

func WithClock(c clockwork.Clock) Option { return func(r *Runner) { r.clock = c } }
func WithPublisher(p events.Publisher) Option { return func(r *Runner) { r.publisher = p } }
func WithMetrics(m *metrics.Collector) Option { return func(r *Runner) { r.metrics = m } }
func WithActionRunner(a executor.Runner) Option { return func(r *Runner) { r.actions = a } }

// Runner sends campaigns and tracks replies. Each run has its own goroutine;
// future starts and completions are gocron one-time jobs.
type Runner struct {
	store     Store
	sender    mail.Sender
	cfg       Config
	clock     clockwork.Clock
	scheduler gocron.Scheduler
	publisher events.Publisher
	metrics   *metrics.Collector
	actions   executor.Runner

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run
}

type run struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a stopped runner.
func NewRunner(store Store, sender mail.Sender, cfg Config, opts ...Option) (*Runner, error) {
	if cfg.ReplyWindow <= 0 {
		cfg.ReplyWindow = DefaultReplyWindow
	}
	r := &Runner{
		store:     store,
		sender:    sender,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		publisher: events.NopPublisher{},
		running:   make(map[string]*run),
	}
	for _, o := range opts {
		o(r)
	}
	s, err := gocron.NewScheduler(gocron.WithClock(r.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	r.scheduler = s
	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// SetActionRunner sets the executor used for auto-replies.
func (r *Runner) SetActionRunner(a executor.Runner) { r.actions = a }

// Start starts the scheduler and re-arms persisted campaigns: scheduled
// campaigns of active tasks start (or resume) and sent campaigns get their
// completion job back.
func (r *Runner) Start(ctx context.Context) {
	hlog.Info("CampaignRunner: starting...")
	r.scheduler.Start()

	scheduled, err := r.store.ListCampaignsByStatus(ctx, models.CampaignScheduled)
	if err != nil {
		hlog.Errorf("CampaignRunner: failed to load scheduled campaigns: %v", err)
	}
	for _, c := range scheduled {
		task, err := r.store.GetTaskByID(ctx, c.TaskID)
		if err != nil || task.Status != models.StatusActive {
			continue
		}
		r.arm(c)
	}

	sent, err := r.store.ListCampaignsByStatus(ctx, models.CampaignSent)
	if err != nil {
		hlog.Errorf("CampaignRunner: failed to load sent campaigns: %v", err)
	}
	for _, c := range sent {
		r.armCompletion(ctx, c)
	}
	hlog.Infof("CampaignRunner: started, %d scheduled and %d sent campaigns re-armed", len(scheduled), len(sent))
}

// Stop aborts in-flight runs and shuts the scheduler down.
func (r *Runner) Stop() {
	hlog.Info("CampaignRunner: stopping...")
	r.cancel()
	r.wg.Wait()
	if err := r.scheduler.Shutdown(); err != nil {
		hlog.Errorf("CampaignRunner: error shutting down gocron scheduler: %v", err)
	}
	hlog.Info("CampaignRunner: stopped")
}

// Dispatch is called by the email_blast action. A draft campaign moves to
// scheduled and starts at its scheduledTime (or at once); a scheduled one
// that is not running resumes; sent and completed campaigns are left alone.
func (r *Runner) Dispatch(ctx context.Context, taskID, actionID string, at time.Time) error {
	task, err := r.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	blast, err := blastConfig(task, actionID)
	if err != nil {
		return err
	}
	draft := blast.Campaign.Clone()
	draft.TaskID, draft.ActionID = taskID, actionID
	c, err := r.store.UpsertCampaign(ctx, draft)
	if err != nil {
		return err
	}

	switch c.Status {
	case models.CampaignDraft:
		if err := r.store.TransitionCampaign(ctx, c.ID, models.CampaignDraft, models.CampaignScheduled, at); err != nil {
			return err
		}
		c.Status = models.CampaignScheduled
		r.publish(ctx, c)
		hlog.CtxInfof(ctx, "CampaignRunner: campaign %s (%s) scheduled", c.ID, c.Name)
		r.arm(c)
	case models.CampaignScheduled:
		if r.isRunning(c.ID) {
			hlog.CtxInfof(ctx, "CampaignRunner: campaign %s is already running", c.ID)
			return nil
		}
		hlog.CtxInfof(ctx, "CampaignRunner: resuming campaign %s", c.ID)
		r.arm(c)
	default:
		hlog.CtxInfof(ctx, "CampaignRunner: campaign %s is %s, dispatch ignored", c.ID, c.Status)
	}
	return nil
}

// arm starts the run now or registers a one-time job for its scheduled time.
func (r *Runner) arm(c models.EmailCampaign) {
	now := r.clock.Now()
	if c.ScheduledTime == nil || !c.ScheduledTime.After(now) {
		r.startRun(c.ID, c.TaskID)
		return
	}
	r.scheduler.RemoveByTags(startTag(c.ID))
	job, err := r.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(*c.ScheduledTime)),
		gocron.NewTask(r.startRun, c.ID, c.TaskID),
		gocron.WithName("campaign-start-"+c.ID),
		gocron.WithTags(startTag(c.ID), taskStartTag(c.TaskID)),
	)
	if err != nil {
		hlog.Errorf("CampaignRunner: failed to schedule campaign %s at %s: %v", c.ID, c.ScheduledTime.Format(time.RFC3339), err)
		return
	}
	hlog.Infof("CampaignRunner: campaign %s will start at %s (job %s)", c.ID, c.ScheduledTime.Format(time.RFC3339), job.ID())
}

func (r *Runner) startRun(campaignID, taskID string) {
	r.mu.Lock()
	if _, ok := r.running[campaignID]; ok {
		r.mu.Unlock()
		return
	}
	if r.baseCtx.Err() != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	rn := &run{taskID: taskID, cancel: cancel, done: make(chan struct{})}
	r.running[campaignID] = rn
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer close(rn.done)
		defer func() {
			r.mu.Lock()
			delete(r.running, campaignID)
			r.mu.Unlock()
			cancel()
		}()
		if err := r.send(ctx, campaignID); err != nil {
			if errors.Is(err, context.Canceled) {
				hlog.Infof("CampaignRunner: campaign %s run cancelled", campaignID)
				return
			}
			hlog.Errorf("CampaignRunner: campaign %s run failed: %v", campaignID, err)
		}
	}()
}

func (r *Runner) isRunning(campaignID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[campaignID]
	return ok
}

// Wait blocks until the campaign's current run, if any, has finished.
func (r *Runner) Wait(campaignID string) {
	r.mu.Lock()
	rn, ok := r.running[campaignID]
	r.mu.Unlock()
	if ok {
		<-rn.done
	}
}

// CancelTask aborts in-flight runs of the task before their next client and
// drops pending start jobs. Cancelled campaigns stay scheduled and resume on
// the next dispatch.
func (r *Runner) CancelTask(taskID string) {
	r.scheduler.RemoveByTags(taskStartTag(taskID))
	r.mu.Lock()
	var waits []chan struct{}
	for id, rn := range r.running {
		if rn.taskID == taskID {
			hlog.Infof("CampaignRunner: cancelling campaign %s of task %s", id, taskID)
			rn.cancel()
			waits = append(waits, rn.done)
		}
	}
	r.mu.Unlock()
	for _, done := range waits {
		<-done
	}
}

// ResumeTask re-arms the scheduled campaigns of a re-activated task.
func (r *Runner) ResumeTask(ctx context.Context, taskID string) {
	scheduled, err := r.store.ListCampaignsByStatus(ctx, models.CampaignScheduled)
	if err != nil {
		hlog.CtxErrorf(ctx, "CampaignRunner: failed to load scheduled campaigns: %v", err)
		return
	}
	for _, c := range scheduled {
		if c.TaskID == taskID {
			r.arm(c)
		}
	}
}

// Close ends the reply window of a sent campaign early.
func (r *Runner) Close(ctx context.Context, taskID, actionID string) (models.EmailCampaign, error) {
	c, err := r.store.GetCampaign(ctx, taskID, actionID)
	if err != nil {
		return models.EmailCampaign{}, err
	}
	if err := r.store.TransitionCampaign(ctx, c.ID, c.Status, models.CampaignCompleted, r.clock.Now()); err != nil {
		return models.EmailCampaign{}, err
	}
	r.scheduler.RemoveByTags(completeTag(c.ID))
	c, err = r.store.GetCampaignByID(ctx, c.ID)
	if err != nil {
		return models.EmailCampaign{}, err
	}
	r.publish(ctx, c)
	return c, nil
}

func (r *Runner) armCompletion(ctx context.Context, c models.EmailCampaign) {
	sentAt := r.clock.Now()
	if c.SentAt != nil {
		sentAt = *c.SentAt
	}
	due := sentAt.Add(r.replyWindow(ctx, c))
	if !due.After(r.clock.Now()) {
		r.complete(c.ID)
		return
	}
	r.scheduler.RemoveByTags(completeTag(c.ID))
	_, err := r.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(due)),
		gocron.NewTask(r.complete, c.ID),
		gocron.WithName("campaign-complete-"+c.ID),
		gocron.WithTags(completeTag(c.ID)),
	)
	if err != nil {
		hlog.Errorf("CampaignRunner: failed to schedule completion of campaign %s: %v", c.ID, err)
		return
	}
	hlog.Infof("CampaignRunner: campaign %s completes at %s", c.ID, due.Format(time.RFC3339))
}

func (r *Runner) complete(campaignID string) {
	ctx := r.baseCtx
	err := r.store.TransitionCampaign(ctx, campaignID, models.CampaignSent, models.CampaignCompleted, r.clock.Now())
	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			hlog.Errorf("CampaignRunner: failed to complete campaign %s: %v", campaignID, err)
		}
		return
	}
	hlog.Infof("CampaignRunner: campaign %s completed", campaignID)
	if c, err := r.store.GetCampaignByID(ctx, campaignID); err == nil {
		r.publish(ctx, c)
	}
}

func (r *Runner) replyWindow(ctx context.Context, c models.EmailCampaign) time.Duration {
	task, err := r.store.GetTaskByID(ctx, c.TaskID)
	if err != nil {
		return r.cfg.ReplyWindow
	}
	if blast, err := blastConfig(task, c.ActionID); err == nil && blast.ReplyWindowHours > 0 {
		return time.Duration(blast.ReplyWindowHours) * time.Hour
	}
	return r.cfg.ReplyWindow
}

func (r *Runner) publish(ctx context.Context, c models.EmailCampaign) {
	ev := events.CampaignEvent{
		Kind:          events.KindCampaign,
		CampaignID:    c.ID,
		TaskID:        c.TaskID,
		ActionID:      c.ActionID,
		Status:        c.Status,
		SentCount:     c.SentCount,
		ResponseCount: c.ResponseCount,
		At:            r.clock.Now(),
	}
	if err := r.publisher.Publish(ctx, c.TaskID, ev); err != nil {
		hlog.CtxWarnf(ctx, "CampaignRunner: failed to publish campaign event for %s: %v", c.ID, err)
	}
}

func blastConfig(task models.Task, actionID string) (models.EmailBlastConfig, error) {
	a, ok := task.Action(actionID)
	if !ok {
		return models.EmailBlastConfig{}, fmt.Errorf("task %s action %s: %w", task.ID, actionID, models.ErrNotFound)
	}
	cfg, ok := a.Config.(models.EmailBlastConfig)
	if !ok || cfg.Campaign == nil {
		return models.EmailBlastConfig{}, &models.ValidationError{Field: "config.campaign", Reason: fmt.Sprintf("action %s is not an email_blast with a campaign", actionID)}
	}
	return cfg, nil
}

func startTag(campaignID string) string { return "campaign-start:" + campaignID }
func completeTag(campaignID string) string { return "campaign-complete:" + campaignID }
func taskStartTag(taskID string) string { return "task-start:" + taskID }
