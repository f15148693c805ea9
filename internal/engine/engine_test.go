package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"task-automation-service/internal/executor"
	"task-automation-service/internal/listener"
	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
	"task-automation-service/internal/store"
	"task-automation-service/pkg/db"
)

type fakeMailbox struct {
	mu       sync.Mutex
	messages []mail.InboundEmail
	highest  int
	fetches  int
	closed   bool
}

func (f *fakeMailbox) add(m mail.InboundEmail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}

func (f *fakeMailbox) HighestUID(context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.highest++
	var max uint32
	for _, m := range f.messages {
		if m.UID > max {
			max = m.UID
		}
	}
	return max, nil
}

func (f *fakeMailbox) Fetch(_ context.Context, since uint32) ([]mail.InboundEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	var out []mail.InboundEmail
	for _, m := range f.messages {
		if m.UID > since {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMailbox) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMailbox) stats() (highest, fetches int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.highest, f.fetches, f.closed
}

// recorder counts successful notification actions and the subjects they saw.
type recorder struct {
	mu        sync.Mutex
	subjects  []string
	mailboxes []string
}

func (r *recorder) exec(_ context.Context, _ models.Action, inv executor.Invocation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, inv.Vars["subject"])
	if inv.Mailbox != nil {
		r.mailboxes = append(r.mailboxes, inv.Mailbox.Username)
	}
	return "ok", nil
}

func (r *recorder) mailboxUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.mailboxes...)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subjects...)
}

type harness struct {
	engine *Engine
	store  *store.Store
	clock  *clockwork.FakeClock
	mb     *fakeMailbox
	rec    *recorder
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.NewGormDB(db.Config{DSN: filepath.Join(t.TempDir(), "engine.db"), LogLevel: logger.Silent})
	require.NoError(t, err)
	st := store.New(gdb)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return st
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, newTestStore(t), nil, opts...)
}

// newHarnessWith builds the engine on st; extra registers more executors
// before the engine starts.
func newHarnessWith(t *testing.T, st *store.Store, extra func(*executor.Registry), opts ...Option) *harness {
	t.Helper()
	h := &harness{store: st, clock: clockwork.NewFakeClock(), mb: &fakeMailbox{}, rec: &recorder{}}
	reg := executor.NewRegistry(executor.WithClock(h.clock))
	reg.Register(models.ActionCommand, executor.ExecutorFunc(func(context.Context, models.Action, executor.Invocation) (string, error) {
		return "", &models.ExecutionError{Command: "false", ExitCode: 1, Err: errors.New("exit status 1")}
	}))
	reg.Register(models.ActionNotification, executor.ExecutorFunc(h.rec.exec))
	if extra != nil {
		extra(reg)
	}

	dialer := mail.DialerFunc(func(context.Context, models.MailboxConfig) (mail.Mailbox, error) { return h.mb, nil })
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.engine = New(st, reg, listener.Deps{Clock: h.clock, Dialer: dialer}, opts...)
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(h.engine.Stop)
	return h
}

func failing() models.Action {
	return models.Action{Type: models.ActionCommand, Config: models.CommandConfig{Command: "false"}}
}

func notify() models.Action {
	return models.Action{Type: models.ActionNotification, Config: models.NotificationConfig{Message: "{{subject}}"}}
}

func scheduleTask(actions ...models.Action) models.Task {
	return models.Task{
		UserID:  "u-1",
		Name:    "Disk check",
		Trigger: models.Trigger{Type: models.TriggerSchedule, Config: models.ScheduleConfig{Schedule: "0 3 * * *"}},
		Conditions: []models.Condition{
			{Field: "usage", Operator: models.OpGreaterThan, Value: "90"},
		},
		Actions: actions,
	}
}

func mailTask() models.Task {
	return models.Task{
		UserID: "u-1",
		Name:   "Inbox watcher",
		Trigger: models.Trigger{Type: models.TriggerEmailReceived, Config: models.EmailReceivedConfig{
			EmailConfig:   models.MailboxConfig{Provider: models.ProviderGmail, Username: "me", Password: "pw"},
			CheckInterval: 60,
		}},
		Actions: []models.Action{notify()},
	}
}

func TestEngine_FailingConditionsRecordNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.engine.CreateTask(ctx, scheduleTask(notify()))
	require.NoError(t, err)

	_, ran, err := h.engine.RunNow(ctx, task.ID, "u-1", map[string]string{"usage": "50"})
	require.NoError(t, err)
	assert.False(t, ran)

	got, err := h.engine.GetTask(ctx, task.ID, "u-1")
	require.NoError(t, err)
	assert.Zero(t, got.RunCount)
	assert.Nil(t, got.LastRun)
	runs, err := h.engine.ListRuns(ctx, task.ID, "u-1", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEngine_FirstActionFailsSecondSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.engine.CreateTask(ctx, scheduleTask(failing(), notify()))
	require.NoError(t, err)
	require.True(t, h.engine.Listening(task.ID))

	run, ran, err := h.engine.RunNow(ctx, task.ID, "u-1", map[string]string{"usage": "95", "subject": "disk"})
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, models.RunPartial, run.Outcome)
	require.Len(t, run.Results, 2)
	assert.NotEmpty(t, run.Results[0].Error)
	assert.Empty(t, run.Results[1].Error)

	got, err := h.engine.GetTask(ctx, task.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, models.StatusActive, got.Status)
	require.NotNil(t, got.LastRun)
	assert.True(t, got.LastRun.Equal(h.clock.Now()))
	assert.True(t, h.engine.Listening(task.ID))
	assert.Equal(t, []string{"disk"}, h.rec.seen())
}

func TestEngine_AllActionsFailingSetsError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.engine.CreateTask(ctx, scheduleTask(failing(), failing()))
	require.NoError(t, err)

	_, ran, err := h.engine.RunNow(ctx, task.ID, "u-1", map[string]string{"usage": "99"})
	require.NoError(t, err)
	require.True(t, ran)

	got, err := h.engine.GetTask(ctx, task.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, models.StatusError, got.Status)
	require.Eventually(t, func() bool { return !h.engine.Listening(task.ID) }, 2*time.Second, 10*time.Millisecond)

	got, err = h.engine.ToggleStatus(ctx, task.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status, "an errored task is re-activated by toggle")
	assert.True(t, h.engine.Listening(task.ID))
}

func TestEngine_ZeroActionsCountsAsRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := scheduleTask()
	in.Conditions = nil
	task, err := h.engine.CreateTask(ctx, in)
	require.NoError(t, err)

	_, ran, err := h.engine.RunNow(ctx, task.ID, "u-1", nil)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := h.engine.GetTask(ctx, task.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, models.StatusActive, got.Status)
}

func TestEngine_DeleteStopsListener(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mb.add(mail.InboundEmail{UID: 1, MessageID: "m1@example.com", From: "a@example.com", Subject: "first"})
	task, err := h.engine.CreateTask(ctx, mailTask())
	require.NoError(t, err)
	require.Eventually(t, func() bool { n, _, _ := h.mb.stats(); return n == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.DeleteTask(ctx, task.ID, "u-1"))
	assert.False(t, h.engine.Listening(task.ID))
	_, _, closed := h.mb.stats()
	assert.True(t, closed, "the mailbox is released when the listener stops")

	h.mb.add(mail.InboundEmail{UID: 2, MessageID: "m2@example.com", From: "a@example.com", Subject: "second"})
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
	}
	time.Sleep(50 * time.Millisecond)
	_, fetches, _ := h.mb.stats()
	assert.Zero(t, fetches)
	assert.Empty(t, h.rec.seen())

	_, err = h.engine.GetTask(ctx, task.ID, "u-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEngine_ToggleOffOnDoesNotReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mb.add(mail.InboundEmail{UID: 1, MessageID: "m1@example.com", From: "a@example.com", Subject: "first"})
	task, err := h.engine.CreateTask(ctx, mailTask())
	require.NoError(t, err)
	require.Eventually(t, func() bool { n, _, _ := h.mb.stats(); return n == 1 }, 2*time.Second, 5*time.Millisecond)

	off, err := h.engine.ToggleStatus(ctx, task.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, off.Status)
	assert.False(t, h.engine.Listening(task.ID))

	h.mb.add(mail.InboundEmail{UID: 2, MessageID: "m2@example.com", From: "a@example.com", Subject: "missed"})

	on, err := h.engine.ToggleStatus(ctx, task.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, on.Status)
	require.Eventually(t, func() bool { n, _, _ := h.mb.stats(); return n == 2 }, 2*time.Second, 5*time.Millisecond)

	h.mb.add(mail.InboundEmail{UID: 3, MessageID: "m3@example.com", From: "a@example.com", Subject: "third"})
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Minute)
		return len(h.rec.seen()) > 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"third"}, h.rec.seen(), "mail received while inactive is not replayed")
	got, err := h.engine.GetTask(ctx, task.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
}

func TestEngine_CreateRejectsInvalidAndDuplicateWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CreateTask(ctx, models.Task{UserID: "u-1", Name: "bad",
		Trigger: models.Trigger{Type: models.TriggerSchedule, Config: models.ScheduleConfig{}}})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)

	hook := models.Task{UserID: "u-1", Name: "orders",
		Trigger: models.Trigger{Type: models.TriggerWebhook, Config: models.WebhookConfig{WebhookURL: "/hooks/orders"}}}
	first, err := h.engine.CreateTask(ctx, hook)
	require.NoError(t, err)
	require.Eventually(t, func() bool { owner, ok := h.engine.Webhooks().Owner("orders"); return ok && owner == first.ID },
		2*time.Second, 5*time.Millisecond)

	_, err = h.engine.CreateTask(ctx, hook)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "already used")
}

func TestEngine_CreateAcceptsOnlyActiveOrInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, status := range []models.TaskStatus{"bogus", models.StatusError} {
		in := scheduleTask(notify())
		in.Status = status
		_, err := h.engine.CreateTask(ctx, in)
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr, "status %q", status)
		assert.Equal(t, "status", verr.Field)
	}

	in := scheduleTask(notify())
	in.Status = models.StatusInactive
	task, err := h.engine.CreateTask(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, task.Status)
	assert.False(t, h.engine.Listening(task.ID))

	tasks, err := h.engine.ListTasks(ctx, "u-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestEngine_WebhookDeliveryRunsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.engine.CreateTask(ctx, models.Task{UserID: "u-1", Name: "orders",
		Trigger:    models.Trigger{Type: models.TriggerWebhook, Config: models.WebhookConfig{WebhookURL: "/hooks/orders"}},
		Conditions: []models.Condition{{Field: "body.status", Operator: models.OpEquals, Value: "paid"}},
		Actions:    []models.Action{{Type: models.ActionNotification, Config: models.NotificationConfig{Message: "paid"}}},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := h.engine.Webhooks().Owner("orders"); return ok }, 2*time.Second, 5*time.Millisecond)

	owner, err := h.engine.DeliverWebhook(ctx, "orders", listener.WebhookRequest{Method: "POST", Path: "/hooks/orders", Body: []byte(`{"status":"paid"}`)})
	require.NoError(t, err)
	assert.Equal(t, task.ID, owner)

	require.Eventually(t, func() bool {
		got, err := h.engine.GetTask(ctx, task.ID, "u-1")
		return err == nil && got.RunCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_UpdateRestartsListenerAndChecksOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.engine.CreateTask(ctx, scheduleTask(notify()))
	require.NoError(t, err)

	_, err = h.engine.UpdateTask(ctx, task.ID, "someone-else", models.TaskPatch{})
	assert.ErrorIs(t, err, models.ErrNotFound)

	name := "Disk check (prod)"
	updated, err := h.engine.UpdateTask(ctx, task.ID, "u-1", models.TaskPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, task.Version+1, updated.Version)
	assert.True(t, h.engine.Listening(task.ID))

	bad := models.Trigger{Type: models.TriggerSchedule, Config: models.ScheduleConfig{Schedule: "nope"}}
	_, err = h.engine.UpdateTask(ctx, task.ID, "u-1", models.TaskPatch{Trigger: &bad})
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}
