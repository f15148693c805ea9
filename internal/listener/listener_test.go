package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-automation-service/internal/models"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newCollector() *collector { return &collector{ch: make(chan Event, 64)} }

func (c *collector) emit(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.ch <- e
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func startListener(t *testing.T, l Listener, c *collector) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, c.emit) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
		return nil
	}
}

func TestNew_SelectsByTriggerType(t *testing.T) {
	d := Deps{Webhooks: NewWebhookRouter(), Dialer: &fakeDialer{}}
	d.Probes = NewProbeRegistry()
	d.Probes.Register("disk", ProbeFunc(func(context.Context) (map[string]string, error) { return nil, nil }))

	testCases := []struct {
		name    string
		trigger models.Trigger
		want    interface{}
		wantErr bool
	}{
		{"schedule", models.Trigger{Type: models.TriggerSchedule, Config: models.ScheduleConfig{Schedule: "*/5 * * * *"}}, &scheduleListener{}, false},
		{"blast schedule", models.Trigger{Type: models.TriggerScheduledEmailBlast, Config: models.ScheduleConfig{Schedule: "0 9 * * 1"}}, &scheduleListener{}, false},
		{"webhook", models.Trigger{Type: models.TriggerWebhook, Config: models.WebhookConfig{WebhookURL: "/hooks/a"}}, &webhookListener{}, false},
		{"api monitor", models.Trigger{Type: models.TriggerAPIMonitor, Config: models.MonitorConfig{Target: "http://x"}}, &poller{}, false},
		{"log monitor", models.Trigger{Type: models.TriggerLogMonitor, Config: models.MonitorConfig{Target: "/var/log/x"}}, &poller{}, false},
		{"custom", models.Trigger{Type: models.TriggerCustom, Config: models.MonitorConfig{Target: "disk"}}, &poller{}, false},
		{"custom unknown probe", models.Trigger{Type: models.TriggerCustom, Config: models.MonitorConfig{Target: "nope"}}, nil, true},
		{"email", models.Trigger{Type: models.TriggerEmailReceived, Config: models.EmailReceivedConfig{}}, &poller{}, false},
		{"bad cron", models.Trigger{Type: models.TriggerSchedule, Config: models.ScheduleConfig{Schedule: "soon"}}, nil, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := New(models.Task{ID: "t1", Trigger: tc.trigger}, d)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.want, l)
		})
	}
}

func TestScheduleListener_FiresInTimezone(t *testing.T) {
	lisbon, err := time.LoadLocation("Europe/Lisbon")
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 1, 1, 59, 0, 0, lisbon))
	l, err := New(models.Task{ID: "t1", Trigger: models.Trigger{
		Type:   models.TriggerSchedule,
		Config: models.ScheduleConfig{Schedule: "0 2 * * *", Timezone: "Europe/Lisbon"},
	}}, Deps{Clock: clock})
	require.NoError(t, err)

	c := newCollector()
	cancel, done := startListener(t, l, c)
	ctx := context.Background()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	first := <-c.ch
	assert.Equal(t, "t1", first.TaskID)
	assert.Empty(t, first.Fields)
	assert.True(t, first.OccurredAt.Equal(time.Date(2026, 7, 1, 2, 0, 0, 0, lisbon)))

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(24 * time.Hour)
	second := <-c.ch
	assert.True(t, second.OccurredAt.Equal(time.Date(2026, 7, 2, 2, 0, 0, 0, lisbon)))

	cancel()
	assert.NoError(t, waitErr(t, done))
}

func TestPoller_RisingEdge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	readings := []string{"50", "90", "95", "70", "85"}
	calls := make(chan int)
	i := 0
	probes := NewProbeRegistry()
	probes.Register("cpu", ProbeFunc(func(context.Context) (map[string]string, error) {
		v := readings[i]
		calls <- i
		i++
		return map[string]string{"cpu": v}, nil
	}))
	l, err := New(models.Task{ID: "t1", Trigger: models.Trigger{Type: models.TriggerCustom, Config: models.MonitorConfig{
		Target:        "cpu",
		CheckInterval: 10,
		Condition:     []models.Condition{{Field: "cpu", Operator: models.OpGreaterThan, Value: "80"}},
	}}}, Deps{Clock: clock, Probes: probes})
	require.NoError(t, err)

	c := newCollector()
	cancel, done := startListener(t, l, c)
	<-calls
	for range readings[1:] {
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(10 * time.Second)
		<-calls
	}
	cancel()
	require.NoError(t, waitErr(t, done))

	got := c.all()
	require.Len(t, got, 2)
	assert.Equal(t, "90", got[0].Fields["cpu"])
	assert.Equal(t, "85", got[1].Fields["cpu"])
}

func TestPoller_GivesUpAfterRetries(t *testing.T) {
	probes := NewProbeRegistry()
	attempts := 0
	probes.Register("flaky", ProbeFunc(func(context.Context) (map[string]string, error) {
		attempts++
		return nil, errors.New("connection refused")
	}))
	l, err := New(models.Task{ID: "t9", Trigger: models.Trigger{Type: models.TriggerCustom, Config: models.MonitorConfig{Target: "flaky"}}},
		Deps{Probes: probes, MaxRetries: 2, RetryBase: time.Millisecond})
	require.NoError(t, err)

	_, done := startListener(t, l, newCollector())
	err = waitErr(t, done)
	var fatal *models.ListenerFatalError
	require.True(t, errors.As(err, &fatal), "got %v", err)
	assert.Equal(t, "t9", fatal.TaskID)
	assert.Equal(t, models.TriggerCustom, fatal.Trigger)
	assert.Equal(t, 3, attempts, "one attempt plus two retries")
}

func TestChangeDetector_DigestMode(t *testing.T) {
	d := changeDetector{ignore: map[string]bool{"latency_ms": true}}
	assert.False(t, d.observe(map[string]string{"body": "a", "latency_ms": "1"}), "baseline")
	assert.False(t, d.observe(map[string]string{"body": "a", "latency_ms": "9"}), "latency is ignored")
	assert.True(t, d.observe(map[string]string{"body": "b", "latency_ms": "9"}))
	assert.False(t, d.observe(map[string]string{"body": "b", "latency_ms": "2"}))
}
