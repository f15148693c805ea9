package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"task-automation-service/internal/events"
	"task-automation-service/internal/mail"
	"task-automation-service/internal/models"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error { return m.Called().Error(0) }

// chanReader serves queued messages and returns io.EOF once closed.
type chanReader struct {
	msgs   chan kafka.Message
	closed chan struct{}
	once   sync.Once
}

func newChanReader() *chanReader {
	return &chanReader{msgs: make(chan kafka.Message, 8), closed: make(chan struct{})}
}

func (r *chanReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-r.closed:
		return kafka.Message{}, io.EOF
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, ParseBrokers(""))
}

func TestPublisher_WritesKeyedJSON(t *testing.T) {
	w := &mockWriter{}
	var written []kafka.Message
	w.On("WriteMessages", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		written = args.Get(1).([]kafka.Message)
	}).Return(nil).Once()
	p := NewPublisherWithWriter(w, "automation_events")

	ev := events.TaskRunEvent{Kind: events.KindTaskRun, TaskID: "t-1", Outcome: models.RunSucceeded, RunCount: 3}
	require.NoError(t, p.Publish(context.Background(), "t-1", ev))

	require.Len(t, written, 1)
	assert.Equal(t, "t-1", string(written[0].Key))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(written[0].Value, &decoded))
	assert.Equal(t, "task_run", decoded["kind"])
	assert.Equal(t, float64(3), decoded["run_count"])
	w.AssertExpectations(t)
}

func TestPublisher_WrapsWriteError(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	w.On("Close").Return(nil)
	p := NewPublisherWithWriter(w, "automation_events")

	err := p.Publish(context.Background(), "t-1", events.CampaignEvent{Kind: events.KindCampaign})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.NoError(t, p.Close())
}

func TestReplyConsumer_HandsRepliesToHandler(t *testing.T) {
	reader := newChanReader()
	got := make(chan mail.InboundEmail, 2)
	var owner string
	c := NewReplyConsumerWithReader(reader, func(_ context.Context, userID string, e mail.InboundEmail) (int, error) {
		owner = userID
		got <- e
		return 1, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartConsuming(ctx)

	value, err := json.Marshal(events.InboundReplyPayload{
		UserID:    "u-1",
		From:      "ana@example.com",
		To:        []string{"replies+tok@example.com"},
		Subject:   "Re: Hello",
		InReplyTo: "<tok.c1@example.com>",
	})
	require.NoError(t, err)
	reader.msgs <- kafka.Message{Value: []byte("not json")}
	reader.msgs <- kafka.Message{Value: []byte(`{"subject":"no sender"}`)}
	reader.msgs <- kafka.Message{Value: value}

	select {
	case e := <-got:
		assert.Equal(t, "ana@example.com", e.From)
		assert.Equal(t, []string{"replies+tok@example.com"}, e.To)
		assert.Equal(t, "<tok.c1@example.com>", e.InReplyTo)
		assert.Equal(t, "u-1", owner)
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not delivered to the handler")
	}
	assert.NoError(t, c.Close())
	assert.Empty(t, got, "malformed payloads are skipped")
}

func TestReplyConsumer_StopsOnCancel(t *testing.T) {
	reader := newChanReader()
	c := NewReplyConsumerWithReader(reader, func(context.Context, string, mail.InboundEmail) (int, error) { return 0, nil })
	ctx, cancel := context.WithCancel(context.Background())
	c.StartConsuming(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
}
