package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"

	"task-automation-service/internal/events"
	"task-automation-service/internal/mail"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReplyHandler receives every decoded inbound reply.
type ReplyHandler func(ctx context.Context, userID string, email mail.InboundEmail) (int, error)

// ReplyConsumer feeds inbound replies from a topic to the campaign matcher.
type ReplyConsumer struct {
	reader  MessageReader
	handler ReplyHandler
	backoff time.Duration
	wg      sync.WaitGroup
}

// NewReplyConsumer builds a group reader on the reply topic.
func NewReplyConsumer(brokers []string, topic, groupID string, handler ReplyHandler) *ReplyConsumer {
	if topic == "" {
		topic = DefaultReplyTopic
	}
	if groupID == "" {
		groupID = DefaultReplyGroupID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers, GroupID: groupID, Topic: topic,
		MinBytes: 10e3, MaxBytes: 10e6, CommitInterval: time.Second, MaxWait: 3 * time.Second,
	})
	hlog.Infof("Kafka reply consumer configured for topic: %s, groupID: %s", topic, groupID)
	return NewReplyConsumerWithReader(reader, handler)
}

// NewReplyConsumerWithReader wraps an existing reader.
func NewReplyConsumerWithReader(r MessageReader, handler ReplyHandler) *ReplyConsumer {
	return &ReplyConsumer{reader: r, handler: handler, backoff: time.Second}
}

// StartConsuming reads until ctx is cancelled or the reader is closed.
func (c *ReplyConsumer) StartConsuming(ctx context.Context) {
	hlog.Info("ReplyConsumer: starting to consume inbound replies...")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if ctx.Err() != nil {
				hlog.Info("ReplyConsumer: context cancelled, stopping consumer.")
				return
			}
			readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			msg, err := c.reader.ReadMessage(readCtx)
			cancel()

			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				hlog.Info("ReplyConsumer: read context cancelled.")
				return
			case errors.Is(err, io.EOF):
				hlog.Info("ReplyConsumer: Kafka reader closed (EOF), stopping consumption.")
				return
			default:
				hlog.Errorf("ReplyConsumer: error reading message: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.backoff):
				}
				continue
			}
			c.handle(ctx, msg)
		}
	}()
}

func (c *ReplyConsumer) handle(ctx context.Context, msg kafka.Message) {
	var payload events.InboundReplyPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		hlog.Errorf("ReplyConsumer: error unmarshalling reply payload at offset %d: %v", msg.Offset, err)
		return
	}
	if payload.From == "" {
		hlog.Warnf("ReplyConsumer: reply at offset %d has no sender, skipped", msg.Offset)
		return
	}
	n, err := c.handler(ctx, payload.UserID, payload.Email())
	if err != nil {
		hlog.Errorf("ReplyConsumer: failed to handle reply from %s: %v", payload.From, err)
		return
	}
	hlog.Infof("ReplyConsumer: reply from %s matched %d campaign clients", payload.From, n)
}

// Close closes the reader and waits for the consume loop to exit.
func (c *ReplyConsumer) Close() error {
	hlog.Info("ReplyConsumer: closing Kafka reader.")
	err := c.reader.Close()
	c.wg.Wait()
	return err
}
