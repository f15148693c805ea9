package executor

import (
	"context"
	"fmt"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-resty/resty/v2"

	"task-automation-service/internal/models"
	"task-automation-service/pkg/template"
)

// Notification is a rendered notification.
type Notification struct {
	TaskID    string `json:"taskId"`
	Channel   string `json:"channel,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the service log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	hlog.CtxInfof(ctx, "Notification: task %s channel=%s recipient=%s: %s", n.TaskID, n.Channel, n.Recipient, n.Message)
	return nil
}

// WebhookNotifier posts the notification as JSON to its recipient URL.
type WebhookNotifier struct {
	Client *resty.Client
}

func (w WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	client := w.Client
	if client == nil {
		client = resty.New()
	}
	resp, err := client.R().SetContext(ctx).SetBody(n).Post(n.Recipient)
	if err != nil {
		return &models.NetworkError{URL: n.Recipient, Err: err}
	}
	if !resp.IsSuccess() {
		return &models.HTTPStatusError{URL: n.Recipient, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// ChannelNotifier routes by channel name and falls back to Default.
type ChannelNotifier struct {
	Channels map[string]Notifier
	Default  Notifier
}

func (c ChannelNotifier) Notify(ctx context.Context, n Notification) error {
	if target, ok := c.Channels[n.Channel]; ok {
		return target.Notify(ctx, n)
	}
	if c.Default != nil {
		return c.Default.Notify(ctx, n)
	}
	return LogNotifier{}.Notify(ctx, n)
}

// NotificationExecutor is fire-and-forget: a delivery failure is logged and
// the action still succeeds.
type NotificationExecutor struct {
	Notifier Notifier
}

func (e *NotificationExecutor) Execute(ctx context.Context, a models.Action, inv Invocation) (string, error) {
	cfg, err := configAs[models.NotificationConfig](a)
	if err != nil {
		return "", err
	}
	n := Notification{
		TaskID:    inv.TaskID,
		Channel:   cfg.Channel,
		Recipient: template.Interpolate(cfg.Recipient, inv.Vars),
		Message:   template.Interpolate(cfg.Message, inv.Vars),
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		hlog.CtxWarnf(ctx, "NotificationExecutor: delivery for task %s failed: %v", inv.TaskID, err)
		return fmt.Sprintf("notification not delivered: %v", err), nil
	}
	return fmt.Sprintf("notification sent via %s", channelName(cfg.Channel)), nil
}

func channelName(c string) string {
	if c == "" {
		return "log"
	}
	return c
}
