package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-automation-service/internal/models"
)

func waitRegistered(t *testing.T, r *WebhookRouter, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.Owner(key)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func webhookTask(id string, cfg models.WebhookConfig) models.Task {
	return models.Task{ID: id, Trigger: models.Trigger{Type: models.TriggerWebhook, Config: cfg}}
}

func TestWebhookRequest_Fields(t *testing.T) {
	req := WebhookRequest{
		Method:     "POST",
		Path:       "/hooks/orders",
		RemoteAddr: "10.0.0.1:5555",
		Header:     map[string]string{"Content-Type": "application/json"},
		Query:      map[string]string{"env": "prod"},
		Body:       []byte(`{"status":"failed","count":3,"meta":{"a":1}}`),
	}
	f := req.Fields()
	assert.Equal(t, "POST", f["method"])
	assert.Equal(t, "application/json", f["header.Content-Type"])
	assert.Equal(t, "prod", f["query.env"])
	assert.Equal(t, "failed", f["body.status"])
	assert.Equal(t, "3", f["body.count"])
	assert.Equal(t, `{"a":1}`, f["body.meta"])
	assert.Equal(t, string(req.Body), f["body"])
}

func TestWebhookListener_DeliversAndUnregisters(t *testing.T) {
	router := NewWebhookRouter()
	l, err := New(webhookTask("t1", models.WebhookConfig{WebhookURL: "https://example.com/hooks/orders"}), Deps{Webhooks: router})
	require.NoError(t, err)

	c := newCollector()
	cancel, done := startListener(t, l, c)
	waitRegistered(t, router, "orders")

	taskID, err := router.Deliver(context.Background(), "orders", WebhookRequest{Method: "POST", Body: []byte(`{"id":7}`)})
	require.NoError(t, err)
	assert.Equal(t, "t1", taskID)
	ev := <-c.ch
	assert.Equal(t, "7", ev.Fields["body.id"])

	cancel()
	require.NoError(t, waitErr(t, done))
	_, err = router.Deliver(context.Background(), "orders", WebhookRequest{})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestWebhookRouter_RejectsDuplicateKey(t *testing.T) {
	router := NewWebhookRouter()
	first, _ := New(webhookTask("t1", models.WebhookConfig{WebhookURL: "/hooks/shared"}), Deps{Webhooks: router})
	_, _ = startListener(t, first, newCollector())
	waitRegistered(t, router, "shared")

	second, _ := New(webhookTask("t2", models.WebhookConfig{WebhookURL: "/hooks/shared"}), Deps{Webhooks: router})
	_, done := startListener(t, second, newCollector())
	err := waitErr(t, done)
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))
	owner, _ := router.Owner("shared")
	assert.Equal(t, "t1", owner)
}

func TestWebhookRouter_SignatureAndSchema(t *testing.T) {
	router := NewWebhookRouter()
	cfg := models.WebhookConfig{
		WebhookURL:    "/hooks/signed",
		Secret:        "s3cret",
		PayloadSchema: `{"type":"object","required":["id"]}`,
	}
	l, _ := New(webhookTask("t1", cfg), Deps{Webhooks: router})
	c := newCollector()
	_, _ = startListener(t, l, c)
	waitRegistered(t, router, "signed")

	_, err := router.Deliver(context.Background(), "signed", WebhookRequest{Body: []byte(`{"id":1}`)})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	bad := []byte(`{"name":"x"}`)
	_, err = router.Deliver(context.Background(), "signed", WebhookRequest{
		Body: bad, Header: map[string]string{SignatureHeader: Sign("s3cret", bad)},
	})
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))

	good := []byte(`{"id":1}`)
	_, err = router.Deliver(context.Background(), "signed", WebhookRequest{
		Body: good, Header: map[string]string{SignatureHeader: Sign("s3cret", good)},
	})
	require.NoError(t, err)
	<-c.ch
}
