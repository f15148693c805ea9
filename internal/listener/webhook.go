package listener

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"task-automation-service/internal/models"
	"task-automation-service/pkg/validation"
)

// SignatureHeader carries the HMAC-SHA256 of the body as "sha256=<hex>".
const SignatureHeader = "X-Signature"

// ErrInvalidSignature is returned when a webhook secret is set and the
// request signature is missing or wrong.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookRequest is an inbound webhook call, independent of the HTTP framework.
type WebhookRequest struct {
	Method     string
	Path       string
	RemoteAddr string
	// Header keys are canonical MIME header names.
	Header map[string]string
	Query  map[string]string
	Body   []byte
}

// Fields flattens the request into an event field map.
func (r WebhookRequest) Fields() map[string]string {
	f := map[string]string{
		"method":      r.Method,
		"path":        r.Path,
		"remote_addr": r.RemoteAddr,
		"body":        string(r.Body),
	}
	for k, v := range r.Header {
		f["header."+k] = v
	}
	for k, v := range r.Query {
		f["query."+k] = v
	}
	if len(r.Body) > 0 && gjson.ValidBytes(r.Body) {
		parsed := gjson.ParseBytes(r.Body)
		if parsed.IsObject() {
			parsed.ForEach(func(key, value gjson.Result) bool {
				if value.IsObject() || value.IsArray() {
					f["body."+key.String()] = value.Raw
				} else {
					f["body."+key.String()] = value.String()
				}
				return true
			})
		}
	}
	return f
}

type webhookRoute struct {
	taskID string
	cfg    models.WebhookConfig
	ch     chan WebhookRequest
	done   chan struct{}
}

// WebhookRouter maps routing keys to the webhook listeners of active tasks.
type WebhookRouter struct {
	mu     sync.RWMutex
	routes map[string]*webhookRoute
}

// NewWebhookRouter creates an empty router.
func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{routes: make(map[string]*webhookRoute)}
}

// Owner returns the task currently registered for key.
func (r *WebhookRouter) Owner(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[key]
	if !ok {
		return "", false
	}
	return rt.taskID, true
}

func (r *WebhookRouter) register(taskID string, cfg models.WebhookConfig) (*webhookRoute, error) {
	key := cfg.RoutingKey()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.routes[key]; ok && existing.taskID != taskID {
		return nil, &models.ValidationError{
			Field:  "trigger.config.webhookUrl",
			Reason: fmt.Sprintf("routing key %q is already used by task %s", key, existing.taskID),
		}
	}
	rt := &webhookRoute{taskID: taskID, cfg: cfg, ch: make(chan WebhookRequest, 16), done: make(chan struct{})}
	r.routes[key] = rt
	return rt, nil
}

func (r *WebhookRouter) unregister(key string, rt *webhookRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[key] == rt {
		delete(r.routes, key)
	}
	close(rt.done)
}

// Deliver verifies the request against the route's secret and payload schema
// and hands it to the listener. It returns models.ErrNotFound when no active
// task owns the key.
func (r *WebhookRouter) Deliver(ctx context.Context, key string, req WebhookRequest) (string, error) {
	r.mu.RLock()
	rt, ok := r.routes[key]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("webhook %q: %w", key, models.ErrNotFound)
	}
	if rt.cfg.Secret != "" && !validSignature(rt.cfg.Secret, req.Body, req.Header[SignatureHeader]) {
		return "", ErrInvalidSignature
	}
	if rt.cfg.PayloadSchema != "" {
		if err := validation.ValidateBytes(rt.cfg.PayloadSchema, req.Body); err != nil {
			return "", &models.ValidationError{Field: "body", Reason: err.Error()}
		}
	}
	select {
	case rt.ch <- req:
		return rt.taskID, nil
	case <-rt.done:
		return "", fmt.Errorf("webhook %q: %w", key, models.ErrNotFound)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Sign computes the signature header value for a body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	got := strings.TrimSpace(header)
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(got), []byte(Sign(secret, body)))
}

type webhookListener struct {
	taskID string
	cfg    models.WebhookConfig
	router *WebhookRouter
	clock  clockwork.Clock
}

func (l *webhookListener) Run(ctx context.Context, emit EmitFunc) error {
	key := l.cfg.RoutingKey()
	rt, err := l.router.register(l.taskID, l.cfg)
	if err != nil {
		return err
	}
	defer l.router.unregister(key, rt)
	hlog.CtxInfof(ctx, "WebhookListener: task %s listening on /hooks/%s", l.taskID, key)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-rt.ch:
			emit(Event{TaskID: l.taskID, Fields: req.Fields(), OccurredAt: l.clock.Now()})
		}
	}
}
