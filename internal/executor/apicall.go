package executor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"task-automation-service/internal/models"
	"task-automation-service/pkg/template"
)

// DefaultAPITimeout bounds api_call actions without their own timeout.
const DefaultAPITimeout = 30 * time.Second

const maxErrorBody = 4 << 10

// APICallExecutor issues one HTTP request per action. Retries are disabled.
type APICallExecutor struct {
	client         *resty.Client
	defaultTimeout time.Duration
}

// NewAPICallExecutor creates the executor with its own resty client.
func NewAPICallExecutor(defaultTimeout time.Duration) *APICallExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultAPITimeout
	}
	client := resty.New().
		SetRetryCount(0).
		SetHeader("User-Agent", "task-engine/1.0")
	return &APICallExecutor{client: client, defaultTimeout: defaultTimeout}
}

func (e *APICallExecutor) Execute(ctx context.Context, a models.Action, inv Invocation) (string, error) {
	cfg, err := configAs[models.APICallConfig](a)
	if err != nil {
		return "", err
	}
	url := template.Interpolate(cfg.APIURL, inv.Vars)
	body := template.Interpolate(cfg.Body, inv.Vars)
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
		if body != "" {
			method = http.MethodPost
		}
	}

	timeout := e.defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := e.client.R().
		SetContext(reqCtx).
		SetHeaders(template.InterpolateAll(cfg.Headers, inv.Vars))
	if body != "" {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, url)
	if err != nil {
		return "", &models.NetworkError{URL: url, Err: err}
	}
	if !resp.IsSuccess() {
		b := resp.String()
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody]
		}
		return "", &models.HTTPStatusError{URL: url, StatusCode: resp.StatusCode(), Body: b}
	}
	return fmt.Sprintf("%s %s -> %d\n%s", method, url, resp.StatusCode(), clip(resp.String())), nil
}
