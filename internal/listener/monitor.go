package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"task-automation-service/internal/conditions"
	"task-automation-service/internal/models"
)

const maxObservedBody = 256 << 10

// apiMonitor polls an HTTP endpoint. Any response, including non-2xx, is an
// observation; only transport failures are errors.
type apiMonitor struct {
	target  string
	fields  map[string]string
	client  *resty.Client
	timeout time.Duration
	detect  changeDetector
}

func newAPIMonitor(cfg models.MonitorConfig, d Deps) *apiMonitor {
	timeout := d.interval(cfg.CheckInterval)
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	return &apiMonitor{
		target:  cfg.Target,
		fields:  cfg.Fields,
		client:  d.HTTPClient,
		timeout: timeout,
		detect:  changeDetector{conds: cfg.Condition, ignore: map[string]bool{"latency_ms": true}},
	}
}

func (m *apiMonitor) poll(ctx context.Context, now time.Time) ([]Event, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := time.Now()
	resp, err := m.client.R().SetContext(reqCtx).Get(m.target)
	if err != nil {
		return nil, &models.NetworkError{URL: m.target, Err: err}
	}
	body := resp.Body()
	if len(body) > maxObservedBody {
		body = body[:maxObservedBody]
	}
	obs := map[string]string{
		"status_code": strconv.Itoa(resp.StatusCode()),
		"body":        string(body),
		"latency_ms":  strconv.FormatInt(time.Since(start).Milliseconds(), 10),
		"url":         m.target,
	}
	for name, path := range m.fields {
		obs[name] = gjson.GetBytes(body, path).String()
	}
	if !m.detect.observe(obs) {
		return nil, nil
	}
	return []Event{{Fields: obs, OccurredAt: now}}, nil
}

func (m *apiMonitor) close() {}

// logMonitor tails a file. The first check records the end of file; later
// checks emit one event per complete appended line that satisfies the
// conditions. A file that shrank is read again from the start.
type logMonitor struct {
	path   string
	conds  []models.Condition
	offset int64
	ready  bool
}

func newLogMonitor(cfg models.MonitorConfig) *logMonitor {
	return &logMonitor{path: cfg.Target, conds: cfg.Condition}
}

func (m *logMonitor) poll(_ context.Context, now time.Time) ([]Event, error) {
	st, err := os.Stat(m.path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", m.path, err)
	}
	if !m.ready {
		m.offset, m.ready = st.Size(), true
		return nil, nil
	}
	if st.Size() < m.offset {
		m.offset = 0
	}
	if st.Size() == m.offset {
		return nil, nil
	}

	f, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", m.path, err)
	}
	defer f.Close()
	if _, err := f.Seek(m.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", m.path, err)
	}

	var events []Event
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// Partial trailing line stays unread until it is terminated.
			break
		}
		if err != nil {
			return events, fmt.Errorf("read %s: %w", m.path, err)
		}
		m.offset += int64(len(line))
		fields := map[string]string{
			"line": strings.TrimRight(line, "\r\n"),
			"path": m.path,
		}
		if conditions.Evaluate(m.conds, fields) {
			events = append(events, Event{Fields: fields, OccurredAt: now})
		}
	}
	return events, nil
}

func (m *logMonitor) close() {}

// Probe produces an observation for a custom trigger.
type Probe interface {
	Observe(ctx context.Context) (map[string]string, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (map[string]string, error)

func (f ProbeFunc) Observe(ctx context.Context) (map[string]string, error) { return f(ctx) }

// ProbeRegistry holds the probes custom triggers may name.
type ProbeRegistry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewProbeRegistry creates an empty registry.
func NewProbeRegistry() *ProbeRegistry {
	return &ProbeRegistry{probes: make(map[string]Probe)}
}

// Register binds a probe to a name.
func (r *ProbeRegistry) Register(name string, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[name] = p
}

// Get returns the named probe.
func (r *ProbeRegistry) Get(name string) (Probe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[name]
	if !ok {
		return nil, &models.ValidationError{Field: "trigger.config.target", Reason: fmt.Sprintf("no probe registered as %q", name)}
	}
	return p, nil
}

type probeMonitor struct {
	probe  Probe
	detect changeDetector
}

func newProbeMonitor(cfg models.MonitorConfig, p Probe) *probeMonitor {
	return &probeMonitor{probe: p, detect: changeDetector{conds: cfg.Condition}}
}

func (m *probeMonitor) poll(ctx context.Context, now time.Time) ([]Event, error) {
	obs, err := m.probe.Observe(ctx)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = map[string]string{}
	}
	if !m.detect.observe(obs) {
		return nil, nil
	}
	return []Event{{Fields: obs, OccurredAt: now}}, nil
}

func (m *probeMonitor) close() {}
