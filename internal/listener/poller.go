package listener

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"task-automation-service/internal/conditions"
	"task-automation-service/internal/models"
)

// source is one polled trigger source. poll returns the events produced by a
// single check; an error is retried with backoff.
type source interface {
	poll(ctx context.Context, now time.Time) ([]Event, error)
	close()
}

type poller struct {
	taskID     string
	trigger    models.TriggerType
	interval   time.Duration
	src        source
	clock      clockwork.Clock
	maxRetries uint64
	retryBase  time.Duration
}

func newPoller(taskID string, trigger models.TriggerType, interval time.Duration, src source, d Deps) *poller {
	return &poller{
		taskID:     taskID,
		trigger:    trigger,
		interval:   interval,
		src:        src,
		clock:      d.Clock,
		maxRetries: d.MaxRetries,
		retryBase:  d.RetryBase,
	}
}

func (p *poller) Run(ctx context.Context, emit EmitFunc) error {
	defer p.src.close()
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.check(ctx, emit); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &models.ListenerFatalError{TaskID: p.taskID, Trigger: p.trigger, Err: err}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (p *poller) check(ctx context.Context, emit EmitFunc) error {
	backoff := retry.WithMaxRetries(p.maxRetries, retry.NewExponential(p.retryBase))
	backoff = retry.WithCappedDuration(time.Minute, backoff)

	attempt := 0
	var events []Event
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		evs, err := p.src.poll(ctx, p.clock.Now())
		if err != nil {
			var verr *models.ValidationError
			if errors.As(err, &verr) {
				return err
			}
			hlog.CtxWarnf(ctx, "Listener: task %s (%s) check failed (attempt %d): %v", p.taskID, p.trigger, attempt, err)
			return retry.RetryableError(err)
		}
		events = evs
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		ev.TaskID = p.taskID
		emit(ev)
	}
	return nil
}

// changeDetector implements the monitor change contract. With conditions it
// fires on each rising edge; the first check counts as "did not hold". Without
// conditions it fires whenever the observation digest differs from the
// previous check; the first check only records the baseline.
type changeDetector struct {
	conds    []models.Condition
	held     bool
	digest   string
	baseline bool
	ignore   map[string]bool
}

func (d *changeDetector) observe(obs map[string]string) bool {
	if len(d.conds) > 0 {
		holds := conditions.Evaluate(d.conds, obs)
		fire := holds && !d.held
		d.held = holds
		return fire
	}
	sum := digest(obs, d.ignore)
	fire := d.baseline && sum != d.digest
	d.digest = sum
	d.baseline = true
	return fire
}

func digest(obs map[string]string, ignore map[string]bool) string {
	keys := make([]string, 0, len(obs))
	for k := range obs {
		if !ignore[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(obs[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
