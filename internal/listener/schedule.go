package listener

import (
	"context"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

// scheduleListener fires at every cron instant in the task timezone.
type scheduleListener struct {
	taskID string
	sched  cron.Schedule
	clock  clockwork.Clock
}

func (l *scheduleListener) Run(ctx context.Context, emit EmitFunc) error {
	for {
		now := l.clock.Now()
		next := l.sched.Next(now)
		if next.IsZero() {
			hlog.CtxWarnf(ctx, "ScheduleListener: task %s schedule has no future instants", l.taskID)
			<-ctx.Done()
			return nil
		}
		timer := l.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
			emit(Event{TaskID: l.taskID, Fields: map[string]string{}, OccurredAt: next})
		}
	}
}
