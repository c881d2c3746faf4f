// Package schedule runs a job on a cron expression.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

const DefaultSweepSchedule = "0 3 * * *"

// Job is one scheduled run. Errors are logged and do not stop the loop.
type Job func(ctx context.Context) error

type Loop struct {
	name string
	spec string
	expr *cronexpr.Expression
	job  Job

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func New(name, spec string, job Job) (*Loop, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if job == nil {
		return nil, fmt.Errorf("schedule %q: job is nil", name)
	}
	return &Loop{
		name:  name,
		spec:  spec,
		expr:  expr,
		job:   job,
		now:   time.Now,
		after: time.After,
	}, nil
}

// Next returns the first run strictly after t.
func (l *Loop) Next(t time.Time) time.Time {
	return l.expr.Next(t)
}

// Run blocks until ctx is done, invoking the job at every scheduled time.
func (l *Loop) Run(ctx context.Context) error {
	for {
		now := l.now()
		next := l.expr.Next(now)
		if next.IsZero() {
			return fmt.Errorf("schedule %q has no future runs", l.spec)
		}
		slog.Info("schedule_next_run", "job", l.name, "at", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return nil
		case <-l.after(next.Sub(now)):
		}

		started := time.Now()
		if err := l.job(ctx); err != nil {
			slog.Error("schedule_job_failed", "job", l.name, "error", err)
			continue
		}
		slog.Info("schedule_job_completed",
			"job", l.name,
			"duration_ms", float64(time.Since(started).Microseconds())/1000.0,
		)
	}
}
