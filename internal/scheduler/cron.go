package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/logger"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs calibration weekly, Sunday 03:00.
const DefaultSchedule = "0 3 * * 0"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow) //nolint:gochecknoglobals // stateless

// ParseSchedule validates a standard 5-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, spec, err)
	}
	return sched, nil
}

// Cron fires scheduled calibration runs until stopped.
type Cron struct {
	c    *cron.Cron
	next func() time.Time
}

// StartCron schedules Run(scheduled) on spec. An empty spec disables the
// trigger and returns a nil Cron. Overlapping firings are skipped by the
// cron chain before they reach the lock.
func (s *Scheduler) StartCron(ctx context.Context, spec string) (*Cron, error) {
	if strings.TrimSpace(spec) == "" {
		s.log.Info(ctx, "scheduled calibration disabled")
		return nil, nil
	}
	if _, err := ParseSchedule(spec); err != nil {
		return nil, err
	}

	cl := cronLogger{log: s.log.Named("cron")}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := c.AddFunc(spec, func() {
		// outcomes, conflicts included, reach the audit sink
		_, _ = s.Run(ctx, model.TriggerScheduled, false)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	c.Start()

	out := &Cron{c: c, next: func() time.Time { return c.Entry(id).Next }}
	s.log.Info(ctx, "scheduled calibration enabled",
		logger.String("schedule", spec), logger.Time("next", out.Next()))
	return out, nil
}

// Next is the next scheduled firing.
func (c *Cron) Next() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.next()
}

// Stop prevents further firings and waits for a running one to return or
// for ctx to end. Cancel the context passed to StartCron first to cut a
// running calibration short.
func (c *Cron) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}
	select {
	case <-c.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop cron: %w", ctx.Err())
	}
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(context.Background(), msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(context.Background(), msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, logger.Any(key, kv[i+1]))
	}
	return fields
}
