package scheduler

import (
	"context"

	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/logger"
	"github.com/okian/irtcat/pkg/metrics"
)

// AuditSink receives the outcome of every trigger.
type AuditSink interface {
	// Completed reports a run that reached a terminal state. err is the
	// error returned to the trigger, nil for success and skip.
	Completed(ctx context.Context, run model.CalibrationRun, err error)
	// Conflict reports a trigger rejected because a run was in flight.
	Conflict(ctx context.Context, trigger model.Trigger)
}

// LogSink writes outcomes to the structured log and Prometheus.
type LogSink struct {
	log logger.Logger
}

// NewLogSink constructs the default sink.
func NewLogSink(l logger.Logger) *LogSink {
	return &LogSink{log: l}
}

// Completed implements AuditSink.
func (s *LogSink) Completed(ctx context.Context, run model.CalibrationRun, err error) {
	seconds := run.Duration().Seconds()
	if run.Status == model.RunSkipped {
		seconds = -1
	}
	metrics.RecordCalibrationRun(string(run.Trigger), string(run.Status), seconds)

	fields := []logger.Field{
		logger.String("run_id", run.ID),
		logger.String("trigger", string(run.Trigger)),
		logger.String("status", string(run.Status)),
		logger.Duration("duration", run.Duration()),
		logger.Int("new_responses", run.NewResponseCount),
	}
	switch run.Status {
	case model.RunSuccess:
		metrics.UpdateCalibrationOutcome(run.ItemsCalibrated, run.ItemsSkipped, run.ItemsFailed, run.Iterations)
		if run.CompletedAt != nil {
			metrics.UpdateCalibrationLastSuccess(run.CompletedAt.Unix())
		}
		s.log.Info(ctx, "calibration run succeeded", append(fields,
			logger.Int("items_calibrated", run.ItemsCalibrated),
			logger.Int("items_skipped", run.ItemsSkipped),
			logger.Int("items_failed", run.ItemsFailed),
			logger.Int("iterations", run.Iterations),
			logger.Bool("converged", run.Converged),
		)...)
	case model.RunSkipped:
		s.log.Info(ctx, "calibration run skipped", fields...)
	default:
		metrics.RecordError("scheduler", "calibration_failed")
		s.log.Error(ctx, "calibration run failed", append(fields, logger.Error(err))...)
	}
}

// Conflict implements AuditSink.
func (s *LogSink) Conflict(ctx context.Context, trigger model.Trigger) {
	metrics.RecordCalibrationConflict()
	s.log.Warn(ctx, "calibration trigger rejected: run in flight", logger.String("trigger", string(trigger)))
}
