// Package scheduler decides when calibration is due and runs it under a
// single-flight lock, whether triggered by cron or by an administrator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/irtcat/internal/adapters/lock"
	"github.com/okian/irtcat/internal/adapters/repository"
	"github.com/okian/irtcat/internal/domain/calibration"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/logger"
)

const (
	defaultLockKey     = "calibration"
	defaultMinNew      = 100
	abandonedRunDetail = "abandoned: process exited while running"
)

// Store is the persistence a scheduler needs.
type Store interface {
	repository.ResponseStore
	repository.RunStore
}

// Decision is the outcome of ShouldRun.
type Decision struct {
	Run          bool       `json:"run"`
	NewResponses int        `json:"new_responses"`
	Threshold    int        `json:"threshold"`
	Since        *time.Time `json:"since,omitempty"`
}

// Scheduler runs calibration. It is safe for concurrent use; concurrent Run
// calls are serialized by the injected Locker and the losers fail fast.
type Scheduler struct {
	store   Store
	locker  lock.Locker
	engine  *calibration.Engine
	sink    AuditSink
	lockKey string
	minNew  int
	now     func() time.Time
	log     logger.Logger

	inflight sync.WaitGroup
}

// New constructs a Scheduler over store.
func New(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		locker:  lock.NewMemory(),
		engine:  calibration.New(),
		lockKey: defaultLockKey,
		minNew:  defaultMinNew,
		now:     time.Now,
		log:     logger.GetOrNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = NewLogSink(s.log)
	}
	return s
}

// MinNewResponses returns the configured threshold.
func (s *Scheduler) MinNewResponses() int { return s.minNew }

// ShouldRun counts responses ingested after the newest one the last
// successful run read, so responses arriving while a run is in flight count
// toward the next one. Runs recorded without that mark fall back to their
// completion time. The watermark is read from the run log on every call.
func (s *Scheduler) ShouldRun(ctx context.Context, minNew int) (Decision, error) {
	d := Decision{Threshold: minNew}
	last, err := s.store.LastSuccessfulRun(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return Decision{}, fmt.Errorf("read calibration watermark: %w", err)
	case last.ResponsesThrough != nil:
		d.Since = last.ResponsesThrough
	default:
		d.Since = last.CompletedAt
	}

	var since time.Time
	if d.Since != nil {
		since = *d.Since
	}
	n, err := s.store.CountResponsesSince(ctx, since)
	if err != nil {
		return Decision{}, fmt.Errorf("count new responses: %w", err)
	}
	d.NewResponses = n
	d.Run = n >= minNew
	return d, nil
}

// Recover fails runs a dead process left in the running state.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	n, err := s.store.AbandonRunning(ctx, s.now(), abandonedRunDetail)
	if err != nil {
		return 0, fmt.Errorf("recover abandoned runs: %w", err)
	}
	if n > 0 {
		s.log.Warn(ctx, "marked abandoned calibration runs as failed", logger.Int("runs", n))
	}
	return n, nil
}

// Outcome is the terminal state of a triggered run.
type Outcome struct {
	Run model.CalibrationRun
	Err error
}

// Run executes one calibration pass and waits for it. A held lock returns
// ErrCalibrationConflict at once. Unless force is set, the run is recorded
// as skipped when fewer than the configured number of responses are new.
// Fatal engine or commit errors complete the run as failed, leave item
// parameters untouched and are returned.
func (s *Scheduler) Run(ctx context.Context, trigger model.Trigger, force bool) (model.CalibrationRun, error) {
	_, done, err := s.Trigger(ctx, trigger, force)
	if err != nil {
		return model.CalibrationRun{}, err
	}
	out := <-done
	return out.Run, out.Err
}

// Trigger acquires the lock and records a running run, then calibrates on
// a new goroutine bound to ctx. The channel receives exactly one Outcome.
func (s *Scheduler) Trigger(ctx context.Context, trigger model.Trigger, force bool) (model.CalibrationRun, <-chan Outcome, error) {
	lease, err := s.locker.TryLock(ctx, s.lockKey)
	if errors.Is(err, lock.ErrLocked) {
		s.sink.Conflict(ctx, trigger)
		return model.CalibrationRun{}, nil, ErrCalibrationConflict
	}
	if err != nil {
		return model.CalibrationRun{}, nil, fmt.Errorf("acquire calibration lock: %w", err)
	}
	release := func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Error(ctx, "release calibration lock", logger.Error(err))
		}
	}

	run := model.CalibrationRun{
		ID:        uuid.NewString(),
		StartedAt: s.now(),
		Status:    model.RunRunning,
		Trigger:   trigger,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		release()
		return model.CalibrationRun{}, nil, fmt.Errorf("record calibration run: %w", err)
	}
	s.log.Info(ctx, "calibration run started",
		logger.String("run_id", run.ID), logger.String("trigger", string(trigger)), logger.Bool("force", force))

	done := make(chan Outcome, 1)
	s.inflight.Add(1)
	go func(run model.CalibrationRun) {
		defer s.inflight.Done()
		run, err := s.execute(ctx, run, force)
		release()
		s.sink.Completed(ctx, run, err)
		done <- Outcome{Run: run, Err: err}
	}(run)
	return run, done, nil
}

// Wait blocks until every triggered run has completed.
func (s *Scheduler) Wait() { s.inflight.Wait() }

func (s *Scheduler) execute(ctx context.Context, run model.CalibrationRun, force bool) (model.CalibrationRun, error) {
	decision, err := s.ShouldRun(ctx, s.minNew)
	if err != nil {
		return s.fail(ctx, run, err)
	}
	run.NewResponseCount = decision.NewResponses
	if !force && !decision.Run {
		return s.finish(ctx, run, model.RunSkipped)
	}

	responses, err := s.store.Responses(ctx)
	if err != nil {
		return s.fail(ctx, run, fmt.Errorf("load responses: %w", err))
	}
	through := newestResponse(responses)
	res, err := s.engine.Calibrate(ctx, responses, nil)
	if err != nil {
		return s.fail(ctx, run, err)
	}
	for _, w := range res.Warnings {
		s.log.Warn(ctx, "calibration warning", logger.String("run_id", run.ID), logger.Error(w))
	}

	completed := s.now()
	run.Status = model.RunSuccess
	run.CompletedAt = &completed
	run.ResponsesThrough = through
	run.ItemsCalibrated = res.ItemsCalibrated
	run.ItemsSkipped = res.ItemsSkipped
	run.ItemsFailed = res.ItemsFailed
	run.Iterations = res.Iterations
	run.Converged = res.Converged
	run.MeanDifficulty = res.MeanDifficulty
	run.StdDifficulty = res.StdDifficulty
	run.MeanDiscrimination = res.MeanDiscrimination
	run.StdDiscrimination = res.StdDiscrimination

	updates := make([]model.Item, 0, len(res.Items))
	for id, est := range res.Items {
		updates = append(updates, model.Item{
			ID:               id,
			Difficulty:       est.B,
			Discrimination:   est.A,
			CalibratedAt:     &completed,
			SampleSize:       est.N,
			SEDifficulty:     est.SEB,
			SEDiscrimination: est.SEA,
		})
	}
	if err := s.store.CommitCalibration(ctx, run, updates); err != nil {
		run.Status = model.RunRunning
		run.CompletedAt = nil
		return s.fail(ctx, run, fmt.Errorf("commit calibration: %w", err))
	}
	return run, nil
}

// newestResponse is nil when responses is empty.
func newestResponse(responses []model.Response) *time.Time {
	var newest *time.Time
	for i := range responses {
		if newest == nil || responses[i].CreatedAt.After(*newest) {
			t := responses[i].CreatedAt
			newest = &t
		}
	}
	return newest
}

func (s *Scheduler) finish(ctx context.Context, run model.CalibrationRun, status model.RunStatus) (model.CalibrationRun, error) {
	completed := s.now()
	run.Status = status
	run.CompletedAt = &completed
	if err := s.store.CompleteRun(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("complete calibration run: %w", err)
	}
	return run, nil
}

func (s *Scheduler) fail(ctx context.Context, run model.CalibrationRun, cause error) (model.CalibrationRun, error) {
	run.ErrorDetail = cause.Error()
	run, err := s.finish(ctx, run, model.RunFailed)
	if err != nil {
		return run, errors.Join(cause, err)
	}
	return run, cause
}
