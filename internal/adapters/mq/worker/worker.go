// Package worker replays queued fixed-form sessions and persists the results.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/okian/irtcat/internal/adapters/mq/queue"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/logger"
	"github.com/okian/irtcat/pkg/metrics"
)

const (
	defaultJobTimeout   = time.Minute
	poolShutdownTimeout = 30 * time.Second
)

// Replayer produces a shadow result for a session.
type Replayer interface {
	Replay(ctx context.Context, session model.FixedFormSession) (model.ShadowResult, error)
}

// Recorder persists shadow results.
type Recorder interface {
	SaveShadowResult(ctx context.Context, result model.ShadowResult) error
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// Worker processes jobs until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker after the job in hand.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue      Queue
	replayer   Replayer
	recorder   Recorder
	name       string
	jobTimeout time.Duration
	processed  atomic.Int64

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a worker with configuration options.
func NewInMemoryWorker(q Queue, replayer Replayer, recorder Recorder, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:      q,
		replayer:   replayer,
		recorder:   recorder,
		name:       "worker",
		jobTimeout: defaultJobTimeout,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.GetOrNop().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop. It returns when ctx is done, Shutdown is
// called, or the queue is closed and drained.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.process(ctx, job); err != nil {
				w.logger.Error(ctx, "shadow replay failed",
					logger.String("session_id", job.Session.SessionID), logger.Error(err))
			}
		}
	}
}

// Shutdown signals the worker and waits for it to finish the job in hand.
// Jobs still queued are left behind; Pool.Shutdown drains the queue before
// signalling its workers.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.shutdown:
	default:
		close(w.shutdown)
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Processed reports how many jobs this worker persisted.
func (w *InMemoryWorker) Processed() int64 { return w.processed.Load() }

func (w *InMemoryWorker) process(ctx context.Context, job queue.Job) error { //nolint:gocritic // hugeParam: jobs travel by value
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	result, err := w.replayer.Replay(ctx, job.Session)
	if err != nil {
		metrics.RecordShadowFailed()
		metrics.RecordError("worker", "replay")
		return fmt.Errorf("replay session %s: %w", job.Session.SessionID, err)
	}
	if err := w.recorder.SaveShadowResult(ctx, result); err != nil {
		metrics.RecordShadowFailed()
		metrics.RecordError("worker", "persist")
		return fmt.Errorf("persist shadow result for %s: %w", job.Session.SessionID, err)
	}

	w.processed.Add(1)
	metrics.RecordShadowReplayed(float64(time.Since(start).Microseconds())/1000, result.BackfilledItems)
	w.logger.Debug(ctx, "shadow replay stored",
		logger.String("session_id", result.SessionID),
		logger.Float64("shadow_iq", result.ShadowIQ),
		logger.Float64("actual_iq", result.ActualIQ),
		logger.Int("items", result.ItemsAdministered),
		logger.String("stopping_reason", string(result.StoppingReason)),
		logger.Duration("queued", start.Sub(job.EnqueuedAt)),
	)
	return nil
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	started atomic.Bool
	logger  logger.Logger
}

// NewPool creates a pool of workerCount workers; values below one use NumCPU.
func NewPool(workerCount int, q Queue, replayer Replayer, recorder Recorder, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.GetOrNop().Named("worker-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, replayer, recorder, wopts...)
	}
	metrics.UpdateWorkerCount(0)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	metrics.UpdateWorkerCount(len(p.workers))
}

// Processed reports jobs persisted across the pool.
func (p *Pool) Processed() int64 {
	var n int64
	for _, w := range p.workers {
		n += w.Processed()
	}
	return n
}

// Shutdown closes the queue, lets workers drain it and stops them when ctx
// or the pool timeout expires first.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	if !p.started.Load() {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut bool
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			timedOut = true
			p.logger.Warn(ctx, "worker drain timed out", logger.Int("worker_id", i))
		}
		if timedOut {
			break
		}
	}
	for _, w := range p.workers {
		_ = w.Shutdown(shutdownCtx)
	}
	metrics.UpdateWorkerCount(0)
	if timedOut {
		return fmt.Errorf("worker pool drain: %w", shutdownCtx.Err())
	}
	return nil
}
