// Package service wires the calibration scheduler, the shadow replay
// pipeline and live adaptive sessions into the dependencies required by the
// HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/okian/irtcat/internal/adapters/lock"
	eventqueue "github.com/okian/irtcat/internal/adapters/mq/queue"
	workerpool "github.com/okian/irtcat/internal/adapters/mq/worker"
	"github.com/okian/irtcat/internal/adapters/repository"
	"github.com/okian/irtcat/internal/domain/ability"
	"github.com/okian/irtcat/internal/domain/calibration"
	"github.com/okian/irtcat/internal/domain/dedupe"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/shadow"
	"github.com/okian/irtcat/internal/domain/stopping"
	"github.com/okian/irtcat/internal/scheduler"
	"github.com/okian/irtcat/pkg/logger"
	"github.com/okian/irtcat/pkg/metrics"
)

var validate = validator.New() //nolint:gochecknoglobals // validators cache struct metadata

// replayAdapter replays sessions against the current item snapshot.
type replayAdapter struct {
	items      repository.ItemStore
	comparator *shadow.Comparator
}

func (a *replayAdapter) Replay(ctx context.Context, session model.FixedFormSession) (model.ShadowResult, error) {
	bank, err := a.items.Items(ctx)
	if err != nil {
		return model.ShadowResult{}, fmt.Errorf("load item snapshot: %w", err)
	}
	return a.comparator.Replay(ctx, session, bank)
}

// Service implements the API dependencies for the calibration and
// adaptive testing system.
type Service struct {
	mu sync.RWMutex

	// Core components
	store      repository.Store
	ownsStore  bool
	locker     lock.Locker
	deduper    dedupe.Deduper
	queue      *eventqueue.InMemoryQueue
	workerPool *workerpool.Pool
	comparator *shadow.Comparator
	scheduler  *scheduler.Scheduler
	cron       *scheduler.Cron
	estimator  *ability.Estimator
	rules      stopping.Rules
	sessions   *sessionRegistry

	// Configuration
	workerCount     int
	queueSize       int
	dedupeSize      int
	milestone       int
	maxSessions     int
	sessionIdle     time.Duration
	schedule        string
	minNewResponses int
	method          model.Method
	domainTargets   map[string]int
	calibrationOpts []calibration.Option
	stoppingOpts    []stopping.Option
	auditSink       scheduler.AuditSink

	// State
	started bool
	// runCtx bounds the replay workers and the session sweeper; calCtx
	// bounds calibration runs and is canceled first on Stop.
	runCtx    context.Context
	cancelRun context.CancelFunc
	calCtx    context.Context
	cancelCal context.CancelFunc
	sweeper   sync.WaitGroup

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the persistence backend. The caller keeps ownership and
// closes it after Stop. Without it Start creates an in-memory store.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithLocker sets the single-flight calibration lock.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

// WithWorkerCount sets the number of shadow replay workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the shadow replay queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many replayed session ids are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithMilestone sets the shadow collection milestone.
func WithMilestone(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.milestone = n
		}
	}
}

// WithMaxLiveSessions caps concurrently open adaptive sessions.
func WithMaxLiveSessions(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithSessionIdleTimeout aborts live sessions left unanswered for d.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sessionIdle = d
		}
	}
}

// WithCalibrationSchedule sets the cron expression; empty disables it.
func WithCalibrationSchedule(spec string) Option {
	return func(s *Service) {
		s.schedule = spec
	}
}

// WithMinNewResponses sets the should-run threshold.
func WithMinNewResponses(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.minNewResponses = n
		}
	}
}

// WithCalibrationOptions configures the calibration engine.
func WithCalibrationOptions(opts ...calibration.Option) Option {
	return func(s *Service) {
		s.calibrationOpts = append(s.calibrationOpts, opts...)
	}
}

// WithAbilityMethod selects EAP or MLE for live sessions and replays.
func WithAbilityMethod(m model.Method) Option {
	return func(s *Service) {
		if m == model.MethodEAP || m == model.MethodMLE {
			s.method = m
		}
	}
}

// WithStoppingRules configures item bounds and the SE target.
func WithStoppingRules(opts ...stopping.Option) Option {
	return func(s *Service) {
		s.stoppingOpts = append(s.stoppingOpts, opts...)
	}
}

// WithDomainTargets sets per-domain item targets for selection.
func WithDomainTargets(targets map[string]int) Option {
	return func(s *Service) {
		s.domainTargets = make(map[string]int, len(targets))
		for d, n := range targets {
			s.domainTargets[d] = n
		}
	}
}

// WithAuditSink receives calibration outcomes and conflicts.
func WithAuditSink(sink scheduler.AuditSink) Option {
	return func(s *Service) {
		s.auditSink = sink
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount:     runtime.NumCPU(),
		queueSize:       10_000,
		dedupeSize:      100_000,
		milestone:       100,
		maxSessions:     10_000,
		sessionIdle:     30 * time.Minute,
		schedule:        scheduler.DefaultSchedule,
		minNewResponses: 100,
		method:          model.MethodEAP,
		domainTargets:   map[string]int{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start recovers abandoned calibration runs and starts the replay workers
// and the calibration cron.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.logger == nil {
		s.logger = logger.GetOrNop()
	}
	s.logger.Info(ctx, "starting irtcat service...")

	// an owned store was closed by Stop; a restart gets a fresh one
	if s.store == nil || s.ownsStore {
		s.store = repository.NewMemoryStore(ctx, repository.WithLogger(s.logger.Named("store")))
		s.ownsStore = true
		s.logger.Info(ctx, "using in-memory store")
	}
	if s.locker == nil {
		s.locker = lock.NewMemory()
	}

	s.estimator = ability.New(ability.WithMethod(s.method))
	s.rules = stopping.NewRules(s.stoppingOpts...)
	s.comparator = shadow.NewComparator(
		shadow.WithEstimator(s.estimator),
		shadow.WithRules(s.rules),
		shadow.WithDomainTargets(s.domainTargets),
	)
	s.sessions = newSessionRegistry(s.maxSessions)

	schedOpts := []scheduler.Option{
		scheduler.WithLocker(s.locker),
		scheduler.WithEngine(calibration.New(append([]calibration.Option{
			calibration.WithBootstrapObserver(func(_ string, d time.Duration) {
				metrics.RecordBootstrapLatency(float64(d.Microseconds()) / 1000)
			}),
		}, s.calibrationOpts...)...)),
		scheduler.WithMinNewResponses(s.minNewResponses),
		scheduler.WithLogger(s.logger.Named("scheduler")),
	}
	if s.auditSink != nil {
		schedOpts = append(schedOpts, scheduler.WithAuditSink(s.auditSink))
	}
	s.scheduler = scheduler.New(s.store, schedOpts...)
	if _, err := s.scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	s.workerPool = workerpool.NewPool(s.workerCount, s.queue,
		&replayAdapter{items: s.store, comparator: s.comparator}, s.store,
		workerpool.WithLogger(s.logger),
	)

	// workers and calibrations outlive ctx; Stop ends them
	s.runCtx, s.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	s.calCtx, s.cancelCal = context.WithCancel(s.runCtx)
	s.workerPool.Start(s.runCtx)

	c, err := s.scheduler.StartCron(s.calCtx, s.schedule)
	if err != nil {
		s.cancelRun()
		_ = s.workerPool.Shutdown(ctx)
		return fmt.Errorf("start service: %w", err)
	}
	s.cron = c

	s.sweeper.Add(1)
	go func(ctx context.Context, reg *sessionRegistry, idle time.Duration) {
		defer s.sweeper.Done()
		s.sweepSessions(ctx, reg, idle)
	}(s.runCtx, s.sessions, s.sessionIdle)

	s.started = true
	s.logger.Info(ctx, "irtcat service started",
		logger.Int("workers", s.workerPool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.String("abilityMethod", string(s.method)),
		logger.Time("nextCalibration", s.cron.Next()),
	)

	return nil
}

// Stop cancels in-flight calibration and waits for it, stops the cron,
// drains queued shadow replays and closes an owned store. Every wait is
// bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info(ctx, "stopping irtcat service...")

	var errs []error
	s.cancelCal()
	if err := s.cron.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := waitContext(ctx, s.scheduler.Wait); err != nil {
		errs = append(errs, fmt.Errorf("wait for calibration: %w", err))
	}
	if err := s.workerPool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.cancelRun()
	if err := waitContext(ctx, s.sweeper.Wait); err != nil {
		errs = append(errs, fmt.Errorf("wait for session sweeper: %w", err))
	}

	// the store stays assigned so requests racing with Stop keep a valid value
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	s.started = false
	s.logger.Info(ctx, "irtcat service stopped")
	return errors.Join(errs...)
}

// waitContext runs wait and returns when it does or when ctx ends.
func waitContext(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// components is what a request uses from a started service.
type components struct {
	store     repository.Store
	scheduler *scheduler.Scheduler
	deduper   dedupe.Deduper
	queue     *eventqueue.InMemoryQueue
	sessions  *sessionRegistry
	estimator *ability.Estimator
	rules     stopping.Rules
	calCtx    context.Context
}

// running copies the components under the read lock so a concurrent Stop
// or restart cannot tear them.
func (s *Service) running() (components, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return components{}, ErrNotStarted
	}
	return components{
		store:     s.store,
		scheduler: s.scheduler,
		deduper:   s.deduper,
		queue:     s.queue,
		sessions:  s.sessions,
		estimator: s.estimator,
		rules:     s.rules,
		calCtx:    s.calCtx,
	}, nil
}

// AddItems registers new items. Existing ids are left untouched.
func (s *Service) AddItems(ctx context.Context, items []model.Item) (int, error) {
	c, err := s.running()
	if err != nil {
		return 0, err
	}
	return c.store.AddItems(ctx, items)
}

// Items returns the current item bank.
func (s *Service) Items(ctx context.Context) ([]model.Item, error) {
	c, err := s.running()
	if err != nil {
		return nil, err
	}
	return c.store.Items(ctx)
}

// AppendResponses stores scored responses for the next calibration.
func (s *Service) AppendResponses(ctx context.Context, responses []model.Response) ([]model.Response, error) {
	c, err := s.running()
	if err != nil {
		return nil, err
	}
	return c.store.AppendResponses(ctx, responses)
}

// SubmitShadow queues a completed fixed-form session for replay and returns
// at once. duplicate reports a session id that was already accepted.
// Replay errors are logged and counted by the workers, never returned.
func (s *Service) SubmitShadow(ctx context.Context, session model.FixedFormSession) (bool, error) {
	c, err := s.running()
	if err != nil {
		return false, err
	}
	if err = validate.Struct(session); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}

	if c.deduper.SeenAndRecord(ctx, session.SessionID) {
		metrics.RecordShadowRejected("duplicate")
		s.logger.Debug(ctx, "duplicate shadow session, skipping", logger.String("session_id", session.SessionID))
		return true, nil
	}

	if err := c.queue.Enqueue(ctx, eventqueue.Job{Session: session, EnqueuedAt: time.Now()}); err != nil {
		// a refused session may be submitted again
		c.deduper.Unrecord(ctx, session.SessionID)
		return false, fmt.Errorf("%w: %w", ErrBackpressure, err)
	}
	metrics.RecordShadowEnqueued()
	return false, nil
}

// CollectionProgress reports shadow data collection against the milestone.
func (s *Service) CollectionProgress(ctx context.Context) (shadow.Progress, error) {
	c, err := s.running()
	if err != nil {
		return shadow.Progress{}, err
	}
	results, err := c.store.ShadowResults(ctx)
	if err != nil {
		return shadow.Progress{}, fmt.Errorf("load shadow results: %w", err)
	}
	return shadow.CollectionProgress(results, s.milestone), nil
}

// Analysis compares every stored shadow result with the real scores.
func (s *Service) Analysis(ctx context.Context) (shadow.Analysis, error) {
	c, err := s.running()
	if err != nil {
		return shadow.Analysis{}, err
	}
	results, err := c.store.ShadowResults(ctx)
	if err != nil {
		return shadow.Analysis{}, fmt.Errorf("load shadow results: %w", err)
	}
	return shadow.Analyze(results), nil
}

// Health summarizes the calibration audit log.
func (s *Service) Health(ctx context.Context) (scheduler.Health, error) {
	c, err := s.running()
	if err != nil {
		return scheduler.Health{}, err
	}
	return c.scheduler.Health(ctx)
}

// ShouldRun reports whether enough responses accrued since the last
// successful calibration.
func (s *Service) ShouldRun(ctx context.Context) (scheduler.Decision, error) {
	c, err := s.running()
	if err != nil {
		return scheduler.Decision{}, err
	}
	return c.scheduler.ShouldRun(ctx, c.scheduler.MinNewResponses())
}

// TriggerCalibration starts an admin run in the background and returns the
// running record. A run already in flight yields ErrCalibrationConflict.
func (s *Service) TriggerCalibration(ctx context.Context, force bool) (model.CalibrationRun, error) {
	c, err := s.running()
	if err != nil {
		return model.CalibrationRun{}, err
	}
	run, _, err := c.scheduler.Trigger(c.calCtx, model.TriggerAdmin, force)
	if err != nil {
		return model.CalibrationRun{}, err
	}
	s.logger.Info(ctx, "admin calibration triggered", logger.String("run_id", run.ID))
	return run, nil
}

// RunCalibration runs an admin calibration and waits for it. The run ends
// early when ctx is done or the service stops.
func (s *Service) RunCalibration(ctx context.Context, force bool) (model.CalibrationRun, error) {
	c, err := s.running()
	if err != nil {
		return model.CalibrationRun{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.calCtx, cancel)()
	return c.scheduler.Run(ctx, model.TriggerAdmin, force)
}

// CalibrationRuns returns the audit log, oldest first.
func (s *Service) CalibrationRuns(ctx context.Context) ([]model.CalibrationRun, error) {
	c, err := s.running()
	if err != nil {
		return nil, err
	}
	return c.store.Runs(ctx)
}

// Stats describes the runtime state of the service.
type Stats struct {
	Started         bool      `json:"started"`
	WorkerCount     int       `json:"workerCount"`
	QueueLength     int       `json:"queueLength"`
	QueueCapacity   int       `json:"queueCapacity"`
	DedupeSize      int64     `json:"dedupeSize"`
	ShadowReplayed  int64     `json:"shadowReplayed"`
	LiveSessions    int       `json:"liveSessions"`
	NextCalibration time.Time `json:"nextCalibration"`
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Started: s.started}
	if !s.started {
		return stats
	}
	stats.WorkerCount = s.workerPool.Size()
	stats.QueueLength = s.queue.Len()
	stats.QueueCapacity = s.queue.Cap()
	stats.DedupeSize = s.deduper.Size()
	stats.ShadowReplayed = s.workerPool.Processed()
	stats.LiveSessions = s.sessions.len()
	stats.NextCalibration = s.cron.Next()

	metrics.UpdateQueueSize(stats.QueueLength)
	return stats
}
