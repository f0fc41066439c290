package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/irtcat/internal/adapters/http/api"
	"github.com/okian/irtcat/internal/adapters/http/swagger"
	"github.com/okian/irtcat/internal/adapters/lock"
	"github.com/okian/irtcat/internal/adapters/repository"
	app "github.com/okian/irtcat/internal/app"
	"github.com/okian/irtcat/internal/config"
	"github.com/okian/irtcat/internal/domain/calibration"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/stopping"
	"github.com/okian/irtcat/pkg/logger"
	"github.com/okian/irtcat/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 30 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// logger isn't available yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.Init(logger.WithFormat(logger.Format(cfg.LogFormat))); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "irtcat exited with error", logger.Error(err))
		os.Exit(1)
	}
}

// run wires storage, locking and the service, serves HTTP and blocks until
// ctx is canceled.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				log.Error(ctx, "store close failed", logger.Error(err))
			}
		}()
	}

	locker, closeLocker := newLocker(cfg)
	defer func() { _ = closeLocker.Close() }()

	opts := serviceOptions(cfg, log)
	opts = append(opts, app.WithLocker(locker))
	if store != nil {
		opts = append(opts, app.WithStore(store))
	}
	svc := app.New(opts...)
	if err := svc.Start(ctx); err != nil {
		return err //nolint:wrapcheck // service errors carry their own context
	}

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, svc).Register(ctx, mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server",
			logger.String("addr", cfg.Addr),
			logger.String("store", cfg.StoreDriver),
			logger.String("lock", cfg.LockBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error(ctx, "HTTP server failed", logger.Error(err))
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	log.Info(ctx, "server stopped")
	return errors.Join(errs...)
}

// openStore returns nil for the memory driver; the service then owns an
// in-memory store.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (*repository.SQLStore, error) {
	if cfg.StoreDriver == "memory" {
		return nil, nil //nolint:nilnil // nil selects the service-owned memory store
	}
	store, err := repository.OpenSQL(ctx, cfg.StoreDriver, cfg.StoreDSN, repository.WithLogger(log.Named("store")))
	if err != nil {
		return nil, err //nolint:wrapcheck // already names the driver
	}
	return store, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLocker returns the calibration locker and whatever must be closed
// with it.
func newLocker(cfg *config.Config) (lock.Locker, io.Closer) {
	if cfg.LockBackend != "redis" {
		return lock.NewMemory(), nopCloser{}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
	return lock.NewRedis(client), client
}

// serviceOptions maps configuration onto service options.
func serviceOptions(cfg *config.Config, log logger.Logger) []app.Option {
	return []app.Option{
		app.WithLogger(log),
		app.WithWorkerCount(cfg.ShadowWorkerCount),
		app.WithQueueSize(cfg.ShadowQueueSize),
		app.WithDedupeSize(cfg.ShadowDedupeSize),
		app.WithMilestone(cfg.ShadowMilestone),
		app.WithMaxLiveSessions(cfg.LiveSessionLimit),
		app.WithSessionIdleTimeout(cfg.LiveSessionIdleTimeout),
		app.WithCalibrationSchedule(cfg.CalibrationSchedule),
		app.WithMinNewResponses(cfg.CalibrationMinNewResponses),
		app.WithAbilityMethod(model.Method(cfg.AbilityMethod)),
		app.WithDomainTargets(cfg.DomainTargets),
		app.WithCalibrationOptions(
			calibration.WithMinResponses(cfg.CalibrationMinItemResponses),
			calibration.WithTolerance(cfg.CalibrationTolerance),
			calibration.WithMaxIterations(cfg.CalibrationMaxIterations),
			calibration.WithBootstrapSamples(cfg.CalibrationBootstrapSamples),
			calibration.WithWorkers(cfg.CalibrationWorkers),
			calibration.WithSeed(cfg.CalibrationSeed),
			calibration.WithDiscriminationFloor(cfg.DiscriminationFloor),
		),
		app.WithStoppingRules(
			stopping.WithItemBounds(cfg.CATMinItems, cfg.CATMaxItems),
			stopping.WithSETarget(cfg.CATSETarget),
		),
	}
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater starts a background goroutine that updates service metrics.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics refreshes gauges derived from service stats.
func updateServiceMetrics(svc *app.Service) {
	stats := svc.GetStats()
	if !stats.Started {
		return
	}
	metrics.UpdateQueueSize(stats.QueueLength)
	metrics.UpdateWorkerCount(stats.WorkerCount)
}
