// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults.
// - Load layers a YAML file and IRTCAT_* environment variables over New().
// - External errors are wrapped with this package's sentinels.
package config

import (
	"runtime"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn warning error"`

	// LogFormat selects text or json log lines.
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr" validate:"required"`

	// StoreDriver picks the persistence backend: memory, sqlite3 or pgx.
	StoreDriver string `koanf:"store_driver" validate:"oneof=memory sqlite3 pgx"`

	// StoreDSN is the database/sql data source name for sqlite3 and pgx.
	StoreDSN string `koanf:"store_dsn" validate:"required_unless=StoreDriver memory"`

	// LockBackend picks the single-flight calibration lock: memory or redis.
	LockBackend string `koanf:"lock_backend" validate:"oneof=memory redis"`

	// RedisAddr is used when LockBackend is redis.
	RedisAddr string `koanf:"redis_addr" validate:"required_if=LockBackend redis"`

	// CalibrationSchedule is a 5-field cron expression; empty disables the trigger.
	CalibrationSchedule string `koanf:"calibration_schedule"`

	// CalibrationMinNewResponses is the should-run threshold.
	CalibrationMinNewResponses int `koanf:"calibration_min_new_responses" validate:"gte=0"`

	// CalibrationMinItemResponses skips items with fewer responses.
	CalibrationMinItemResponses int `koanf:"calibration_min_item_responses" validate:"gte=1"`

	CalibrationTolerance        float64 `koanf:"calibration_tolerance" validate:"gt=0"`
	CalibrationMaxIterations    int     `koanf:"calibration_max_iterations" validate:"gte=1"`
	CalibrationBootstrapSamples int     `koanf:"calibration_bootstrap_samples" validate:"gte=0"`
	CalibrationWorkers          int     `koanf:"calibration_workers" validate:"gte=1"`
	CalibrationSeed             int64   `koanf:"calibration_seed"`

	// DiscriminationFloor is the smallest discrimination an estimate may take.
	DiscriminationFloor float64 `koanf:"discrimination_floor" validate:"gt=0"`

	// CATMinItems and CATMaxItems bound adaptive session length.
	CATMinItems int `koanf:"cat_min_items" validate:"gte=1,ltefield=CATMaxItems"`
	CATMaxItems int `koanf:"cat_max_items" validate:"gte=1"`

	// CATSETarget is the theta-scale precision target (0.2 theta = 3 IQ points).
	CATSETarget float64 `koanf:"cat_se_target" validate:"gt=0"`

	// AbilityMethod is eap or mle.
	AbilityMethod string `koanf:"ability_method" validate:"oneof=eap mle"`

	// DomainTargets maps a domain to the number of items wanted from it.
	DomainTargets map[string]int `koanf:"domain_targets"`

	// ShadowQueueSize bounds the in-memory shadow replay queue.
	ShadowQueueSize int `koanf:"shadow_queue_size" validate:"gte=1"`

	// ShadowWorkerCount sets the number of replay workers.
	ShadowWorkerCount int `koanf:"shadow_worker_count" validate:"gte=1"`

	// ShadowDedupeSize caps the once-only guard for replayed sessions.
	ShadowDedupeSize int `koanf:"shadow_dedupe_size" validate:"gte=1"`

	// ShadowMilestone is the session count reported as the collection milestone.
	ShadowMilestone int `koanf:"shadow_milestone" validate:"gte=1"`

	// LiveSessionLimit caps concurrently open adaptive sessions.
	LiveSessionLimit int `koanf:"live_session_limit" validate:"gte=1"`

	// LiveSessionIdleTimeout aborts a live session left unanswered this long.
	LiveSessionIdleTimeout time.Duration `koanf:"live_session_idle_timeout" validate:"gt=0"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:                    "info",
		LogFormat:                   "text",
		Addr:                        ":9080",
		StoreDriver:                 "memory",
		LockBackend:                 "memory",
		CalibrationSchedule:         "0 3 * * 0",
		CalibrationMinNewResponses:  100,
		CalibrationMinItemResponses: 30,
		CalibrationTolerance:        1e-4,
		CalibrationMaxIterations:    50,
		CalibrationBootstrapSamples: 100,
		CalibrationWorkers:          runtime.NumCPU(),
		CalibrationSeed:             1,
		DiscriminationFloor:         0.05,
		CATMinItems:                 10,
		CATMaxItems:                 30,
		CATSETarget:                 0.2,
		AbilityMethod:               "eap",
		DomainTargets:               map[string]int{},
		ShadowQueueSize:             10_000,
		ShadowWorkerCount:           runtime.NumCPU(),
		ShadowDedupeSize:            100_000,
		ShadowMilestone:             100,
		LiveSessionLimit:            10_000,
		LiveSessionIdleTimeout:      30 * time.Minute,
	}
}
