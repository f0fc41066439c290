package scheduler

import (
	"time"

	"github.com/okian/irtcat/internal/adapters/lock"
	"github.com/okian/irtcat/internal/domain/calibration"
	"github.com/okian/irtcat/pkg/logger"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker injects the single-flight lock shared by every trigger path.
func WithLocker(l lock.Locker) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithEngine sets the calibration engine.
func WithEngine(e *calibration.Engine) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.engine = e
		}
	}
}

// WithMinNewResponses sets how many responses must accrue since the last
// successful run before an unforced run calibrates.
func WithMinNewResponses(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.minNew = n
		}
	}
}

// WithAuditSink replaces the default log and metrics sink.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLockKey overrides the lock key.
func WithLockKey(key string) Option {
	return func(s *Scheduler) {
		if key != "" {
			s.lockKey = key
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}
