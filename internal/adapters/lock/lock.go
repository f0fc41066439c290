// Package lock provides the single-flight guard for calibration runs.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryLock when the key is already held.
var ErrLocked = errors.New("lock already held")

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks without blocking.
type Locker interface {
	// TryLock returns ErrLocked immediately when key is held elsewhere.
	TryLock(ctx context.Context, key string) (Lease, error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory constructs an in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (m *Memory) TryLock(_ context.Context, key string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrLocked
	}
	m.held[key] = struct{}{}
	return &memoryLease{m: m, key: key}, nil
}

type memoryLease struct {
	m    *Memory
	key  string
	once sync.Once
}

func (l *memoryLease) Release(_ context.Context) error {
	l.once.Do(func() {
		l.m.mu.Lock()
		delete(l.m.held, l.key)
		l.m.mu.Unlock()
	})
	return nil
}
