package repository

import (
	"context"
	"sync"
	"time"
)

// background runs periodic store housekeeping until stopped.
type background struct {
	wg       sync.WaitGroup
	stopChan chan struct{}
}

func newBackground() background {
	return background{stopChan: make(chan struct{})}
}

// every calls fn on each tick until ctx is done or stop is called.
func (b *background) every(ctx context.Context, interval time.Duration, fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopChan:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// stop is idempotent and waits for running loops to exit.
func (b *background) stop() {
	select {
	case <-b.stopChan:
	default:
		close(b.stopChan)
	}
	b.wg.Wait()
}
