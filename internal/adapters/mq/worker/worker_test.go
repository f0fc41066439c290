package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/irtcat/internal/adapters/mq/queue"
	worker "github.com/okian/irtcat/internal/adapters/mq/worker"
	model "github.com/okian/irtcat/internal/domain/model"
	logging "github.com/okian/irtcat/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

// Mock implementations for testing.
type mockQueue struct {
	jobs chan queue.Job
	once sync.Once
}

func newMockQueue() *mockQueue {
	return &mockQueue{jobs: make(chan queue.Job, 16)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan queue.Job {
	return mq.jobs
}

func (mq *mockQueue) Close() error {
	mq.once.Do(func() { close(mq.jobs) })
	return nil
}

func (mq *mockQueue) add(sessionID string) {
	mq.jobs <- queue.Job{
		Session:    model.FixedFormSession{SessionID: sessionID, ExamineeID: "ex", ActualIQ: 100},
		EnqueuedAt: time.Now(),
	}
}

type mockReplayer struct {
	mu     sync.Mutex
	errors map[string]error
	delay  time.Duration
}

func newMockReplayer() *mockReplayer {
	return &mockReplayer{errors: make(map[string]error)}
}

func (mr *mockReplayer) Replay(ctx context.Context, s model.FixedFormSession) (model.ShadowResult, error) {
	mr.mu.Lock()
	err, delay := mr.errors[s.SessionID], mr.delay
	mr.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.ShadowResult{}, ctx.Err()
		}
	}
	if err != nil {
		return model.ShadowResult{}, err
	}
	return model.ShadowResult{
		ID:             "r-" + s.SessionID,
		SessionID:      s.SessionID,
		ActualIQ:       s.ActualIQ,
		ShadowIQ:       s.ActualIQ + 1,
		StoppingReason: model.ReasonSEThreshold,
	}, nil
}

func (mr *mockReplayer) setError(sessionID string, err error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.errors[sessionID] = err
}

type mockRecorder struct {
	mu      sync.Mutex
	results map[string]model.ShadowResult
	err     error
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{results: make(map[string]model.ShadowResult)}
}

func (mr *mockRecorder) SaveShadowResult(_ context.Context, r model.ShadowResult) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.err != nil {
		return mr.err
	}
	mr.results[r.SessionID] = r
	return nil
}

func (mr *mockRecorder) get(sessionID string) (model.ShadowResult, bool) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	r, ok := mr.results[sessionID]
	return r, ok
}

func (mr *mockRecorder) count() int {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return len(mr.results)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a new InMemoryWorker", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		replayer := newMockReplayer()
		recorder := newMockRecorder()

		convey.Convey("When creating a worker with custom options", func() {
			w := worker.NewInMemoryWorker(q, replayer, recorder,
				worker.WithName("test-worker"),
				worker.WithLogger(logging.NewNop()),
				worker.WithJobTimeout(time.Second),
			)

			convey.Convey("Then it should be created successfully", func() {
				convey.So(w, convey.ShouldNotBeNil)
				convey.So(w.Processed(), convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When running a worker", func() {
			w := worker.NewInMemoryWorker(q, replayer, recorder)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go w.Run(ctx)

			convey.Convey("And when a session is queued", func() {
				q.add("s-1")

				convey.Convey("Then its shadow result is persisted", func() {
					convey.So(waitFor(func() bool { return recorder.count() == 1 }), convey.ShouldBeTrue)
					r, ok := recorder.get("s-1")
					convey.So(ok, convey.ShouldBeTrue)
					convey.So(r.ShadowIQ, convey.ShouldEqual, 101)
					convey.So(waitFor(func() bool { return w.Processed() == 1 }), convey.ShouldBeTrue)
				})
			})

			convey.Convey("And when a replay fails", func() {
				replayer.setError("s-bad", errors.New("not replayable"))
				q.add("s-bad")
				q.add("s-good")

				convey.Convey("Then the error is absorbed and later jobs still run", func() {
					convey.So(waitFor(func() bool { return recorder.count() == 1 }), convey.ShouldBeTrue)
					_, bad := recorder.get("s-bad")
					convey.So(bad, convey.ShouldBeFalse)
					_, good := recorder.get("s-good")
					convey.So(good, convey.ShouldBeTrue)
				})
			})

			convey.Convey("And when shut down", func() {
				sctx, scancel := context.WithTimeout(context.Background(), time.Second)
				defer scancel()

				convey.Convey("Then it stops cleanly", func() {
					convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
				})
			})
		})

		convey.Convey("When persistence fails", func() {
			recorder.err = errors.New("disk full")
			w := worker.NewInMemoryWorker(q, replayer, recorder)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go w.Run(ctx)
			q.add("s-1")
			time.Sleep(50 * time.Millisecond)

			convey.Convey("Then nothing is counted as processed", func() {
				convey.So(w.Processed(), convey.ShouldEqual, 0)
			})
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool over a real queue", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(64))
		replayer := newMockReplayer()
		recorder := newMockRecorder()
		pool := worker.NewPool(4, q, replayer, recorder)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		convey.So(pool.Size(), convey.ShouldEqual, 4)
		pool.Start(ctx)

		convey.Convey("When many sessions are submitted and the pool shuts down", func() {
			for i := 0; i < 40; i++ {
				convey.So(q.Enqueue(ctx, queue.Job{Session: model.FixedFormSession{SessionID: fmt.Sprintf("s-%d", i)}}), convey.ShouldBeNil)
			}
			err := pool.Shutdown(context.Background())

			convey.Convey("Then every queued session is drained first", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(recorder.count(), convey.ShouldEqual, 40)
				convey.So(pool.Processed(), convey.ShouldEqual, 40)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})
	})

	convey.Convey("Given a pool that was never started", t, func() {
		q := newMockQueue()
		pool := worker.NewPool(0, q, newMockReplayer(), newMockRecorder())

		convey.Convey("Then shutdown returns at once", func() {
			convey.So(pool.Size(), convey.ShouldBeGreaterThan, 0)
			convey.So(pool.Shutdown(context.Background()), convey.ShouldBeNil)
		})
	})
}
