package lock_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/okian/irtcat/internal/adapters/lock"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"
)

func exerciseLocker(l lock.Locker, key string) {
	ctx := context.Background()

	Convey("When the key is free", func() {
		lease, err := l.TryLock(ctx, key)

		Convey("Then it is acquired and a second attempt fails fast", func() {
			So(err, ShouldBeNil)
			_, err2 := l.TryLock(ctx, key)
			So(errors.Is(err2, lock.ErrLocked), ShouldBeTrue)
			So(lease.Release(ctx), ShouldBeNil)
		})

		Convey("Then releasing makes it available again", func() {
			So(lease.Release(ctx), ShouldBeNil)
			So(lease.Release(ctx), ShouldBeNil)
			again, err := l.TryLock(ctx, key)
			So(err, ShouldBeNil)
			So(again.Release(ctx), ShouldBeNil)
		})
	})

	Convey("When many goroutines race for the key", func() {
		var won atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := l.TryLock(ctx, key+"-race"); err == nil {
					won.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		Convey("Then exactly one wins", func() {
			So(won.Load(), ShouldEqual, 1)
		})
	})
}

func TestMemoryLocker(t *testing.T) {
	Convey("Given an in-process locker", t, func() {
		exerciseLocker(lock.NewMemory(), "calibration")
	})
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("IRTCAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IRTCAT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()

	Convey("Given a Redis locker", t, func() {
		l := lock.NewRedis(client, lock.WithTTL(time.Minute), lock.WithPrefix("irtcat-test:"+uuid.NewString()+":"))
		exerciseLocker(l, "calibration")
	})
}
