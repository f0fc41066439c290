package service_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	service "github.com/okian/irtcat/internal/app"
	"github.com/okian/irtcat/internal/domain/calibration"
	"github.com/okian/irtcat/internal/domain/irt"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/stopping"
	"github.com/okian/irtcat/internal/scheduler"
	"github.com/okian/irtcat/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func calibratedBank(n int) []model.Item {
	at := time.Date(2025, 1, 5, 3, 0, 0, 0, time.UTC)
	domains := []string{"verbal", "spatial"}
	items := make([]model.Item, n)
	for i := range items {
		items[i] = model.Item{
			ID:             fmt.Sprintf("item-%02d", i),
			Difficulty:     -2 + 4*float64(i)/float64(n-1),
			Discrimination: 1.2,
			Domain:         domains[i%len(domains)],
			CalibratedAt:   &at,
			SampleSize:     500,
		}
	}
	return items
}

func startService(opts ...service.Option) (*service.Service, context.Context) {
	ctx := context.Background()
	svc := service.New(append([]service.Option{
		service.WithLogger(logger.NewNop()),
		service.WithWorkerCount(2),
		service.WithCalibrationSchedule(""),
	}, opts...)...)
	So(svc.Start(ctx), ShouldBeNil)
	return svc, ctx
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it reports itself as not started", func() {
			So(svc, ShouldNotBeNil)
			So(svc.GetStats().Started, ShouldBeFalse)
		})

		Convey("Then its operations refuse to run", func() {
			_, err := svc.Items(context.Background())
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			_, err = svc.SubmitShadow(context.Background(), model.FixedFormSession{})
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
		})
	})

	Convey("Given a new service with custom options", t, func() {
		svc := service.New(
			service.WithWorkerCount(8),
			service.WithQueueSize(50_000),
			service.WithDedupeSize(25_000),
			service.WithMilestone(10),
			service.WithAbilityMethod(model.MethodMLE),
		)

		Convey("Then it should be created successfully", func() {
			So(svc, ShouldNotBeNil)
		})
	})
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc, ctx := startService(service.WithQueueSize(64))

		Convey("Then stats reflect the running components", func() {
			stats := svc.GetStats()
			So(stats.Started, ShouldBeTrue)
			So(stats.WorkerCount, ShouldEqual, 2)
			So(stats.QueueCapacity, ShouldEqual, 64)
			So(stats.NextCalibration.IsZero(), ShouldBeTrue)
			So(svc.Stop(ctx), ShouldBeNil)
		})

		Convey("When stopping the service twice", func() {
			So(svc.Stop(ctx), ShouldBeNil)
			So(svc.Stop(ctx), ShouldBeNil)

			Convey("Then it is marked as stopped", func() {
				So(svc.GetStats().Started, ShouldBeFalse)
				_, err := svc.Health(ctx)
				So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			})
		})
	})

	Convey("Given a service with a weekly schedule", t, func() {
		svc, ctx := startService(service.WithCalibrationSchedule(scheduler.DefaultSchedule))
		defer func() { _ = svc.Stop(ctx) }()

		Convey("Then the next firing is a Sunday", func() {
			So(svc.GetStats().NextCalibration.Weekday(), ShouldEqual, time.Sunday)
		})
	})
}

func TestService_SubmitShadow(t *testing.T) {
	Convey("Given a started service with a calibrated bank", t, func() {
		svc, ctx := startService()
		defer func() { _ = svc.Stop(ctx) }()
		_, err := svc.AddItems(ctx, calibratedBank(10))
		So(err, ShouldBeNil)

		session := model.FixedFormSession{
			SessionID:  "ff-1",
			ExamineeID: "ex-1",
			ActualIQ:   104,
			Responses: []model.SessionResponse{
				{ItemID: "item-03", Correct: true},
				{ItemID: "item-05", Correct: false},
			},
		}

		Convey("When a session without responses is submitted", func() {
			bad := session
			bad.Responses = nil
			_, err := svc.SubmitShadow(ctx, bad)

			Convey("Then it is rejected as invalid", func() {
				So(errors.Is(err, service.ErrInvalidSession), ShouldBeTrue)
			})
		})

		Convey("When the same session is submitted twice", func() {
			dup1, err1 := svc.SubmitShadow(ctx, session)
			dup2, err2 := svc.SubmitShadow(ctx, session)

			Convey("Then only the first is queued", func() {
				So(err1, ShouldBeNil)
				So(dup1, ShouldBeFalse)
				So(err2, ShouldBeNil)
				So(dup2, ShouldBeTrue)
			})

			Convey("Then the replay shows up in the collection progress", func() {
				var progress int
				deadline := time.Now().Add(5 * time.Second)
				for time.Now().Before(deadline) && progress == 0 {
					p, err := svc.CollectionProgress(ctx)
					So(err, ShouldBeNil)
					progress = p.TotalSessions
					time.Sleep(10 * time.Millisecond)
				}
				So(progress, ShouldEqual, 1)

				a, err := svc.Analysis(ctx)
				So(err, ShouldBeNil)
				So(a.N, ShouldEqual, 1)
				So(a.Pearson, ShouldBeNil)
			})
		})
	})
}

func TestService_LiveSession(t *testing.T) {
	Convey("Given a started service without calibrated items", t, func() {
		svc, ctx := startService()
		defer func() { _ = svc.Stop(ctx) }()

		Convey("Then a live session cannot start", func() {
			_, err := svc.StartSession(ctx, "", "ex-1")
			So(errors.Is(err, service.ErrNoCalibratedItems), ShouldBeTrue)
		})
	})

	Convey("Given a started service with a calibrated bank", t, func() {
		svc, ctx := startService(service.WithStoppingRules(stopping.WithItemBounds(3, 5)))
		defer func() { _ = svc.Stop(ctx) }()
		_, err := svc.AddItems(ctx, calibratedBank(20))
		So(err, ShouldBeNil)

		Convey("When a session starts without an examinee", func() {
			_, err := svc.StartSession(ctx, "s-1", "")

			Convey("Then it is rejected", func() {
				So(errors.Is(err, service.ErrInvalidSession), ShouldBeTrue)
			})
		})

		Convey("When an examinee answers every offered item", func() {
			st, err := svc.StartSession(ctx, "s-1", "ex-1")
			So(err, ShouldBeNil)
			So(st.Next, ShouldNotBeNil)
			So(st.IQ, ShouldEqual, 100)

			_, err = svc.StartSession(ctx, "s-1", "ex-1")
			So(errors.Is(err, service.ErrSessionExists), ShouldBeTrue)

			answered := 0
			for !st.Done {
				st, err = svc.AnswerSession(ctx, "s-1", st.Next.ID, answered%2 == 0)
				So(err, ShouldBeNil)
				answered++
			}

			Convey("Then it stops within the item bounds and feeds calibration", func() {
				So(answered, ShouldBeBetweenOrEqual, 3, 5)
				So(len(st.Estimate.Items), ShouldEqual, answered)
				So(stopping.Terminal(st.Estimate.StoppingReason), ShouldBeTrue)

				_, err := svc.Session(ctx, "s-1")
				So(errors.Is(err, service.ErrSessionNotFound), ShouldBeTrue)

				decision, err := svc.ShouldRun(ctx)
				So(err, ShouldBeNil)
				So(decision.NewResponses, ShouldEqual, answered)
			})
		})

		Convey("When an item other than the offered one is answered", func() {
			_, err := svc.StartSession(ctx, "s-2", "ex-2")
			So(err, ShouldBeNil)
			_, err = svc.AnswerSession(ctx, "s-2", "no-such-item", true)

			Convey("Then the answer is refused and the session continues", func() {
				So(err, ShouldNotBeNil)
				st, err := svc.Session(ctx, "s-2")
				So(err, ShouldBeNil)
				So(st.Done, ShouldBeFalse)
			})
		})

		Convey("When a session is aborted", func() {
			_, err := svc.StartSession(ctx, "s-3", "ex-3")
			So(err, ShouldBeNil)
			st, err := svc.AbortSession(ctx, "s-3")

			Convey("Then it ends forced below the minimum", func() {
				So(err, ShouldBeNil)
				So(st.Done, ShouldBeTrue)
				So(st.Estimate.StoppingReason, ShouldEqual, model.ReasonMinNotMetForced)
			})
		})
	})
}

func TestService_Calibration(t *testing.T) {
	Convey("Given a started service with no responses", t, func() {
		svc, ctx := startService(service.WithMinNewResponses(10))
		defer func() { _ = svc.Stop(ctx) }()

		Convey("When calibration is checked and run unforced", func() {
			decision, err := svc.ShouldRun(ctx)
			So(err, ShouldBeNil)
			run, runErr := svc.RunCalibration(ctx, false)

			Convey("Then it is not due and the run is skipped", func() {
				So(decision.Run, ShouldBeFalse)
				So(decision.Threshold, ShouldEqual, 10)
				So(runErr, ShouldBeNil)
				So(run.Status, ShouldEqual, model.RunSkipped)
			})
		})

		Convey("When an admin triggers a forced run in the background", func() {
			run, err := svc.TriggerCalibration(ctx, true)
			So(err, ShouldBeNil)
			So(run.Status, ShouldEqual, model.RunRunning)

			var final model.CalibrationRun
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				runs, err := svc.CalibrationRuns(ctx)
				So(err, ShouldBeNil)
				if len(runs) == 1 && runs[0].Completed() {
					final = runs[0]
					break
				}
				time.Sleep(10 * time.Millisecond)
			}

			Convey("Then it completes and shows in the health summary", func() {
				So(final.ID, ShouldEqual, run.ID)
				So(final.Status, ShouldEqual, model.RunSuccess)
				h, err := svc.Health(ctx)
				So(err, ShouldBeNil)
				So(h.Succeeded, ShouldEqual, 1)
			})
		})
	})
}

func simulatedResponses(items, examinees int) []model.Response {
	rng := rand.New(rand.NewSource(17))
	var rs []model.Response
	for i := 0; i < examinees; i++ {
		theta := rng.NormFloat64()
		for j := 0; j < items; j++ {
			b := -2 + 4*float64(j)/float64(items-1)
			rs = append(rs, model.Response{
				ExamineeID: fmt.Sprintf("ex-%03d", i),
				ItemID:     fmt.Sprintf("item-%02d", j),
				Correct:    rng.Float64() < irt.Probability(theta, 1.2, b),
			})
		}
	}
	return rs
}

func TestService_StopDuringCalibration(t *testing.T) {
	Convey("Given a service whose calibration bootstraps for minutes", t, func() {
		ctx := context.Background()
		store := openSQLite(ctx)
		defer func() { _ = store.Close() }()
		svc := service.New(
			service.WithLogger(logger.NewNop()),
			service.WithStore(store),
			service.WithWorkerCount(1),
			service.WithCalibrationSchedule(""),
			service.WithCalibrationOptions(
				calibration.WithBootstrapSamples(2_000_000),
				calibration.WithWorkers(1),
			),
		)
		So(svc.Start(ctx), ShouldBeNil)
		bank := calibratedBank(10)
		for i := range bank {
			bank[i].CalibratedAt = nil
		}
		_, err := svc.AddItems(ctx, bank)
		So(err, ShouldBeNil)
		_, err = svc.AppendResponses(ctx, simulatedResponses(10, 100))
		So(err, ShouldBeNil)

		Convey("When the service stops while a triggered run is in flight", func() {
			run, err := svc.TriggerCalibration(ctx, true)
			So(err, ShouldBeNil)
			time.Sleep(200 * time.Millisecond)

			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			start := time.Now()
			stopErr := svc.Stop(stopCtx)
			elapsed := time.Since(start)

			Convey("Then Stop returns well inside its deadline and the run is failed", func() {
				So(stopErr, ShouldBeNil)
				So(elapsed, ShouldBeLessThan, 5*time.Second)

				runs, err := store.Runs(ctx)
				So(err, ShouldBeNil)
				So(len(runs), ShouldEqual, 1)
				So(runs[0].ID, ShouldEqual, run.ID)
				So(runs[0].Status, ShouldEqual, model.RunFailed)
				So(strings.Contains(runs[0].ErrorDetail, context.Canceled.Error()), ShouldBeTrue)
			})
		})

		Convey("When the service stops while a caller waits on a run", func() {
			type result struct {
				run model.CalibrationRun
				err error
			}
			done := make(chan result, 1)
			go func() {
				run, err := svc.RunCalibration(context.Background(), true)
				done <- result{run, err}
			}()
			time.Sleep(200 * time.Millisecond)

			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			So(svc.Stop(stopCtx), ShouldBeNil)

			Convey("Then the waiting caller gets the cancellation", func() {
				var res result
				select {
				case res = <-done:
				case <-time.After(5 * time.Second):
				}
				So(errors.Is(res.err, context.Canceled), ShouldBeTrue)
				So(res.run.Status, ShouldEqual, model.RunFailed)
			})
		})
	})
}

func TestService_SessionIdleTimeout(t *testing.T) {
	Convey("Given a service holding one live session at most", t, func() {
		svc, ctx := startService(
			service.WithMaxLiveSessions(1),
			service.WithSessionIdleTimeout(50*time.Millisecond),
		)
		defer func() { _ = svc.Stop(ctx) }()
		_, err := svc.AddItems(ctx, calibratedBank(20))
		So(err, ShouldBeNil)

		Convey("When an examinee walks away mid-session", func() {
			_, err := svc.StartSession(ctx, "s-1", "ex-1")
			So(err, ShouldBeNil)
			_, err = svc.StartSession(ctx, "s-2", "ex-2")
			So(errors.Is(err, service.ErrTooManySessions), ShouldBeTrue)

			deadline := time.Now().Add(5 * time.Second)
			for svc.GetStats().LiveSessions > 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}

			Convey("Then the idle session is aborted and its slot freed", func() {
				So(svc.GetStats().LiveSessions, ShouldEqual, 0)
				_, err := svc.Session(ctx, "s-1")
				So(errors.Is(err, service.ErrSessionNotFound), ShouldBeTrue)
				_, err = svc.AnswerSession(ctx, "s-1", "item-00", true)
				So(errors.Is(err, service.ErrSessionNotFound), ShouldBeTrue)

				st, err := svc.StartSession(ctx, "s-2", "ex-2")
				So(err, ShouldBeNil)
				So(st.Done, ShouldBeFalse)
			})
		})
	})
}

func TestService_StopWithRequestsInFlight(t *testing.T) {
	Convey("Given a started service under concurrent requests", t, func() {
		svc, ctx := startService()
		_, err := svc.AddItems(ctx, calibratedBank(10))
		So(err, ShouldBeNil)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var unexpected []error
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					_, err := svc.Items(ctx)
					if err == nil {
						_, err = svc.CollectionProgress(ctx)
					}
					if err != nil && !errors.Is(err, service.ErrNotStarted) {
						mu.Lock()
						unexpected = append(unexpected, err)
						mu.Unlock()
					}
				}
			}()
		}

		Convey("When the service stops and starts again meanwhile", func() {
			So(svc.Stop(ctx), ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)
			wg.Wait()
			defer func() { _ = svc.Stop(ctx) }()

			Convey("Then requests only ever see a running or stopped service", func() {
				So(unexpected, ShouldBeEmpty)
			})

			Convey("Then the restarted service has a fresh owned store", func() {
				items, err := svc.Items(ctx)
				So(err, ShouldBeNil)
				So(items, ShouldBeEmpty)
			})
		})
	})
}
