package service_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/okian/irtcat/internal/adapters/repository"
	service "github.com/okian/irtcat/internal/app"
	"github.com/okian/irtcat/internal/domain/calibration"
	"github.com/okian/irtcat/internal/domain/irt"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
	"gonum.org/v1/gonum/stat"
)

type trueItem struct {
	id   string
	a, b float64
}

func trueBank(rng *rand.Rand, n int) []trueItem {
	items := make([]trueItem, n)
	for i := range items {
		items[i] = trueItem{
			id: fmt.Sprintf("item-%02d", i),
			a:  0.8 + 0.8*rng.Float64(),
			b:  -2 + 4*float64(i)/float64(n-1),
		}
	}
	return items
}

func openSQLite(ctx context.Context) *repository.SQLStore {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := repository.OpenSQL(ctx, repository.DriverSQLite, dsn, repository.WithLogger(logger.NewNop()))
	So(err, ShouldBeNil)
	return store
}

func TestServiceIntegration(t *testing.T) {
	Convey("Given a service over a SQL store and a simulated 2PL population", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		rng := rand.New(rand.NewSource(7))
		bank := trueBank(rng, 20)

		store := openSQLite(ctx)
		defer func() { _ = store.Close() }()

		svc := service.New(
			service.WithStore(store),
			service.WithLogger(logger.NewNop()),
			service.WithWorkerCount(2),
			service.WithQueueSize(1000),
			service.WithDedupeSize(500),
			service.WithMilestone(25),
			service.WithCalibrationSchedule(""),
			service.WithMinNewResponses(1000),
			service.WithCalibrationOptions(
				calibration.WithBootstrapSamples(10),
				calibration.WithWorkers(4),
				calibration.WithSeed(3),
			),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		items := make([]model.Item, len(bank))
		for i, it := range bank {
			items[i] = model.Item{ID: it.id, Difficulty: 0, Discrimination: 1, Domain: []string{"verbal", "numeric"}[i%2]}
		}
		added, err := svc.AddItems(ctx, items)
		So(err, ShouldBeNil)
		So(added, ShouldEqual, len(bank))

		var responses []model.Response
		for e := 0; e < 400; e++ {
			theta := rng.NormFloat64()
			for _, it := range bank {
				responses = append(responses, model.Response{
					ExamineeID: fmt.Sprintf("ex-%d", e),
					ItemID:     it.id,
					Correct:    rng.Float64() < irt.Probability(theta, it.a, it.b),
					AnsweredAt: time.Now(),
				})
			}
		}
		_, err = svc.AppendResponses(ctx, responses)
		So(err, ShouldBeNil)

		Convey("When calibration runs because enough responses accrued", func() {
			decision, err := svc.ShouldRun(ctx)
			So(err, ShouldBeNil)
			So(decision.Run, ShouldBeTrue)

			run, err := svc.RunCalibration(ctx, false)
			So(err, ShouldBeNil)

			Convey("Then difficulties are recovered and the watermark moves", func() {
				So(run.Status, ShouldEqual, model.RunSuccess)
				So(run.ItemsCalibrated, ShouldEqual, len(bank))

				got, err := svc.Items(ctx)
				So(err, ShouldBeNil)
				est := make([]float64, len(got))
				truth := make([]float64, len(got))
				for i, it := range got {
					So(it.Calibrated(), ShouldBeTrue)
					So(it.SEDifficulty, ShouldBeGreaterThan, 0)
					est[i] = it.Difficulty
					truth[i] = bank[i].b
				}
				So(stat.Correlation(est, truth, nil), ShouldBeGreaterThan, 0.9)

				after, err := svc.ShouldRun(ctx)
				So(err, ShouldBeNil)
				So(after.Run, ShouldBeFalse)
				So(after.NewResponses, ShouldEqual, 0)
				So(after.Since, ShouldNotBeNil)
			})

			Convey("And fixed-form sessions are replayed in the shadow", func() {
				const sessions = 30
				for s := 0; s < sessions; s++ {
					theta := rng.NormFloat64()
					ff := model.FixedFormSession{
						SessionID:   fmt.Sprintf("ff-%d", s),
						ExamineeID:  fmt.Sprintf("shadow-ex-%d", s),
						ActualIQ:    irt.ToIQ(theta),
						CompletedAt: time.Now(),
					}
					for _, it := range bank {
						ff.Responses = append(ff.Responses, model.SessionResponse{
							ItemID:  it.id,
							Correct: rng.Float64() < irt.Probability(theta, it.a, it.b),
						})
					}
					dup, err := svc.SubmitShadow(ctx, ff)
					So(err, ShouldBeNil)
					So(dup, ShouldBeFalse)
				}

				deadline := time.Now().Add(20 * time.Second)
				for time.Now().Before(deadline) {
					p, err := svc.CollectionProgress(ctx)
					So(err, ShouldBeNil)
					if p.TotalSessions == sessions {
						break
					}
					time.Sleep(20 * time.Millisecond)
				}

				Convey("Then the analysis compares shadow and actual scores", func() {
					p, err := svc.CollectionProgress(ctx)
					So(err, ShouldBeNil)
					So(p.TotalSessions, ShouldEqual, sessions)
					So(p.Reached, ShouldBeTrue)
					So(p.FirstAt, ShouldNotBeNil)

					a, err := svc.Analysis(ctx)
					So(err, ShouldBeNil)
					So(a.N, ShouldEqual, sessions)
					So(a.Pearson, ShouldNotBeNil)
					So(*a.Pearson, ShouldBeGreaterThan, 0.5)
					So(a.BlandAltman, ShouldNotBeNil)
					So(a.BlandAltman.LowerLoA, ShouldBeLessThan, a.BlandAltman.UpperLoA)
					So(a.MeanItems, ShouldBeLessThanOrEqualTo, 20)
				})
			})
		})
	})
}

func TestServiceConcurrency(t *testing.T) {
	Convey("Given a started service with a calibrated bank", t, func() {
		svc, ctx := startService(service.WithQueueSize(10_000))
		defer func() { _ = svc.Stop(ctx) }()
		_, err := svc.AddItems(ctx, calibratedBank(12))
		So(err, ShouldBeNil)

		Convey("When many goroutines submit overlapping sessions", func() {
			const goroutines, perGoroutine = 8, 25
			var (
				wg         sync.WaitGroup
				mu         sync.Mutex
				accepted   int
				duplicates int
				failures   int
			)
			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perGoroutine; i++ {
						// every id is submitted by two goroutines
						id := fmt.Sprintf("ff-%d-%d", g/2, i)
						dup, err := svc.SubmitShadow(ctx, model.FixedFormSession{
							SessionID:  id,
							ExamineeID: "ex",
							ActualIQ:   100,
							Responses:  []model.SessionResponse{{ItemID: "item-04", Correct: true}, {ItemID: "item-07", Correct: false}},
						})
						mu.Lock()
						switch {
						case err != nil:
							failures++
						case dup:
							duplicates++
						default:
							accepted++
						}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Convey("Then each session id is accepted exactly once", func() {
				So(failures, ShouldEqual, 0)
				So(accepted, ShouldEqual, goroutines/2*perGoroutine)
				So(duplicates, ShouldEqual, goroutines/2*perGoroutine)
			})

			Convey("Then stopping drains every accepted replay", func() {
				So(svc.Stop(ctx), ShouldBeNil)
				So(svc.GetStats().Started, ShouldBeFalse)
			})
		})
	})
}
