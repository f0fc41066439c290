package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When creating a manager with custom options", func() {
			m := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 2}),
				WithDurationBuckets([]float64{1, 10}),
				WithConstLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then collectors are registered under the namespace", func() {
				So(m, ShouldNotBeNil)
				m.calibrationConflicts.Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_unit_calibration_conflicts_total" {
						found = true
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When the same registry is reused", func() {
			NewManager(WithPrometheusRegistry(registry))

			Convey("Then registering twice panics", func() {
				So(func() { NewManager(WithPrometheusRegistry(registry)) }, ShouldPanic)
			})
		})
	})
}

func TestGlobalRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording calibration outcomes", func() {
			before := testutil.ToFloat64(globalManager.calibrationRuns.WithLabelValues("admin", "success"))
			RecordCalibrationRun("admin", "success", 1.5)
			UpdateCalibrationOutcome(10, 2, 1, 7)
			RecordCalibrationConflict()

			Convey("Then counters and gauges reflect them", func() {
				after := testutil.ToFloat64(globalManager.calibrationRuns.WithLabelValues("admin", "success"))
				So(after-before, ShouldEqual, 1)
				So(testutil.ToFloat64(globalManager.calibrationItemsCalibrated), ShouldEqual, 10)
				So(testutil.ToFloat64(globalManager.calibrationItemsSkipped), ShouldEqual, 2)
				So(testutil.ToFloat64(globalManager.calibrationIterations), ShouldEqual, 7)
			})
		})

		Convey("When recording shadow and queue activity", func() {
			RecordShadowEnqueued()
			RecordShadowRejected("backpressure")
			RecordShadowReplayed(12, 3)
			RecordShadowFailed()
			UpdateQueueCapacity(100)
			UpdateQueueSize(25)
			UpdateQueueUtilization(0.25)
			UpdateWorkerCount(4)

			Convey("Then gauges hold the latest values", func() {
				So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 25)
				So(testutil.ToFloat64(globalManager.queueUtilization), ShouldEqual, 0.25)
				So(testutil.ToFloat64(globalManager.workerCount), ShouldEqual, 4)
			})
		})

		Convey("When recording sessions, http and errors", func() {
			RecordSessionFinished("live", "stop_max_items", 30, 0.31)
			RecordAbilityFallback("degenerate")
			RecordHTTPRequest("items", "GET", "200", 3)
			RecordError("worker", "replay")
			RecordResponsesIngested(5)
			UpdateItemBankSize(120)
			RecordBootstrapLatency(4)
			UpdateCalibrationLastSuccess(1700000000)

			Convey("Then the registry exposes them", func() {
				families, err := GetRegistry().Gather()
				So(err, ShouldBeNil)
				names := make([]string, 0, len(families))
				for _, f := range families {
					names = append(names, f.GetName())
				}
				joined := strings.Join(names, ",")
				So(joined, ShouldContainSubstring, "irtcat_cat_stopping_reasons_total")
				So(joined, ShouldContainSubstring, "irtcat_http_requests_total")
				So(joined, ShouldContainSubstring, "irtcat_item_bank_size")
			})
		})
	})
}
