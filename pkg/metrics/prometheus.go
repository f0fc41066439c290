// Package metrics provides Prometheus metrics for the irtcat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	durationBuckets  []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Calibration
	calibrationRuns            *prometheus.CounterVec
	calibrationDuration        prometheus.Histogram
	calibrationItemsCalibrated prometheus.Gauge
	calibrationItemsSkipped    prometheus.Gauge
	calibrationItemsFailed     prometheus.Gauge
	calibrationIterations      prometheus.Gauge
	calibrationConflicts       prometheus.Counter
	bootstrapLatency           prometheus.Histogram
	calibrationLastSuccessUnix prometheus.Gauge

	// Adaptive sessions
	catItemsAdministered prometheus.Histogram
	catStoppingReasons   *prometheus.CounterVec
	catFinalSE           prometheus.Histogram
	abilityFallbacks     *prometheus.CounterVec

	// Shadow replay
	shadowEnqueued      prometheus.Counter
	shadowRejected      *prometheus.CounterVec
	shadowReplayed      prometheus.Counter
	shadowFailed        prometheus.Counter
	shadowReplayLatency prometheus.Histogram
	shadowBackfilled    prometheus.Counter

	// Queue and workers
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	workerCount      prometheus.Gauge

	// Storage
	responsesIngested prometheus.Counter
	itemBankSize      prometheus.Gauge
	itemsCalibrated   prometheus.Gauge
	storeLatency      *prometheus.HistogramVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec

	// System
	memoryUsage    prometheus.Gauge
	goroutineCount prometheus.Gauge
	gcPause        prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // process-wide registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "irtcat",
		subsystem:        "",
		histogramBuckets: prometheus.DefBuckets,
		durationBuckets:  []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		constLabels:      prometheus.Labels{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.constLabels,
	})
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.calibrationRuns = m.counterVec("calibration_runs_total",
		"Calibration runs by trigger and terminal status", "trigger", "status")
	m.calibrationDuration = m.histogram("calibration_duration_seconds",
		"Wall time of completed calibration runs", m.durationBuckets)
	m.calibrationItemsCalibrated = m.gauge("calibration_items_calibrated",
		"Items calibrated by the last completed run")
	m.calibrationItemsSkipped = m.gauge("calibration_items_skipped",
		"Items skipped for insufficient data by the last completed run")
	m.calibrationItemsFailed = m.gauge("calibration_items_failed",
		"Items whose estimate failed in the last completed run")
	m.calibrationIterations = m.gauge("calibration_iterations",
		"Joint estimation iterations used by the last completed run")
	m.calibrationConflicts = m.counter("calibration_conflicts_total",
		"Calibration triggers rejected because a run was already in flight")
	m.bootstrapLatency = m.histogram("calibration_bootstrap_item_milliseconds",
		"Bootstrap latency per item in milliseconds", []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000})
	m.calibrationLastSuccessUnix = m.gauge("calibration_last_success_unix",
		"Completion time of the last successful calibration run")

	m.catItemsAdministered = m.histogram("cat_items_administered",
		"Items administered per finished adaptive session", []float64{1, 5, 10, 15, 20, 25, 30, 40, 60})
	m.catStoppingReasons = m.counterVec("cat_stopping_reasons_total",
		"Finished adaptive sessions by stopping reason and mode", "mode", "reason")
	m.catFinalSE = m.histogram("cat_final_standard_error",
		"Final ability standard error per finished session", []float64{0.1, 0.15, 0.2, 0.25, 0.3, 0.4, 0.5, 0.75, 1})
	m.abilityFallbacks = m.counterVec("ability_estimator_fallbacks_total",
		"Ability estimates that fell back to EAP", "cause")

	m.shadowEnqueued = m.counter("shadow_jobs_enqueued_total", "Shadow replay jobs accepted")
	m.shadowRejected = m.counterVec("shadow_jobs_rejected_total", "Shadow replay jobs refused", "reason")
	m.shadowReplayed = m.counter("shadow_jobs_replayed_total", "Shadow replays persisted")
	m.shadowFailed = m.counter("shadow_jobs_failed_total", "Shadow replays that failed")
	m.shadowReplayLatency = m.histogram("shadow_replay_latency_milliseconds",
		"Replay plus persistence latency in milliseconds", m.histogramBuckets)
	m.shadowBackfilled = m.counter("shadow_backfilled_items_total",
		"Replay steps administered by backfill instead of the selector's own choice")

	m.queueSize = m.gauge("shadow_queue_size", "Current number of queued shadow jobs")
	m.queueCapacity = m.gauge("shadow_queue_capacity", "Capacity of the shadow job queue")
	m.queueUtilization = m.gauge("shadow_queue_utilization", "Queue size divided by capacity")
	m.workerCount = m.gauge("shadow_worker_count", "Running shadow replay workers")

	m.responsesIngested = m.counter("responses_ingested_total", "Responses appended to the store")
	m.itemBankSize = m.gauge("item_bank_size", "Items in the bank, calibrated or not")
	m.itemsCalibrated = m.gauge("item_bank_calibrated", "Items in the bank with calibrated parameters")
	m.storeLatency = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "store_operation_milliseconds",
		Help:        "Store operation latency in milliseconds",
		Buckets:     []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 500},
		ConstLabels: m.constLabels,
	}, []string{"operation"})

	m.httpRequests = m.counterVec("http_requests_total",
		"HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_request_duration_milliseconds",
		Help:        "HTTP request duration in milliseconds",
		Buckets:     []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		ConstLabels: m.constLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and kind", "component", "kind")

	m.memoryUsage = m.gauge("system_memory_alloc_bytes", "Heap bytes allocated and in use")
	m.goroutineCount = m.gauge("system_goroutines", "Live goroutines")
	m.gcPause = m.gauge("system_gc_pause_average_milliseconds", "Average GC pause since process start")
}

// Calibration.

// RecordCalibrationRun counts a completed run and, for executed runs, its duration.
func RecordCalibrationRun(trigger, status string, seconds float64) {
	globalManager.calibrationRuns.WithLabelValues(trigger, status).Inc()
	if seconds >= 0 {
		globalManager.calibrationDuration.Observe(seconds)
	}
}

// UpdateCalibrationOutcome sets the per-run item tallies.
func UpdateCalibrationOutcome(calibrated, skipped, failed, iterations int) {
	globalManager.calibrationItemsCalibrated.Set(float64(calibrated))
	globalManager.calibrationItemsSkipped.Set(float64(skipped))
	globalManager.calibrationItemsFailed.Set(float64(failed))
	globalManager.calibrationIterations.Set(float64(iterations))
}

// UpdateCalibrationLastSuccess records the watermark of the last successful run.
func UpdateCalibrationLastSuccess(unix int64) {
	globalManager.calibrationLastSuccessUnix.Set(float64(unix))
}

// RecordCalibrationConflict counts a rejected concurrent trigger.
func RecordCalibrationConflict() {
	globalManager.calibrationConflicts.Inc()
}

// RecordBootstrapLatency records the bootstrap cost of one item.
func RecordBootstrapLatency(latencyMs float64) {
	globalManager.bootstrapLatency.Observe(latencyMs)
}

// Adaptive sessions.

// RecordSessionFinished records a finished session (mode is "live" or "shadow").
func RecordSessionFinished(mode, reason string, items int, se float64) {
	globalManager.catStoppingReasons.WithLabelValues(mode, reason).Inc()
	globalManager.catItemsAdministered.Observe(float64(items))
	globalManager.catFinalSE.Observe(se)
}

// RecordAbilityFallback counts an EAP fallback by cause.
func RecordAbilityFallback(cause string) {
	globalManager.abilityFallbacks.WithLabelValues(cause).Inc()
}

// Shadow replay.

// RecordShadowEnqueued counts an accepted shadow job.
func RecordShadowEnqueued() {
	globalManager.shadowEnqueued.Inc()
}

// RecordShadowRejected counts a refused shadow job.
func RecordShadowRejected(reason string) {
	globalManager.shadowRejected.WithLabelValues(reason).Inc()
}

// RecordShadowReplayed counts a persisted replay and its latency.
func RecordShadowReplayed(latencyMs float64, backfilled int) {
	globalManager.shadowReplayed.Inc()
	globalManager.shadowReplayLatency.Observe(latencyMs)
	globalManager.shadowBackfilled.Add(float64(backfilled))
}

// RecordShadowFailed counts a failed replay.
func RecordShadowFailed() {
	globalManager.shadowFailed.Inc()
}

// Queue and workers.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// UpdateWorkerCount sets the number of replay workers.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// Storage.

// RecordResponsesIngested adds n appended responses.
func RecordResponsesIngested(n int) {
	globalManager.responsesIngested.Add(float64(n))
}

// UpdateItemBankSize sets the bank size gauge.
func UpdateItemBankSize(n int) {
	globalManager.itemBankSize.Set(float64(n))
}

// UpdateCalibratedItemCount sets how many bank items carry calibrated parameters.
func UpdateCalibratedItemCount(n int) {
	globalManager.itemsCalibrated.Set(float64(n))
}

// RecordStoreLatency observes one store operation.
func RecordStoreLatency(operation string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(operation).Observe(latencyMs)
}

// HTTP.

// RecordHTTPRequest records an HTTP request and its duration.
func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

// Errors.

// RecordError counts an error for a component.
func RecordError(component, kind string) {
	globalManager.errorsByComponent.WithLabelValues(component, kind).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// System.

// UpdateSystemMemoryUsage sets the allocated heap size.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.memoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(n int) {
	globalManager.goroutineCount.Set(float64(n))
}

// RecordSystemGCPauseTime sets the average GC pause.
func RecordSystemGCPauseTime(ms float64) {
	globalManager.gcPause.Set(ms)
}
