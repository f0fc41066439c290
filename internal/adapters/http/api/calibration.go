package api

import (
	"net/http"
	"strconv"
)

// CalibrationHandler handles calibration requests.
type CalibrationHandler struct {
	deps CalibrationDependencies
}

// NewCalibrationHandler creates a new calibration handler.
func NewCalibrationHandler(deps CalibrationDependencies) *CalibrationHandler {
	return &CalibrationHandler{deps: deps}
}

// HandleHealth handles GET /calibration/health requests.
func (h *CalibrationHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.deps.Health(r.Context())
	if err != nil {
		fail(w, "api.calibration_health", err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// HandleShouldRun handles GET /calibration/should-run requests.
func (h *CalibrationHandler) HandleShouldRun(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.ShouldRun(r.Context())
	if err != nil {
		fail(w, "api.calibration_should_run", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandleRun handles POST /calibration/run?force=true requests. The run
// continues in the background; 202 carries its running record and 409
// reports a run already in flight.
func (h *CalibrationHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	const op = "api.calibration_run"
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fail(w, op, WrapKind(op, ErrBadRequest, err))
			return
		}
		force = b
	}

	run, err := h.deps.TriggerCalibration(r.Context(), force)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// HandleRuns handles GET /calibration/runs requests.
func (h *CalibrationHandler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.deps.CalibrationRuns(r.Context())
	if err != nil {
		fail(w, "api.calibration_runs", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
