package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/okian/irtcat/internal/adapters/repository"
	service "github.com/okian/irtcat/internal/app"
	"github.com/okian/irtcat/internal/domain/cat"
	"github.com/okian/irtcat/internal/scheduler"
)

// maxBodyBytes bounds request bodies; response batches dominate.
const maxBodyBytes = 32 << 20

var validate = validator.New() //nolint:gochecknoglobals // validators cache struct metadata

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// decode reads a JSON body into v and validates its struct tags.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return err //nolint:wrapcheck // validation messages are returned as is
	}
	return nil
}

// fail maps service and domain sentinels to HTTP status codes.
func fail(w http.ResponseWriter, op string, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, scheduler.ErrCalibrationConflict):
		status, code = http.StatusConflict, "calibration_conflict"
	case errors.Is(err, service.ErrBackpressure), errors.Is(err, ErrBackpressure):
		status, code = http.StatusServiceUnavailable, "backpressure"
	case errors.Is(err, service.ErrTooManySessions):
		status, code = http.StatusServiceUnavailable, "too_many_sessions"
	case errors.Is(err, service.ErrNotStarted):
		status, code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, repository.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrSessionExists):
		status, code = http.StatusConflict, "session_exists"
	case errors.Is(err, service.ErrNoCalibratedItems):
		status, code = http.StatusConflict, "no_calibrated_items"
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, service.ErrInvalidSession),
		errors.Is(err, repository.ErrInvalidRecord),
		errors.Is(err, repository.ErrUnknownItem),
		cat.IsSessionError(err):
		status, code = http.StatusBadRequest, "bad_request"
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		err = Wrap(op, err)
	}
	writeError(w, status, code, err)
}
