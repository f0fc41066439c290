package api

import (
	"net/http"

	"github.com/okian/irtcat/internal/domain/model"
)

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// ShadowHandler handles shadow replay requests.
type ShadowHandler struct {
	deps ShadowDependencies
}

// NewShadowHandler creates a new shadow handler.
func NewShadowHandler(deps ShadowDependencies) *ShadowHandler {
	return &ShadowHandler{deps: deps}
}

// HandleSubmit handles POST /shadow/sessions requests. Replay happens
// asynchronously; a full queue answers 503 and the session may be resent.
func (h *ShadowHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.shadow_submit"
	var req model.FixedFormSession
	if err := decode(w, r, &req); err != nil {
		fail(w, op, WrapKind(op, ErrBadRequest, err))
		return
	}

	duplicate, err := h.deps.SubmitShadow(r.Context(), req)
	if err != nil {
		fail(w, op, err)
		return
	}
	if duplicate {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}

// HandleProgress handles GET /shadow/progress requests.
func (h *ShadowHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.CollectionProgress(r.Context())
	if err != nil {
		fail(w, "api.shadow_progress", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleAnalysis handles GET /shadow/analysis requests.
func (h *ShadowHandler) HandleAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := h.deps.Analysis(r.Context())
	if err != nil {
		fail(w, "api.shadow_analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
