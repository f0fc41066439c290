package api

import (
	"net/http"
)

type startSessionRequest struct {
	SessionID  string `json:"session_id"`
	ExamineeID string `json:"examinee_id" validate:"required"`
}

type answerRequest struct {
	ItemID  string `json:"item_id" validate:"required"`
	Correct *bool  `json:"correct" validate:"required"`
}

// SessionsHandler handles live adaptive session requests.
type SessionsHandler struct {
	deps SessionDependencies
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(deps SessionDependencies) *SessionsHandler {
	return &SessionsHandler{deps: deps}
}

// HandleStart handles POST /sessions requests.
func (h *SessionsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	const op = "api.start_session"
	var req startSessionRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, op, WrapKind(op, ErrBadRequest, err))
		return
	}
	st, err := h.deps.StartSession(r.Context(), req.SessionID, req.ExamineeID)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// HandleGet handles GET /sessions/{id} requests.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, "api.get_session", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleAnswer handles POST /sessions/{id}/answers requests.
func (h *SessionsHandler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	const op = "api.answer_session"
	var req answerRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, op, WrapKind(op, ErrBadRequest, err))
		return
	}
	st, err := h.deps.AnswerSession(r.Context(), r.PathValue("id"), req.ItemID, *req.Correct)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleAbort handles POST /sessions/{id}/abort requests.
func (h *SessionsHandler) HandleAbort(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.AbortSession(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, "api.abort_session", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
