package api

import (
	"net/http"
	"time"

	"github.com/okian/irtcat/internal/domain/model"
)

// itemRequest mirrors the OpenAPI schema for one item of POST /items.
// Imported banks may carry parameters from an earlier calibration.
type itemRequest struct {
	ID               string     `json:"id" validate:"required"`
	Difficulty       float64    `json:"difficulty"`
	Discrimination   float64    `json:"discrimination" validate:"gt=0"`
	Domain           string     `json:"domain"`
	CalibratedAt     *time.Time `json:"calibrated_at"`
	SampleSize       int        `json:"sample_size" validate:"gte=0"`
	SEDifficulty     float64    `json:"se_difficulty" validate:"gte=0"`
	SEDiscrimination float64    `json:"se_discrimination" validate:"gte=0"`
}

type itemsRequest struct {
	Items []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type itemsResponse struct {
	Added int `json:"added"`
}

// responseRequest mirrors the OpenAPI schema for one answer of POST /responses.
type responseRequest struct {
	ExamineeID string    `json:"examinee_id" validate:"required"`
	SessionID  string    `json:"session_id"`
	ItemID     string    `json:"item_id" validate:"required"`
	Correct    *bool     `json:"correct" validate:"required"`
	AnsweredAt time.Time `json:"answered_at"`
}

type responsesRequest struct {
	Responses []responseRequest `json:"responses" validate:"required,min=1,dive"`
}

type responsesResponse struct {
	Stored int `json:"stored"`
}

// BankHandler handles item bank and response ingestion requests.
type BankHandler struct {
	deps BankDependencies
}

// NewBankHandler creates a new bank handler.
func NewBankHandler(deps BankDependencies) *BankHandler {
	return &BankHandler{deps: deps}
}

// HandleAddItems handles POST /items requests. Known ids are ignored.
func (h *BankHandler) HandleAddItems(w http.ResponseWriter, r *http.Request) {
	const op = "api.add_items"
	var req itemsRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, op, WrapKind(op, ErrBadRequest, err))
		return
	}
	items := make([]model.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = model.Item{
			ID:               it.ID,
			Difficulty:       it.Difficulty,
			Discrimination:   it.Discrimination,
			Domain:           it.Domain,
			CalibratedAt:     it.CalibratedAt,
			SampleSize:       it.SampleSize,
			SEDifficulty:     it.SEDifficulty,
			SEDiscrimination: it.SEDiscrimination,
		}
	}
	added, err := h.deps.AddItems(r.Context(), items)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, itemsResponse{Added: added})
}

// HandleListItems handles GET /items requests.
func (h *BankHandler) HandleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Items(r.Context())
	if err != nil {
		fail(w, "api.list_items", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// HandleAppendResponses handles POST /responses requests. The batch is
// stored all or nothing.
func (h *BankHandler) HandleAppendResponses(w http.ResponseWriter, r *http.Request) {
	const op = "api.append_responses"
	var req responsesRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, op, WrapKind(op, ErrBadRequest, err))
		return
	}
	responses := make([]model.Response, len(req.Responses))
	for i, rr := range req.Responses {
		responses[i] = model.Response{
			ExamineeID: rr.ExamineeID,
			SessionID:  rr.SessionID,
			ItemID:     rr.ItemID,
			Correct:    *rr.Correct,
			AnsweredAt: rr.AnsweredAt,
		}
	}
	stored, err := h.deps.AppendResponses(r.Context(), responses)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, responsesResponse{Stored: len(stored)})
}
