// Package model contains domain models passed between layers.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidItem reports an item that cannot enter the bank.
var ErrInvalidItem = errors.New("invalid item")

// Item is a 2PL test item. Parameters are superseded by calibration, never deleted.
type Item struct {
	ID               string     `json:"id"`
	Difficulty       float64    `json:"difficulty"`     // b, any sign
	Discrimination   float64    `json:"discrimination"` // a, > 0
	CalibratedAt     *time.Time `json:"calibrated_at,omitempty"`
	Domain           string     `json:"domain"`
	SampleSize       int        `json:"sample_size"`
	SEDifficulty     float64    `json:"se_difficulty"`
	SEDiscrimination float64    `json:"se_discrimination"`
}

// Calibrated reports whether the item has parameters from a calibration run.
func (i Item) Calibrated() bool { return i.CalibratedAt != nil }

// Usable reports whether the item may take part in estimation and selection.
func (i Item) Usable() bool {
	return i.Calibrated() && i.Discrimination > 0 && !math.IsNaN(i.Difficulty) && !math.IsInf(i.Difficulty, 0)
}

// Validate rejects items with an empty id, non-positive discrimination or non-finite difficulty.
func (i Item) Validate() error {
	switch {
	case i.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidItem)
	case !(i.Discrimination > 0) || math.IsInf(i.Discrimination, 0):
		return fmt.Errorf("%w: %s: discrimination must be positive, got %v", ErrInvalidItem, i.ID, i.Discrimination)
	case math.IsNaN(i.Difficulty) || math.IsInf(i.Difficulty, 0):
		return fmt.Errorf("%w: %s: difficulty must be finite", ErrInvalidItem, i.ID)
	}
	return nil
}

// Response is one immutable answer. CreatedAt is the ingestion time.
type Response struct {
	ID         string    `json:"id"`
	ExamineeID string    `json:"examinee_id"`
	SessionID  string    `json:"session_id"`
	ItemID     string    `json:"item_id"`
	Correct    bool      `json:"correct"`
	AnsweredAt time.Time `json:"answered_at"`
	CreatedAt  time.Time `json:"created_at"`
}
