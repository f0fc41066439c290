package model

import "time"

// StoppingReason is the terminal (or continue) state of an adaptive session.
type StoppingReason string

const (
	ReasonContinue        StoppingReason = "continue"
	ReasonSEThreshold     StoppingReason = "stop_se_threshold"
	ReasonMaxItems        StoppingReason = "stop_max_items"
	ReasonNoItems         StoppingReason = "stop_no_items"
	ReasonMinNotMetForced StoppingReason = "stop_min_not_met_but_forced"
)

// Method names the ability estimator that produced a value.
type Method string

const (
	MethodEAP Method = "eap"
	MethodMLE Method = "mle"
)

// ThetaSE is a point on an estimate trajectory.
type ThetaSE struct {
	Theta float64 `json:"theta"`
	SE    float64 `json:"se"`
}

// AbilityEstimate is the running ability state of one adaptive session.
type AbilityEstimate struct {
	SessionID      string         `json:"session_id"`
	Theta          float64        `json:"theta"`
	SE             float64        `json:"se"`
	Items          []string       `json:"items"`
	DomainCoverage map[string]int `json:"domain_coverage"`
	History        []ThetaSE      `json:"history"`
	StoppingReason StoppingReason `json:"stopping_reason"`
	Method         Method         `json:"method"`
}

// SessionResponse is one observed answer of a fixed-form session, in presentation order.
type SessionResponse struct {
	ItemID  string `json:"item_id" validate:"required"`
	Correct bool   `json:"correct"`
}

// FixedFormSession is a completed classic session submitted for shadow replay.
type FixedFormSession struct {
	SessionID   string            `json:"session_id" validate:"required"`
	ExamineeID  string            `json:"examinee_id" validate:"required"`
	ActualIQ    float64           `json:"actual_iq" validate:"gt=0"`
	CompletedAt time.Time         `json:"completed_at"`
	Responses   []SessionResponse `json:"responses" validate:"required,min=1,dive"`
}

// TrajectoryStep records one replayed administration.
type TrajectoryStep struct {
	ItemID     string  `json:"item_id"`
	Correct    bool    `json:"correct"`
	Theta      float64 `json:"theta"`
	SE         float64 `json:"se"`
	Backfilled bool    `json:"backfilled"`
}

// ShadowResult is the immutable outcome of replaying one fixed-form session.
type ShadowResult struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"session_id"`
	ExamineeID        string           `json:"examinee_id"`
	ShadowTheta       float64          `json:"shadow_theta"`
	ShadowSE          float64          `json:"shadow_se"`
	ShadowIQ          float64          `json:"shadow_iq"`
	ActualIQ          float64          `json:"actual_iq"`
	ItemsAdministered int              `json:"items_administered"`
	ItemsAvailable    int              `json:"items_available"`
	BackfilledItems   int              `json:"backfilled_items"`
	StoppingReason    StoppingReason   `json:"stopping_reason"`
	Trajectory        []TrajectoryStep `json:"trajectory"`
	DomainCoverage    map[string]int   `json:"domain_coverage"`
	CreatedAt         time.Time        `json:"created_at"`
}
