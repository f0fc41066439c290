package model

import "time"

// RunStatus is the lifecycle state of a calibration run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// Trigger names what started a calibration run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerAdmin     Trigger = "admin"
)

// CalibrationRun is the audit record of one calibration pass. Immutable once completed.
type CalibrationRun struct {
	ID                 string     `json:"id"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ResponsesThrough   *time.Time `json:"responses_through,omitempty"` // newest response a successful run read
	Status             RunStatus  `json:"status"`
	Trigger            Trigger    `json:"trigger"`
	ItemsCalibrated    int        `json:"items_calibrated"`
	ItemsSkipped       int        `json:"items_skipped"`
	ItemsFailed        int        `json:"items_failed"`
	MeanDifficulty     float64    `json:"mean_difficulty"`
	StdDifficulty      float64    `json:"std_difficulty"`
	MeanDiscrimination float64    `json:"mean_discrimination"`
	StdDiscrimination  float64    `json:"std_discrimination"`
	NewResponseCount   int        `json:"new_response_count"`
	Iterations         int        `json:"iterations"`
	Converged          bool       `json:"converged"`
	ErrorDetail        string     `json:"error_detail,omitempty"`
}

// Completed reports whether the run reached a terminal status.
func (r CalibrationRun) Completed() bool {
	return r.Status != RunRunning && r.CompletedAt != nil
}

// Duration is the wall time of a completed run, zero while running.
func (r CalibrationRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
