package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/okian/irtcat/internal/domain/model"
	"gonum.org/v1/gonum/stat"
)

// Health summarizes the run audit log. Percentiles are wall-clock seconds of
// executed (succeeded or failed) runs and are zero when none exist.
type Health struct {
	P50             float64 `json:"p50_seconds"`
	P90             float64 `json:"p90_seconds"`
	P95             float64 `json:"p95_seconds"`
	P99             float64 `json:"p99_seconds"`
	SkipRate        float64 `json:"skip_rate"`
	TotalExecutions int     `json:"total_executions"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
	Running         int     `json:"running"`
}

// Health reads the audit log and summarizes it.
func (s *Scheduler) Health(ctx context.Context) (Health, error) {
	runs, err := s.store.Runs(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("read calibration runs: %w", err)
	}
	return Summarize(runs), nil
}

// Summarize computes Health from runs. TotalExecutions counts completed runs.
func Summarize(runs []model.CalibrationRun) Health {
	var (
		h         Health
		durations []float64
	)
	for i := range runs {
		r := runs[i]
		switch r.Status {
		case model.RunRunning:
			h.Running++
			continue
		case model.RunSuccess:
			h.Succeeded++
		case model.RunFailed:
			h.Failed++
		case model.RunSkipped:
			h.Skipped++
		}
		h.TotalExecutions++
		if r.Status != model.RunSkipped && r.CompletedAt != nil {
			durations = append(durations, r.Duration().Seconds())
		}
	}
	if h.TotalExecutions > 0 {
		h.SkipRate = float64(h.Skipped) / float64(h.TotalExecutions)
	}
	if len(durations) == 0 {
		return h
	}
	sort.Float64s(durations)
	h.P50 = stat.Quantile(0.50, stat.Empirical, durations, nil)
	h.P90 = stat.Quantile(0.90, stat.Empirical, durations, nil)
	h.P95 = stat.Quantile(0.95, stat.Empirical, durations, nil)
	h.P99 = stat.Quantile(0.99, stat.Empirical, durations, nil)
	return h
}
