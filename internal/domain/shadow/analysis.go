package shadow

import (
	"math"
	"time"

	"github.com/okian/irtcat/internal/domain/model"
	"gonum.org/v1/gonum/stat"
)

// limitsOfAgreement is the z multiplier of the Bland-Altman 95% limits.
const limitsOfAgreement = 1.96

// Progress reports how far shadow data collection has come.
type Progress struct {
	TotalSessions      int        `json:"total_sessions"`
	MilestoneThreshold int        `json:"milestone_threshold"`
	Reached            bool       `json:"reached"`
	FirstAt            *time.Time `json:"first_at,omitempty"`
	LastAt             *time.Time `json:"last_at,omitempty"`
}

// BlandAltman summarizes agreement between shadow and actual IQ scores.
type BlandAltman struct {
	MeanDiff float64 `json:"mean_diff"`
	SDDiff   float64 `json:"sd_diff"`
	LowerLoA float64 `json:"lower_loa"`
	UpperLoA float64 `json:"upper_loa"`
}

// DomainSummary aggregates administered items of one domain.
type DomainSummary struct {
	Total          int     `json:"total"`
	MeanPerSession float64 `json:"mean_per_session"`
}

// Analysis compares shadow results with the real scores. Pearson and
// BlandAltman are nil when they cannot be computed.
type Analysis struct {
	N               int                      `json:"n"`
	MeanTheta       float64                  `json:"mean_theta"`
	MeanSE          float64                  `json:"mean_se"`
	MeanItems       float64                  `json:"mean_items"`
	Pearson         *float64                 `json:"pearson"`
	BlandAltman     *BlandAltman             `json:"bland_altman"`
	StoppingReasons map[string]int           `json:"stopping_reasons"`
	DomainCoverage  map[string]DomainSummary `json:"domain_coverage"`
	BackfillRate    float64                  `json:"backfill_rate"`
}

// CollectionProgress counts results against the milestone and reports the
// date range they span.
func CollectionProgress(results []model.ShadowResult, milestone int) Progress {
	p := Progress{TotalSessions: len(results), MilestoneThreshold: milestone}
	p.Reached = milestone > 0 && len(results) >= milestone
	for i := range results {
		at := results[i].CreatedAt
		if p.FirstAt == nil || at.Before(*p.FirstAt) {
			first := at
			p.FirstAt = &first
		}
		if p.LastAt == nil || at.After(*p.LastAt) {
			last := at
			p.LastAt = &last
		}
	}
	return p
}

// Analyze computes descriptive and agreement statistics. It never fails:
// fewer than two pairs, or a constant score series, yields nil statistics.
func Analyze(results []model.ShadowResult) Analysis {
	a := Analysis{
		N:               len(results),
		StoppingReasons: map[string]int{},
		DomainCoverage:  map[string]DomainSummary{},
	}
	if len(results) == 0 {
		return a
	}

	thetas := make([]float64, len(results))
	ses := make([]float64, len(results))
	items := make([]float64, len(results))
	shadowIQ := make([]float64, len(results))
	actualIQ := make([]float64, len(results))
	diffs := make([]float64, len(results))
	var administered, backfilled int

	for i, r := range results {
		thetas[i] = r.ShadowTheta
		ses[i] = r.ShadowSE
		items[i] = float64(r.ItemsAdministered)
		shadowIQ[i] = r.ShadowIQ
		actualIQ[i] = r.ActualIQ
		diffs[i] = r.ShadowIQ - r.ActualIQ
		administered += r.ItemsAdministered
		backfilled += r.BackfilledItems
		a.StoppingReasons[string(r.StoppingReason)]++
		for d, n := range r.DomainCoverage {
			s := a.DomainCoverage[d]
			s.Total += n
			a.DomainCoverage[d] = s
		}
	}

	a.MeanTheta = stat.Mean(thetas, nil)
	a.MeanSE = stat.Mean(ses, nil)
	a.MeanItems = stat.Mean(items, nil)
	for d, s := range a.DomainCoverage {
		s.MeanPerSession = float64(s.Total) / float64(len(results))
		a.DomainCoverage[d] = s
	}
	if administered > 0 {
		a.BackfillRate = float64(backfilled) / float64(administered)
	}

	if len(results) < 2 {
		return a
	}
	if stat.Variance(shadowIQ, nil) > 0 && stat.Variance(actualIQ, nil) > 0 {
		if r := stat.Correlation(shadowIQ, actualIQ, nil); !math.IsNaN(r) {
			a.Pearson = &r
		}
	}
	mean, sd := stat.MeanStdDev(diffs, nil)
	a.BlandAltman = &BlandAltman{
		MeanDiff: mean,
		SDDiff:   sd,
		LowerLoA: mean - limitsOfAgreement*sd,
		UpperLoA: mean + limitsOfAgreement*sd,
	}
	return a
}
