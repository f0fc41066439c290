package simulate

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/okian/irtcat/internal/domain/irt"
	"github.com/okian/irtcat/internal/domain/model"
)

// Generation ranges for the true population.
const (
	minDiscrimination   = 0.6
	discriminationRange = 1.4
	difficultySpread    = 1.2
	fixedFormNoise      = 0.25
)

// Examinee is a synthetic test taker with a known ability.
type Examinee struct {
	ID    string  `json:"id"`
	Theta float64 `json:"theta"`
}

// Population is the ground truth behind a simulation.
type Population struct {
	Items     []model.Item `json:"items"`
	Examinees []Examinee   `json:"examinees"`

	byID map[string]model.Item
	mu   sync.Mutex
	rng  *rand.Rand
}

// NewPopulation draws a 2PL item bank and a calibration cohort from seed.
func NewPopulation(cfg *Config) *Population {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)) //nolint:gosec // reproducible synthetic data

	p := &Population{
		Items:     make([]model.Item, cfg.Items),
		Examinees: make([]Examinee, cfg.Examinees),
		byID:      make(map[string]model.Item, cfg.Items),
		rng:       rng,
	}
	for i := range p.Items {
		it := model.Item{
			ID:             fmt.Sprintf("item-%04d", i),
			Difficulty:     rng.NormFloat64() * difficultySpread,
			Discrimination: minDiscrimination + rng.Float64()*discriminationRange,
		}
		if len(cfg.Domains) > 0 {
			it.Domain = cfg.Domains[i%len(cfg.Domains)]
		}
		p.Items[i] = it
		p.byID[it.ID] = it
	}
	for i := range p.Examinees {
		p.Examinees[i] = p.NewExaminee(fmt.Sprintf("calib-%05d", i))
	}
	return p
}

// NewExaminee draws a fresh ability from the standard normal.
func (p *Population) NewExaminee(id string) Examinee {
	return Examinee{ID: id, Theta: p.normal()}
}

func (p *Population) normal() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.NormFloat64()
}

func (p *Population) uniform() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

// Answer simulates the examinee's response to itemID under the true model.
func (p *Population) Answer(e Examinee, itemID string) (bool, error) {
	it, ok := p.byID[itemID]
	if !ok {
		return false, fmt.Errorf("unknown item %q", itemID)
	}
	return p.uniform() < irt.Probability(e.Theta, it.Discrimination, it.Difficulty), nil
}

// Uncalibrated returns the bank as first uploaded: ids and domains only,
// with placeholder parameters until the first calibration.
func (p *Population) Uncalibrated() []model.Item {
	out := make([]model.Item, len(p.Items))
	for i, it := range p.Items {
		out[i] = model.Item{ID: it.ID, Domain: it.Domain, Discrimination: 1}
	}
	return out
}

// Responses answers every item for every examinee of the cohort.
func (p *Population) Responses(at time.Time) []model.Response {
	out := make([]model.Response, 0, len(p.Items)*len(p.Examinees))
	for _, e := range p.Examinees {
		for _, it := range p.Items {
			correct, _ := p.Answer(e, it.ID)
			out = append(out, model.Response{
				ExamineeID: e.ID,
				SessionID:  "fixed-" + e.ID,
				ItemID:     it.ID,
				Correct:    correct,
				AnsweredAt: at,
			})
		}
	}
	return out
}

// FixedForm simulates a completed fixed-form administration of the whole
// bank. The reported IQ carries fixed-form measurement error.
func (p *Population) FixedForm(sessionID string, e Examinee, at time.Time) model.FixedFormSession {
	s := model.FixedFormSession{
		SessionID:   sessionID,
		ExamineeID:  e.ID,
		ActualIQ:    irt.ToIQ(e.Theta + p.normal()*fixedFormNoise),
		CompletedAt: at,
		Responses:   make([]model.SessionResponse, len(p.Items)),
	}
	for i, it := range p.Items {
		correct, _ := p.Answer(e, it.ID)
		s.Responses[i] = model.SessionResponse{ItemID: it.ID, Correct: correct}
	}
	return s
}
