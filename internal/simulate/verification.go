package simulate

import (
	"context"
	"fmt"
	"math"

	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/logger"
	"gonum.org/v1/gonum/stat"
)

// Recovery thresholds below which a warning is logged.
const (
	minDifficultyCorrelation     = 0.9
	minDiscriminationCorrelation = 0.5
)

// Recovery compares estimated item parameters against the truth.
type Recovery struct {
	Matched                   int
	DifficultyCorrelation     float64
	DifficultyRMSE            float64
	DiscriminationCorrelation float64
	DiscriminationRMSE        float64
}

// CompareItems matches estimated items to true ones by id. Items never
// calibrated are left out.
func CompareItems(truth, estimated []model.Item) (Recovery, error) {
	byID := make(map[string]model.Item, len(truth))
	for _, it := range truth {
		byID[it.ID] = it
	}

	var trueB, estB, trueA, estA []float64
	for _, it := range estimated {
		t, ok := byID[it.ID]
		if !ok || !it.Calibrated() {
			continue
		}
		trueB = append(trueB, t.Difficulty)
		estB = append(estB, it.Difficulty)
		trueA = append(trueA, t.Discrimination)
		estA = append(estA, it.Discrimination)
	}
	if len(trueB) < 2 {
		return Recovery{Matched: len(trueB)}, fmt.Errorf("%w: %d calibrated items", ErrCalibrationFailed, len(trueB))
	}

	return Recovery{
		Matched:                   len(trueB),
		DifficultyCorrelation:     stat.Correlation(trueB, estB, nil),
		DifficultyRMSE:            rmse(trueB, estB),
		DiscriminationCorrelation: stat.Correlation(trueA, estA, nil),
		DiscriminationRMSE:        rmse(trueA, estA),
	}, nil
}

func rmse(x, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for i := range x {
		d := x[i] - y[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(x)))
}

// verifyRecovery logs the recovery and warns on weak agreement.
func verifyRecovery(ctx context.Context, rec Recovery) {
	log := logger.Get()
	log.Info(ctx, "parameter recovery",
		logger.Int("items", rec.Matched),
		logger.Float64("difficultyCorrelation", rec.DifficultyCorrelation),
		logger.Float64("difficultyRMSE", rec.DifficultyRMSE),
		logger.Float64("discriminationCorrelation", rec.DiscriminationCorrelation),
		logger.Float64("discriminationRMSE", rec.DiscriminationRMSE))

	if rec.DifficultyCorrelation < minDifficultyCorrelation {
		log.Warn(ctx, "weak difficulty recovery", logger.Float64("correlation", rec.DifficultyCorrelation))
	}
	if rec.DiscriminationCorrelation < minDiscriminationCorrelation {
		log.Warn(ctx, "weak discrimination recovery", logger.Float64("correlation", rec.DiscriminationCorrelation))
	}
}
