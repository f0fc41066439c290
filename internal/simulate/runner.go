package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/shadow"
	"github.com/okian/irtcat/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// File permission constants.
const (
	directoryPermission = 0o750
	filePermission      = 0o600
)

// maxLiveSteps guards against a session that never stops.
const maxLiveSteps = 500

type nextItem struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
}

type sessionState struct {
	SessionID string                `json:"session_id"`
	Estimate  model.AbilityEstimate `json:"estimate"`
	Next      *nextItem             `json:"next_item"`
	Done      bool                  `json:"done"`
}

type itemsRequest struct {
	Items []model.Item `json:"items"`
}

type responseBody struct {
	ExamineeID string    `json:"examinee_id"`
	SessionID  string    `json:"session_id"`
	ItemID     string    `json:"item_id"`
	Correct    bool      `json:"correct"`
	AnsweredAt time.Time `json:"answered_at"`
}

type responsesRequest struct {
	Responses []responseBody `json:"responses"`
}

// Run executes the complete simulation against cfg.BaseURL.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	log := logger.Get()
	stats := &Stats{StartTime: time.Now()}
	client := NewClient(cfg.BaseURL, cfg.Timeout)

	log.Info(ctx, "starting irtcat simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("items", cfg.Items),
		logger.Int("examinees", cfg.Examinees),
		logger.Int("shadowSessions", cfg.ShadowSessions),
		logger.Int("liveSessions", cfg.LiveSessions),
		logger.Int("workers", cfg.Workers))

	// Step 1: Check service health
	if err := checkServiceHealth(ctx, client); err != nil {
		return stats, err
	}

	pop := NewPopulation(cfg)

	// Step 2: Upload the bank and the calibration cohort
	if err := uploadBank(ctx, cfg, client, pop, stats); err != nil {
		return stats, err
	}

	// Step 3: Calibrate and check parameter recovery
	if err := calibrate(ctx, cfg, client, stats); err != nil {
		return stats, err
	}
	var items []model.Item
	if _, err := client.Do(ctx, http.MethodGet, "/items", nil, &items); err != nil {
		return stats, fmt.Errorf("list items: %w", err)
	}
	rec, err := CompareItems(pop.Items, items)
	if err != nil {
		return stats, err
	}
	stats.ItemsCalibrated = rec.Matched
	stats.DifficultyCorrelation = rec.DifficultyCorrelation
	stats.DifficultyRMSE = rec.DifficultyRMSE
	stats.DiscriminationCorrelation = rec.DiscriminationCorrelation
	stats.DiscriminationRMSE = rec.DiscriminationRMSE
	verifyRecovery(ctx, rec)

	// Step 4: Shadow replay of fixed-form sessions
	if cfg.ShadowSessions > 0 {
		if err := runShadow(ctx, cfg, client, pop, stats); err != nil {
			return stats, err
		}
	}

	// Step 5: Live adaptive sessions
	if cfg.LiveSessions > 0 {
		if err := runLiveSessions(ctx, cfg, client, pop, stats); err != nil {
			return stats, err
		}
	}

	if cfg.OutputFile != "" {
		if err := savePopulation(ctx, cfg.OutputFile, pop); err != nil {
			log.Warn(ctx, "failed to save population", logger.Error(err))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, stats)
	return stats, nil
}

func validateConfig(cfg *Config) error {
	switch {
	case cfg == nil:
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	case cfg.Items < 2:
		return fmt.Errorf("%w: need at least 2 items", ErrInvalidConfig)
	case cfg.Examinees < 1:
		return fmt.Errorf("%w: need at least 1 examinee", ErrInvalidConfig)
	case cfg.Workers < 1 || cfg.BatchSize < 1:
		return fmt.Errorf("%w: workers and batch size must be positive", ErrInvalidConfig)
	case cfg.PollInterval <= 0 || cfg.WaitTimeout <= 0:
		return fmt.Errorf("%w: poll interval and wait timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, client *Client) error {
	if _, err := client.Do(ctx, http.MethodGet, "/healthz", nil, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnhealthy, err)
	}
	logger.Get().Info(ctx, "service is healthy")
	return nil
}

func uploadBank(ctx context.Context, cfg *Config, client *Client, pop *Population, stats *Stats) error {
	var added struct {
		Added int `json:"added"`
	}
	if _, err := client.Do(ctx, http.MethodPost, "/items", itemsRequest{Items: pop.Uncalibrated()}, &added); err != nil {
		return fmt.Errorf("upload items: %w", err)
	}
	stats.ItemsUploaded = added.Added

	all := pop.Responses(time.Now().UTC())
	responses := make([]responseBody, len(all))
	for i, r := range all {
		responses[i] = responseBody{
			ExamineeID: r.ExamineeID,
			SessionID:  r.SessionID,
			ItemID:     r.ItemID,
			Correct:    r.Correct,
			AnsweredAt: r.AnsweredAt,
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	var mu sync.Mutex
	for start := 0; start < len(responses); start += cfg.BatchSize {
		batch := responses[start:min(start+cfg.BatchSize, len(responses))]
		g.Go(func() error {
			var stored struct {
				Stored int `json:"stored"`
			}
			if _, err := client.Do(gctx, http.MethodPost, "/responses", responsesRequest{Responses: batch}, &stored); err != nil {
				return fmt.Errorf("upload responses: %w", err)
			}
			mu.Lock()
			stats.ResponsesUploaded += stored.Stored
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err //nolint:wrapcheck // already wrapped per batch
	}
	logger.Get().Info(ctx, "bank uploaded",
		logger.Int("items", stats.ItemsUploaded),
		logger.Int("responses", stats.ResponsesUploaded))
	return nil
}

// calibrate forces a run, retrying while another run holds the lock, and
// waits for it to finish.
func calibrate(ctx context.Context, cfg *Config, client *Client, stats *Stats) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.WaitTimeout)
	defer cancel()

	var run model.CalibrationRun
	for {
		status, err := client.Do(ctx, http.MethodPost, "/calibration/run?force=true", nil, &run)
		if err == nil {
			break
		}
		if status != http.StatusConflict {
			return fmt.Errorf("trigger calibration: %w", err)
		}
		if err := sleep(ctx, cfg.PollInterval); err != nil {
			return fmt.Errorf("%w: calibration lock: %w", ErrWaitTimeout, err)
		}
	}
	logger.Get().Info(ctx, "calibration started", logger.String("runID", run.ID))

	for {
		var runs []model.CalibrationRun
		if _, err := client.Do(ctx, http.MethodGet, "/calibration/runs", nil, &runs); err != nil {
			return fmt.Errorf("list calibration runs: %w", err)
		}
		for _, r := range runs {
			if r.ID != run.ID || r.Status == model.RunRunning {
				continue
			}
			stats.CalibrationRunID = r.ID
			stats.CalibrationStatus = string(r.Status)
			logger.Get().Info(ctx, "calibration finished",
				logger.String("runID", r.ID),
				logger.String("status", string(r.Status)),
				logger.Int("itemsCalibrated", r.ItemsCalibrated),
				logger.Int("itemsSkipped", r.ItemsSkipped),
				logger.Int("iterations", r.Iterations),
				logger.Bool("converged", r.Converged))
			if r.Status != model.RunSuccess {
				return fmt.Errorf("%w: run %s %s: %s", ErrCalibrationFailed, r.ID, r.Status, r.ErrorDetail)
			}
			return nil
		}
		if err := sleep(ctx, cfg.PollInterval); err != nil {
			return fmt.Errorf("%w: calibration run %s: %w", ErrWaitTimeout, run.ID, err)
		}
	}
}

func runShadow(ctx context.Context, cfg *Config, client *Client, pop *Population, stats *Stats) error {
	now := time.Now().UTC()
	sessions := make([]model.FixedFormSession, cfg.ShadowSessions)
	for i := range sessions {
		e := pop.NewExaminee(fmt.Sprintf("shadow-%05d", i))
		sessions[i] = pop.FixedForm(fmt.Sprintf("ff-%d-%05d", cfg.Seed, i), e, now)
	}

	var before shadow.Progress
	if _, err := client.Do(ctx, http.MethodGet, "/shadow/progress", nil, &before); err != nil {
		return fmt.Errorf("shadow progress: %w", err)
	}

	submitShadowSessions(ctx, cfg, client, sessions, stats)
	if cfg.Duplicates > 0 {
		submitShadowSessions(ctx, cfg, client, sessions[:min(cfg.Duplicates, len(sessions))], stats)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.WaitTimeout)
	defer cancel()
	want := before.TotalSessions + stats.ShadowAccepted
	for {
		var p shadow.Progress
		if _, err := client.Do(waitCtx, http.MethodGet, "/shadow/progress", nil, &p); err != nil {
			return fmt.Errorf("shadow progress: %w", err)
		}
		stats.ShadowReplayed = p.TotalSessions - before.TotalSessions
		if p.TotalSessions >= want {
			break
		}
		if err := sleep(waitCtx, cfg.PollInterval); err != nil {
			return fmt.Errorf("%w: shadow replay %d/%d: %w", ErrWaitTimeout, stats.ShadowReplayed, stats.ShadowAccepted, err)
		}
	}

	var a shadow.Analysis
	if _, err := client.Do(ctx, http.MethodGet, "/shadow/analysis", nil, &a); err != nil {
		return fmt.Errorf("shadow analysis: %w", err)
	}
	stats.ShadowPearson = a.Pearson
	fields := []logger.Field{
		logger.Int("n", a.N),
		logger.Float64("meanItems", a.MeanItems),
		logger.Float64("meanSE", a.MeanSE),
		logger.Float64("backfillRate", a.BackfillRate),
		logger.Any("stoppingReasons", a.StoppingReasons),
	}
	if a.Pearson != nil {
		fields = append(fields, logger.Float64("pearson", *a.Pearson))
	}
	if a.BlandAltman != nil {
		fields = append(fields,
			logger.Float64("meanDiff", a.BlandAltman.MeanDiff),
			logger.Float64("lowerLoA", a.BlandAltman.LowerLoA),
			logger.Float64("upperLoA", a.BlandAltman.UpperLoA))
	}
	logger.Get().Info(ctx, "shadow analysis", fields...)
	return nil
}

func runLiveSessions(ctx context.Context, cfg *Config, client *Client, pop *Population, stats *Stats) error {
	var (
		mu       sync.Mutex
		items    int
		sqErr    float64
		finished int
		failed   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range cfg.LiveSessions {
		e := pop.NewExaminee(fmt.Sprintf("live-%05d", i))
		g.Go(func() error {
			st, err := runLiveSession(gctx, client, pop, e)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				failed++
				logger.Get().Warn(gctx, "live session failed", logger.String("examinee", e.ID), logger.Error(err))
				return nil
			}
			finished++
			items += len(st.Estimate.Items)
			d := st.Estimate.Theta - e.Theta
			sqErr += d * d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("live sessions: %w", err)
	}

	stats.LiveCompleted = finished
	stats.LiveFailed = failed
	if finished > 0 {
		stats.LiveMeanItems = float64(items) / float64(finished)
		stats.LiveThetaRMSE = math.Sqrt(sqErr / float64(finished))
	}
	logger.Get().Info(ctx, "live sessions finished",
		logger.Int("completed", finished),
		logger.Int("failed", failed),
		logger.Float64("meanItems", stats.LiveMeanItems),
		logger.Float64("thetaRMSE", stats.LiveThetaRMSE))
	return nil
}

func runLiveSession(ctx context.Context, client *Client, pop *Population, e Examinee) (sessionState, error) {
	var st sessionState
	if _, err := client.Do(ctx, http.MethodPost, "/sessions", map[string]string{"examinee_id": e.ID}, &st); err != nil {
		return st, fmt.Errorf("start session: %w", err)
	}
	for range maxLiveSteps {
		if st.Done || st.Next == nil {
			return st, nil
		}
		correct, err := pop.Answer(e, st.Next.ID)
		if err != nil {
			return st, err
		}
		body := map[string]any{"item_id": st.Next.ID, "correct": correct}
		if _, err := client.Do(ctx, http.MethodPost, "/sessions/"+st.SessionID+"/answers", body, &st); err != nil {
			return st, fmt.Errorf("answer session %s: %w", st.SessionID, err)
		}
	}
	if _, err := client.Do(ctx, http.MethodPost, "/sessions/"+st.SessionID+"/abort", nil, &st); err != nil {
		return st, fmt.Errorf("abort session %s: %w", st.SessionID, err)
	}
	return st, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// savePopulation writes the true parameters for offline comparison.
func savePopulation(ctx context.Context, filename string, pop *Population) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(pop, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal population: %w", err)
	}
	if err := os.WriteFile(filename, data, filePermission); err != nil {
		return fmt.Errorf("write population: %w", err)
	}
	logger.Get().Info(ctx, "population saved", logger.String("filename", filename))
	return nil
}

// displayFinalStats logs the final simulation statistics.
func displayFinalStats(ctx context.Context, stats *Stats) {
	fields := []logger.Field{
		logger.Int("itemsUploaded", stats.ItemsUploaded),
		logger.Int("responsesUploaded", stats.ResponsesUploaded),
		logger.String("calibrationStatus", stats.CalibrationStatus),
		logger.Int("itemsCalibrated", stats.ItemsCalibrated),
		logger.Float64("difficultyCorrelation", stats.DifficultyCorrelation),
		logger.Int("shadowSubmitted", stats.ShadowSubmitted),
		logger.Int("shadowAccepted", stats.ShadowAccepted),
		logger.Int("shadowDuplicate", stats.ShadowDuplicate),
		logger.Int("shadowFailed", stats.ShadowFailed),
		logger.Int("liveCompleted", stats.LiveCompleted),
		logger.Float64("liveThetaRMSE", stats.LiveThetaRMSE),
		logger.Duration("duration", stats.Duration),
	}
	if stats.ShadowPearson != nil {
		fields = append(fields, logger.Float64("shadowPearson", *stats.ShadowPearson))
	}
	logger.Get().Info(ctx, "final statistics", fields...)
}
