package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/metrics"
)

// bank is an immutable item snapshot. Writers build a new one and swap it in.
type bank struct {
	byID    map[string]model.Item
	ordered []model.Item
}

func newBank(byID map[string]model.Item) *bank {
	b := &bank{byID: byID, ordered: make([]model.Item, 0, len(byID))}
	for _, it := range byID {
		b.ordered = append(b.ordered, it)
	}
	sort.Slice(b.ordered, func(i, j int) bool { return b.ordered[i].ID < b.ordered[j].ID })
	return b
}

func (b *bank) clone() map[string]model.Item {
	out := make(map[string]model.Item, len(b.byID)+1)
	for id, it := range b.byID {
		out[id] = it
	}
	return out
}

// MemoryStore is an in-process Store. Item reads are lock-free against a
// copy-on-write snapshot; every write path is serialized by mu.
type MemoryStore struct {
	settings

	mu        sync.RWMutex
	snapshot  atomic.Pointer[bank]
	responses []model.Response
	seen      map[string]struct{}
	runs      []model.CalibrationRun
	runIndex  map[string]int
	shadow    []model.ShadowResult
	shadowIdx map[string]struct{}

	bg background
}

// NewMemoryStore constructs an empty in-memory store and starts its metrics updater.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		settings:  defaultSettings(),
		seen:      make(map[string]struct{}),
		runIndex:  make(map[string]int),
		shadowIdx: make(map[string]struct{}),
		bg:        newBackground(),
	}
	for _, opt := range opts {
		opt(&s.settings)
	}
	s.snapshot.Store(newBank(map[string]model.Item{}))

	s.bg.every(ctx, s.metricsUpdateInterval, func() {
		publishBankMetrics(s.snapshot.Load().ordered)
	})
	return s
}

// Close stops the metrics updater.
func (s *MemoryStore) Close() error {
	s.bg.stop()
	return nil
}

// AddItems implements ItemStore.
func (s *MemoryStore) AddItems(_ context.Context, items []model.Item) (int, error) {
	defer observe("add_items", time.Now())
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snapshot.Load().clone()
	added := 0
	for _, it := range items {
		if _, ok := next[it.ID]; ok {
			continue
		}
		next[it.ID] = it
		added++
	}
	if added > 0 {
		s.snapshot.Store(newBank(next))
	}
	return added, nil
}

// Items implements ItemStore.
func (s *MemoryStore) Items(_ context.Context) ([]model.Item, error) {
	b := s.snapshot.Load()
	out := make([]model.Item, len(b.ordered))
	copy(out, b.ordered)
	return out, nil
}

// Item implements ItemStore.
func (s *MemoryStore) Item(_ context.Context, id string) (model.Item, error) {
	it, ok := s.snapshot.Load().byID[id]
	if !ok {
		metrics.RecordError("repository", "not_found")
		return model.Item{}, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	return it, nil
}

// AppendResponses implements ResponseStore.
func (s *MemoryStore) AppendResponses(_ context.Context, responses []model.Response) ([]model.Response, error) {
	defer observe("append_responses", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.snapshot.Load()
	now := s.now()
	out := make([]model.Response, len(responses))
	batch := make(map[string]struct{}, len(responses))
	for i, r := range responses {
		if err := validateResponse(r); err != nil {
			return nil, err
		}
		if _, ok := b.byID[r.ItemID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownItem, r.ItemID)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if _, dup := s.seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: response %s", ErrDuplicate, r.ID)
		}
		if _, dup := batch[r.ID]; dup {
			return nil, fmt.Errorf("%w: response %s", ErrDuplicate, r.ID)
		}
		batch[r.ID] = struct{}{}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		out[i] = r
	}
	for _, r := range out {
		s.seen[r.ID] = struct{}{}
	}
	s.responses = append(s.responses, out...)
	metrics.RecordResponsesIngested(len(out))
	return out, nil
}

// CountResponsesSince implements ResponseStore.
func (s *MemoryStore) CountResponsesSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if since.IsZero() {
		return len(s.responses), nil
	}
	n := 0
	for i := range s.responses {
		if s.responses[i].CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// Responses implements ResponseStore.
func (s *MemoryStore) Responses(_ context.Context) ([]model.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Response, len(s.responses))
	copy(out, s.responses)
	return out, nil
}

// CreateRun implements RunStore.
func (s *MemoryStore) CreateRun(_ context.Context, run model.CalibrationRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run without id", ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runIndex[run.ID]; ok {
		return fmt.Errorf("%w: run %s", ErrDuplicate, run.ID)
	}
	s.runIndex[run.ID] = len(s.runs)
	s.runs = append(s.runs, run)
	return nil
}

// CompleteRun implements RunStore.
func (s *MemoryStore) CompleteRun(_ context.Context, run model.CalibrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.runningIndex(run)
	if err != nil {
		return err
	}
	s.runs[idx] = run
	return nil
}

// CommitCalibration implements RunStore. The bank swap and the run update
// happen under one lock, so readers see either the old or the new state.
func (s *MemoryStore) CommitCalibration(_ context.Context, run model.CalibrationRun, items []model.Item) error {
	defer observe("commit_calibration", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.runningIndex(run)
	if err != nil {
		return err
	}
	next := s.snapshot.Load().clone()
	for _, it := range items {
		cur, ok := next[it.ID]
		if !ok {
			return fmt.Errorf("%w: item %s", ErrNotFound, it.ID)
		}
		next[it.ID] = applyCalibration(cur, it)
	}

	s.snapshot.Store(newBank(next))
	s.runs[idx] = run
	return nil
}

func (s *MemoryStore) runningIndex(run model.CalibrationRun) (int, error) {
	idx, ok := s.runIndex[run.ID]
	if !ok {
		return 0, fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	if s.runs[idx].Status != model.RunRunning {
		return 0, fmt.Errorf("%w: run %s is %s", ErrRunNotRunning, run.ID, s.runs[idx].Status)
	}
	return idx, nil
}

// LastSuccessfulRun implements RunStore.
func (s *MemoryStore) LastSuccessfulRun(_ context.Context) (model.CalibrationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		last  model.CalibrationRun
		found bool
	)
	for _, r := range s.runs {
		if r.Status != model.RunSuccess || r.CompletedAt == nil {
			continue
		}
		if !found || r.CompletedAt.After(*last.CompletedAt) {
			last, found = r, true
		}
	}
	if !found {
		return model.CalibrationRun{}, fmt.Errorf("%w: no successful calibration run", ErrNotFound)
	}
	return last, nil
}

// Runs implements RunStore.
func (s *MemoryStore) Runs(_ context.Context) ([]model.CalibrationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CalibrationRun, len(s.runs))
	copy(out, s.runs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// AbandonRunning implements RunStore.
func (s *MemoryStore) AbandonRunning(_ context.Context, at time.Time, detail string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.runs {
		if s.runs[i].Status != model.RunRunning {
			continue
		}
		completed := at
		s.runs[i].Status = model.RunFailed
		s.runs[i].CompletedAt = &completed
		s.runs[i].ErrorDetail = detail
		n++
	}
	return n, nil
}

// SaveShadowResult implements ShadowStore.
func (s *MemoryStore) SaveShadowResult(_ context.Context, result model.ShadowResult) error {
	if result.ID == "" || result.SessionID == "" {
		return fmt.Errorf("%w: shadow result needs id and session id", ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shadowIdx[result.SessionID]; ok {
		return fmt.Errorf("%w: shadow result for session %s", ErrDuplicate, result.SessionID)
	}
	s.shadowIdx[result.SessionID] = struct{}{}
	s.shadow = append(s.shadow, result)
	return nil
}

// ShadowResults implements ShadowStore.
func (s *MemoryStore) ShadowResults(_ context.Context) ([]model.ShadowResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ShadowResult, len(s.shadow))
	copy(out, s.shadow)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// applyCalibration copies the calibrated fields of upd onto cur. Identity
// and domain are owned by ingestion.
func applyCalibration(cur, upd model.Item) model.Item {
	cur.Difficulty = upd.Difficulty
	cur.Discrimination = upd.Discrimination
	cur.CalibratedAt = upd.CalibratedAt
	cur.SampleSize = upd.SampleSize
	cur.SEDifficulty = upd.SEDifficulty
	cur.SEDiscrimination = upd.SEDiscrimination
	return cur
}

func validateResponse(r model.Response) error {
	if r.ItemID == "" || r.ExamineeID == "" {
		return fmt.Errorf("%w: response needs item and examinee ids", ErrInvalidRecord)
	}
	return nil
}

func publishBankMetrics(items []model.Item) {
	calibrated := 0
	for i := range items {
		if items[i].Calibrated() {
			calibrated++
		}
	}
	metrics.UpdateItemBankSize(len(items))
	metrics.UpdateCalibratedItemCount(calibrated)
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
}

var _ Store = (*MemoryStore)(nil)
