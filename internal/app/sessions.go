package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/irtcat/internal/domain/cat"
	"github.com/okian/irtcat/internal/domain/irt"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/logger"
	"github.com/okian/irtcat/pkg/metrics"
)

// NextItem is the item a live session presents next.
type NextItem struct {
	ID          string  `json:"id"`
	Domain      string  `json:"domain"`
	Information float64 `json:"information"`
}

// SessionState is the client view of a live adaptive session.
type SessionState struct {
	SessionID  string                `json:"session_id"`
	ExamineeID string                `json:"examinee_id"`
	Estimate   model.AbilityEstimate `json:"estimate"`
	IQ         float64               `json:"iq"`
	SEIQ       float64               `json:"se_iq"`
	Next       *NextItem             `json:"next_item,omitempty"`
	Done       bool                  `json:"done"`
	Relaxed    bool                  `json:"relaxed"`
}

type liveSession struct {
	mu         sync.Mutex
	session    *cat.Session
	examineeID string
	startedAt  time.Time
	lastActive time.Time
	finished   bool
}

func (l *liveSession) state(id string) SessionState {
	est := l.session.Estimate()
	st := SessionState{
		SessionID:  id,
		ExamineeID: l.examineeID,
		Estimate:   est,
		IQ:         irt.ToIQ(est.Theta),
		SEIQ:       irt.SEToIQ(est.SE),
	}
	if c, ok := l.session.Next(); ok {
		st.Next = &NextItem{ID: c.Item.ID, Domain: c.Item.Domain, Information: c.Information}
	}
	// Next may exhaust the bank and end the session
	st.Done = l.session.Done()
	st.Relaxed = l.session.Relaxed()
	if st.Done {
		st.Estimate = l.session.Estimate()
	}
	return st
}

type sessionRegistry struct {
	mu   sync.Mutex
	max  int
	byID map[string]*liveSession
}

func newSessionRegistry(maxSessions int) *sessionRegistry {
	return &sessionRegistry{max: maxSessions, byID: make(map[string]*liveSession)}
}

func (r *sessionRegistry) add(id string, l *liveSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return ErrSessionExists
	}
	if len(r.byID) >= r.max {
		return ErrTooManySessions
	}
	r.byID[id] = l
	return nil
}

func (r *sessionRegistry) get(id string) (*liveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return l, nil
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

func (r *sessionRegistry) snapshot() map[string]*liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*liveSession, len(r.byID))
	for id, l := range r.byID {
		out[id] = l
	}
	return out
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// StartSession opens a live adaptive session over the current item
// snapshot and returns the first item. An empty sessionID gets a new id.
func (s *Service) StartSession(ctx context.Context, sessionID, examineeID string) (SessionState, error) {
	c, err := s.running()
	if err != nil {
		return SessionState{}, err
	}
	if examineeID == "" {
		return SessionState{}, fmt.Errorf("%w: examinee id required", ErrInvalidSession)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	bank, err := c.store.Items(ctx)
	if err != nil {
		return SessionState{}, fmt.Errorf("load item snapshot: %w", err)
	}
	usable := 0
	for _, it := range bank {
		if it.Usable() {
			usable++
		}
	}
	if usable == 0 {
		return SessionState{}, ErrNoCalibratedItems
	}

	now := time.Now()
	l := &liveSession{
		session: cat.NewSession(sessionID, bank,
			cat.WithEstimator(c.estimator),
			cat.WithRules(c.rules),
			cat.WithDomainTargets(s.domainTargets),
		),
		examineeID: examineeID,
		startedAt:  now,
		lastActive: now,
	}
	if err := c.sessions.add(sessionID, l); err != nil {
		return SessionState{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	s.logger.Debug(ctx, "live session started",
		logger.String("session_id", sessionID), logger.Int("usable_items", usable))
	return l.state(sessionID), nil
}

// AnswerSession scores the offered item, stores the response for future
// calibration and returns the next item or the final estimate.
func (s *Service) AnswerSession(ctx context.Context, sessionID, itemID string, correct bool) (SessionState, error) {
	c, err := s.running()
	if err != nil {
		return SessionState{}, err
	}
	l, err := c.sessions.get(sessionID)
	if err != nil {
		return SessionState{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return SessionState{}, ErrSessionNotFound
	}

	if err := l.session.Record(itemID, correct); err != nil {
		return SessionState{}, fmt.Errorf("record answer: %w", err)
	}
	l.lastActive = time.Now()

	resp := model.Response{
		ExamineeID: l.examineeID,
		SessionID:  sessionID,
		ItemID:     itemID,
		Correct:    correct,
		AnsweredAt: time.Now(),
	}
	if _, err := c.store.AppendResponses(ctx, []model.Response{resp}); err != nil {
		// the examinee keeps going; the response is only lost to calibration
		metrics.RecordError("session", "persist_response")
		s.logger.Error(ctx, "store live response failed",
			logger.String("session_id", sessionID), logger.String("item_id", itemID), logger.Error(err))
	}

	st := l.state(sessionID)
	if st.Estimate.Method != s.method {
		metrics.RecordAbilityFallback("mle_unavailable")
	}
	if st.Done {
		s.finishSession(ctx, c.sessions, sessionID, l, st)
	}
	return st, nil
}

// AbortSession ends a live session early, e.g. when the examinee leaves.
func (s *Service) AbortSession(ctx context.Context, sessionID string) (SessionState, error) {
	c, err := s.running()
	if err != nil {
		return SessionState{}, err
	}
	l, err := c.sessions.get(sessionID)
	if err != nil {
		return SessionState{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return SessionState{}, ErrSessionNotFound
	}
	return s.abort(ctx, c.sessions, sessionID, l), nil
}

// abort ends l and removes it. l.mu must be held.
func (s *Service) abort(ctx context.Context, reg *sessionRegistry, sessionID string, l *liveSession) SessionState {
	if !l.session.Done() {
		l.session.Abort()
	}
	st := l.state(sessionID)
	s.finishSession(ctx, reg, sessionID, l, st)
	return st
}

// Session returns the current state of a live session.
func (s *Service) Session(_ context.Context, sessionID string) (SessionState, error) {
	c, err := s.running()
	if err != nil {
		return SessionState{}, err
	}
	l, err := c.sessions.get(sessionID)
	if err != nil {
		return SessionState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return SessionState{}, ErrSessionNotFound
	}
	return l.state(sessionID), nil
}

// sweepSessions aborts sessions idle for longer than idle until ctx is done.
func (s *Service) sweepSessions(ctx context.Context, reg *sessionRegistry, idle time.Duration) {
	ticker := time.NewTicker(sweepInterval(idle))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.expireSessions(ctx, reg, now.Add(-idle)); n > 0 {
				s.logger.Info(ctx, "expired idle live sessions", logger.Int("sessions", n))
			}
		}
	}
}

// expireSessions aborts every session last active before cutoff.
func (s *Service) expireSessions(ctx context.Context, reg *sessionRegistry, cutoff time.Time) int {
	n := 0
	for id, l := range reg.snapshot() {
		l.mu.Lock()
		if !l.finished && l.lastActive.Before(cutoff) {
			st := s.abort(ctx, reg, id, l)
			s.logger.Debug(ctx, "live session expired",
				logger.String("session_id", id),
				logger.String("stopping_reason", string(st.Estimate.StoppingReason)))
			n++
		}
		l.mu.Unlock()
	}
	return n
}

func sweepInterval(idle time.Duration) time.Duration {
	const maxInterval = time.Minute
	return min(max(idle/4, time.Millisecond), maxInterval)
}

func (s *Service) finishSession(ctx context.Context, reg *sessionRegistry, sessionID string, l *liveSession, st SessionState) {
	l.finished = true
	reg.remove(sessionID)
	metrics.RecordSessionFinished("live", string(st.Estimate.StoppingReason), len(st.Estimate.Items), st.Estimate.SE)
	s.logger.Info(ctx, "live session finished",
		logger.String("session_id", sessionID),
		logger.String("stopping_reason", string(st.Estimate.StoppingReason)),
		logger.Int("items", len(st.Estimate.Items)),
		logger.Float64("theta", st.Estimate.Theta),
		logger.Float64("se", st.Estimate.SE),
		logger.Duration("elapsed", time.Since(l.startedAt)),
	)
}
