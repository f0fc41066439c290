// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"net/http"

	service "github.com/okian/irtcat/internal/app"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/shadow"
	"github.com/okian/irtcat/internal/scheduler"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	CalibrationDependencies
	ShadowDependencies
	BankDependencies
	SessionDependencies
}

// CalibrationDependencies covers the scheduler contracts.
type CalibrationDependencies interface {
	Health(ctx context.Context) (scheduler.Health, error)
	ShouldRun(ctx context.Context) (scheduler.Decision, error)
	TriggerCalibration(ctx context.Context, force bool) (model.CalibrationRun, error)
	CalibrationRuns(ctx context.Context) ([]model.CalibrationRun, error)
}

// ShadowDependencies covers shadow submission and analysis.
type ShadowDependencies interface {
	// SubmitShadow queues a session for replay. duplicate is true for a
	// session id that was already accepted.
	SubmitShadow(ctx context.Context, session model.FixedFormSession) (duplicate bool, err error)
	CollectionProgress(ctx context.Context) (shadow.Progress, error)
	Analysis(ctx context.Context) (shadow.Analysis, error)
}

// BankDependencies covers item and response ingestion.
type BankDependencies interface {
	AddItems(ctx context.Context, items []model.Item) (int, error)
	Items(ctx context.Context) ([]model.Item, error)
	AppendResponses(ctx context.Context, responses []model.Response) ([]model.Response, error)
}

// SessionDependencies covers live adaptive sessions.
type SessionDependencies interface {
	StartSession(ctx context.Context, sessionID, examineeID string) (service.SessionState, error)
	AnswerSession(ctx context.Context, sessionID, itemID string, correct bool) (service.SessionState, error)
	AbortSession(ctx context.Context, sessionID string) (service.SessionState, error)
	Session(ctx context.Context, sessionID string) (service.SessionState, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	calibrationHandler *CalibrationHandler
	shadowHandler      *ShadowHandler
	bankHandler        *BankHandler
	sessionsHandler    *SessionsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:      NewHealthHandler(),
		statsHandler:       NewStatsHandler(statsProvider),
		calibrationHandler: NewCalibrationHandler(deps),
		shadowHandler:      NewShadowHandler(deps),
		bankHandler:        NewBankHandler(deps),
		sessionsHandler:    NewSessionsHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	route := func(pattern, endpoint string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, MetricsMiddleware(h, endpoint))
	}

	route("GET /healthz", "healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /metrics", s.healthHandler.HandleMetrics)
	route("GET /stats", "stats", s.statsHandler.HandleStats)

	route("GET /calibration/health", "calibration_health", s.calibrationHandler.HandleHealth)
	route("GET /calibration/should-run", "calibration_should_run", s.calibrationHandler.HandleShouldRun)
	route("POST /calibration/run", "calibration_run", s.calibrationHandler.HandleRun)
	route("GET /calibration/runs", "calibration_runs", s.calibrationHandler.HandleRuns)

	route("POST /shadow/sessions", "shadow_sessions", s.shadowHandler.HandleSubmit)
	route("GET /shadow/progress", "shadow_progress", s.shadowHandler.HandleProgress)
	route("GET /shadow/analysis", "shadow_analysis", s.shadowHandler.HandleAnalysis)

	route("POST /items", "items", s.bankHandler.HandleAddItems)
	route("GET /items", "items", s.bankHandler.HandleListItems)
	route("POST /responses", "responses", s.bankHandler.HandleAppendResponses)

	route("POST /sessions", "sessions", s.sessionsHandler.HandleStart)
	route("GET /sessions/{id}", "session", s.sessionsHandler.HandleGet)
	route("POST /sessions/{id}/answers", "session_answers", s.sessionsHandler.HandleAnswer)
	route("POST /sessions/{id}/abort", "session_abort", s.sessionsHandler.HandleAbort)
}
