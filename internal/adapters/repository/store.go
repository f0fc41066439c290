// Package repository persists the item bank, responses, calibration runs and
// shadow results.
package repository

import (
	"context"
	"time"

	"github.com/okian/irtcat/internal/domain/model"
)

// ItemStore is the item parameter store. Items are never deleted; their
// parameters are only superseded through RunStore.CommitCalibration.
type ItemStore interface {
	// AddItems inserts items whose id is not yet in the bank and leaves
	// existing ones untouched. It returns the number of items inserted.
	AddItems(ctx context.Context, items []model.Item) (int, error)

	// Items returns the current bank snapshot ordered by id.
	Items(ctx context.Context) ([]model.Item, error)

	// Item returns ErrNotFound for unknown ids.
	Item(ctx context.Context, id string) (model.Item, error)
}

// ResponseStore is the append-only response log.
type ResponseStore interface {
	// AppendResponses stores all responses or none. Empty ID and CreatedAt
	// are assigned by the store; the stored responses are returned.
	AppendResponses(ctx context.Context, responses []model.Response) ([]model.Response, error)

	// CountResponsesSince counts responses created strictly after since.
	// A zero since counts every response.
	CountResponsesSince(ctx context.Context, since time.Time) (int, error)

	// Responses returns the whole log in ingestion order.
	Responses(ctx context.Context) ([]model.Response, error)
}

// RunStore is the calibration audit log.
type RunStore interface {
	CreateRun(ctx context.Context, run model.CalibrationRun) error

	// CompleteRun moves a running run to its terminal state without touching items.
	CompleteRun(ctx context.Context, run model.CalibrationRun) error

	// CommitCalibration applies item parameter updates and completes the run
	// atomically. Either everything is written or nothing is.
	CommitCalibration(ctx context.Context, run model.CalibrationRun, items []model.Item) error

	// LastSuccessfulRun returns ErrNotFound when no run has succeeded yet.
	LastSuccessfulRun(ctx context.Context) (model.CalibrationRun, error)

	// Runs returns every run ordered by start time.
	Runs(ctx context.Context) ([]model.CalibrationRun, error)

	// AbandonRunning fails every run still marked running and returns how many it touched.
	AbandonRunning(ctx context.Context, at time.Time, detail string) (int, error)
}

// ShadowStore keeps one immutable result per replayed session.
type ShadowStore interface {
	// SaveShadowResult returns ErrDuplicate when the session already has a result.
	SaveShadowResult(ctx context.Context, result model.ShadowResult) error

	// ShadowResults returns every result ordered by creation time.
	ShadowResults(ctx context.Context) ([]model.ShadowResult, error)
}

// Store bundles every contract a backend provides.
type Store interface {
	ItemStore
	ResponseStore
	RunStore
	ShadowStore
	Close() error
}
