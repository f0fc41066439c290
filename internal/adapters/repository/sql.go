package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/pkg/logger"
	"github.com/okian/irtcat/pkg/metrics"
	"github.com/pressly/goose/v3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const migrationTable = "schema_migrations"

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals.
var migrateMu sync.Mutex //nolint:gochecknoglobals // guards goose global state

// SQLStore is a Store over database/sql. Times are stored as Unix nanoseconds
// so the same schema serves SQLite and PostgreSQL.
type SQLStore struct {
	settings

	db *sql.DB
	bg background
}

// OpenSQL connects to driver/dsn, applies pending migrations and starts the
// metrics updater.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one connection: in-memory databases are per connection and writers serialize anyway
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &SQLStore{settings: defaultSettings(), db: db, bg: newBackground()}
	for _, opt := range opts {
		opt(&s.settings)
	}
	if err := migrate(ctx, db, dialect, s.log); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.bg.every(ctx, s.metricsUpdateInterval, func() {
		items, err := s.Items(ctx)
		if err != nil {
			s.log.Warn(ctx, "bank metrics refresh failed", logger.Error(err))
			return
		}
		publishBankMetrics(items)
	})
	return s, nil
}

func dialectFor(driver string) (string, error) {
	switch driver {
	case DriverSQLite:
		return "sqlite3", nil
	case DriverPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

func migrate(ctx context.Context, db *sql.DB, dialect string, log logger.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: log})
	goose.SetTableName(migrationTable)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger forwards goose output to the service logger. Fatalf does not exit.
type gooseLogger struct {
	log logger.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, v...))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(context.Background(), fmt.Sprintf(format, v...))
}

// Close stops background work and closes the pool.
func (s *SQLStore) Close() error {
	s.bg.stop()
	return s.db.Close()
}

// DB exposes the underlying pool for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const itemColumns = `id, difficulty, discrimination, calibrated_at, domain, sample_size, se_difficulty, se_discrimination`

// AddItems implements ItemStore.
func (s *SQLStore) AddItems(ctx context.Context, items []model.Item) (int, error) {
	defer observe("add_items", time.Now())
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
	}
	added := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO items (`+itemColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
				it.ID, it.Difficulty, it.Discrimination, nullableNanos(it.CalibratedAt),
				it.Domain, it.SampleSize, it.SEDifficulty, it.SEDiscrimination)
			if err != nil {
				return fmt.Errorf("insert item %s: %w", it.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("insert item %s: %w", it.ID, err)
			}
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// Items implements ItemStore.
func (s *SQLStore) Items(ctx context.Context) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Item implements ItemStore.
func (s *SQLStore) Item(ctx context.Context, id string) (model.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordError("repository", "not_found")
		return model.Item{}, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	return it, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (model.Item, error) {
	var (
		it         model.Item
		calibrated sql.NullInt64
	)
	err := row.Scan(&it.ID, &it.Difficulty, &it.Discrimination, &calibrated,
		&it.Domain, &it.SampleSize, &it.SEDifficulty, &it.SEDiscrimination)
	if err != nil {
		return model.Item{}, fmt.Errorf("scan item: %w", err)
	}
	it.CalibratedAt = timeFromNullable(calibrated)
	return it, nil
}

// AppendResponses implements ResponseStore.
func (s *SQLStore) AppendResponses(ctx context.Context, responses []model.Response) ([]model.Response, error) {
	defer observe("append_responses", time.Now())
	now := s.now()
	out := make([]model.Response, len(responses))
	for i, r := range responses {
		if err := validateResponse(r); err != nil {
			return nil, err
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		out[i] = r
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		known := map[string]bool{}
		for _, r := range out {
			if !known[r.ItemID] {
				if err := exists(ctx, tx, `SELECT 1 FROM items WHERE id = $1`, r.ItemID); err != nil {
					if errors.Is(err, ErrNotFound) {
						return fmt.Errorf("%w: %s", ErrUnknownItem, r.ItemID)
					}
					return err
				}
				known[r.ItemID] = true
			}
			if err := exists(ctx, tx, `SELECT 1 FROM responses WHERE id = $1`, r.ID); err == nil {
				return fmt.Errorf("%w: response %s", ErrDuplicate, r.ID)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO responses (id, examinee_id, session_id, item_id, correct, answered_at, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				r.ID, r.ExamineeID, r.SessionID, r.ItemID, r.Correct, toNanos(r.AnsweredAt), toNanos(r.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert response %s: %w", r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordResponsesIngested(len(out))
	return out, nil
}

func exists(ctx context.Context, tx *sql.Tx, query string, arg any) error {
	var one int
	err := tx.QueryRowContext(ctx, query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	return nil
}

// CountResponsesSince implements ResponseStore.
func (s *SQLStore) CountResponsesSince(ctx context.Context, since time.Time) (int, error) {
	var (
		n   int
		err error
	)
	if since.IsZero() {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses WHERE created_at > $1`, toNanos(since)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count responses: %w", err)
	}
	return n, nil
}

// Responses implements ResponseStore.
func (s *SQLStore) Responses(ctx context.Context) ([]model.Response, error) {
	defer observe("load_responses", time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, examinee_id, session_id, item_id, correct, answered_at, created_at
		 FROM responses ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Response
	for rows.Next() {
		var (
			r                   model.Response
			answered, createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.ExamineeID, &r.SessionID, &r.ItemID, &r.Correct, &answered, &createdAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		r.AnsweredAt = fromNanos(answered)
		r.CreatedAt = fromNanos(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

const runColumns = `id, started_at, completed_at, status, triggered_by, items_calibrated, items_skipped, items_failed,
	mean_difficulty, std_difficulty, mean_discrimination, std_discrimination, new_response_count, iterations,
	converged, error_detail, responses_through`

// CreateRun implements RunStore.
func (s *SQLStore) CreateRun(ctx context.Context, run model.CalibrationRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run without id", ErrInvalidRecord)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := exists(ctx, tx, `SELECT 1 FROM calibration_runs WHERE id = $1`, run.ID); err == nil {
			return fmt.Errorf("%w: run %s", ErrDuplicate, run.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO calibration_runs (`+runColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			runArgs(run)...)
		if err != nil {
			return fmt.Errorf("insert run %s: %w", run.ID, err)
		}
		return nil
	})
}

// CompleteRun implements RunStore.
func (s *SQLStore) CompleteRun(ctx context.Context, run model.CalibrationRun) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return completeRun(ctx, tx, run)
	})
}

// CommitCalibration implements RunStore.
func (s *SQLStore) CommitCalibration(ctx context.Context, run model.CalibrationRun, items []model.Item) error {
	defer observe("commit_calibration", time.Now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			res, err := tx.ExecContext(ctx,
				`UPDATE items SET difficulty = $1, discrimination = $2, calibrated_at = $3, sample_size = $4,
				 se_difficulty = $5, se_discrimination = $6 WHERE id = $7`,
				it.Difficulty, it.Discrimination, nullableNanos(it.CalibratedAt), it.SampleSize,
				it.SEDifficulty, it.SEDiscrimination, it.ID)
			if err != nil {
				return fmt.Errorf("update item %s: %w", it.ID, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("update item %s: %w", it.ID, err)
			} else if n == 0 {
				return fmt.Errorf("%w: item %s", ErrNotFound, it.ID)
			}
		}
		return completeRun(ctx, tx, run)
	})
}

func completeRun(ctx context.Context, tx *sql.Tx, run model.CalibrationRun) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM calibration_runs WHERE id = $1`, run.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	if err != nil {
		return fmt.Errorf("lookup run %s: %w", run.ID, err)
	}
	if model.RunStatus(status) != model.RunRunning {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotRunning, run.ID, status)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE calibration_runs SET completed_at = $1, status = $2, items_calibrated = $3, items_skipped = $4,
		 items_failed = $5, mean_difficulty = $6, std_difficulty = $7, mean_discrimination = $8,
		 std_discrimination = $9, new_response_count = $10, iterations = $11, converged = $12, error_detail = $13,
		 responses_through = $14
		 WHERE id = $15`,
		nullableNanos(run.CompletedAt), string(run.Status), run.ItemsCalibrated, run.ItemsSkipped,
		run.ItemsFailed, run.MeanDifficulty, run.StdDifficulty, run.MeanDiscrimination,
		run.StdDiscrimination, run.NewResponseCount, run.Iterations, run.Converged, run.ErrorDetail,
		nullableNanos(run.ResponsesThrough), run.ID)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", run.ID, err)
	}
	return nil
}

func runArgs(r model.CalibrationRun) []any {
	return []any{
		r.ID, toNanos(r.StartedAt), nullableNanos(r.CompletedAt), string(r.Status), string(r.Trigger),
		r.ItemsCalibrated, r.ItemsSkipped, r.ItemsFailed,
		r.MeanDifficulty, r.StdDifficulty, r.MeanDiscrimination, r.StdDiscrimination,
		r.NewResponseCount, r.Iterations, r.Converged, r.ErrorDetail, nullableNanos(r.ResponsesThrough),
	}
}

func scanRun(row scanner) (model.CalibrationRun, error) {
	var (
		r         model.CalibrationRun
		started   int64
		completed sql.NullInt64
		through   sql.NullInt64
		status    string
		trigger   string
	)
	err := row.Scan(&r.ID, &started, &completed, &status, &trigger,
		&r.ItemsCalibrated, &r.ItemsSkipped, &r.ItemsFailed,
		&r.MeanDifficulty, &r.StdDifficulty, &r.MeanDiscrimination, &r.StdDiscrimination,
		&r.NewResponseCount, &r.Iterations, &r.Converged, &r.ErrorDetail, &through)
	if err != nil {
		return model.CalibrationRun{}, err
	}
	r.StartedAt = fromNanos(started)
	r.CompletedAt = timeFromNullable(completed)
	r.ResponsesThrough = timeFromNullable(through)
	r.Status = model.RunStatus(status)
	r.Trigger = model.Trigger(trigger)
	return r, nil
}

// LastSuccessfulRun implements RunStore.
func (s *SQLStore) LastSuccessfulRun(ctx context.Context) (model.CalibrationRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM calibration_runs
		 WHERE status = $1 AND completed_at IS NOT NULL
		 ORDER BY completed_at DESC LIMIT 1`, string(model.RunSuccess)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.CalibrationRun{}, fmt.Errorf("%w: no successful calibration run", ErrNotFound)
	}
	if err != nil {
		return model.CalibrationRun{}, fmt.Errorf("last successful run: %w", err)
	}
	return r, nil
}

// Runs implements RunStore.
func (s *SQLStore) Runs(ctx context.Context) ([]model.CalibrationRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM calibration_runs ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.CalibrationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AbandonRunning implements RunStore.
func (s *SQLStore) AbandonRunning(ctx context.Context, at time.Time, detail string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calibration_runs SET status = $1, completed_at = $2, error_detail = $3 WHERE status = $4`,
		string(model.RunFailed), toNanos(at), detail, string(model.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("abandon running runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("abandon running runs: %w", err)
	}
	return int(n), nil
}

const shadowColumns = `id, session_id, examinee_id, shadow_theta, shadow_se, shadow_iq, actual_iq,
	items_administered, items_available, backfilled_items, stopping_reason, trajectory, domain_coverage, created_at`

// SaveShadowResult implements ShadowStore.
func (s *SQLStore) SaveShadowResult(ctx context.Context, r model.ShadowResult) error {
	if r.ID == "" || r.SessionID == "" {
		return fmt.Errorf("%w: shadow result needs id and session id", ErrInvalidRecord)
	}
	trajectory, err := json.Marshal(r.Trajectory)
	if err != nil {
		return fmt.Errorf("encode trajectory: %w", err)
	}
	coverage, err := json.Marshal(r.DomainCoverage)
	if err != nil {
		return fmt.Errorf("encode domain coverage: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := exists(ctx, tx, `SELECT 1 FROM shadow_results WHERE session_id = $1`, r.SessionID); err == nil {
			return fmt.Errorf("%w: shadow result for session %s", ErrDuplicate, r.SessionID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO shadow_results (`+shadowColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			r.ID, r.SessionID, r.ExamineeID, r.ShadowTheta, r.ShadowSE, r.ShadowIQ, r.ActualIQ,
			r.ItemsAdministered, r.ItemsAvailable, r.BackfilledItems, string(r.StoppingReason),
			string(trajectory), string(coverage), toNanos(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert shadow result %s: %w", r.ID, err)
		}
		return nil
	})
}

// ShadowResults implements ShadowStore.
func (s *SQLStore) ShadowResults(ctx context.Context) ([]model.ShadowResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+shadowColumns+` FROM shadow_results ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query shadow results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ShadowResult
	for rows.Next() {
		var (
			r                    model.ShadowResult
			reason               string
			trajectory, coverage string
			created              int64
		)
		err := rows.Scan(&r.ID, &r.SessionID, &r.ExamineeID, &r.ShadowTheta, &r.ShadowSE, &r.ShadowIQ, &r.ActualIQ,
			&r.ItemsAdministered, &r.ItemsAvailable, &r.BackfilledItems, &reason, &trajectory, &coverage, &created)
		if err != nil {
			return nil, fmt.Errorf("scan shadow result: %w", err)
		}
		if err := json.Unmarshal([]byte(trajectory), &r.Trajectory); err != nil {
			return nil, fmt.Errorf("decode trajectory of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(coverage), &r.DomainCoverage); err != nil {
			return nil, fmt.Errorf("decode domain coverage of %s: %w", r.ID, err)
		}
		r.StoppingReason = model.StoppingReason(reason)
		r.CreatedAt = fromNanos(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timeFromNullable(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// toNanos maps the zero time to 0; UnixNano is undefined that far back.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ Store = (*SQLStore)(nil)
