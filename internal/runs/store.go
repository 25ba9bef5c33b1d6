package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"speechtune/internal/config"
)

// Store manages the run ledger backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open initializes or connects to the ledger under the configured log dir.
func Open(cfg *config.Config) (*Store, error) {
	return OpenPath(cfg.RunsDBPath())
}

// OpenPath opens the ledger at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, now: func() time.Time { return time.Now().UTC() }}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin inserts a running row with a fresh identifier.
func (s *Store) Begin(ctx context.Context, params Params) (*Run, error) {
	var paramsJSON string
	if params.Hyper != nil {
		data, err := json.Marshal(params.Hyper)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = string(data)
	}
	kind := params.Kind
	if kind == "" {
		kind = KindTrain
	}
	id := uuid.NewString()
	timestamp := s.now().Format(timeLayout)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
            id, kind, model, dataset, language, output_dir, params_json, status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		kind,
		params.Model,
		params.Dataset,
		params.Language,
		params.OutputDir,
		nullableString(paramsJSON),
		StatusRunning,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return s.Get(ctx, id)
}

// Finish marks a run completed with its summary.
func (s *Store) Finish(ctx context.Context, id string, summary Summary) error {
	timestamp := s.now().Format(timeLayout)
	return s.update(ctx, id,
		`UPDATE runs SET status = ?, samples = ?, steps = ?, best_wer = ?, best_checkpoint = ?,
             updated_at = ?, finished_at = ?
         WHERE id = ?`,
		StatusCompleted,
		summary.Samples,
		summary.Steps,
		nullableFloat(summary.BestWER, summary.HasBestWER),
		nullableString(summary.BestCheckpoint),
		timestamp,
		timestamp,
		id,
	)
}

// Fail marks a run failed with the error text.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	timestamp := s.now().Format(timeLayout)
	return s.update(ctx, id,
		`UPDATE runs SET status = ?, error_message = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
		StatusFailed, message, timestamp, timestamp, id,
	)
}

// UpdateSteps records progress on a running row.
func (s *Store) UpdateSteps(ctx context.Context, id string, steps int) error {
	return s.update(ctx, id,
		`UPDATE runs SET steps = ?, updated_at = ? WHERE id = ?`,
		steps, s.now().Format(timeLayout), id,
	)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// RecordEvaluation stores one evaluation of run id; a repeated step
// replaces the row. eval.RunID and eval.RecordedAt are ignored.
func (s *Store) RecordEvaluation(ctx context.Context, id string, eval Evaluation) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO evaluations (run_id, step, wer, loss, learning_rate, recorded_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		id, eval.Step, eval.WER, eval.Loss, eval.LearningRate, s.now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// Get fetches a run by identifier. A missing run returns nil, nil.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// List returns runs newest first. A non-positive limit returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Evaluations returns a run's evaluations in step order.
func (s *Store) Evaluations(ctx context.Context, id string) ([]Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step, wer, loss, learning_rate, recorded_at FROM evaluations WHERE run_id = ? ORDER BY step`, id)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var (
			eval     Evaluation
			recorded string
		)
		if err := rows.Scan(&eval.RunID, &eval.Step, &eval.WER, &eval.Loss, &eval.LearningRate, &recorded); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		eval.RecordedAt = parseTime(recorded)
		out = append(out, eval)
	}
	return out, rows.Err()
}
