// Package store provides the SQLite-backed run store used by the CLI so
// `conveyor status` works across processes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

// SQLiteRunStore implements pipeline.RunStore on a local SQLite database.
type SQLiteRunStore struct {
	db *sql.DB
}

func NewSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &SQLiteRunStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteRunStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		spec_name TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		status TEXT NOT NULL,
		stage_order TEXT NOT NULL,
		error TEXT,
		first_failed TEXT,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		cancel_requested INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS stage_results (
		run_id TEXT NOT NULL,
		stage_id TEXT NOT NULL,
		type TEXT NOT NULL,
		depends_on TEXT,
		params TEXT,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		output TEXT,
		artifact_ref TEXT,
		error TEXT,
		error_code TEXT,
		started_at INTEGER,
		ended_at INTEGER,
		PRIMARY KEY (run_id, stage_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	return s.writeRun(ctx, run, true)
}

func (s *SQLiteRunStore) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	return s.writeRun(ctx, run, false)
}

// writeRun persists the run row and replaces its stage rows in one
// transaction, so readers never see a half-updated run.
func (s *SQLiteRunStore) writeRun(ctx context.Context, run *pipeline.Run, create bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	orderJSON, _ := json.Marshal(run.StageOrder)

	if create {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (id, spec_name, commit_sha, status, stage_order, error, first_failed, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.SpecName, run.Commit, string(run.Status), string(orderJSON),
			run.Error, run.FirstFailed, run.StartedAt.Unix(), unixOrNil(run.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, stage_order = ?, error = ?, first_failed = ?, completed_at = ?
			WHERE id = ?`,
			string(run.Status), string(orderJSON), run.Error, run.FirstFailed,
			unixOrNil(run.CompletedAt), run.ID,
		)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return pipeline.ErrRunNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_results WHERE run_id = ?`, run.ID); err != nil {
			return fmt.Errorf("clear stage results: %w", err)
		}
	}

	for _, stageID := range run.StageOrder {
		st, ok := run.Stages[stageID]
		if !ok {
			continue
		}
		depsJSON, _ := json.Marshal(st.DependsOn)
		paramsJSON, _ := json.Marshal(st.Params)
		outputJSON, _ := json.Marshal(st.Output)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stage_results (run_id, stage_id, type, depends_on, params, status, attempts, output, artifact_ref, error, error_code, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, st.ID, string(st.Type), string(depsJSON), string(paramsJSON),
			string(st.Status), st.Attempts, string(outputJSON), st.ArtifactRef,
			st.Error, st.ErrorCode, unixOrNil(st.StartedAt), unixOrNil(st.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("insert stage result %s: %w", st.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, spec_name, commit_sha, status, stage_order, error, first_failed, started_at, completed_at
		FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, pipeline.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := s.loadStages(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, limit int) ([]*pipeline.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spec_name, commit_sha, status, stage_order, error, first_failed, started_at, completed_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	for _, run := range runs {
		if err := s.loadStages(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteRunStore) loadStages(ctx context.Context, run *pipeline.Run) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, type, depends_on, params, status, attempts, output, artifact_ref, error, error_code, started_at, ended_at
		FROM stage_results WHERE run_id = ?`, run.ID)
	if err != nil {
		return fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()

	run.Stages = make(map[string]*pipeline.StageInstance)
	for rows.Next() {
		st := &pipeline.StageInstance{}
		var typeStr, statusStr string
		var depsStr, paramsStr, outputStr sql.NullString
		var startedAt, endedAt sql.NullInt64

		err := rows.Scan(
			&st.ID, &typeStr, &depsStr, &paramsStr, &statusStr, &st.Attempts,
			&outputStr, &st.ArtifactRef, &st.Error, &st.ErrorCode, &startedAt, &endedAt,
		)
		if err != nil {
			return fmt.Errorf("scan stage result: %w", err)
		}

		st.Type = pipeline.StageType(typeStr)
		st.Status = pipeline.StageStatus(statusStr)
		if depsStr.Valid && depsStr.String != "" {
			json.Unmarshal([]byte(depsStr.String), &st.DependsOn)
		}
		if paramsStr.Valid && paramsStr.String != "" {
			json.Unmarshal([]byte(paramsStr.String), &st.Params)
		}
		if outputStr.Valid && outputStr.String != "" {
			json.Unmarshal([]byte(outputStr.String), &st.Output)
		}
		st.StartedAt = timeOrNil(startedAt)
		st.EndedAt = timeOrNil(endedAt)

		run.Stages[st.ID] = st
	}
	return rows.Err()
}

// RequestCancel sets the cancellation flag on a run. writeRun never
// touches the flag, so it survives the engine's own persists until the
// executing process polls it.
func (s *SQLiteRunStore) RequestCancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pipeline.ErrRunNotFound
	}
	return nil
}

func (s *SQLiteRunStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE id = ?`, id).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, pipeline.ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query cancel flag: %w", err)
	}
	return requested != 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*pipeline.Run, error) {
	run := &pipeline.Run{}
	var statusStr, orderStr string
	var startedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&run.ID, &run.SpecName, &run.Commit, &statusStr, &orderStr,
		&run.Error, &run.FirstFailed, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = pipeline.RunStatus(statusStr)
	if orderStr != "" {
		json.Unmarshal([]byte(orderStr), &run.StageOrder)
	}
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	if t := timeOrNil(completedAt); t != nil {
		run.CompletedAt = t
	}
	return run, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// Close closes the database connection
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

var _ pipeline.RunStore = (*SQLiteRunStore)(nil)
