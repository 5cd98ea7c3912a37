package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed acquisition ledger kept next to the evidence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers from parallel targets and keeps an
	// in-memory database alive for the store's lifetime.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Ledger initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// CollectionRun Operations
// ============================================================================

// CreateRun inserts a new CollectionRun and sets its ID
func (s *Store) CreateRun(run *CollectionRun) error {
	const query = `
		INSERT INTO collection_runs (
			target, username, methods, start_time, end_time, artifacts_ok,
			artifacts_failed, bytes_collected, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.Target, run.Username, run.Methods, run.StartTime, run.EndTime,
		run.ArtifactsOK, run.ArtifactsFailed, run.BytesCollected,
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert collection run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing CollectionRun by ID
func (s *Store) UpdateRun(run *CollectionRun) error {
	const query = `
		UPDATE collection_runs SET
			target = ?, username = ?, methods = ?, start_time = ?, end_time = ?,
			artifacts_ok = ?, artifacts_failed = ?, bytes_collected = ?,
			status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Target, run.Username, run.Methods, run.StartTime, run.EndTime,
		run.ArtifactsOK, run.ArtifactsFailed, run.BytesCollected,
		run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update collection run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("collection run not found: %d", run.ID)
	}

	return nil
}

// GetRun retrieves a CollectionRun by ID
func (s *Store) GetRun(id int64) (*CollectionRun, error) {
	const query = `
		SELECT id, target, username, methods, start_time, end_time, artifacts_ok,
		       artifacts_failed, bytes_collected, status, error_message
		FROM collection_runs WHERE id = ?
	`

	run := &CollectionRun{}
	err := s.db.QueryRow(query, id).Scan(
		&run.ID, &run.Target, &run.Username, &run.Methods, &run.StartTime,
		&run.EndTime, &run.ArtifactsOK, &run.ArtifactsFailed,
		&run.BytesCollected, &run.Status, &run.ErrorMessage,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("collection run not found: %d", id)
		}
		return nil, fmt.Errorf("failed to query collection run: %w", err)
	}

	return run, nil
}

// ListRuns retrieves CollectionRuns, newest first, optionally filtered by target
func (s *Store) ListRuns(target string, limit int) ([]CollectionRun, error) {
	query := `
		SELECT id, target, username, methods, start_time, end_time, artifacts_ok,
		       artifacts_failed, bytes_collected, status, error_message
		FROM collection_runs
	`
	var args []interface{}

	if target != "" {
		query += " WHERE target = ?"
		args = append(args, target)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection runs: %w", err)
	}
	defer rows.Close()

	var runs []CollectionRun
	for rows.Next() {
		run := CollectionRun{}
		err := rows.Scan(
			&run.ID, &run.Target, &run.Username, &run.Methods, &run.StartTime,
			&run.EndTime, &run.ArtifactsOK, &run.ArtifactsFailed,
			&run.BytesCollected, &run.Status, &run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collection run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collection runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// Artifact Operations
// ============================================================================

// RecordArtifact inserts an Artifact and sets its ID
func (s *Store) RecordArtifact(a *Artifact) error {
	const query = `
		INSERT INTO artifacts (
			run_id, target, method, prefix, remote_path, local_path, size,
			sha256, status, error_message, collected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	// Pass nil for run_id when 0 so ad-hoc acquisitions need no run
	var runID interface{}
	if a.RunID != 0 {
		runID = a.RunID
	}

	result, err := s.db.Exec(
		query,
		runID, a.Target, a.Method, a.Prefix, a.RemotePath, a.LocalPath,
		a.Size, a.SHA256, a.Status, a.ErrorMessage, a.CollectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	a.ID = id

	return nil
}

// ListArtifacts retrieves the Artifacts of a run in collection order
func (s *Store) ListArtifacts(runID int64) ([]Artifact, error) {
	const query = `
		SELECT id, COALESCE(run_id, 0), target, method, prefix, remote_path,
		       local_path, size, sha256, status, error_message, collected_at
		FROM artifacts WHERE run_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		a := Artifact{}
		err := rows.Scan(
			&a.ID, &a.RunID, &a.Target, &a.Method, &a.Prefix, &a.RemotePath,
			&a.LocalPath, &a.Size, &a.SHA256, &a.Status, &a.ErrorMessage,
			&a.CollectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

// RunTotals sums the artifacts recorded for a run
func (s *Store) RunTotals(runID int64) (collected, failed int, bytes int64, err error) {
	const query = `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(size), 0)
		FROM artifacts WHERE run_id = ?
	`

	err = s.db.QueryRow(query, StatusCollected, StatusFailed, runID).Scan(&collected, &failed, &bytes)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to total artifacts: %w", err)
	}
	return collected, failed, bytes, nil
}

// FinishRun stamps a run with its artifact totals, end time and status
func (s *Store) FinishRun(run *CollectionRun) error {
	ok, failed, bytes, err := s.RunTotals(run.ID)
	if err != nil {
		return err
	}
	run.ArtifactsOK = ok
	run.ArtifactsFailed = failed
	run.BytesCollected = bytes
	if run.Status == "" || run.Status == StatusRunning {
		switch {
		case failed == 0:
			run.Status = StatusCollected
		case ok == 0:
			run.Status = StatusFailed
		default:
			run.Status = StatusPartial
		}
	}
	return s.UpdateRun(run)
}
