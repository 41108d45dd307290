// Package store provides kiln's SQLite-backed dedup and cache ledger
// (spec.md §3/§6): run records, processed-comment markers, and per-stage
// executor session IDs. The ticket tracker is the source of truth for
// workflow state (labels and columns); this store exists only to make the
// daemon crash-safe and idempotent across restarts, following the
// teacher's internal/store (modernc.org/sqlite, single-writer connection,
// WAL mode).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time. Limiting to a single
	// connection serializes all access and eliminates SQLITE_BUSY errors
	// from concurrent goroutines.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &Store{db: db}, nil
}

// RunInfo holds metadata from a previous run.
type RunInfo struct {
	ID        int64
	SessionID string
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			issue_ref   TEXT NOT NULL,
			stage_name  TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'running',
			exit_code   INTEGER,
			output      TEXT,
			session_id  TEXT,
			error       TEXT,
			log_path    TEXT,
			started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			ended_at    DATETIME
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_dedup
			ON runs (issue_ref, stage_name)
			WHERE status = 'running';

		CREATE TABLE IF NOT EXISTS processed_comments (
			issue_ref  TEXT NOT NULL,
			comment_id TEXT NOT NULL,
			processed_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (issue_ref, comment_id)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			issue_ref  TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			session_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (issue_ref, stage_name)
		);
	`)
	return err
}

// StartRun attempts to insert a new running record. Returns true if
// inserted (no existing running record for this issue+stage), false if a
// run is already in progress — the caller must not start a second one
// (spec.md §5, at-most-one-in-flight-per-issue).
func (s *Store) StartRun(issueRef, stageName string) (int64, bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO runs (issue_ref, stage_name, status) VALUES (?, ?, 'running')`,
		issueRef, stageName,
	)
	if err != nil {
		return 0, false, fmt.Errorf("inserting run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("getting last insert id: %w", err)
	}
	return id, true, nil
}

// SetRunLogPath records where this run's output is being streamed
// (spec.md §6, Run.log_path), so `kiln logs` can find it after the fact.
func (s *Store) SetRunLogPath(runID int64, logPath string) error {
	_, err := s.db.Exec(`UPDATE runs SET log_path = ? WHERE id = ?`, logPath, runID)
	return err
}

// CompleteRun marks a run as completed with the given exit code, captured
// output, and the executor's resumable session ID (empty if the executor
// produced none).
func (s *Store) CompleteRun(runID int64, exitCode int, output, sessionID string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = 'completed', exit_code = ?, output = ?, session_id = ?, ended_at = ? WHERE id = ?`,
		exitCode, output, sessionID, time.Now().UTC(), runID,
	)
	return err
}

// FailRun marks a run as failed with the given error message.
func (s *Store) FailRun(runID int64, exitCode int, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = 'failed', exit_code = ?, error = ?, ended_at = ? WHERE id = ?`,
		exitCode, errMsg, time.Now().UTC(), runID,
	)
	return err
}

// TimeoutRun marks a run as timed out (wall-clock or idle-output).
func (s *Store) TimeoutRun(runID int64, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = 'timeout', error = ?, ended_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), runID,
	)
	return err
}

// CancelRun marks a run as cancelled, the outcome §5/§7 reserve for a run
// interrupted by a reset's or shutdown's cancellation token rather than
// ending on its own.
func (s *Store) CancelRun(runID int64, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = 'cancelled', error = ?, ended_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), runID,
	)
	return err
}

// IsRunning checks whether there is currently a running record for the
// given issue+stage.
func (s *Store) IsRunning(issueRef, stageName string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE issue_ref = ? AND stage_name = ? AND status = 'running'`,
		issueRef, stageName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CleanStaleRuns marks any "running" records older than maxAge as failed.
// Exposed for operators who want to reap on a different cadence than
// startup; ReapRunningRuns is what the daemon itself calls.
func (s *Store) CleanStaleRuns(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.Exec(
		`UPDATE runs SET status = 'failed', error = 'stale run recovered', ended_at = ?
		 WHERE status = 'running' AND started_at < ?`,
		time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning stale runs: %w", err)
	}
	return res.RowsAffected()
}

// ReapRunningRuns marks every run still recorded as "running" as failed,
// regardless of age. Called once at startup: a freshly started daemon has
// no in-memory Dispatcher state from before the restart, so any row still
// "running" is necessarily orphaned by a crash (spec.md §8 scenario 4,
// §4.1 item 2 — crash recovery is keyed on the absence of an in-memory
// run, not on how long the row has sat there). Leaving it in place would
// make both `classify`'s IsRunning check and `StartRun`'s dedup insert
// believe the stage is still in flight until an arbitrary age cutoff
// passed, silently stalling recovery.
func (s *Store) ReapRunningRuns() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE runs SET status = 'failed', error = 'reaped on startup after restart', ended_at = ?
		 WHERE status = 'running'`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reaping running runs: %w", err)
	}
	return res.RowsAffected()
}

// SaveSession persists the executor session ID for an issue+stage, so a
// subsequent run (retry, or a later stage resuming context) can ask the
// executor to continue the same session.
func (s *Store) SaveSession(issueRef, stageName, sessionID string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (issue_ref, stage_name, session_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (issue_ref, stage_name) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		issueRef, stageName, sessionID, time.Now().UTC(),
	)
	return err
}

// GetSession returns the last saved session ID for an issue+stage.
func (s *Store) GetSession(issueRef, stageName string) (string, bool, error) {
	var sessionID string
	err := s.db.QueryRow(
		`SELECT session_id FROM sessions WHERE issue_ref = ? AND stage_name = ?`,
		issueRef, stageName,
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying session: %w", err)
	}
	return sessionID, true, nil
}

// ClearSessionsForIssue removes every saved session for an issue, across
// all stages, used by `reset`.
func (s *Store) ClearSessionsForIssue(issueRef string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE issue_ref = ?`, issueRef)
	return err
}

// HasProcessedComment reports whether a comment has already been acted on,
// so a restart or a delayed poll never re-runs ProcessComments for the
// same comment (spec.md §4.6).
func (s *Store) HasProcessedComment(issueRef, commentID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM processed_comments WHERE issue_ref = ? AND comment_id = ?`,
		issueRef, commentID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkCommentProcessed records that a comment's terminal outcome has been
// posted. Must only be called once ProcessComments has genuinely reached a
// terminal outcome (spec.md §4.6): success, or an executor failure
// (timeouts included). Never on a crash, so a retry after a crash still
// picks the comment back up.
func (s *Store) MarkCommentProcessed(issueRef, commentID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_comments (issue_ref, comment_id) VALUES (?, ?)`,
		issueRef, commentID,
	)
	return err
}

// RunRecord is a single row from the runs table, as surfaced by `kiln logs`.
type RunRecord struct {
	Stage     string
	Status    string
	ExitCode  int
	StartedAt time.Time
	LogPath   string
}

// RecentRuns returns the most recent runs for an issue, newest first, for
// operator diagnosis of a stuck pipeline.
func (s *Store) RecentRuns(issueRef string, limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT stage_name, status, COALESCE(exit_code, -1), started_at, COALESCE(log_path, '') FROM runs
		 WHERE issue_ref = ? ORDER BY started_at DESC LIMIT ?`,
		issueRef, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.Stage, &r.Status, &r.ExitCode, &r.StartedAt, &r.LogPath); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
