package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HistoryStatus is the audit state of one update run.
type HistoryStatus string

const (
	StatusInProgress HistoryStatus = "in_progress"
	// StatusCompleted means every step exited 0 in the running process.
	StatusCompleted HistoryStatus = "completed"
	// StatusInitiated means the wait ceiling passed before the pipeline finished.
	StatusInitiated HistoryStatus = "initiated"
	StatusFailed    HistoryStatus = "failed"
	// StatusConfirmed means the restarted process reported the target version.
	StatusConfirmed HistoryStatus = "confirmed"
	// StatusUnconfirmed means the restarted process did not report the target version.
	StatusUnconfirmed HistoryStatus = "unconfirmed"
)

// ErrHistoryNotFound is returned when no row matches a run id.
var ErrHistoryNotFound = errors.New("update history entry not found")

// UpdateHistory is one row of update_history.
type UpdateHistory struct {
	ID            int64         `json:"id" yaml:"id"`
	RunID         string        `json:"runId" yaml:"runId"`
	Method        string        `json:"method" yaml:"method"`
	FromVersion   string        `json:"fromVersion" yaml:"fromVersion"`
	TargetVersion string        `json:"targetVersion" yaml:"targetVersion"`
	Status        HistoryStatus `json:"status" yaml:"status"`
	BackupPath    string        `json:"backupPath,omitempty" yaml:"backupPath,omitempty"`
	ErrorMessage  string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt     time.Time     `json:"startedAt" yaml:"startedAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
}

// HistoryStore reads and writes update_history.
type HistoryStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistoryStore wraps db.
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db, now: time.Now}
}

// Begin inserts an in_progress row for a new run.
func (s *HistoryStore) Begin(ctx context.Context, h UpdateHistory) error {
	if h.StartedAt.IsZero() {
		h.StartedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_history (run_id, method, from_version, target_version, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.RunID, h.Method, h.FromVersion, h.TargetVersion, StatusInProgress, h.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert update history: %w", err)
	}
	return nil
}

// SetBackupPath records the backup taken by a run.
func (s *HistoryStore) SetBackupPath(ctx context.Context, runID, path string) error {
	return s.exec(ctx, runID, `UPDATE update_history SET backup_path = ? WHERE run_id = ?`, path, runID)
}

// SetStatus moves a run to status. errMsg is stored when non-empty.
// completed_at is set for every status except in_progress and initiated.
func (s *HistoryStore) SetStatus(ctx context.Context, runID string, status HistoryStatus, errMsg string) error {
	var completedAt sql.NullTime
	if status != StatusInProgress && status != StatusInitiated {
		completedAt = sql.NullTime{Time: s.now().UTC(), Valid: true}
	}
	return s.exec(ctx, runID, `
		UPDATE update_history
		SET status = ?,
		    error_message = COALESCE(NULLIF(?, ''), error_message),
		    completed_at = COALESCE(?, completed_at)
		WHERE run_id = ?`,
		status, errMsg, completedAt, runID)
}

func (s *HistoryStore) exec(ctx context.Context, runID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update history for run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update history for run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrHistoryNotFound, runID)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (s *HistoryStore) Recent(ctx context.Context, limit int) ([]UpdateHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `
		SELECT id, run_id, method, from_version, target_version, status, backup_path, error_message, started_at, completed_at
		FROM update_history
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
}

// Unverified returns runs whose effect has not been checked by a restarted
// process, newest first.
func (s *HistoryStore) Unverified(ctx context.Context) ([]UpdateHistory, error) {
	return s.query(ctx, `
		SELECT id, run_id, method, from_version, target_version, status, backup_path, error_message, started_at, completed_at
		FROM update_history
		WHERE status IN (?, ?, ?)
		ORDER BY started_at DESC, id DESC`,
		StatusInProgress, StatusInitiated, StatusCompleted)
}

// Get returns the row for runID.
func (s *HistoryStore) Get(ctx context.Context, runID string) (UpdateHistory, error) {
	rows, err := s.query(ctx, `
		SELECT id, run_id, method, from_version, target_version, status, backup_path, error_message, started_at, completed_at
		FROM update_history
		WHERE run_id = ?`, runID)
	if err != nil {
		return UpdateHistory{}, err
	}
	if len(rows) == 0 {
		return UpdateHistory{}, fmt.Errorf("%w: %s", ErrHistoryNotFound, runID)
	}
	return rows[0], nil
}

func (s *HistoryStore) query(ctx context.Context, query string, args ...any) ([]UpdateHistory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query update history: %w", err)
	}
	defer rows.Close()

	var out []UpdateHistory
	for rows.Next() {
		var (
			h           UpdateHistory
			backupPath  sql.NullString
			errorMsg    sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&h.ID, &h.RunID, &h.Method, &h.FromVersion, &h.TargetVersion, &h.Status,
			&backupPath, &errorMsg, &h.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan update history: %w", err)
		}
		h.BackupPath = backupPath.String
		h.ErrorMessage = errorMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			h.CompletedAt = &t
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read update history: %w", err)
	}
	return out, nil
}
