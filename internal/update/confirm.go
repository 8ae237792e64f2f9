package update

import (
	"context"
	"fmt"
	"time"

	"projectshelf/internal/database"
	"projectshelf/internal/logging"
	"projectshelf/internal/progress"
)

// restoreWindow bounds how old a run may be and still seed the tracker.
const restoreWindow = time.Hour

const msgUnconfirmed = "update did not take effect; manual verification required"

// PendingHistory lists and settles runs whose outcome is not yet verified.
type PendingHistory interface {
	Unverified(ctx context.Context) ([]database.UpdateHistory, error)
	SetStatus(ctx context.Context, runID string, status database.HistoryStatus, errMsg string) error
}

// ConfirmRestart settles runs left over from before this process started.
// A run is confirmed when the running version reached its target. The
// newest recent run seeds tracker so pollers see how it ended. It returns
// the newest settled run, or nil when there was none.
func ConfirmRestart(ctx context.Context, store PendingHistory, tracker *progress.Tracker, currentVersion string) (*database.UpdateHistory, error) {
	return confirmRestart(ctx, store, tracker, currentVersion, time.Now())
}

func confirmRestart(ctx context.Context, store PendingHistory, tracker *progress.Tracker, currentVersion string, now time.Time) (*database.UpdateHistory, error) {
	rows, err := store.Unverified(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unverified updates: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	for i := range rows {
		row := &rows[i]
		status, msg := database.StatusConfirmed, ""
		if !reachedTarget(*row, currentVersion) {
			status = database.StatusUnconfirmed
			msg = fmt.Sprintf("%s: running %s, expected %s", msgUnconfirmed, currentVersion, describeTarget(*row))
		}
		if err := store.SetStatus(ctx, row.RunID, status, msg); err != nil {
			return nil, fmt.Errorf("failed to settle update %s: %w", row.RunID, err)
		}
		row.Status = status
		if msg != "" {
			row.ErrorMessage = msg
		}
		logging.Infof("Update %s (%s -> %s) is %s", row.RunID, row.FromVersion, describeTarget(*row), status)
	}

	newest := rows[0]
	if tracker != nil && now.Sub(newest.StartedAt) <= restoreWindow {
		if err := tracker.Restore(progressFromHistory(newest, now)); err != nil {
			logging.Warnf("Failed to restore update progress: %v", err)
		}
	}
	return &newest, nil
}

func reachedTarget(h database.UpdateHistory, current string) bool {
	if h.TargetVersion != "" {
		return CompareVersions(current, h.TargetVersion) >= 0
	}
	return h.FromVersion != "" && CompareVersions(current, h.FromVersion) > 0
}

func describeTarget(h database.UpdateHistory) string {
	if h.TargetVersion != "" {
		return h.TargetVersion
	}
	return "a version newer than " + h.FromVersion
}

func progressFromHistory(h database.UpdateHistory, now time.Time) progress.UpdateProgress {
	p := progress.UpdateProgress{
		RunID:         h.RunID,
		Method:        h.Method,
		TargetVersion: h.TargetVersion,
		BackupPath:    h.BackupPath,
		StartedAt:     h.StartedAt,
		UpdatedAt:     now,
	}
	if h.Status == database.StatusConfirmed {
		p.Stage = progress.StageCompleted
		p.Progress = progress.ProgressCompleted
		p.Message = "Update completed successfully"
		p.Confirmed = true
		return p
	}
	p.Stage = progress.StageError
	p.Progress = progress.ProgressRestarting
	p.Message = progress.StageError.Description()
	p.Error = msgUnconfirmed
	return p
}
