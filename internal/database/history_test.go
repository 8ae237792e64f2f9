package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"projectshelf/internal/migrations"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewHistoryStore(db)
}

func TestMigrationsApplied(t *testing.T) {
	store := newTestStore(t)

	v, err := migrations.Version(context.Background(), store.db)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v < 1 {
		t.Errorf("schema version = %d, want >= 1", v)
	}

	for _, column := range []string{"run_id", "status", "backup_path", "completed_at"} {
		var n int
		err := store.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('update_history') WHERE name = ?`, column).Scan(&n)
		if err != nil {
			t.Fatalf("pragma: %v", err)
		}
		if n != 1 {
			t.Errorf("column update_history.%s missing", column)
		}
	}
}

func TestHistoryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Begin(ctx, UpdateHistory{RunID: "run-1", Method: "git", FromVersion: "1.0.0", TargetVersion: "1.1.0", StartedAt: start}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := store.SetBackupPath(ctx, "run-1", "/backups/run-1"); err != nil {
		t.Fatalf("SetBackupPath: %v", err)
	}
	if err := store.SetStatus(ctx, "run-1", StatusInitiated, ""); err != nil {
		t.Fatalf("SetStatus initiated: %v", err)
	}

	h, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.Status != StatusInitiated || h.CompletedAt != nil {
		t.Errorf("initiated row = %+v", h)
	}
	if !h.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", h.StartedAt, start)
	}

	if err := store.SetStatus(ctx, "run-1", StatusFailed, "docker pull failed"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	h, _ = store.Get(ctx, "run-1")
	if h.Status != StatusFailed || h.ErrorMessage != "docker pull failed" || h.CompletedAt == nil {
		t.Errorf("failed row = %+v", h)
	}
	if h.BackupPath != "/backups/run-1" {
		t.Errorf("BackupPath = %q", h.BackupPath)
	}
}

func TestUnverifiedAndRecent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []struct {
		id     string
		status HistoryStatus
	}{
		{"a", StatusConfirmed},
		{"b", StatusInitiated},
		{"c", StatusFailed},
		{"d", StatusInProgress},
		{"e", StatusCompleted},
	}
	for i, r := range rows {
		if err := store.Begin(ctx, UpdateHistory{RunID: r.id, Method: "docker", FromVersion: "1.0.0", StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("Begin %s: %v", r.id, err)
		}
		if r.status != StatusInProgress {
			if err := store.SetStatus(ctx, r.id, r.status, ""); err != nil {
				t.Fatalf("SetStatus %s: %v", r.id, err)
			}
		}
	}

	pending, err := store.Unverified(ctx)
	if err != nil {
		t.Fatalf("Unverified: %v", err)
	}
	var ids []string
	for _, p := range pending {
		ids = append(ids, p.RunID)
	}
	if len(ids) != 3 || ids[0] != "e" || ids[1] != "d" || ids[2] != "b" {
		t.Errorf("Unverified ids = %v, want [e d b]", ids)
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].RunID != "e" {
		t.Errorf("Recent = %+v", recent)
	}
}

func TestSetStatusUnknownRun(t *testing.T) {
	store := newTestStore(t)
	err := store.SetStatus(context.Background(), "missing", StatusFailed, "x")
	if !errors.Is(err, ErrHistoryNotFound) {
		t.Errorf("SetStatus unknown run = %v, want ErrHistoryNotFound", err)
	}
}
