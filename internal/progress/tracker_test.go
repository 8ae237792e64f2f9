package progress

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestTracker() *Tracker {
	tr := NewTracker()
	tr.newID = func() string { return "run-1" }
	return tr
}

func TestStartUpdateConflict(t *testing.T) {
	tr := newTestTracker()

	h, err := tr.StartUpdate("docker", "1.3.0")
	if err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}
	before, _ := tr.Current()

	if _, err := tr.StartUpdate("git", "1.4.0"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second StartUpdate error = %v, want ErrConflict", err)
	}

	after, _ := tr.Current()
	if before != after {
		t.Errorf("conflicting start mutated the record: %+v -> %+v", before, after)
	}
	if !tr.InProgress() {
		t.Error("tracker should still be in progress")
	}
	if h.RunID() != after.RunID {
		t.Errorf("handle run id %q, record %q", h.RunID(), after.RunID)
	}
}

func TestAdvanceRules(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(h *Handle) error
		stage   Stage
		prog    int
		wantErr error
	}{
		{
			name:  "forward move",
			stage: StageDownloading, prog: ProgressDownloading,
		},
		{
			name:    "backwards stage",
			prepare: func(h *Handle) error { return h.Advance(StageExtracting, "", ProgressExtracting) },
			stage:   StageDownloading, prog: ProgressExtracting,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "decreasing progress",
			prepare: func(h *Handle) error { return h.Advance(StageDownloading, "", 20) },
			stage:   StageDownloading, prog: 15,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "completed through advance",
			stage:   StageCompleted, prog: ProgressCompleted,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "hundred without completed",
			stage:   StageRestarting, prog: 100,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "updating without backup",
			stage:   StageUpdating, prog: ProgressUpdating,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "updating with backup",
			prepare: func(h *Handle) error { return h.SetBackupPath("/backups/run-1") },
			stage:   StageUpdating, prog: ProgressUpdating,
		},
		{
			name:    "unknown stage",
			stage:   Stage("compiling"), prog: 50,
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker()
			h, err := tr.StartUpdate("git", "")
			if err != nil {
				t.Fatalf("StartUpdate: %v", err)
			}
			if tt.prepare != nil {
				if err := tt.prepare(h); err != nil {
					t.Fatalf("prepare: %v", err)
				}
			}
			before, _ := tr.Current()

			err = h.Advance(tt.stage, "msg", tt.prog)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Advance error = %v, want %v", err, tt.wantErr)
			}

			after, _ := tr.Current()
			if tt.wantErr != nil && after != before {
				t.Errorf("rejected advance mutated the record")
			}
			if tt.wantErr == nil && (after.Stage != tt.stage || after.Progress != tt.prog) {
				t.Errorf("record = %s/%d, want %s/%d", after.Stage, after.Progress, tt.stage, tt.prog)
			}
		})
	}
}

func TestCompleteReleasesTracker(t *testing.T) {
	tr := newTestTracker()
	h, _ := tr.StartUpdate("docker", "1.3.0")

	if err := h.Complete(""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	p, ok := tr.Current()
	if !ok {
		t.Fatal("record should be retained after completion")
	}
	if p.Stage != StageCompleted || p.Progress != 100 || !p.Confirmed {
		t.Errorf("record = %+v", p)
	}
	if tr.InProgress() {
		t.Error("tracker still in progress after Complete")
	}
	if err := h.Advance(StageRestarting, "", 90); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("write through released handle = %v, want ErrStaleHandle", err)
	}

	if _, err := tr.StartUpdate("docker", "1.4.0"); err != nil {
		t.Errorf("new update after completion: %v", err)
	}
}

func TestFailKeepsProgress(t *testing.T) {
	tr := newTestTracker()
	h, _ := tr.StartUpdate("git", "")
	_ = h.Advance(StageExtracting, "", ProgressExtracting)

	if err := h.Fail(errors.New("git: permission denied")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	p, _ := tr.Current()
	if p.Stage != StageError || p.Error != "git: permission denied" {
		t.Errorf("record = %+v", p)
	}
	if p.Progress != ProgressExtracting {
		t.Errorf("progress = %d, want %d", p.Progress, ProgressExtracting)
	}
	if p.Confirmed {
		t.Error("failed update must not be confirmed")
	}
}

func TestRestore(t *testing.T) {
	tr := newTestTracker()

	if err := tr.Restore(UpdateProgress{Stage: StageRestarting, Progress: 85}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("restore non-terminal = %v", err)
	}
	if err := tr.Restore(UpdateProgress{Stage: StageCompleted, Progress: 90}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("restore completed below 100 = %v", err)
	}

	seed := UpdateProgress{RunID: "old", Stage: StageCompleted, Progress: 100, Confirmed: true}
	if err := tr.Restore(seed); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if p, _ := tr.Current(); p.RunID != "old" || tr.InProgress() {
		t.Errorf("restored record = %+v, inProgress=%v", p, tr.InProgress())
	}

	if _, err := tr.StartUpdate("docker", ""); err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}
	if err := tr.Restore(seed); !errors.Is(err, ErrConflict) {
		t.Errorf("restore during update = %v, want ErrConflict", err)
	}
}

func TestCurrentReturnsCopy(t *testing.T) {
	tr := newTestTracker()
	_, _ = tr.StartUpdate("docker", "")

	p, _ := tr.Current()
	p.Stage = StageCompleted
	p.Progress = 100

	q, _ := tr.Current()
	if q.Stage != StageStarting {
		t.Errorf("caller mutation leaked into tracker: %+v", q)
	}
}

func TestConcurrentReadersSeeConsistentRecords(t *testing.T) {
	tr := newTestTracker()
	h, _ := tr.StartUpdate("git", "")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 8)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := -1
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, ok := tr.Current()
				if !ok {
					continue
				}
				if (p.Progress == 100) != (p.Stage == StageCompleted) {
					errs <- "progress/stage mismatch"
					return
				}
				if p.Progress < last {
					errs <- "progress went backwards"
					return
				}
				last = p.Progress
			}
		}()
	}

	steps := []struct {
		stage Stage
		prog  int
	}{
		{StageDownloading, 10}, {StageExtracting, 30}, {StageBackingUp, 45},
	}
	for _, s := range steps {
		if err := h.Advance(s.stage, "", s.prog); err != nil {
			t.Fatalf("Advance(%s): %v", s.stage, err)
		}
		time.Sleep(time.Millisecond)
	}
	_ = h.SetBackupPath("/tmp/backup")
	_ = h.Advance(StageUpdating, "", 60)
	_ = h.Advance(StageRestarting, "", 85)
	_ = h.Complete("done")

	close(stop)
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}
