// Package progress owns the single in-flight update record and hands out
// the only write path to it.
package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConflict is returned by StartUpdate while another update is in flight.
	ErrConflict = errors.New("update already in progress")
	// ErrInvalidTransition is returned when a write would break the stage machine.
	ErrInvalidTransition = errors.New("invalid progress transition")
	// ErrStaleHandle is returned when a handle outlived its update.
	ErrStaleHandle = errors.New("progress handle is no longer active")
)

// UpdateProgress is the externally visible state of one update.
type UpdateProgress struct {
	RunID         string    `json:"runId" yaml:"runId"`
	Method        string    `json:"method,omitempty" yaml:"method,omitempty"`
	TargetVersion string    `json:"targetVersion,omitempty" yaml:"targetVersion,omitempty"`
	Stage         Stage     `json:"stage" yaml:"stage"`
	Message       string    `json:"message" yaml:"message"`
	Progress      int       `json:"progress" yaml:"progress"`
	Error         string    `json:"error,omitempty" yaml:"error,omitempty"`
	BackupPath    string    `json:"backupPath,omitempty" yaml:"backupPath,omitempty"`
	Confirmed     bool      `json:"confirmed" yaml:"confirmed"`
	StartedAt     time.Time `json:"startedAt" yaml:"startedAt"`
	UpdatedAt     time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Tracker holds at most one in-flight update. Readers get copies.
type Tracker struct {
	mu      sync.RWMutex
	current *UpdateProgress
	active  *Handle

	now   func() time.Time
	newID func() string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// StartUpdate claims the tracker for a new update. The returned handle is
// the only way to write to the record until it reaches a terminal stage.
func (t *Tracker) StartUpdate(method, targetVersion string) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil {
		return nil, ErrConflict
	}

	now := t.now()
	h := &Handle{tracker: t, runID: t.newID()}
	t.current = &UpdateProgress{
		RunID:         h.runID,
		Method:        method,
		TargetVersion: targetVersion,
		Stage:         StageStarting,
		Message:       StageStarting.Description(),
		Progress:      ProgressStarting,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	t.active = h
	return h, nil
}

// Current returns a copy of the latest record. The record survives a
// terminal stage until the next StartUpdate replaces it.
func (t *Tracker) Current() (UpdateProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return UpdateProgress{}, false
	}
	return *t.current, true
}

// InProgress reports whether an update holds the tracker.
func (t *Tracker) InProgress() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active != nil
}

// Restore seeds a terminal record, typically the outcome of a run that
// finished across a restart. It fails while an update is in flight.
func (t *Tracker) Restore(p UpdateProgress) error {
	if !p.Stage.Terminal() {
		return fmt.Errorf("%w: restored stage %q is not terminal", ErrInvalidTransition, p.Stage)
	}
	if (p.Stage == StageCompleted) != (p.Progress == ProgressCompleted) {
		return fmt.Errorf("%w: progress %d does not match stage %q", ErrInvalidTransition, p.Progress, p.Stage)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil {
		return ErrConflict
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = t.now()
	}
	t.current = &p
	return nil
}

// Handle is the write capability for one update.
type Handle struct {
	tracker *Tracker
	runID   string
}

// RunID identifies the update this handle writes to.
func (h *Handle) RunID() string {
	return h.runID
}

// Snapshot returns a copy of the record this handle wrote, if it is still current.
func (h *Handle) Snapshot() (UpdateProgress, bool) {
	p, ok := h.tracker.Current()
	if !ok || p.RunID != h.runID {
		return UpdateProgress{}, false
	}
	return p, true
}

// Advance moves to stage (or stays in it) with a new message and progress.
// Terminal stages are reached through Complete and Fail only.
func (h *Handle) Advance(stage Stage, message string, progress int) error {
	return h.mutate(func(p *UpdateProgress) error {
		switch {
		case !stage.Valid() || stage.Terminal():
			return fmt.Errorf("%w: cannot advance to %q", ErrInvalidTransition, stage)
		case stage.Before(p.Stage):
			return fmt.Errorf("%w: %q is before %q", ErrInvalidTransition, stage, p.Stage)
		case progress < p.Progress:
			return fmt.Errorf("%w: progress %d is below %d", ErrInvalidTransition, progress, p.Progress)
		case progress >= ProgressCompleted:
			return fmt.Errorf("%w: progress %d requires the completed stage", ErrInvalidTransition, progress)
		case stage == StageUpdating && p.BackupPath == "":
			return fmt.Errorf("%w: no backup recorded before %q", ErrInvalidTransition, stage)
		}
		if message == "" {
			message = stage.Description()
		}
		p.Stage = stage
		p.Message = message
		p.Progress = progress
		return nil
	}, false)
}

// SetBackupPath records where the pre-update state was saved.
func (h *Handle) SetBackupPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty backup path", ErrInvalidTransition)
	}
	return h.mutate(func(p *UpdateProgress) error {
		p.BackupPath = path
		return nil
	}, false)
}

// Complete marks the update as finished and observed. It releases the tracker.
func (h *Handle) Complete(message string) error {
	return h.mutate(func(p *UpdateProgress) error {
		if message == "" {
			message = StageCompleted.Description()
		}
		p.Stage = StageCompleted
		p.Message = message
		p.Progress = ProgressCompleted
		p.Confirmed = true
		return nil
	}, true)
}

// Fail moves the update to the error stage with cause and releases the tracker.
// Progress is left where it was.
func (h *Handle) Fail(cause error) error {
	return h.mutate(func(p *UpdateProgress) error {
		msg := "unknown error"
		if cause != nil {
			msg = cause.Error()
		}
		p.Stage = StageError
		p.Message = StageError.Description()
		p.Error = msg
		return nil
	}, true)
}

// mutate applies fn to a scratch copy and publishes it only when fn succeeds.
func (h *Handle) mutate(fn func(*UpdateProgress) error, release bool) error {
	t := h.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != h {
		return ErrStaleHandle
	}

	next := *t.current
	if err := fn(&next); err != nil {
		return err
	}
	next.UpdatedAt = t.now()
	t.current = &next

	if release {
		t.active = nil
	}
	return nil
}
