package update

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projectshelf/internal/database"
	"projectshelf/internal/progress"
)

type fakeHistory struct {
	mu       sync.Mutex
	begun    []database.UpdateHistory
	statuses []database.HistoryStatus
	errMsg   string
	backup   string
}

func (h *fakeHistory) Begin(_ context.Context, row database.UpdateHistory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begun = append(h.begun, row)
	return nil
}

func (h *fakeHistory) SetBackupPath(_ context.Context, _, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backup = path
	return nil
}

func (h *fakeHistory) SetStatus(_ context.Context, _ string, status database.HistoryStatus, errMsg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
	if errMsg != "" {
		h.errMsg = errMsg
	}
	return nil
}

func (h *fakeHistory) Statuses() []database.HistoryStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]database.HistoryStatus(nil), h.statuses...)
}

// scriptedStrategy records the stages it saw and runs optional hooks.
type scriptedStrategy struct {
	tracker *progress.Tracker

	mu       sync.Mutex
	seen     []progress.Stage
	restored string

	download func(ctx context.Context) error
	apply    func(ctx context.Context) error
	restart  func(ctx context.Context) error
	handoff  string
}

func (s *scriptedStrategy) observe() {
	p, _ := s.tracker.Current()
	s.mu.Lock()
	s.seen = append(s.seen, p.Stage)
	s.mu.Unlock()
}

func (s *scriptedStrategy) Stages() []progress.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Stage(nil), s.seen...)
}

func (s *scriptedStrategy) Restored() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

func (s *scriptedStrategy) Method() Method { return MethodDocker }

func (s *scriptedStrategy) Download(ctx context.Context, _ *RunContext) error {
	s.observe()
	if s.download != nil {
		return s.download(ctx)
	}
	return nil
}

func (s *scriptedStrategy) Extract(context.Context, *RunContext) error {
	s.observe()
	return nil
}

func (s *scriptedStrategy) Backup(context.Context, *RunContext) (string, error) {
	s.observe()
	return "projectshelf-backup-1", nil
}

func (s *scriptedStrategy) Apply(ctx context.Context, _ *RunContext) error {
	s.observe()
	if s.apply != nil {
		return s.apply(ctx)
	}
	return nil
}

func (s *scriptedStrategy) Restart(ctx context.Context, rc *RunContext) error {
	s.observe()
	if s.restart != nil {
		if err := s.restart(ctx); err != nil {
			return err
		}
	}
	if s.handoff != "" {
		rc.HandOff(s.handoff)
	}
	return nil
}

func (s *scriptedStrategy) Restore(_ context.Context, _ *RunContext, backupPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored = backupPath
	return nil
}

func newTestExecutor(t *testing.T, s *scriptedStrategy, cfg ExecutorConfig, opts ...ExecutorOption) (*Executor, *progress.Tracker, *fakeHistory) {
	t.Helper()
	tracker := progress.NewTracker()
	s.tracker = tracker
	hist := &fakeHistory{}
	factory := func(Method) (Strategy, error) { return s, nil }
	opts = append([]ExecutorOption{WithHistory(hist)}, opts...)
	return NewExecutor(tracker, factory, "1.2.0", cfg, opts...), tracker, hist
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestExecutorCompletes(t *testing.T) {
	s := &scriptedStrategy{}
	e, tracker, hist := newTestExecutor(t, s, ExecutorConfig{Method: MethodDocker})

	run, err := e.Start(context.Background(), Request{TargetVersion: "1.3.0"})
	require.NoError(t, err)

	outcome, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	require.Equal(t, []progress.Stage{
		progress.StageDownloading,
		progress.StageExtracting,
		progress.StageBackingUp,
		progress.StageUpdating,
		progress.StageRestarting,
	}, s.Stages())

	p, ok := tracker.Current()
	require.True(t, ok)
	require.Equal(t, progress.StageCompleted, p.Stage)
	require.Equal(t, 100, p.Progress)
	require.True(t, p.Confirmed)
	require.Equal(t, "projectshelf-backup-1", p.BackupPath)
	require.Equal(t, "1.3.0", p.TargetVersion)
	require.False(t, tracker.InProgress())

	require.Len(t, hist.begun, 1)
	require.Equal(t, "1.2.0", hist.begun[0].FromVersion)
	require.Equal(t, run.ID(), hist.begun[0].RunID)
	require.Equal(t, "projectshelf-backup-1", hist.backup)
	require.Equal(t, []database.HistoryStatus{database.StatusCompleted}, hist.Statuses())
	require.Empty(t, s.Restored())
}

func TestExecutorConflict(t *testing.T) {
	release := make(chan struct{})
	s := &scriptedStrategy{download: func(ctx context.Context) error {
		<-release
		return nil
	}}
	e, tracker, _ := newTestExecutor(t, s, ExecutorConfig{Method: MethodDocker})

	run, err := e.Start(context.Background(), Request{})
	require.NoError(t, err)
	before, _ := tracker.Current()

	_, err = e.Start(context.Background(), Request{Method: MethodGit})
	require.ErrorIs(t, err, ErrConflict)

	after, _ := tracker.Current()
	require.Equal(t, before.RunID, after.RunID)
	require.Equal(t, MethodDocker, run.Method())

	close(release)
	waitDone(t, run)
}

func TestExecutorRestoresAfterLateFailure(t *testing.T) {
	s := &scriptedStrategy{apply: func(context.Context) error {
		return errors.New("create failed (exit code 125): Conflict. The container name is already in use")
	}}
	e, tracker, hist := newTestExecutor(t, s, ExecutorConfig{Method: MethodDocker})

	run, err := e.Start(context.Background(), Request{})
	require.NoError(t, err)

	outcome, err := run.Wait(context.Background())
	require.Equal(t, OutcomeFailed, outcome)
	require.Error(t, err)

	require.Equal(t, "projectshelf-backup-1", s.Restored())

	p, _ := tracker.Current()
	require.Equal(t, progress.StageError, p.Stage)
	require.Contains(t, p.Error, "The container name is already in use")
	require.Equal(t, progress.ProgressUpdating, p.Progress)
	require.Equal(t, []database.HistoryStatus{database.StatusFailed}, hist.Statuses())
	require.Contains(t, hist.errMsg, "already in use")
}

func TestExecutorEarlyFailureSkipsRestore(t *testing.T) {
	s := &scriptedStrategy{download: func(context.Context) error {
		return errors.New("pull failed (exit code 1): manifest unknown")
	}}
	e, tracker, _ := newTestExecutor(t, s, ExecutorConfig{Method: MethodDocker})

	run, err := e.Start(context.Background(), Request{})
	require.NoError(t, err)
	waitDone(t, run)

	require.Empty(t, s.Restored())
	p, _ := tracker.Current()
	require.Equal(t, progress.StageError, p.Stage)
	require.Equal(t, "pull failed (exit code 1): manifest unknown", p.Error)
}

func TestExecutorPreflightFailure(t *testing.T) {
	s := &scriptedStrategy{}
	e, tracker, _ := newTestExecutor(t, s, ExecutorConfig{Method: MethodGit},
		WithPreflight(func(context.Context) error { return errors.New("only 3 MiB free") }))

	run, err := e.Start(context.Background(), Request{})
	require.NoError(t, err)
	waitDone(t, run)

	require.Empty(t, s.Stages())
	p, _ := tracker.Current()
	require.Equal(t, progress.StageError, p.Stage)
	require.Contains(t, p.Error, "only 3 MiB free")
}

func TestExecutorCancelBeforeBackup(t *testing.T) {
	started := make(chan struct{})
	s := &scriptedStrategy{download: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	e, tracker, hist := newTestExecutor(t, s, ExecutorConfig{Method: MethodDocker})

	run, err := e.Start(context.Background(), Request{})
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Cancel())
	waitDone(t, run)

	require.ErrorIs(t, run.Err(), ErrCancelled)
	p, _ := tracker.Current()
	require.Equal(t, progress.StageError, p.Stage)
	require.Equal(t, "update cancelled", p.Error)
	require.Equal(t, []database.HistoryStatus{database.StatusFailed}, hist.Statuses())
	require.Empty(t, s.Restored())

	require.ErrorIs(t, e.Cancel(), ErrNoRun)
}

func TestExecutorCancelAfterBackupRefused(t *testing.T) {
	inApply := make(chan struct{})
	release := make(chan struct{})
	s := &scriptedStrategy{apply: func(context.Context) error {
		close(inApply)
		<-release
		return nil
	}}
	e, _, _ := newTestExecutor(t, s, ExecutorConfig{Method: MethodDocker})

	run, err := e.Start(context.Background(), Request{})
	require.NoError(t, err)
	<-inApply

	require.ErrorIs(t, run.Cancel(), ErrNotCancellable)
	close(release)
	waitDone(t, run)
	require.NoError(t, run.Err())
}

func TestExecutorCallerContextDoesNotAbortRun(t *testing.T) {
	inRestart := make(chan struct{})
	release := make(chan struct{})
	s := &scriptedStrategy{restart: func(ctx context.Context) error {
		close(inRestart)
		<-release
		return ctx.Err()
	}}
	e, tracker, _ := newTestExecutor(t, s, ExecutorConfig{Method: MethodDocker})

	ctx, cancel := context.WithCancel(context.Background())
	run, err := e.Start(ctx, Request{})
	require.NoError(t, err)
	<-inRestart
	cancel()
	close(release)
	waitDone(t, run)

	require.NoError(t, run.Err())
	p, _ := tracker.Current()
	require.Equal(t, progress.StageCompleted, p.Stage)
}

func TestExecutorCeilingReturnsBackground(t *testing.T) {
	release := make(chan struct{})
	s := &scriptedStrategy{restart: func(context.Context) error {
		<-release
		return nil
	}}
	cfg := ExecutorConfig{
		Method:   MethodDocker,
		Ceilings: map[Method]time.Duration{MethodDocker: 20 * time.Millisecond},
	}
	e, tracker, hist := newTestExecutor(t, s, cfg)

	run, err := e.Start(context.Background(), Request{})
	require.NoError(t, err)

	outcome, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeBackground, outcome)

	p, _ := tracker.Current()
	require.False(t, p.Stage.Terminal(), "background outcome must not imply a terminal stage")
	require.Equal(t, []database.HistoryStatus{database.StatusInitiated}, hist.Statuses())

	close(release)
	waitDone(t, run)

	outcome, err = run.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	require.Equal(t, []database.HistoryStatus{database.StatusInitiated, database.StatusCompleted}, hist.Statuses())
}

func TestExecutorHandOffStaysUnconfirmed(t *testing.T) {
	s := &scriptedStrategy{handoff: "Finalizer started"}
	e, tracker, hist := newTestExecutor(t, s, ExecutorConfig{Method: MethodDocker})

	run, err := e.Start(context.Background(), Request{TargetVersion: "1.3.0"})
	require.NoError(t, err)

	outcome, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeBackground, outcome)
	waitDone(t, run)
	require.NoError(t, run.Err())

	p, _ := tracker.Current()
	require.Equal(t, progress.StageRestarting, p.Stage)
	require.Equal(t, "Finalizer started", p.Message)
	require.Equal(t, progress.ProgressHandedOff, p.Progress)
	require.False(t, p.Confirmed)
	require.True(t, tracker.InProgress())
	require.Equal(t, []database.HistoryStatus{database.StatusInitiated}, hist.Statuses())

	_, err = e.Start(context.Background(), Request{})
	require.ErrorIs(t, err, ErrConflict)
}

func TestExecutorHandOffTimeoutRestores(t *testing.T) {
	s := &scriptedStrategy{handoff: "Finalizer started"}
	cfg := ExecutorConfig{Method: MethodDocker, HandoffTimeout: 20 * time.Millisecond}
	e, tracker, hist := newTestExecutor(t, s, cfg)

	run, err := e.Start(context.Background(), Request{})
	require.NoError(t, err)
	waitDone(t, run)

	require.Eventually(t, func() bool { return !tracker.InProgress() }, 5*time.Second, 5*time.Millisecond)

	p, _ := tracker.Current()
	require.Equal(t, progress.StageError, p.Stage)
	require.Contains(t, p.Error, "did not take over")
	require.ErrorIs(t, run.Err(), ErrRestartTimeout)
	require.Equal(t, "projectshelf-backup-1", s.Restored())
	require.Equal(t, []database.HistoryStatus{database.StatusInitiated, database.StatusFailed}, hist.Statuses())

	outcome, err := run.Wait(context.Background())
	require.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrRestartTimeout)
}
