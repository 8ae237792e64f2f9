package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"projectshelf/internal/database"
	"projectshelf/internal/logging"
	"projectshelf/internal/pipeline"
	"projectshelf/internal/progress"
	"projectshelf/internal/telemetry"
)

// Strategy performs the stage work of one update method. A value serves a
// single run and may keep state between stages.
type Strategy interface {
	Method() Method
	Download(ctx context.Context, rc *RunContext) error
	Extract(ctx context.Context, rc *RunContext) error
	// Backup saves the current installation and returns where it went.
	Backup(ctx context.Context, rc *RunContext) (string, error)
	Apply(ctx context.Context, rc *RunContext) error
	// Restart starts the new version. A strategy whose new version comes up
	// outside this process calls rc.HandOff instead of reporting completion.
	Restart(ctx context.Context, rc *RunContext) error
	// Restore puts back what Backup saved at backupPath.
	Restore(ctx context.Context, rc *RunContext, backupPath string) error
}

// StrategyFactory builds a fresh strategy for a run.
type StrategyFactory func(m Method) (Strategy, error)

// HistoryRecorder is the audit log the executor writes to.
type HistoryRecorder interface {
	Begin(ctx context.Context, h database.UpdateHistory) error
	SetBackupPath(ctx context.Context, runID, path string) error
	SetStatus(ctx context.Context, runID string, status database.HistoryStatus, errMsg string) error
}

type nopHistory struct{}

func (nopHistory) Begin(context.Context, database.UpdateHistory) error { return nil }

func (nopHistory) SetBackupPath(context.Context, string, string) error { return nil }

func (nopHistory) SetStatus(context.Context, string, database.HistoryStatus, string) error {
	return nil
}

// Outcome is what a caller of Run.Wait learns.
type Outcome string

const (
	// OutcomeCompleted means every step exited 0.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means a step failed or the run was cancelled.
	OutcomeFailed Outcome = "failed"
	// OutcomeBackground means the wait ceiling passed and the run continues,
	// or the restart was handed off to a process that has not reported back.
	// It says nothing about success.
	OutcomeBackground Outcome = "background"
)

const defaultHandoffTimeout = 5 * time.Minute

// Request asks for an update.
type Request struct {
	Method        Method
	TargetVersion string
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	// Method is used when a request does not name one.
	Method Method
	// Ceilings bound Run.Wait per method.
	Ceilings    map[Method]time.Duration
	StepTimeout time.Duration
	// HandoffTimeout bounds how long a handed off restart may leave this
	// process running before the run is failed and restored.
	HandoffTimeout time.Duration
}

func (c ExecutorConfig) ceiling(m Method) time.Duration {
	if d, ok := c.Ceilings[m]; ok && d > 0 {
		return d
	}
	if m == MethodGit {
		return 60 * time.Second
	}
	return 30 * time.Second
}

func (c ExecutorConfig) handoffTimeout() time.Duration {
	if c.HandoffTimeout > 0 {
		return c.HandoffTimeout
	}
	return defaultHandoffTimeout
}

// Executor starts update runs. At most one run is in flight.
type Executor struct {
	tracker        *progress.Tracker
	strategies     StrategyFactory
	currentVersion string
	cfg            ExecutorConfig

	history     HistoryRecorder
	signals     func(ctx context.Context) Signals
	latest      func() string
	preflight   func(ctx context.Context) error
	execCommand pipeline.ExecCommandFunc

	mu      sync.Mutex
	current *Run
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHistory records runs in the audit log.
func WithHistory(h HistoryRecorder) ExecutorOption {
	return func(e *Executor) { e.history = h }
}

// WithSignals sets how environment signals are gathered.
func WithSignals(fn func(ctx context.Context) Signals) ExecutorOption {
	return func(e *Executor) { e.signals = fn }
}

// WithLatestVersion supplies the target version when a request has none.
// fn must not block.
func WithLatestVersion(fn func() string) ExecutorOption {
	return func(e *Executor) { e.latest = fn }
}

// WithPreflight runs fn in the starting stage.
func WithPreflight(fn func(ctx context.Context) error) ExecutorOption {
	return func(e *Executor) { e.preflight = fn }
}

// WithExecCommand replaces process creation for every run.
func WithExecCommand(fn pipeline.ExecCommandFunc) ExecutorOption {
	return func(e *Executor) { e.execCommand = fn }
}

// NewExecutor creates an executor writing progress into tracker.
func NewExecutor(tracker *progress.Tracker, strategies StrategyFactory, currentVersion string, cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		tracker:        tracker,
		strategies:     strategies,
		currentVersion: currentVersion,
		cfg:            cfg,
		history:        nopHistory{},
		signals:        func(context.Context) Signals { return Signals{} },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SelectMethod resolves the method a request would run with.
func (e *Executor) SelectMethod(ctx context.Context, explicit Method) (Method, Signals) {
	if explicit == "" {
		explicit = e.cfg.Method
	}
	s := e.signals(ctx)
	return SelectStrategy(explicit, s), s
}

// Ceiling is the wait bound for m.
func (e *Executor) Ceiling(m Method) time.Duration {
	return e.cfg.ceiling(m)
}

// Start accepts an update and returns once it is in the starting stage.
// Conflicts and unknown methods are reported here; everything later is
// reported through the tracker.
func (e *Executor) Start(ctx context.Context, req Request) (*Run, error) {
	method, _ := e.SelectMethod(ctx, req.Method)

	strategy, err := e.strategies(method)
	if err != nil {
		return nil, err
	}

	target := req.TargetVersion
	if target == "" && e.latest != nil {
		target = e.latest()
	}

	handle, err := e.tracker.StartUpdate(string(method), target)
	if err != nil {
		return nil, err
	}

	var runnerOpts []pipeline.Option
	if e.cfg.StepTimeout > 0 {
		runnerOpts = append(runnerOpts, pipeline.WithStepTimeout(e.cfg.StepTimeout))
	}
	if e.execCommand != nil {
		runnerOpts = append(runnerOpts, pipeline.WithExecCommand(e.execCommand))
	}

	base := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(base)

	run := &Run{
		id:         handle.RunID(),
		method:     method,
		target:     target,
		handle:     handle,
		strategy:   strategy,
		runner:     pipeline.NewRunner(runnerOpts...),
		history:    e.history,
		preflight:  e.preflight,
		handoffTTL: e.cfg.handoffTimeout(),
		cancel:     cancel,
		done:       make(chan struct{}),
		background: make(chan struct{}),
	}

	if err := e.history.Begin(base, database.UpdateHistory{
		RunID:         run.id,
		Method:        string(method),
		FromVersion:   e.currentVersion,
		TargetVersion: target,
	}); err != nil {
		logging.Errorf("Failed to record update start: %v", err)
	}

	e.mu.Lock()
	e.current = run
	e.mu.Unlock()

	logging.Infof("Update %s accepted: method=%s from=%s target=%s", run.id, method, e.currentVersion, target)

	run.ceilingTimer = time.AfterFunc(e.cfg.ceiling(method), run.onCeiling)
	go run.execute(base, runCtx)

	return run, nil
}

// Current returns the most recent run, finished or not.
func (e *Executor) Current() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Cancel cancels the in-flight run.
func (e *Executor) Cancel() error {
	run := e.Current()
	if run == nil {
		return ErrNoRun
	}
	return run.Cancel()
}

// RunContext is what a strategy sees of its run.
type RunContext struct {
	RunID         string
	TargetVersion string
	Runner        *pipeline.Runner

	handle  *progress.Handle
	stage   progress.Stage
	handoff string
}

// HandOff records that the new version is being brought up by something
// other than this process. The run then stays unconfirmed until the
// restarted process settles it.
func (rc *RunContext) HandOff(message string) {
	if message == "" {
		message = "Waiting for the new version to start"
	}
	rc.handoff = message
}

// Report updates the message and progress inside the current stage.
// Values that would move progress backwards are dropped.
func (rc *RunContext) Report(message string, pct int) {
	if rc.handle == nil {
		return
	}
	if err := rc.handle.Advance(rc.stage, message, pct); err != nil {
		logging.Debugf("Dropped progress report for %s: %v", rc.RunID, err)
	}
}

// Run is one accepted update.
type Run struct {
	id       string
	method   Method
	target   string
	handle   *progress.Handle
	strategy Strategy
	runner   *pipeline.Runner
	history  HistoryRecorder

	preflight    func(ctx context.Context) error
	handoffTTL   time.Duration
	cancel       context.CancelFunc
	ceilingTimer *time.Timer

	done           chan struct{}
	background     chan struct{}
	backgroundOnce sync.Once

	mu         sync.Mutex
	finished   bool
	handedOff  bool
	pastBackup bool
	cancelled  bool
	backupPath string
	err        error
}

// ID returns the run id shared with the tracker and the audit log.
func (r *Run) ID() string { return r.id }

// Method returns the strategy in use.
func (r *Run) Method() Method { return r.method }

// TargetVersion returns the version the run installs, if known.
func (r *Run) TargetVersion() string { return r.target }

// Done is closed when the pipeline has finished in this process.
func (r *Run) Done() <-chan struct{} { return r.done }

// Output returns the captured step output.
func (r *Run) Output() string { return r.runner.Output() }

// Err is the run failure once Done is closed. A handed off run that never
// restarted gains ErrRestartTimeout later.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the run finishes, the ceiling passes or ctx ends.
// Only a finished pipeline yields OutcomeCompleted.
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome()
	default:
	}

	select {
	case <-r.done:
		return r.outcome()
	case <-r.background:
		return OutcomeBackground, nil
	case <-ctx.Done():
		return OutcomeBackground, ctx.Err()
	}
}

func (r *Run) outcome() (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.err != nil:
		return OutcomeFailed, r.err
	case r.handedOff && !r.finished:
		return OutcomeBackground, nil
	}
	return OutcomeCompleted, nil
}

// Cancel aborts the run if it has not begun backing up.
func (r *Run) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.finished:
		return ErrNoRun
	case r.pastBackup:
		return ErrNotCancellable
	}
	r.cancelled = true
	r.cancel()
	return nil
}

// enterBackup passes the point after which cancellation is refused.
func (r *Run) enterBackup() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false
	}
	r.pastBackup = true
	return true
}

func (r *Run) onCeiling() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.handedOff {
		return
	}
	logging.Warnf("Update %s still running after its wait ceiling; continuing in background", r.id)
	if err := r.history.SetStatus(context.Background(), r.id, database.StatusInitiated, ""); err != nil {
		logging.Errorf("Failed to record initiated update: %v", err)
	}
	r.closeBackground()
}

func (r *Run) closeBackground() {
	r.backgroundOnce.Do(func() { close(r.background) })
}

func (r *Run) execute(base, runCtx context.Context) {
	defer close(r.done)
	defer r.cancel()

	ctx, span := telemetry.StartSpan(base, "update.run", trace.WithAttributes(
		attribute.String("update.run_id", r.id),
		attribute.String("update.method", string(r.method)),
		attribute.String("update.target", r.target),
	))
	runCtx = trace.ContextWithSpan(runCtx, span)

	rc := &RunContext{RunID: r.id, TargetVersion: r.target, Runner: r.runner, handle: r.handle}

	err := r.pipeline(ctx, runCtx, rc)
	if err != nil && r.isCancelled() && errors.Is(err, context.Canceled) {
		err = ErrCancelled
	}
	if err == nil && rc.handoff != "" {
		r.handOff(ctx, rc)
		telemetry.End(span, nil)
		return
	}
	err = r.finish(ctx, rc, err)
	telemetry.End(span, err)
}

// handOff leaves the run in the restarting stage, still holding the
// tracker, and records it as initiated. If this process is still alive
// after handoffTTL the restart did not happen and the run fails.
func (r *Run) handOff(ctx context.Context, rc *RunContext) {
	logging.Infof("Update %s handed off: %s", r.id, rc.handoff)
	if err := r.handle.Advance(progress.StageRestarting, rc.handoff, progress.ProgressHandedOff); err != nil {
		logging.Errorf("Failed to publish update handoff: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handedOff = true
	r.ceilingTimer.Stop()
	if err := r.history.SetStatus(ctx, r.id, database.StatusInitiated, ""); err != nil {
		logging.Errorf("Failed to record initiated update: %v", err)
	}
	r.closeBackground()
	time.AfterFunc(r.handoffTTL, func() {
		err := fmt.Errorf("%w after %s", ErrRestartTimeout, r.handoffTTL)
		_ = r.finish(ctx, rc, err)
	})
}

func (r *Run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

type stageFunc func(ctx context.Context, rc *RunContext) error

// pipeline runs the stages. Stages before backing_up use runCtx and can be
// cancelled; later stages use ctx, which cannot.
func (r *Run) pipeline(ctx, runCtx context.Context, rc *RunContext) error {
	rc.stage = progress.StageStarting
	if r.preflight != nil {
		if err := r.preflight(runCtx); err != nil {
			return fmt.Errorf("preflight failed: %w", err)
		}
	}

	early := []struct {
		stage progress.Stage
		pct   int
		fn    stageFunc
	}{
		{progress.StageDownloading, progress.ProgressDownloading, r.strategy.Download},
		{progress.StageExtracting, progress.ProgressExtracting, r.strategy.Extract},
	}
	for _, s := range early {
		if err := runCtx.Err(); err != nil {
			return err
		}
		if err := r.runStage(runCtx, rc, s.stage, s.pct, s.fn); err != nil {
			return err
		}
	}

	if !r.enterBackup() {
		return ErrCancelled
	}

	if err := r.advance(rc, progress.StageBackingUp, progress.ProgressBackingUp); err != nil {
		return err
	}
	backupPath, err := r.strategy.Backup(ctx, rc)
	if err != nil {
		return err
	}
	if err := r.recordBackup(ctx, backupPath); err != nil {
		return err
	}

	late := []struct {
		stage progress.Stage
		pct   int
		fn    stageFunc
	}{
		{progress.StageUpdating, progress.ProgressUpdating, r.strategy.Apply},
		{progress.StageRestarting, progress.ProgressRestarting, r.strategy.Restart},
	}
	for _, s := range late {
		if err := r.runStage(ctx, rc, s.stage, s.pct, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) runStage(ctx context.Context, rc *RunContext, stage progress.Stage, pct int, fn stageFunc) error {
	if err := r.advance(rc, stage, pct); err != nil {
		return err
	}
	ctx, span := telemetry.StartSpan(ctx, "update.step", trace.WithAttributes(attribute.String("update.stage", string(stage))))
	err := fn(ctx, rc)
	telemetry.End(span, err)
	return err
}

func (r *Run) advance(rc *RunContext, stage progress.Stage, pct int) error {
	rc.stage = stage
	logging.Infof("Update %s: %s", r.id, stage)
	return r.handle.Advance(stage, stage.Description(), pct)
}

func (r *Run) recordBackup(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("backup produced no path")
	}
	if err := r.handle.SetBackupPath(path); err != nil {
		return err
	}
	r.mu.Lock()
	r.backupPath = path
	r.mu.Unlock()

	if err := r.history.SetBackupPath(ctx, r.id, path); err != nil {
		logging.Errorf("Failed to record backup path: %v", err)
	}
	return nil
}

// finish restores on failure, then publishes the terminal state.
func (r *Run) finish(ctx context.Context, rc *RunContext, err error) error {
	r.mu.Lock()
	backupPath := r.backupPath
	r.mu.Unlock()

	if err != nil && backupPath != "" {
		logging.Warnf("Update %s failed, restoring from %s: %v", r.id, backupPath, err)
		if rerr := r.strategy.Restore(ctx, rc, backupPath); rerr != nil {
			err = fmt.Errorf("%w; restore from %s failed: %v", err, backupPath, rerr)
		} else {
			err = fmt.Errorf("%w (restored from %s)", err, backupPath)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	r.err = err
	r.ceilingTimer.Stop()

	status := database.StatusCompleted
	errMsg := ""
	if err != nil {
		status = database.StatusFailed
		errMsg = err.Error()
		logging.Errorf("Update %s failed: %v", r.id, err)
		if ferr := r.handle.Fail(err); ferr != nil {
			logging.Errorf("Failed to publish update failure: %v", ferr)
		}
	} else {
		logging.Infof("Update %s completed", r.id)
		if cerr := r.handle.Complete("Update completed successfully"); cerr != nil {
			logging.Errorf("Failed to publish update completion: %v", cerr)
		}
	}

	if herr := r.history.SetStatus(ctx, r.id, status, errMsg); herr != nil {
		logging.Errorf("Failed to record update result: %v", herr)
	}
	return err
}
