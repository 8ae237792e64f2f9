// Package pipeline runs update steps as child processes and keeps their output.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrStepTimeout marks a step killed by its own timeout.
var ErrStepTimeout = errors.New("step timed out")

var pipeGrace = 5 * time.Second

// maxLineSize is the longest output line kept.
const maxLineSize = 1 << 20

// ExecCommandFunc builds a child process. Tests swap it for a fake.
type ExecCommandFunc func(ctx context.Context, dir string, env []string, name string, args ...string) Command

// Command is the part of *exec.Cmd the runner needs.
type Command interface {
	Start() error
	Wait() error
	StdoutPipe() (io.ReadCloser, error)
	StderrPipe() (io.ReadCloser, error)
}

// Step is one command in an update pipeline.
type Step struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     []string
	// Timeout overrides the runner default when positive.
	Timeout time.Duration
}

// String renders the command line.
func (s Step) String() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

// Result is what a finished step left behind.
type Result struct {
	Step     string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// StepError is returned when a step does not exit with code 0.
type StepError struct {
	Step     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *StepError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed (exit code %d): %s", e.Step, e.ExitCode, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed (exit code %d): %v", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s failed (exit code %d)", e.Step, e.ExitCode)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// LineFunc receives each output line as it is read. stream is "stdout" or "stderr".
type LineFunc func(step, stream, line string)

// Runner executes steps one at a time and accumulates a transcript.
type Runner struct {
	execCommand ExecCommandFunc
	timeout     time.Duration
	onLine      LineFunc

	mu  sync.Mutex
	log strings.Builder
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecCommand replaces process creation.
func WithExecCommand(fn ExecCommandFunc) Option {
	return func(r *Runner) { r.execCommand = fn }
}

// WithStepTimeout sets the default per-step timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithLineHandler registers a callback for every output line.
func WithLineHandler(fn LineFunc) Option {
	return func(r *Runner) { r.onLine = fn }
}

// NewRunner creates a runner that spawns real processes.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		execCommand: defaultExecCommand,
		timeout:     10 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLineHandler replaces the line callback. It must not be called while a step runs.
func (r *Runner) SetLineHandler(fn LineFunc) {
	r.onLine = fn
}

// Output returns everything the steps printed so far, prefixed by step name.
func (r *Runner) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.String()
}

// Run executes step and waits for it. Exit code 0 is the only success.
func (r *Runner) Run(ctx context.Context, step Step) (Result, error) {
	if step.Name == "" {
		step.Name = step.String()
	}
	res := Result{Step: step.Name, ExitCode: -1}

	timeout := r.timeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r.appendLog(step.Name, "$ "+step.String())
	start := time.Now()

	cmd := r.execCommand(stepCtx, step.Dir, step.Env, step.Command, step.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return res, &StepError{Step: step.Name, ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return res, &StepError{Step: step.Name, ExitCode: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return res, &StepError{Step: step.Name, ExitCode: -1, Err: err}
	}

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go r.readLines(&wg, step.Name, "stdout", stdout, &outBuf)
	go r.readLines(&wg, step.Name, "stderr", stderr, &errBuf)

	// A killed step can leave grandchildren holding the pipes open.
	readDone := make(chan struct{})
	go func() {
		select {
		case <-readDone:
		case <-stepCtx.Done():
			timer := time.NewTimer(pipeGrace)
			defer timer.Stop()
			select {
			case <-readDone:
			case <-timer.C:
				_ = stdout.Close()
				_ = stderr.Close()
			}
		}
	}()
	wg.Wait()
	close(readDone)

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	res.Stdout = outBuf.String()
	res.Stderr = errBuf.String()

	if waitErr == nil {
		res.ExitCode = 0
		return res, nil
	}

	res.ExitCode = exitCode(waitErr)
	stepErr := &StepError{
		Step:     step.Name,
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimRight(res.Stderr, " \t\r\n"),
		Err:      waitErr,
	}
	switch {
	case ctx.Err() != nil:
		stepErr.Err = ctx.Err()
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		stepErr.Err = fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
	}
	return res, stepErr
}

func (r *Runner) readLines(wg *sync.WaitGroup, step, stream string, rc io.ReadCloser, buf *strings.Builder) {
	defer wg.Done()
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		r.appendLog(step, line)
		if r.onLine != nil {
			r.onLine(step, stream, line)
		}
	}
	if err := scanner.Err(); err != nil {
		note := fmt.Sprintf("%s capture stopped: %v", stream, err)
		buf.WriteString(note)
		buf.WriteByte('\n')
		r.appendLog(step, note)
		// Keep draining so the child does not block on a full pipe.
		_, _ = io.Copy(io.Discard, rc)
	}
}

func (r *Runner) appendLog(step, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(&r.log, "[%s] %s\n", step, line)
}

func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}
