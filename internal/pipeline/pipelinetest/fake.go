// Package pipelinetest provides a scripted process spawner for tests.
package pipelinetest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"projectshelf/internal/pipeline"
)

// Response scripts one command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Block holds the command until closed or until the context ends.
	Block <-chan struct{}
	// Started is closed when the command starts, if non-nil. A response
	// with Started set must match a single command.
	Started chan<- struct{}
}

// Call records one spawned command.
type Call struct {
	Dir  string
	Env  []string
	Argv []string
}

// Line is the command line joined by spaces.
func (c Call) Line() string {
	return strings.Join(c.Argv, " ")
}

// Fake answers commands by the longest matching command line prefix.
// Unscripted commands succeed with no output.
type Fake struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []Call
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{responses: make(map[string]Response)}
}

// On scripts every command line starting with prefix.
func (f *Fake) On(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = resp
	return f
}

// Exec satisfies pipeline.ExecCommandFunc.
func (f *Fake) Exec(ctx context.Context, dir string, env []string, name string, args ...string) pipeline.Command {
	call := Call{Dir: dir, Env: env, Argv: append([]string{name}, args...)}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	resp := f.match(call.Line())
	f.mu.Unlock()

	return &command{ctx: ctx, resp: resp}
}

func (f *Fake) match(line string) Response {
	best, bestLen := Response{}, -1
	for prefix, resp := range f.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > bestLen {
			best, bestLen = resp, len(prefix)
		}
	}
	return best
}

// Calls returns the spawned commands in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns the spawned command lines in order.
func (f *Fake) Lines() []string {
	calls := f.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.Line()
	}
	return lines
}

// Called reports whether any spawned command line starts with prefix.
func (f *Fake) Called(prefix string) bool {
	for _, l := range f.Lines() {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

// ExitError mimics *exec.ExitError.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode returns the scripted code.
func (e *ExitError) ExitCode() int { return e.Code }

type command struct {
	ctx  context.Context
	resp Response
}

func (c *command) StdoutPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(c.resp.Stdout)), nil
}

func (c *command) StderrPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(c.resp.Stderr)), nil
}

func (c *command) Start() error {
	if c.resp.Started != nil {
		close(c.resp.Started)
	}
	return nil
}

func (c *command) Wait() error {
	if c.resp.Block != nil {
		select {
		case <-c.resp.Block:
		case <-c.ctx.Done():
			return &ExitError{Code: -1}
		}
	}
	if c.resp.ExitCode != 0 {
		return &ExitError{Code: c.resp.ExitCode}
	}
	return nil
}
