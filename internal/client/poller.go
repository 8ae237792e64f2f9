package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"projectshelf/internal/progress"
)

// Poller defaults.
const (
	DefaultInterval        = time.Second
	DefaultTransientBudget = 120
	DefaultHardBudget      = 3
)

// ResultState is how a watched update ended from the caller's point of view.
type ResultState string

const (
	// ResultPending marks intermediate Watch events.
	ResultPending     ResultState = "pending"
	ResultCompleted   ResultState = "completed"
	ResultFailed      ResultState = "failed"
	ResultAnomaly     ResultState = "anomaly"
	ResultUnreachable ResultState = "unreachable"
)

// ErrAnomaly means the server went idle without reporting a terminal stage.
var ErrAnomaly = errors.New("update stopped without reaching a terminal stage; verify the deployment manually")

// ErrUnreachable means the server did not answer for the whole transient budget.
var ErrUnreachable = errors.New("server unreachable; the update outcome is unknown, verify the deployment manually")

// Result is the final presentation of a watched update.
type Result struct {
	State ResultState `json:"state" yaml:"state"`
	// Progress is the last record observed, if any.
	Progress *progress.UpdateProgress `json:"progress,omitempty" yaml:"progress,omitempty"`
	Message  string                   `json:"message,omitempty" yaml:"message,omitempty"`
}

// Dismissible reports whether a view showing r may be closed.
func (r Result) Dismissible() bool {
	switch r.State {
	case ResultCompleted, ResultFailed, ResultAnomaly, ResultUnreachable:
		return true
	}
	return false
}

// NeedsManualVerification reports whether the outcome is ambiguous.
func (r Result) NeedsManualVerification() bool {
	return r.State == ResultAnomaly || r.State == ResultUnreachable
}

// ProgressReader is the single read the poller needs.
type ProgressReader interface {
	Progress(ctx context.Context) (ProgressResponse, error)
}

// Event is one observation made while watching.
type Event struct {
	Progress *progress.UpdateProgress
	// Err is a read failure that is being retried.
	Err error
	// Result is set on the last event only.
	Result *Result
}

// Poller reads progress until the update resolves.
type Poller struct {
	reader ProgressReader

	Interval time.Duration
	// TransientBudget is the number of consecutive network or gateway
	// failures tolerated. It covers the restart window.
	TransientBudget int
	// HardBudget is the number of consecutive other read failures tolerated.
	HardBudget int
	// RunID restricts the poller to one run. Records of other runs are
	// treated as not yet seen.
	RunID string
}

// NewPoller creates a poller with the default interval and budgets.
func NewPoller(r ProgressReader, runID string) *Poller {
	return &Poller{
		reader:          r,
		Interval:        DefaultInterval,
		TransientBudget: DefaultTransientBudget,
		HardBudget:      DefaultHardBudget,
		RunID:           runID,
	}
}

// Poll reads progress immediately and then once per interval until a
// terminal stage, an anomaly or an exhausted budget.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	return p.run(ctx, func(Event) {})
}

// Watch streams every observation. The channel closes after the event that
// carries the Result, or when ctx is done.
func (p *Poller) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event, 8)
	go func() {
		defer close(events)
		res, err := p.run(ctx, func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			return
		}
		select {
		case events <- Event{Progress: res.Progress, Result: &res}:
		case <-ctx.Done():
		}
	}()
	return events
}

func (p *Poller) run(ctx context.Context, emit func(Event)) (Result, error) {
	var (
		last      *progress.UpdateProgress
		transient int
		hard      int
		idle      int
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}

		resp, err := p.reader.Progress(ctx)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		switch {
		case err != nil && IsTransient(err):
			hard = 0
			transient++
			if transient > p.TransientBudget {
				return Result{State: ResultUnreachable, Progress: last, Message: ErrUnreachable.Error()}, nil
			}
			emit(Event{Progress: last, Err: err})

		case err != nil:
			transient = 0
			hard++
			if hard > p.HardBudget {
				return Result{
					State:    ResultFailed,
					Progress: last,
					Message:  fmt.Sprintf("failed to read update progress: %v", err),
				}, nil
			}
			emit(Event{Progress: last, Err: err})

		default:
			transient, hard = 0, 0
			if res, done := p.observe(resp, &last, &idle); done {
				return res, nil
			}
			emit(Event{Progress: last})
		}

		timer.Reset(p.Interval)
	}
}

// observe folds one successful read into the poll state.
func (p *Poller) observe(resp ProgressResponse, last **progress.UpdateProgress, idle *int) (Result, bool) {
	cur := resp.Progress
	if cur != nil && p.RunID != "" && cur.RunID != p.RunID {
		cur = nil
	}

	if cur != nil {
		*idle = 0
		snapshot := *cur
		*last = &snapshot
		switch cur.Stage {
		case progress.StageCompleted:
			return Result{State: ResultCompleted, Progress: *last, Message: cur.Message}, true
		case progress.StageError:
			msg := cur.Error
			if msg == "" {
				msg = cur.Message
			}
			return Result{State: ResultFailed, Progress: *last, Message: msg}, true
		}
		if resp.UpdateInProgress {
			return Result{}, false
		}
		return Result{State: ResultAnomaly, Progress: *last, Message: ErrAnomaly.Error()}, true
	}

	if resp.UpdateInProgress {
		return Result{}, false
	}
	if *last != nil {
		return Result{State: ResultAnomaly, Progress: *last, Message: ErrAnomaly.Error()}, true
	}
	// Nothing of ours was ever seen and the server is idle.
	*idle++
	if *idle > p.HardBudget {
		return Result{State: ResultAnomaly, Message: ErrAnomaly.Error()}, true
	}
	return Result{}, false
}
