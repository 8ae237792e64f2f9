package docker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"projectshelf/internal/logging"
)

// FinalizeOptions names the two containers of a handoff.
type FinalizeOptions struct {
	// Old is the backup container currently serving traffic.
	Old string
	// New is the freshly created container that takes over the name.
	New string

	StopTimeout  time.Duration
	StartTimeout time.Duration
	PollInterval time.Duration
}

func (o *FinalizeOptions) defaults() {
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
}

// Finalize stops Old and starts New. When New does not come up it is
// removed and Old is renamed back and restarted.
func Finalize(ctx context.Context, e Engine, opts FinalizeOptions) error {
	opts.defaults()
	if opts.Old == "" || opts.New == "" {
		return errors.New("both old and new container names are required")
	}

	if _, err := e.Inspect(ctx, opts.New); err != nil {
		return fmt.Errorf("new container not ready: %w", err)
	}

	old, err := e.Inspect(ctx, opts.Old)
	if err != nil {
		return fmt.Errorf("backup container not found: %w", err)
	}
	if old.Running {
		logging.Infof("Stopping %s", opts.Old)
		if err := e.Stop(ctx, opts.Old, opts.StopTimeout); err != nil {
			return err
		}
	}

	logging.Infof("Starting %s", opts.New)
	startErr := e.Start(ctx, opts.New)
	if startErr == nil {
		startErr = waitRunning(ctx, e, opts.New, opts.StartTimeout, opts.PollInterval)
	}
	if startErr == nil {
		logging.Infof("Container %s is running; %s kept stopped as backup", opts.New, opts.Old)
		return nil
	}

	logging.Errorf("New container failed to start, rolling back to %s: %v", opts.Old, startErr)
	if err := rollback(ctx, e, opts); err != nil {
		return fmt.Errorf("start failed: %w; rollback failed: %v", startErr, err)
	}
	return fmt.Errorf("start failed, previous container restored: %w", startErr)
}

func waitRunning(ctx context.Context, e Engine, name string, timeout, interval time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := e.Inspect(ctx, name)
		if err != nil {
			return err
		}
		if state.Running {
			return nil
		}
		if state.Status == "exited" || state.Status == "dead" {
			return fmt.Errorf("container %s %s", name, state.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("container %s not running after %s", name, timeout)
		case <-ticker.C:
		}
	}
}

func rollback(ctx context.Context, e Engine, opts FinalizeOptions) error {
	if err := e.Remove(ctx, opts.New); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := e.Rename(ctx, opts.Old, opts.New); err != nil {
		return err
	}
	return e.Start(ctx, opts.New)
}
