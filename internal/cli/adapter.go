package cli

import (
	"context"
	"fmt"
	"time"

	"projectshelf/internal/client"
	"projectshelf/internal/database"
	"projectshelf/internal/docker"
	"projectshelf/internal/progress"
	"projectshelf/internal/update"
)

// ServeFunc runs the server until ctx is done.
type ServeFunc func(ctx context.Context, configPath string) error

// NewManagerAdapter wraps an update API client for CLI usage.
func NewManagerAdapter(c *client.Client, serve ServeFunc) Manager {
	return &managerAdapter{client: c, serve: serve, interval: client.DefaultInterval}
}

type managerAdapter struct {
	client   *client.Client
	serve    ServeFunc
	interval time.Duration
}

func (m *managerAdapter) Serve(ctx context.Context, configPath string) error {
	if m.serve == nil {
		return fmt.Errorf("serve is not available")
	}
	return m.serve(ctx, configPath)
}

func (m *managerAdapter) CheckForUpdates(ctx context.Context, refresh bool) (update.VersionCheckResult, error) {
	return m.client.CheckForUpdates(ctx, refresh)
}

func (m *managerAdapter) TriggerUpdate(ctx context.Context, method string) (client.TriggerResponse, error) {
	return m.client.TriggerUpdate(ctx, client.TriggerRequest{Method: method})
}

func (m *managerAdapter) Progress(ctx context.Context) (client.ProgressResponse, error) {
	return m.client.Progress(ctx)
}

func (m *managerAdapter) Watch(ctx context.Context, runID string) <-chan ProgressEvent {
	p := client.NewPoller(m.client, runID)
	p.Interval = m.interval
	return convertEvents(p.Watch(ctx))
}

func (m *managerAdapter) Cancel(ctx context.Context) error {
	return m.client.Cancel(ctx)
}

func (m *managerAdapter) History(ctx context.Context, limit int) ([]database.UpdateHistory, error) {
	return m.client.History(ctx, limit)
}

func (m *managerAdapter) DeploymentInfo(ctx context.Context) (client.DeploymentInfo, error) {
	return m.client.DeploymentInfo(ctx)
}

// Finalize runs the container handoff against the local Docker daemon.
func (m *managerAdapter) Finalize(ctx context.Context, oldName, newName string) error {
	engine, err := docker.NewClient(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()
	return docker.Finalize(ctx, engine, docker.FinalizeOptions{Old: oldName, New: newName})
}

// convertEvents turns poller observations into CLI events. Repeated reads of
// an unchanged record are dropped.
func convertEvents(input <-chan client.Event) <-chan ProgressEvent {
	out := make(chan ProgressEvent, 1)
	go func() {
		defer close(out)
		var last progress.UpdateProgress
		for ev := range input {
			switch {
			case ev.Result != nil:
				out <- resultEvent(*ev.Result)
			case ev.Err != nil:
				out <- ProgressEvent{Type: "log", Message: fmt.Sprintf("waiting for server: %v", ev.Err)}
			case ev.Progress != nil:
				p := *ev.Progress
				if p.Stage == last.Stage && p.Progress == last.Progress && p.Message == last.Message {
					continue
				}
				last = p
				out <- ProgressEvent{
					Type:    "progress",
					Message: fmt.Sprintf("[%s] %s", p.Stage, p.Message),
					Percent: p.Progress,
					Data:    p,
				}
			}
		}
	}()
	return out
}

func resultEvent(res client.Result) ProgressEvent {
	ev := ProgressEvent{Message: res.Message, Data: res}
	switch res.State {
	case client.ResultCompleted:
		ev.Type = "success"
		ev.Percent = progress.ProgressCompleted
		if ev.Message == "" {
			ev.Message = "update completed"
		}
	case client.ResultFailed:
		ev.Type = "error"
		ev.Code = "update_failed"
	case client.ResultAnomaly:
		ev.Type = "error"
		ev.Code = "update_anomaly"
	default:
		ev.Type = "error"
		ev.Code = "server_unreachable"
	}
	return ev
}
