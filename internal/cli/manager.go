package cli

import (
	"context"

	"projectshelf/internal/client"
	"projectshelf/internal/database"
	"projectshelf/internal/update"
)

// Manager abstracts core operations for the CLI.
type Manager interface {
	Serve(ctx context.Context, configPath string) error

	CheckForUpdates(ctx context.Context, refresh bool) (update.VersionCheckResult, error)
	TriggerUpdate(ctx context.Context, method string) (client.TriggerResponse, error)
	Progress(ctx context.Context) (client.ProgressResponse, error)
	Watch(ctx context.Context, runID string) <-chan ProgressEvent
	Cancel(ctx context.Context) error
	History(ctx context.Context, limit int) ([]database.UpdateHistory, error)
	DeploymentInfo(ctx context.Context) (client.DeploymentInfo, error)

	Finalize(ctx context.Context, oldName, newName string) error
}
