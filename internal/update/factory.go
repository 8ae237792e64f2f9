package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"projectshelf/internal/config"
	"projectshelf/internal/docker"
)

// NewStrategyFactory builds strategies from the update configuration.
// engine may be nil.
func NewStrategyFactory(cfg config.UpdateConfig, engine docker.Engine) StrategyFactory {
	return func(m Method) (Strategy, error) {
		switch m {
		case MethodDocker:
			return NewDockerStrategy(DockerOptions{
				Image:         cfg.Docker.Image,
				ContainerName: cfg.Docker.ContainerName,
				Ports:         cfg.Docker.Ports,
				Volumes:       cfg.Docker.Volumes,
				RestartPolicy: cfg.Docker.RestartPolicy,
				Socket:        cfg.Docker.Socket,
				FinalizerArgs: cfg.Docker.FinalizerArgs,
			}, engine), nil
		case MethodGit:
			return NewGitStrategy(GitOptions{
				WorkDir:        cfg.Git.WorkDir,
				Remote:         cfg.Git.Remote,
				Branch:         cfg.Git.Branch,
				FallbackBranch: cfg.Git.FallbackBranch,
				BuildPackage:   cfg.Git.BuildPackage,
				BinaryPath:     cfg.Git.BinaryPath,
				GoBinary:       cfg.Git.GoBinary,
				RestartCommand: cfg.Git.RestartCommand,
				BackupDir:      cfg.BackupDir,
			}), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, m)
		}
	}
}

// NewExecutorConfig maps the update configuration onto executor settings.
func NewExecutorConfig(cfg config.UpdateConfig) ExecutorConfig {
	return ExecutorConfig{
		Method: Method(cfg.Method),
		Ceilings: map[Method]time.Duration{
			MethodDocker: cfg.Docker.Wait,
			MethodGit:    cfg.Git.Wait,
		},
		StepTimeout:    cfg.StepTimeout,
		HandoffTimeout: cfg.HandoffTimeout,
	}
}

// DiskPreflight checks the backup directory is writable and has at least
// minFree bytes available.
func DiskPreflight(dir string, minFree uint64) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("backup directory %s: %w", dir, err)
		}
		probe := filepath.Join(dir, ".write-test")
		if err := os.WriteFile(probe, nil, 0o600); err != nil {
			return fmt.Errorf("backup directory %s is not writable: %w", dir, err)
		}
		_ = os.Remove(probe)

		if minFree == 0 {
			return nil
		}
		usage, err := disk.UsageWithContext(ctx, dir)
		if err != nil {
			return fmt.Errorf("failed to read free space for %s: %w", dir, err)
		}
		if usage.Free < minFree {
			return fmt.Errorf("only %d MiB free in %s, need %d MiB", usage.Free>>20, dir, minFree>>20)
		}
		return nil
	}
}
