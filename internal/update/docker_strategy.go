package update

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"projectshelf/internal/docker"
	"projectshelf/internal/logging"
	"projectshelf/internal/pipeline"
	"projectshelf/internal/progress"
)

// DockerOptions describe the container the docker strategy replaces.
type DockerOptions struct {
	Image         string
	ContainerName string
	Ports         []string
	Volumes       []string
	RestartPolicy string
	// Socket is mounted into the finalizer so it can reach the daemon.
	Socket string
	// FinalizerArgs is the command the finalizer container runs; the old
	// and new container names are appended.
	FinalizerArgs []string
}

// DockerStrategy pulls a new image, keeps the running container as a
// renamed backup, creates the replacement and hands the swap to a detached
// finalizer container.
type DockerStrategy struct {
	opts   DockerOptions
	engine docker.Engine
	now    func() time.Time

	imageID    string
	backupName string
}

// NewDockerStrategy creates a docker strategy. engine may be nil, in which
// case the backup is verified with the docker CLI.
func NewDockerStrategy(opts DockerOptions, engine docker.Engine) *DockerStrategy {
	return &DockerStrategy{opts: opts, engine: engine, now: time.Now}
}

// Method implements Strategy.
func (s *DockerStrategy) Method() Method { return MethodDocker }

func (s *DockerStrategy) step(name string, args ...string) pipeline.Step {
	return pipeline.Step{Name: name, Command: "docker", Args: args}
}

// Download pulls the image and reports layer progress.
func (s *DockerStrategy) Download(ctx context.Context, rc *RunContext) error {
	parser := progress.NewPullParser()
	var mu sync.Mutex
	rc.Runner.SetLineHandler(func(_, _, line string) {
		mu.Lock()
		defer mu.Unlock()
		if parser.Feed(line) {
			rc.Report(parser.Message(), parser.Fraction(progress.ProgressDownloading, progress.ProgressExtracting))
		}
	})
	defer rc.Runner.SetLineHandler(nil)

	_, err := rc.Runner.Run(ctx, s.step("pull", "pull", s.opts.Image))
	return err
}

// Extract resolves the pulled image id.
func (s *DockerStrategy) Extract(ctx context.Context, rc *RunContext) error {
	res, err := rc.Runner.Run(ctx, s.step("inspect-image", "image", "inspect", "--format", "{{.Id}}", s.opts.Image))
	if err != nil {
		return err
	}
	s.imageID = strings.TrimSpace(res.Stdout)
	if s.imageID == "" {
		return fmt.Errorf("image %s has no id after pull", s.opts.Image)
	}
	rc.Report(fmt.Sprintf("Image %s ready", shortID(s.imageID)), progress.ProgressExtracting)
	return nil
}

// Backup renames the running container out of the way.
func (s *DockerStrategy) Backup(ctx context.Context, rc *RunContext) (string, error) {
	name := s.opts.ContainerName
	s.backupName = fmt.Sprintf("%s-backup-%s", name, s.now().UTC().Format("20060102150405"))

	if _, err := rc.Runner.Run(ctx, s.step("backup", "rename", name, s.backupName)); err != nil {
		return "", err
	}

	if err := s.verifyBackup(ctx, rc); err != nil {
		if _, rerr := rc.Runner.Run(ctx, s.step("undo-backup", "rename", s.backupName, name)); rerr != nil {
			logging.Errorf("Failed to undo container rename: %v", rerr)
		}
		return "", fmt.Errorf("backup container %s not found after rename: %w", s.backupName, err)
	}
	return s.backupName, nil
}

func (s *DockerStrategy) verifyBackup(ctx context.Context, rc *RunContext) error {
	if s.engine != nil {
		_, err := s.engine.Inspect(ctx, s.backupName)
		return err
	}
	res, err := rc.Runner.Run(ctx, s.step("verify-backup", "container", "inspect", "--format", "{{.Name}}", s.backupName))
	if err != nil {
		return err
	}
	if strings.TrimPrefix(strings.TrimSpace(res.Stdout), "/") != s.backupName {
		return docker.ErrNotFound
	}
	return nil
}

// Apply creates the replacement container without starting it.
func (s *DockerStrategy) Apply(ctx context.Context, rc *RunContext) error {
	args := []string{"create", "--name", s.opts.ContainerName}
	if s.opts.RestartPolicy != "" {
		args = append(args, "--restart", s.opts.RestartPolicy)
	}
	for _, p := range s.opts.Ports {
		args = append(args, "-p", p)
	}
	for _, v := range s.opts.Volumes {
		args = append(args, "-v", v)
	}
	args = append(args, s.opts.Image)

	_, err := rc.Runner.Run(ctx, s.step("create", args...))
	return err
}

// Restart launches the finalizer. Stopping this container is the
// finalizer's job, so the run is handed off rather than completed.
func (s *DockerStrategy) Restart(ctx context.Context, rc *RunContext) error {
	if s.backupName == "" {
		return errors.New("no backup container to hand off")
	}
	runID := rc.RunID
	if len(runID) > 8 {
		runID = runID[:8]
	}
	args := []string{
		"run", "-d", "--rm",
		"--name", fmt.Sprintf("%s-finalizer-%s", s.opts.ContainerName, runID),
		"-v", s.opts.Socket + ":" + s.opts.Socket,
		s.opts.Image,
	}
	args = append(args, s.opts.FinalizerArgs...)
	args = append(args, "--old", s.backupName, "--new", s.opts.ContainerName)

	if _, err := rc.Runner.Run(ctx, s.step("finalize", args...)); err != nil {
		return err
	}
	rc.HandOff("Finalizer started; waiting for the new container")
	return nil
}

// Restore removes the replacement and renames the backup back.
func (s *DockerStrategy) Restore(ctx context.Context, rc *RunContext, backupPath string) error {
	name := s.opts.ContainerName
	if _, err := rc.Runner.Run(ctx, s.step("restore-remove", "rm", "-f", name)); err != nil {
		logging.Warnf("Could not remove replacement container %s: %v", name, err)
	}
	if _, err := rc.Runner.Run(ctx, s.step("restore-rename", "rename", backupPath, name)); err != nil {
		return err
	}
	_, err := rc.Runner.Run(ctx, s.step("restore-start", "start", name))
	return err
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
