package update

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projectshelf/internal/docker"
	"projectshelf/internal/pipeline"
	"projectshelf/internal/pipeline/pipelinetest"
	"projectshelf/internal/progress"
)

type stubEngine struct {
	missing bool
}

func (e stubEngine) Inspect(_ context.Context, name string) (docker.ContainerState, error) {
	if e.missing {
		return docker.ContainerState{}, docker.ErrNotFound
	}
	return docker.ContainerState{Name: name, Running: true}, nil
}

func (stubEngine) Stop(context.Context, string, time.Duration) error { return nil }
func (stubEngine) Start(context.Context, string) error { return nil }
func (stubEngine) Rename(context.Context, string, string) error { return nil }
func (stubEngine) Remove(context.Context, string) error { return nil }

func testDockerOptions() DockerOptions {
	return DockerOptions{
		Image:         "robertls/projectshelf:latest",
		ContainerName: "projectshelf",
		Ports:         []string{"8081:8080"},
		Volumes:       []string{"data:/app/data"},
		RestartPolicy: "unless-stopped",
		Socket:        "/var/run/docker.sock",
		FinalizerArgs: []string{"update", "finalize"},
	}
}

func runDocker(t *testing.T, fake *pipelinetest.Fake, engine docker.Engine) (*Run, *progress.Tracker) {
	t.Helper()
	tracker := progress.NewTracker()
	strategy := NewDockerStrategy(testDockerOptions(), engine)
	strategy.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	e := NewExecutor(tracker, func(Method) (Strategy, error) { return strategy, nil }, "1.2.0",
		ExecutorConfig{Method: MethodDocker}, WithExecCommand(fake.Exec))
	run, err := e.Start(context.Background(), Request{TargetVersion: "1.3.0"})
	require.NoError(t, err)
	waitDone(t, run)
	return run, tracker
}

func TestDockerStrategyCommands(t *testing.T) {
	fake := pipelinetest.New().
		On("docker pull", pipelinetest.Response{Stdout: strings.Join([]string{
			"latest: Pulling from robertls/projectshelf",
			"a1b2c3d4e5f6: Pulling fs layer",
			"b2c3d4e5f6a1: Pulling fs layer",
			"a1b2c3d4e5f6: Pull complete",
			"b2c3d4e5f6a1: Already exists",
			"Status: Downloaded newer image for robertls/projectshelf:latest",
		}, "\n")}).
		On("docker image inspect", pipelinetest.Response{Stdout: "sha256:0123456789abcdef0123\n"})

	run, tracker := runDocker(t, fake, stubEngine{})
	require.NoError(t, run.Err())

	require.Equal(t, []string{
		"docker pull robertls/projectshelf:latest",
		"docker image inspect --format {{.Id}} robertls/projectshelf:latest",
		"docker rename projectshelf projectshelf-backup-20260304050607",
		"docker create --name projectshelf --restart unless-stopped -p 8081:8080 -v data:/app/data robertls/projectshelf:latest",
		"docker run -d --rm --name projectshelf-finalizer-" + run.ID()[:8] +
			" -v /var/run/docker.sock:/var/run/docker.sock robertls/projectshelf:latest update finalize" +
			" --old projectshelf-backup-20260304050607 --new projectshelf",
	}, fake.Lines())

	p, _ := tracker.Current()
	require.Equal(t, progress.StageRestarting, p.Stage)
	require.Equal(t, "projectshelf-backup-20260304050607", p.BackupPath)
	require.Contains(t, run.Output(), "[pull] Status: Downloaded newer image")
}

func TestDockerStrategyFinalizerLeavesRunUnconfirmed(t *testing.T) {
	fake := pipelinetest.New().
		On("docker image inspect", pipelinetest.Response{Stdout: "sha256:abc\n"})

	run, tracker := runDocker(t, fake, stubEngine{})
	require.NoError(t, run.Err())
	require.True(t, fake.Called("docker run -d --rm"))

	p, _ := tracker.Current()
	require.Equal(t, progress.StageRestarting, p.Stage)
	require.Equal(t, progress.ProgressHandedOff, p.Progress)
	require.False(t, p.Confirmed)
	require.True(t, tracker.InProgress(), "the tracker stays held until the new container confirms")

	outcome, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeBackground, outcome)
	require.ErrorIs(t, run.Cancel(), ErrNotCancellable)
}

func TestDockerStrategyRestoresOnCreateFailure(t *testing.T) {
	fake := pipelinetest.New().
		On("docker image inspect", pipelinetest.Response{Stdout: "sha256:abc\n"}).
		On("docker create", pipelinetest.Response{
			Stderr:   `Error response from daemon: Conflict. The container name "/projectshelf" is already in use`,
			ExitCode: 125,
		})

	run, tracker := runDocker(t, fake, stubEngine{})
	require.Error(t, run.Err())

	lines := fake.Lines()
	require.Equal(t, []string{
		"docker rm -f projectshelf",
		"docker rename projectshelf-backup-20260304050607 projectshelf",
		"docker start projectshelf",
	}, lines[len(lines)-3:])
	require.False(t, fake.Called("docker run"))

	p, _ := tracker.Current()
	require.Equal(t, progress.StageError, p.Stage)
	require.Contains(t, p.Error, "is already in use")
	require.Contains(t, p.Error, "restored from projectshelf-backup-20260304050607")
}

func TestDockerStrategyUnverifiedBackupIsUndone(t *testing.T) {
	fake := pipelinetest.New().
		On("docker image inspect", pipelinetest.Response{Stdout: "sha256:abc\n"})

	run, _ := runDocker(t, fake, stubEngine{missing: true})
	require.Error(t, run.Err())
	require.ErrorIs(t, run.Err(), docker.ErrNotFound)
	require.True(t, fake.Called("docker rename projectshelf-backup-20260304050607 projectshelf"))
	require.False(t, fake.Called("docker create"))
}

func TestDockerStrategyVerifiesWithCLI(t *testing.T) {
	fake := pipelinetest.New().
		On("docker image inspect", pipelinetest.Response{Stdout: "sha256:abc\n"}).
		On("docker container inspect", pipelinetest.Response{Stdout: "/projectshelf-backup-20260304050607\n"})

	run, _ := runDocker(t, fake, nil)
	require.NoError(t, run.Err())
	require.True(t, fake.Called("docker container inspect --format {{.Name}} projectshelf-backup-20260304050607"))
}

func TestDockerStrategyPullProgress(t *testing.T) {
	fake := pipelinetest.New().On("docker pull", pipelinetest.Response{
		Stdout: "aaaaaaaaaaaa: Pulling fs layer\nbbbbbbbbbbbb: Pulling fs layer\naaaaaaaaaaaa: Pull complete\n",
	})

	tracker := progress.NewTracker()
	handle, err := tracker.StartUpdate("docker", "")
	require.NoError(t, err)
	require.NoError(t, handle.Advance(progress.StageDownloading, "", progress.ProgressDownloading))

	rc := &RunContext{
		RunID:  handle.RunID(),
		Runner: pipeline.NewRunner(pipeline.WithExecCommand(fake.Exec)),
		handle: handle,
		stage:  progress.StageDownloading,
	}
	require.NoError(t, NewDockerStrategy(testDockerOptions(), nil).Download(context.Background(), rc))

	p, _ := tracker.Current()
	require.Equal(t, 20, p.Progress)
	require.Equal(t, "Pulling image: 1/2 layers", p.Message)
}
