package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/selfupdate"

	"projectshelf/internal/logging"
	"projectshelf/internal/pipeline"
	"projectshelf/internal/progress"
)

const (
	backupBinaryName = "projectshelf.bak"
	stagedBinaryName = "projectshelf.new"
	oldBinaryName    = "projectshelf.old"
	commitFileName   = "COMMIT"
)

// GitOptions describe the checkout the git strategy updates.
type GitOptions struct {
	WorkDir        string
	Remote         string
	Branch         string
	FallbackBranch string
	BuildPackage   string
	// BinaryPath is the executable to replace. Empty means the running one.
	BinaryPath string
	GoBinary   string
	// RestartCommand hands the restart to a supervisor. Empty means the
	// process exits and relies on being restarted.
	RestartCommand []string
	BackupDir      string
}

// GitStrategy fast-forwards a source checkout, rebuilds the binary and
// swaps it in place.
type GitStrategy struct {
	opts GitOptions

	applyBinary func(src io.Reader, target, oldSavePath string) error
	exit        func()

	branch     string
	binaryPath string
	backupDir  string
}

// NewGitStrategy creates a git strategy.
func NewGitStrategy(opts GitOptions) *GitStrategy {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.GoBinary == "" {
		opts.GoBinary = "go"
	}
	return &GitStrategy{
		opts:        opts,
		applyBinary: applyBinary,
		exit:        scheduleExit,
	}
}

// Method implements Strategy.
func (s *GitStrategy) Method() Method { return MethodGit }

func (s *GitStrategy) git(name string, args ...string) pipeline.Step {
	return pipeline.Step{Name: name, Command: "git", Args: args, Dir: s.opts.WorkDir}
}

func (s *GitStrategy) ref() string {
	return s.opts.Remote + "/" + s.branch
}

// Download fetches the configured branch, falling back when it is missing.
func (s *GitStrategy) Download(ctx context.Context, rc *RunContext) error {
	s.branch = s.opts.Branch
	_, err := rc.Runner.Run(ctx, s.git("fetch", "fetch", s.opts.Remote, s.branch))
	if err == nil {
		return nil
	}
	var stepErr *pipeline.StepError
	if s.opts.FallbackBranch == "" || ctx.Err() != nil || !errors.As(err, &stepErr) {
		return err
	}

	logging.Warnf("Fetching %s failed, trying %s: %v", s.branch, s.opts.FallbackBranch, err)
	s.branch = s.opts.FallbackBranch
	_, err = rc.Runner.Run(ctx, s.git("fetch-fallback", "fetch", s.opts.Remote, s.branch))
	return err
}

// Extract checks the fetched ref resolves.
func (s *GitStrategy) Extract(ctx context.Context, rc *RunContext) error {
	res, err := rc.Runner.Run(ctx, s.git("rev-parse", "rev-parse", s.ref()))
	if err != nil {
		return err
	}
	commit := strings.TrimSpace(res.Stdout)
	if commit == "" {
		return fmt.Errorf("%s does not resolve to a commit", s.ref())
	}
	rc.Report("Fetched "+shortCommit(commit), progress.ProgressExtracting)
	return nil
}

// Backup records HEAD and copies the binary into a per-run directory.
func (s *GitStrategy) Backup(ctx context.Context, rc *RunContext) (string, error) {
	res, err := rc.Runner.Run(ctx, s.git("backup-head", "rev-parse", "HEAD"))
	if err != nil {
		return "", err
	}
	head := strings.TrimSpace(res.Stdout)
	if head == "" {
		return "", errors.New("HEAD does not resolve to a commit")
	}

	s.binaryPath = s.opts.BinaryPath
	if s.binaryPath == "" {
		if s.binaryPath, err = os.Executable(); err != nil {
			return "", fmt.Errorf("failed to locate running binary: %w", err)
		}
	}

	dir := filepath.Join(s.opts.BackupDir, rc.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, commitFileName), []byte(head+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to record commit: %w", err)
	}

	backup := filepath.Join(dir, backupBinaryName)
	if err := copyFile(s.binaryPath, backup, 0o755); err != nil {
		return "", fmt.Errorf("failed to back up binary: %w", err)
	}
	if err := sameContent(s.binaryPath, backup); err != nil {
		return "", fmt.Errorf("backup verification failed: %w", err)
	}

	s.backupDir = dir
	return dir, nil
}

// Apply fast-forwards the checkout, builds and swaps the binary.
func (s *GitStrategy) Apply(ctx context.Context, rc *RunContext) error {
	if _, err := rc.Runner.Run(ctx, s.git("merge", "merge", "--ff-only", s.ref())); err != nil {
		return err
	}

	goStep := func(name string, args ...string) pipeline.Step {
		return pipeline.Step{Name: name, Command: s.opts.GoBinary, Args: args, Dir: s.opts.WorkDir}
	}
	if _, err := rc.Runner.Run(ctx, goStep("deps", "mod", "download")); err != nil {
		return err
	}

	staged := filepath.Join(s.backupDir, stagedBinaryName)
	if _, err := rc.Runner.Run(ctx, goStep("build", "build", "-o", staged, s.opts.BuildPackage)); err != nil {
		return err
	}

	f, err := os.Open(staged)
	if err != nil {
		return fmt.Errorf("failed to open built binary: %w", err)
	}
	defer f.Close()

	if err := s.applyBinary(f, s.binaryPath, filepath.Join(s.backupDir, oldBinaryName)); err != nil {
		return err
	}
	rc.Report("Binary replaced", progress.ProgressUpdating)
	return nil
}

// Restart hands off to the supervisor, or exits shortly when there is none.
// Either way the new binary confirms the run when it boots.
func (s *GitStrategy) Restart(ctx context.Context, rc *RunContext) error {
	if len(s.opts.RestartCommand) == 0 {
		logging.Infof("No restart command configured; exiting so the supervisor restarts the new binary")
		rc.HandOff("Exiting so the supervisor starts the new binary")
		s.exit()
		return nil
	}
	_, err := rc.Runner.Run(ctx, pipeline.Step{
		Name:    "restart",
		Command: s.opts.RestartCommand[0],
		Args:    s.opts.RestartCommand[1:],
		Dir:     s.opts.WorkDir,
	})
	if err != nil {
		return err
	}
	rc.HandOff("Restart requested; waiting for the new binary")
	return nil
}

// Restore resets the checkout and puts the saved binary back.
func (s *GitStrategy) Restore(ctx context.Context, rc *RunContext, backupPath string) error {
	data, err := os.ReadFile(filepath.Join(backupPath, commitFileName))
	if err != nil {
		return fmt.Errorf("failed to read backed up commit: %w", err)
	}
	commit := strings.TrimSpace(string(data))

	if _, err := rc.Runner.Run(ctx, s.git("restore-reset", "reset", "--hard", commit)); err != nil {
		return err
	}

	if s.binaryPath == "" {
		return nil
	}
	if err := restoreFile(filepath.Join(backupPath, backupBinaryName), s.binaryPath); err != nil {
		return fmt.Errorf("failed to restore binary: %w", err)
	}
	return nil
}

func applyBinary(src io.Reader, target, oldSavePath string) error {
	err := selfupdate.Apply(src, selfupdate.Options{TargetPath: target, OldSavePath: oldSavePath})
	if err == nil {
		return nil
	}
	if rerr := selfupdate.RollbackError(err); rerr != nil {
		return fmt.Errorf("failed to replace binary: %v (rollback also failed: %w)", err, rerr)
	}
	return fmt.Errorf("failed to replace binary: %w", err)
}

func scheduleExit() {
	go func() {
		time.Sleep(2 * time.Second)
		logging.Infof("Exiting for restart")
		os.Exit(0)
	}()
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// restoreFile replaces dst with src through a rename in dst's directory.
func restoreFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	tmp := dst + ".restore"
	if err := copyFile(src, tmp, info.Mode().Perm()); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func sameContent(a, b string) error {
	ha, err := fileDigest(a)
	if err != nil {
		return err
	}
	hb, err := fileDigest(b)
	if err != nil {
		return err
	}
	if !bytes.Equal(ha, hb) {
		return fmt.Errorf("%s and %s differ", a, b)
	}
	return nil
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}
