// Package systemcheck verifies the host tools each update method depends on.
package systemcheck

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"projectshelf/internal/config"
)

// Status represents the health status of a system check.
type Status string

const (
	// StatusOK indicates the check passed successfully.
	StatusOK Status = "ok"
	// StatusError indicates the check failed.
	StatusError Status = "error"
)

// CheckResult represents the result of a single system check.
type CheckResult struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Status      Status   `json:"status" yaml:"status"`
	Message     string   `json:"message" yaml:"message"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Details     string   `json:"details,omitempty" yaml:"details,omitempty"`
	Remediation []string `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

// Runner executes system health checks.
type Runner struct {
	cfg config.UpdateConfig
	// output runs a command and returns its trimmed combined output.
	output func(ctx context.Context, dir, name string, args ...string) (string, error)
}

// NewRunner creates a new system check runner with the provided configuration.
func NewRunner(cfg config.UpdateConfig) *Runner {
	return &Runner{cfg: cfg, output: commandOutput}
}

// Run executes the checks for method. An empty method checks both.
func (r *Runner) Run(ctx context.Context, method string) []CheckResult {
	results := []CheckResult{r.checkBackupDir()}
	if method == "" || method == "docker" {
		results = append(results, r.checkDocker(ctx))
	}
	if method == "" || method == "git" {
		results = append(results, r.checkGit(ctx), r.checkGo(ctx))
	}
	return results
}

// OK reports whether every result passed.
func OK(results []CheckResult) bool {
	for _, res := range results {
		if res.Status != StatusOK {
			return false
		}
	}
	return true
}

func (r *Runner) checkBackupDir() CheckResult {
	dir := r.cfg.BackupDir
	fail := func(msg string, err error) CheckResult {
		return CheckResult{
			ID:          "backup_dir",
			Name:        "Backup directory",
			Status:      StatusError,
			Message:     msg,
			Details:     err.Error(),
			Remediation: directoryRemediation(dir),
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // Directory permissions appropriate
		return fail(fmt.Sprintf("Failed to prepare %s", dir), err)
	}
	probe, err := os.CreateTemp(dir, ".check-*")
	if err != nil {
		return fail(fmt.Sprintf("%s is not writable", dir), err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return CheckResult{
		ID:      "backup_dir",
		Name:    "Backup directory",
		Status:  StatusOK,
		Message: "Backup directory is writable",
		Details: dir,
	}
}

func (r *Runner) checkDocker(ctx context.Context) CheckResult {
	version, err := r.output(ctx, "", "docker", "--version")
	if err != nil {
		return CheckResult{
			ID:          "docker",
			Name:        "Docker",
			Status:      StatusError,
			Message:     "Docker not available",
			Details:     err.Error(),
			Remediation: dockerRemediation(),
		}
	}

	// Test Docker daemon connection
	if _, err := r.output(ctx, "", "docker", "info", "--format", "{{.ServerVersion}}"); err != nil {
		return CheckResult{
			ID:          "docker",
			Name:        "Docker",
			Status:      StatusError,
			Message:     "Docker daemon not reachable",
			Details:     err.Error(),
			Remediation: dockerDaemonRemediation(r.cfg.Docker.Socket),
		}
	}

	return CheckResult{
		ID:      "docker",
		Name:    "Docker",
		Status:  StatusOK,
		Message: "Docker detected and running",
		Version: version,
	}
}

func (r *Runner) checkGit(ctx context.Context) CheckResult {
	version, err := r.output(ctx, "", "git", "--version")
	if err != nil {
		return CheckResult{
			ID:          "git",
			Name:        "Git",
			Status:      StatusError,
			Message:     "Git not available",
			Details:     err.Error(),
			Remediation: []string{"Install git from your package manager or https://git-scm.com"},
		}
	}

	workDir := r.cfg.Git.WorkDir
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}
	if _, err := r.output(ctx, workDir, "git", "rev-parse", "--is-inside-work-tree"); err != nil {
		return CheckResult{
			ID:      "git",
			Name:    "Git",
			Status:  StatusError,
			Message: fmt.Sprintf("%s is not a git checkout", workDir),
			Details: err.Error(),
			Version: version,
			Remediation: []string{
				"Set update.git.work_dir to the source checkout",
				fmt.Sprintf("Or clone the repository: git clone https://github.com/%s/%s", r.cfg.Owner, r.cfg.Repo),
			},
		}
	}

	return CheckResult{
		ID:      "git",
		Name:    "Git",
		Status:  StatusOK,
		Message: "Source checkout found",
		Version: version,
		Details: workDir,
	}
}

func (r *Runner) checkGo(ctx context.Context) CheckResult {
	goBinary := r.cfg.Git.GoBinary
	if goBinary == "" {
		goBinary = "go"
	}
	version, err := r.output(ctx, "", goBinary, "version")
	if err != nil {
		return CheckResult{
			ID:          "go",
			Name:        "Go toolchain",
			Status:      StatusError,
			Message:     "Go toolchain not available",
			Details:     err.Error(),
			Remediation: []string{"Install Go from https://go.dev/dl", "Or set update.git.go_binary"},
		}
	}

	return CheckResult{
		ID:      "go",
		Name:    "Go toolchain",
		Status:  StatusOK,
		Message: "Go toolchain detected",
		Version: version,
	}
}

func commandOutput(ctx context.Context, dir, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(output)), nil
}

func directoryRemediation(path string) []string {
	return []string{
		fmt.Sprintf("Create the directory: sudo mkdir -p %s", path),
		fmt.Sprintf("Set ownership: sudo chown $USER %s", path),
	}
}

func dockerRemediation() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"Install Docker Desktop from https://docker.com/products/docker-desktop",
			"Start Docker Desktop from Applications",
		}
	case "linux":
		return []string{
			"Install Docker: curl -fsSL https://get.docker.com -o get-docker.sh && sh get-docker.sh",
			"Add user to docker group: sudo usermod -aG docker $USER",
			"Start Docker service: sudo systemctl start docker",
		}
	default:
		return []string{
			"Install Docker from https://docker.com",
		}
	}
}

func dockerDaemonRemediation(socket string) []string {
	steps := []string{"Ensure the Docker daemon is running"}
	if socket != "" {
		steps = append(steps, fmt.Sprintf("Inside a container, mount the socket: -v %s:%s", socket, socket))
	}
	if runtime.GOOS == "linux" {
		steps = append(steps, "Check service status: sudo systemctl status docker")
	}
	return steps
}
