package update

import (
	"context"
	"errors"
	"os"
	"strings"

	ps "github.com/mitchellh/go-ps"
	"github.com/shirou/gopsutil/v3/host"
)

// Signals are the environment facts the strategy choice depends on.
type Signals struct {
	Containerized  bool   `json:"containerized" yaml:"containerized"`
	Production     bool   `json:"production" yaml:"production"`
	DockerEnv      bool   `json:"dockerEnv" yaml:"dockerEnv"`
	DockerEnvFile  bool   `json:"dockerEnvFile" yaml:"dockerEnvFile"`
	Virtualization string `json:"virtualization,omitempty" yaml:"virtualization,omitempty"`
	Supervisor     string `json:"supervisor,omitempty" yaml:"supervisor,omitempty"`
}

// SelectStrategy picks the update method. An explicit method wins;
// otherwise containerized or production deployments use docker.
func SelectStrategy(explicit Method, s Signals) Method {
	if explicit == MethodDocker || explicit == MethodGit {
		return explicit
	}
	if s.Containerized || s.Production {
		return MethodDocker
	}
	return MethodGit
}

// SignalInputs are the configured flags that feed DetectSignals.
type SignalInputs struct {
	DockerEnv  bool
	Production bool
}

// detector gathers signals; fields are swapped in tests.
type detector struct {
	stat           func(string) (os.FileInfo, error)
	virtualization func(ctx context.Context) (system, role string, err error)
	parentName     func() (string, error)
}

var defaultDetector = detector{
	stat:           os.Stat,
	virtualization: host.VirtualizationWithContext,
	parentName:     parentProcessName,
}

// DetectSignals combines configured flags with what the host reports.
func DetectSignals(ctx context.Context, in SignalInputs) Signals {
	return defaultDetector.detect(ctx, in)
}

func (d detector) detect(ctx context.Context, in SignalInputs) Signals {
	s := Signals{
		DockerEnv:  in.DockerEnv,
		Production: in.Production,
	}

	if _, err := d.stat("/.dockerenv"); err == nil {
		s.DockerEnvFile = true
	}

	if system, role, err := d.virtualization(ctx); err == nil && role == "guest" {
		s.Virtualization = system
	}

	s.Containerized = s.DockerEnv || s.DockerEnvFile || isContainerRuntime(s.Virtualization)

	if name, err := d.parentName(); err == nil {
		s.Supervisor = supervisorName(name)
	}
	return s
}

func isContainerRuntime(system string) bool {
	switch strings.ToLower(system) {
	case "docker", "podman", "lxc", "containerd", "kubepods":
		return true
	}
	return false
}

func parentProcessName() (string, error) {
	p, err := ps.FindProcess(os.Getppid())
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", errors.New("parent process not found")
	}
	return p.Executable(), nil
}

// supervisorName maps a parent executable to a known process manager.
func supervisorName(executable string) string {
	exe := strings.ToLower(executable)
	switch {
	case exe == "systemd" || exe == "init":
		return "systemd"
	case strings.Contains(exe, "pm2"):
		return "pm2"
	case strings.Contains(exe, "supervisord"):
		return "supervisord"
	case exe == "containerd-shim" || strings.HasPrefix(exe, "containerd-shim") || exe == "tini" || exe == "dumb-init":
		return "container"
	default:
		return exe
	}
}
