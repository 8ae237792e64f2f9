package pipeline

import (
	"context"
	"os"
	"os/exec"
	"time"
)

func defaultExecCommand(ctx context.Context, dir string, env []string, name string, args ...string) Command {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // steps are built from configuration, not user input
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	// Children that keep the pipes open must not hold Wait forever after a kill.
	cmd.WaitDelay = 5 * time.Second
	return cmd
}
