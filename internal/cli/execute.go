package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"projectshelf/internal/systemcheck"
	"projectshelf/internal/update"
	"projectshelf/internal/version"
)

// Execute runs the CLI with the provided args and manager.
func Execute(args []string, manager Manager, out, errOut io.Writer) int {
	return ExecuteContext(context.Background(), args, manager, out, errOut)
}

// ExecuteContext is Execute with a context that commands observe, so an
// interrupt stops serving or watching.
func ExecuteContext(ctx context.Context, args []string, manager Manager, out, errOut io.Writer) int {
	cmd := NewRootCommand(manager, out, errOut)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(errOut, "Error:", err)
			return ExitInvalidUsage
		}
		var rtErr *runtimeError
		if !errors.As(err, &rtErr) || !rtErr.reported {
			fmt.Fprintln(errOut, "Error:", err)
		}
		return ExitRuntimeError
	}
	return ExitSuccess
}

// NewRootCommand builds the root CLI command tree.
func NewRootCommand(manager Manager, out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "projectshelf",
		Short:         "ProjectShelf server and self-updater",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			j, _ := cmd.Flags().GetBool("json")
			y, _ := cmd.Flags().GetBool("yaml")
			if j && y {
				return &usageError{err: fmt.Errorf("--json and --yaml are mutually exclusive")}
			}
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.PersistentFlags().Bool("json", false, "output JSONL")
	root.PersistentFlags().Bool("yaml", false, "output YAML documents")

	root.AddCommand(newServeCommand(manager))
	root.AddCommand(newVersionCommand())
	root.AddCommand(newUpdateCommand(manager))

	return root
}

type usageError struct {
	err error
}

func (u *usageError) Error() string {
	if u.err == nil {
		return "invalid usage"
	}
	return u.err.Error()
}

func requireArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &usageError{err: fmt.Errorf("requires %d argument(s)", n)}
		}
		return nil
	}
}

func newServeCommand(manager Manager) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP server",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if err := manager.Serve(cmd.Context(), path); err != nil {
				return writeError(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().String("config", "", "path to config.toml")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			return writeEvent(cmd, ProgressEvent{
				Type:    "result",
				Message: fmt.Sprintf("projectshelf %s (commit %s, built %s, %s)", info.Version, info.Commit, info.BuildDate, info.Platform),
				Data:    info,
			})
		},
	}
}

func newUpdateCommand(manager Manager) *cobra.Command {
	upd := &cobra.Command{
		Use:   "update",
		Short: "check for and apply updates",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "check the release feed for a newer version",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			refresh, _ := cmd.Flags().GetBool("refresh")
			res, err := manager.CheckForUpdates(cmd.Context(), refresh)
			if err != nil {
				return writeError(cmd, err)
			}
			return writeEvent(cmd, ProgressEvent{Type: "result", Message: checkMessage(res), Data: res})
		},
	}
	checkCmd.Flags().Bool("refresh", false, "bypass the server cache")

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "start an update and follow its progress",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			method, _ := cmd.Flags().GetString("method")
			if _, err := update.ParseMethod(method); err != nil {
				return &usageError{err: err}
			}
			noWatch, _ := cmd.Flags().GetBool("no-watch")

			resp, err := manager.TriggerUpdate(cmd.Context(), method)
			if errors.Is(err, update.ErrConflict) {
				return writeError(cmd, fmt.Errorf("update %s already in progress (stage %s)", resp.RunID, resp.Stage))
			}
			if err != nil {
				return writeError(cmd, err)
			}
			if err := writeEvent(cmd, ProgressEvent{
				Type:    "log",
				Message: fmt.Sprintf("update %s started (method %s, target %s)", resp.RunID, resp.Method, resp.TargetVersion),
				Data:    resp,
			}); err != nil {
				return err
			}
			if noWatch {
				return nil
			}
			return streamEvents(cmd, manager.Watch(cmd.Context(), resp.RunID))
		},
	}
	applyCmd.Flags().String("method", "", "docker or git; empty selects automatically")
	applyCmd.Flags().Bool("no-watch", false, "return once the update is accepted")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "show the current update record",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := manager.Progress(cmd.Context())
			if err != nil {
				return writeError(cmd, err)
			}
			watch, _ := cmd.Flags().GetBool("watch")
			if watch && resp.UpdateInProgress && resp.Progress != nil {
				return streamEvents(cmd, manager.Watch(cmd.Context(), resp.Progress.RunID))
			}
			msg := "no update in progress"
			if p := resp.Progress; p != nil {
				msg = fmt.Sprintf("update %s: %s (%d%%) %s", p.RunID, p.Stage, p.Progress, p.Message)
			}
			return writeEvent(cmd, ProgressEvent{Type: "result", Message: msg, Data: resp})
		},
	}
	statusCmd.Flags().Bool("watch", false, "follow an in-flight update")

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "cancel an update that has not started its backup",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := manager.Cancel(cmd.Context()); err != nil {
				return writeError(cmd, err)
			}
			return writeEvent(cmd, ProgressEvent{Type: "success", Message: "update cancelled"})
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "list recent update runs",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			rows, err := manager.History(cmd.Context(), limit)
			if err != nil {
				return writeError(cmd, err)
			}
			if asText(cmd) {
				for _, h := range rows {
					line := fmt.Sprintf("%s  %-6s %s -> %s  %s", h.StartedAt.Format("2006-01-02 15:04"), h.Method, h.FromVersion, h.TargetVersion, h.Status)
					if h.ErrorMessage != "" {
						line += "  " + h.ErrorMessage
					}
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
						return err
					}
				}
				return nil
			}
			return writeEvent(cmd, ProgressEvent{Type: "result", Data: rows})
		},
	}
	historyCmd.Flags().Int("limit", 20, "number of runs to show")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "show the detected deployment and prerequisite checks",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := manager.DeploymentInfo(cmd.Context())
			if err != nil {
				return writeError(cmd, err)
			}
			if !asText(cmd) {
				return writeEvent(cmd, ProgressEvent{Type: "result", Data: info})
			}
			lines := []string{
				fmt.Sprintf("version %s, method %s (wait up to %s)", info.Version.Version, info.SelectedMethod, info.WaitCeiling),
			}
			for _, c := range info.Checks {
				line := fmt.Sprintf("[%s] %s: %s", c.Status, c.Name, c.Message)
				if c.Status != systemcheck.StatusOK {
					for _, step := range c.Remediation {
						line += "\n    " + step
					}
				}
				lines = append(lines, line)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lines, "\n"))
			if err != nil {
				return err
			}
			if !systemcheck.OK(info.Checks) {
				return &runtimeError{err: fmt.Errorf("prerequisite checks failed"), reported: true}
			}
			return nil
		},
	}

	finalizeCmd := &cobra.Command{
		Use:    "finalize",
		Short:  "hand over from the backup container to the new one",
		Hidden: true,
		Args:   requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			oldName, _ := cmd.Flags().GetString("old")
			newName, _ := cmd.Flags().GetString("new")
			if oldName == "" || newName == "" {
				return &usageError{err: fmt.Errorf("--old and --new are required")}
			}
			if err := manager.Finalize(cmd.Context(), oldName, newName); err != nil {
				return writeError(cmd, err)
			}
			return writeEvent(cmd, ProgressEvent{Type: "success", Message: fmt.Sprintf("%s is now serving", newName)})
		},
	}
	finalizeCmd.Flags().String("old", "", "backup container to stop")
	finalizeCmd.Flags().String("new", "", "container to start")

	upd.AddCommand(checkCmd, applyCmd, statusCmd, cancelCmd, historyCmd, infoCmd, finalizeCmd)
	return upd
}

func checkMessage(res update.VersionCheckResult) string {
	switch {
	case res.Error != "":
		return fmt.Sprintf("running %s; update check failed: %s", res.CurrentVersion, res.Error)
	case res.HasUpdate:
		return fmt.Sprintf("update available: %s -> %s", res.CurrentVersion, res.LatestVersion)
	default:
		return fmt.Sprintf("up to date (%s)", res.CurrentVersion)
	}
}

func streamEvents(cmd *cobra.Command, events <-chan ProgressEvent) error {
	ctx := cmd.Context()
	hasError := false
	for event := range events {
		if err := writeEventWithContext(ctx, cmd, event); err != nil {
			return err
		}
		if event.Type == "error" {
			hasError = true
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if hasError {
		return &runtimeError{err: fmt.Errorf("operation failed"), reported: true}
	}
	return nil
}

type runtimeError struct {
	err error
	// reported means the failure was already written as an event.
	reported bool
}

func (r *runtimeError) Error() string {
	if r.err == nil {
		return "runtime error"
	}
	return r.err.Error()
}

func (r *runtimeError) Unwrap() error { return r.err }

func writeError(cmd *cobra.Command, err error) error {
	if !asText(cmd) {
		_ = writeEventWithContext(cmd.Context(), cmd, ProgressEvent{
			Type:    "error",
			Message: err.Error(),
		})
		return &runtimeError{err: err, reported: true}
	}
	return &runtimeError{err: err}
}

func writeEvent(cmd *cobra.Command, event ProgressEvent) error {
	return writeEventWithContext(cmd.Context(), cmd, event)
}

func asText(cmd *cobra.Command) bool {
	j, _ := cmd.Flags().GetBool("json")
	y, _ := cmd.Flags().GetBool("yaml")
	return !j && !y
}

func writeEventWithContext(ctx context.Context, cmd *cobra.Command, event ProgressEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if j, _ := cmd.Flags().GetBool("json"); j {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		return encoder.Encode(event)
	}
	if y, _ := cmd.Flags().GetBool("yaml"); y {
		encoder := yaml.NewEncoder(cmd.OutOrStdout())
		if err := encoder.Encode(event); err != nil {
			return err
		}
		return encoder.Close()
	}
	if event.Message != "" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), event.Message)
		return err
	}
	return nil
}
