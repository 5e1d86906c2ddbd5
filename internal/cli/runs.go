package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
)

// NewRunsCommand creates the runs command for inspecting automation runs.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and cancel automation runs",
	}

	get := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()
			run, err := runEngine(a).GetRun(commandContext(cmd), args[0])
			if err != nil {
				return runExitError(err)
			}
			return a.out.Success(describeRun(run), run)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running or waiting run",
		Long: `Cancel a run that has not finished. A run waiting on a delay never
resumes. A run executing in a serve process stops at its next step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()
			eng := runEngine(a)
			ctx := commandContext(cmd)
			if err := eng.Cancel(ctx, args[0]); err != nil {
				return runExitError(err)
			}
			run, err := eng.GetRun(ctx, args[0])
			if err != nil {
				return runExitError(err)
			}
			return a.out.Success("✓ run "+run.ID+" cancelled", run)
		},
	}

	cmd.AddCommand(get, cancel)
	return cmd
}

// runEngine builds an engine for reading and cancelling stored runs. It
// never dispatches events.
func runEngine(a *app) *engine.Engine {
	return engine.New(a.store, nil, nil, engine.WithLogger(a.log))
}

func runExitError(err error) error {
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		return WrapExitError(ExitCommandError, "run not found", err)
	case errors.Is(err, engine.ErrRunFinished):
		return WrapExitError(ExitFailure, "run already finished", err)
	default:
		return WrapExitError(ExitFailure, "run lookup failed", err)
	}
}

func describeRun(run model.ExecutionRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (rule %s, tenant %s): %s", run.ID, run.RuleID, run.TenantID, run.Status)
	if run.ResumeAt != nil {
		fmt.Fprintf(&b, ", resumes %s", run.ResumeAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if run.LastError != "" {
		fmt.Fprintf(&b, "\n  error: %s", run.LastError)
	}
	for _, r := range run.StepResults {
		fmt.Fprintf(&b, "\n  %s", formatStepResult(r))
	}
	return b.String()
}

func formatStepResult(r model.StepResult) string {
	s := fmt.Sprintf("step %d %-12s %s", r.Index, r.Type, r.Outcome)
	if r.Attempts > 1 {
		s += fmt.Sprintf(" after %d attempts", r.Attempts)
	}
	if r.Error != "" {
		s += ": " + r.Error
	}
	return s
}
