package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/rules"
)

// NewRulesCommand creates the rules command and its subcommands.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate, store and list automation rules",
	}
	cmd.AddCommand(newRulesValidateCommand(rootOpts))
	cmd.AddCommand(newRulesSyncCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	return cmd
}

// RulesValidation is the JSON result of rules validate.
type RulesValidation struct {
	Valid    bool                    `json:"valid"`
	Rules    []string                `json:"rules"`
	Errors   []rules.ValidationError `json:"errors,omitempty"`
	Warnings []rules.CycleWarning    `json:"warnings,omitempty"`
}

func newRulesValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Check rule files without touching the database",
		Long: `Validate every rule file in a directory: schema, operators, step
targets and cron expressions. Step graphs that can loop are reported as
warnings.

Example:
  fieldsync rules validate ./rules
  fieldsync rules validate ./rules --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			loaded, err := rules.LoadDir(args[0])
			if err != nil && !errors.Is(err, rules.ErrInvalidRule) {
				return WrapExitError(ExitCommandError, "failed to read rules", err)
			}

			res := RulesValidation{Valid: err == nil, Errors: validationErrors(err)}
			for _, r := range loaded {
				res.Rules = append(res.Rules, r.ID)
				res.Warnings = append(res.Warnings, rules.AnalyzeCycles(r)...)
			}

			if !res.Valid {
				msg := fmt.Sprintf("%d problem(s) in %s", len(res.Errors), args[0])
				if out.JSON() {
					_ = out.Error("E_INVALID_RULES", msg, res)
				} else {
					var b strings.Builder
					for _, e := range res.Errors {
						fmt.Fprintf(&b, "✗ %s\n", e.Error())
					}
					fmt.Fprint(cmd.OutOrStdout(), b.String())
				}
				return NewExitError(ExitFailure, msg)
			}

			var b strings.Builder
			for _, w := range res.Warnings {
				fmt.Fprintf(&b, "! %s: %s\n", w.RuleID, w.Message)
			}
			fmt.Fprintf(&b, "✓ All rules valid (%d)", len(res.Rules))
			return out.Success(b.String(), res)
		},
	}
}

// validationErrors flattens a joined load error into its validation errors.
// Errors that carry no field detail become a single entry.
func validationErrors(err error) []rules.ValidationError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []rules.ValidationError
		for _, e := range joined.Unwrap() {
			out = append(out, validationErrors(e)...)
		}
		return out
	}
	var ve rules.ValidationError
	if errors.As(err, &ve) {
		return []rules.ValidationError{ve}
	}
	return []rules.ValidationError{{Message: err.Error()}}
}

func newRulesSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <rules-dir>",
		Short: "Store the rules of a directory, archiving removed ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := rules.LoadDir(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "rules are invalid, nothing stored", err)
			}
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := rules.Sync(commandContext(cmd), a.store, loaded)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to store rules", err)
			}
			text := fmt.Sprintf("✓ %d rule(s) stored", report.Upserted)
			if len(report.Archived) > 0 {
				text += fmt.Sprintf(", archived %s", strings.Join(report.Archived, ", "))
			}
			return a.out.Success(text, report)
		},
	}
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			stored, err := a.store.ListRules(commandContext(cmd), tenant)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list rules", err)
			}
			if stored == nil {
				stored = []model.AutomationRule{}
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%-28s %-10s %-22s %6s", "ID", "STATUS", "TRIGGER", "RUNS")
			for _, r := range stored {
				fmt.Fprintf(&b, "\n%-28s %-10s %-22s %6d", r.ID, r.Status, r.Trigger.Type, r.RunCount)
			}
			return a.out.Success(b.String(), stored)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "only this tenant's rules")
	return cmd
}
