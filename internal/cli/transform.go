package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewTransformCommand creates the transform command.
func NewTransformCommand(rootOpts *RootOptions) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "transform [entity...]",
		Short: "Rebuild master tables from staged raw rows",
		Long: `Rebuild master tables from the raw rows already in the store, without
calling the ERP. With no entities every mapped entity is transformed.

Example:
  fieldsync transform --tenant 123
  fieldsync transform --tenant 123 invoices pricebook_categories`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()
			tenant, err := a.tenant(tenant)
			if err != nil {
				return err
			}
			tr, err := a.transformer()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build transformer", err)
			}
			for _, e := range args {
				if !tr.Has(e) {
					return NewExitError(ExitCommandError, fmt.Sprintf("no mapping for entity %q", e))
				}
			}

			results, err := tr.TransformAll(commandContext(cmd), tenant, args...)
			var b strings.Builder
			for _, r := range results {
				fmt.Fprintf(&b, "✓ %-24s %d rows", r.Entity, r.Rows)
				if r.Subcategories > 0 {
					fmt.Fprintf(&b, ", %d subcategories", r.Subcategories)
				}
				b.WriteString("\n")
			}
			if err != nil {
				_ = a.out.Success(strings.TrimRight(b.String(), "\n"), results)
				return WrapExitError(ExitFailure, "transform failed", err)
			}
			return a.out.Success(strings.TrimRight(b.String(), "\n"), results)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (default servicetitan.tenant_id)")
	return cmd
}
