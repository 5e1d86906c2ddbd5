package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/customers"
)

// NewCustomersCommand creates the customers command.
func NewCustomersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "customers",
		Short: "Move customers between the local store and the ERP",
	}

	var tenant, direction string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy customers between the local table and the ERP",
		Long: `Copy customers with the configured provider (customers.provider).

  --direction from   ERP master rows into the local customer table
  --direction to     local customers without an ERP id into the ERP

The external provider reads and writes the ERP directly, so both
directions are no-ops for it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if direction != "from" && direction != "to" {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid direction %q: must be from or to", direction))
			}
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()
			tenant, err := a.tenant(tenant)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			p, err := customers.New(customers.Kind(a.cfg.Customers.Provider), customers.Deps{
				Store:  a.store,
				API:    a.erpClient(ctx, a.cfg.Sync.Retry.MaxAttempts-1),
				Logger: a.log,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid customers config", err)
			}

			var report customers.SyncReport
			if direction == "from" {
				report, err = p.SyncFromExternal(ctx, tenant)
			} else {
				report, err = p.SyncToExternal(ctx, tenant)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "customer sync failed", err)
			}
			return a.out.Success(fmt.Sprintf("✓ customers synced %s ERP: %d created, %d updated, %d skipped",
				direction, report.Created, report.Updated, report.Skipped), report)
		},
	}
	syncCmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (default servicetitan.tenant_id)")
	syncCmd.Flags().StringVar(&direction, "direction", "from", "from|to the ERP")

	cmd.AddCommand(syncCmd)
	return cmd
}
