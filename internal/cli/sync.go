package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/orchestrator"
)

// SyncOptions holds flags shared by the sync subcommands.
type SyncOptions struct {
	*RootOptions
	Tenant   string
	Entities []string
	Notify   bool
}

// NewSyncCommand creates the sync command and its subcommands.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run ERP syncs and inspect sync state",
	}
	cmd.PersistentFlags().StringVar(&opts.Tenant, "tenant", "", "tenant id (default servicetitan.tenant_id)")

	full := &cobra.Command{
		Use:   "full",
		Short: "Fetch every record of each entity and rebuild master tables",
		Long: `Run a full sync in the foreground. Interrupting it leaves the run
journaled; "fieldsync serve" resumes it from the last completed entity.

Example:
  fieldsync sync full --tenant 123
  fieldsync sync full --entity customers --entity jobs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFullSync(cmd, opts)
		},
	}
	full.Flags().StringSliceVar(&opts.Entities, "entity", nil, "entity to sync (repeatable, default all)")
	full.Flags().BoolVar(&opts.Notify, "notify", false, "send a summary notification when done")

	incremental := &cobra.Command{
		Use:   "incremental",
		Short: "Fetch records modified since each entity's last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncrementalSync(cmd, opts)
		},
	}

	state := &cobra.Command{
		Use:   "state",
		Short: "Show per-entity sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showSyncState(cmd, opts)
		},
	}

	cmd.AddCommand(full, incremental, state)
	return cmd
}

func runFullSync(cmd *cobra.Command, opts *SyncOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()
	tenant, err := a.tenant(opts.Tenant)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	orch, _, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.FullSync(ctx, orchestrator.FullSyncOptions{TenantID: tenant, Entities: opts.Entities, Notify: opts.Notify})
	if err != nil {
		return WrapExitError(ExitFailure, "full sync failed", err)
	}
	return reportSync(a.out, "full", res)
}

func runIncrementalSync(cmd *cobra.Command, opts *SyncOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()
	tenant, err := a.tenant(opts.Tenant)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	orch, _, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.IncrementalSync(ctx, tenant)
	if err != nil {
		return WrapExitError(ExitFailure, "incremental sync failed", err)
	}
	return reportSync(a.out, "incremental", res)
}

func reportSync(out *OutputFormatter, kind string, res orchestrator.SyncResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s sync %s (run %s, %s)\n", kind, outcome(res), res.RunID, res.TotalDuration.Round(time.Millisecond))
	failed := 0
	for _, r := range res.Results {
		switch {
		case r.Skipped:
			fmt.Fprintf(&b, "  - %-24s skipped: %s\n", r.Entity, r.Error)
		case r.Cancelled:
			fmt.Fprintf(&b, "  - %-24s cancelled after %d records\n", r.Entity, r.RecordCount)
		case r.Error != "":
			failed++
			fmt.Fprintf(&b, "  ✗ %-24s %s\n", r.Entity, r.Error)
		default:
			fmt.Fprintf(&b, "  ✓ %-24s %d records\n", r.Entity, r.RecordCount)
		}
	}
	if err := out.Success(strings.TrimRight(b.String(), "\n"), res); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entities failed", failed))
	}
	return nil
}

func outcome(res orchestrator.SyncResult) string {
	switch {
	case res.Cancelled:
		return "cancelled"
	case res.Success:
		return "completed"
	default:
		return "finished with errors"
	}
}

func showSyncState(cmd *cobra.Command, opts *SyncOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()
	tenant, err := a.tenant(opts.Tenant)
	if err != nil {
		return err
	}

	states, err := a.store.ListSyncStates(commandContext(cmd), tenant)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read sync state", err)
	}
	if len(states) == 0 {
		return a.out.Success("no sync state for tenant "+tenant, states)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-10s %10s  %s\n", "ENTITY", "STATUS", "RECORDS", "LAST SYNC")
	for _, st := range states {
		last := "never"
		if w := st.Watermark(); w != nil {
			last = w.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "%-24s %-10s %10d  %s\n", st.Entity, st.Status, st.RecordsCount, last)
	}
	return a.out.Success(strings.TrimRight(b.String(), "\n"), states)
}
