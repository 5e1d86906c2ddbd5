package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/backoff"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/orchestrator"
	"github.com/roach88/fieldsync/internal/servicetitan"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/transform"
)

// app is the configuration, logger and store shared by commands that touch
// the database.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	store *store.Store
	out   *OutputFormatter
}

// openApp loads configuration, installs the logger as the slog default and
// opens the store. Callers must call close.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	log, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log config", err)
	}
	slog.SetDefault(log)
	if cfg.File != "" {
		log.Debug("config loaded", "file", cfg.File)
	}

	dialect, err := store.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid database driver", err)
	}
	st, err := store.OpenDialect(commandContext(cmd), dialect, cfg.Database.DSN, store.WithLogger(log))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return &app{
		cfg:   cfg,
		log:   log,
		store: st,
		out:   &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()},
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("error closing database", "error", err)
	}
}

// tenant returns flagValue, falling back to the configured ERP tenant.
func (a *app) tenant(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if a.cfg.ServiceTitan.TenantID != "" {
		return a.cfg.ServiceTitan.TenantID, nil
	}
	return "", NewExitError(ExitCommandError, "no tenant: pass --tenant or set servicetitan.tenant_id")
}

// erpClient builds the ERP client. retries bounds in-call retries; the sync
// path passes zero because the orchestrator retries each page itself.
func (a *app) erpClient(ctx context.Context, retries int) *servicetitan.Client {
	st := a.cfg.ServiceTitan
	return servicetitan.NewClient(ctx, servicetitan.Config{
		BaseURL:      st.BaseURL,
		AuthURL:      st.AuthURL,
		ClientID:     st.ClientID,
		ClientSecret: st.ClientSecret,
		AppKey:       st.AppKey,
		PageSize:     st.PageSize,
		MaxRetries:   retries,
		BaseDelay:    a.cfg.Sync.Retry.Initial,
		MaxDelay:     a.cfg.Sync.Retry.Max,
	}, a.log)
}

// entitySpecs returns the configured entities in registry order, or every
// registered entity when none are configured.
func (a *app) entitySpecs() ([]servicetitan.EntitySpec, error) {
	all := servicetitan.DefaultEntities()
	if len(a.cfg.Sync.Entities) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(a.cfg.Sync.Entities))
	for _, name := range a.cfg.Sync.Entities {
		if _, ok := servicetitan.LookupEntity(all, name); !ok {
			return nil, fmt.Errorf("unknown entity %q in sync.entities", name)
		}
		want[name] = true
	}
	var specs []servicetitan.EntitySpec
	for _, spec := range all {
		if want[spec.Name] {
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

func (a *app) transformer() (*transform.Transformer, error) {
	return transform.New(a.store, transform.WithLogger(a.log))
}

// orchestrator wires the ERP client, fetchers and transformer into an
// Orchestrator. Callers must Close it.
func (a *app) orchestrator(ctx context.Context, extra ...orchestrator.Option) (*orchestrator.Orchestrator, *servicetitan.Client, error) {
	specs, err := a.entitySpecs()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid sync config", err)
	}
	tr, err := a.transformer()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to build transformer", err)
	}
	client := a.erpClient(ctx, 0)
	source := servicetitan.NewSource(client, a.store, specs, a.log)

	r := a.cfg.Sync.Retry
	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.log),
		orchestrator.WithTransformer(tr),
		orchestrator.WithNotifier(orchestrator.LogNotifier{Logger: a.log}),
		orchestrator.WithPageDelay(a.cfg.Sync.PageDelay),
	}
	if r.MaxAttempts > 0 {
		opts = append(opts, orchestrator.WithRetry(backoff.Policy{
			Initial:     r.Initial,
			Factor:      r.Factor,
			Max:         r.Max,
			MaxAttempts: r.MaxAttempts,
		}))
	}
	return orchestrator.New(a.store, source, append(opts, extra...)...), client, nil
}

func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
