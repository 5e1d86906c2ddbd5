package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/customers"
	"github.com/roach88/fieldsync/internal/detector"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/httpapi"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/orchestrator"
	"github.com/roach88/fieldsync/internal/plaid"
	"github.com/roach88/fieldsync/internal/ratelimit"
	"github.com/roach88/fieldsync/internal/rules"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/trigger"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr         string
	NoSyncLoop   bool
	NoDetector   bool
	RecoverSyncs bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, sync loop, detector and automation engine",
		Long: `Run every long-lived component in one process:

  - the HTTP API (aggregator webhooks, item management, sync control,
    rule webhooks, event stream, customers, metrics)
  - the incremental sync loop for the configured tenant
  - the event detector
  - the automation engine and schedule triggers
  - rule file loading, with hot reload when rules.watch is set

Example:
  fieldsync serve --config ./fieldsync.yaml
  FIELDSYNC_HTTP_ADDR=:9090 fieldsync serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&opts.NoSyncLoop, "no-sync-loop", false, "do not run the incremental sync loop")
	cmd.Flags().BoolVar(&opts.NoDetector, "no-detector", false, "do not run the event detector")
	cmd.Flags().BoolVar(&opts.RecoverSyncs, "recover", true, "resume full syncs interrupted by a previous process")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg
	log := a.log

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.New(log)
	prom := metrics.NewPrometheus()

	orch, erp, err := a.orchestrator(ctx, orchestrator.WithMetrics(prom))
	if err != nil {
		return err
	}
	defer orch.Close()

	actions := engine.NewStoreActions(a.store, engine.StoreActionsConfig{
		SigningSecret: cfg.Engine.SigningSecret,
		Logger:        log,
	})
	eng := engine.New(a.store, trigger.NewMatcher(a.store, a.store, log), actions,
		engine.WithLogger(log),
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithResumeInterval(cfg.Engine.ResumeInterval),
	)
	bus.OnEvent(eng.Handler())

	plaidClient := plaid.NewClient(plaid.Config{
		BaseURL:  cfg.Plaid.BaseURL,
		ClientID: cfg.Plaid.ClientID,
		Secret:   cfg.Plaid.Secret,
	}, log)
	syncer := plaid.NewSyncer(a.store, plaidClient, bus, log)
	webhooks := plaid.NewWebhookHandler(a.store, syncer, bus, log)
	verifier, err := webhookVerifier(cfg.Plaid.WebhookVerification, cfg.Plaid.VerificationKey, plaidClient)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid plaid verification config", err)
	}

	provider, err := customers.New(customers.Kind(cfg.Customers.Provider), customers.Deps{
		Store:  a.store,
		API:    erp,
		Logger: log,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid customers config", err)
	}

	limiter := ratelimit.New(a.store, ratelimit.Config{
		Limit:  cfg.HTTP.RateLimit.Limit,
		Window: cfg.HTTP.RateLimit.Window,
	}, ratelimit.WithLogger(log))

	scheduler := rules.NewScheduler(bus, log)
	applyRules(ctx, a.store, scheduler, log, cfg.Rules.Dir)

	addr := cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	server := httpapi.NewServer(httpapi.Deps{
		Store:      a.store,
		Sync:       orch,
		Runs:       eng,
		Webhooks:   webhooks,
		Verifier:   verifier,
		Publisher:  bus,
		Events:     bus,
		Customers:  provider,
		Metrics:    prom.Handler(),
		Limiter:    limiter,
		HookSecret: cfg.HTTP.WebhookSecret,
		Logger:     log,
	})

	if opts.RecoverSyncs {
		handles, err := orch.Recover(ctx)
		if err != nil {
			log.Error("recovering sync runs", "error", err)
		} else if len(handles) > 0 {
			log.Info("resumed sync runs", "count", len(handles))
		}
	}

	var wg sync.WaitGroup
	background := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("component stopped", "component", name, "error", err)
			}
		}()
	}

	background("engine", eng.Run)
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Rules.Watch {
		background("rules watcher", func(ctx context.Context) error {
			return rules.Watch(ctx, cfg.Rules.Dir, log, func(rs []model.AutomationRule, err error) {
				syncRules(ctx, a.store, scheduler, log, rs, err)
			})
		})
	}

	tenant := cfg.ServiceTitan.TenantID
	switch {
	case tenant == "":
		log.Warn("servicetitan.tenant_id not set, sync loop and detector disabled")
	default:
		if !opts.NoSyncLoop {
			background("incremental sync", func(ctx context.Context) error {
				return orch.RunIncrementalLoop(ctx, tenant, cfg.Sync.IncrementalInterval)
			})
		}
		if !opts.NoDetector {
			det := detector.New(a.store, bus, detector.WithLogger(log))
			background("detector", func(ctx context.Context) error {
				return det.Run(ctx, []string{tenant}, cfg.Detector.Interval)
			})
		}
	}

	if limiter.Enabled() {
		background("rate limit pruning", func(ctx context.Context) error {
			return pruneLoop(ctx, limiter, cfg.HTTP.RateLimit.Window, log)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "fieldsync %s listening on %s\n", model.ServiceVersion, addr)
	err = server.ListenAndServe(ctx, addr)
	stop()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "http server error", err)
	}
	log.Info("shut down gracefully")
	return nil
}

// webhookVerifier returns nil when verification is off. A configured PEM
// key is used for every key id, otherwise keys are fetched from the API.
func webhookVerifier(enabled bool, keyFile string, api plaid.KeySource) (httpapi.WebhookVerifier, error) {
	if !enabled {
		return nil, nil
	}
	keys := api
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}
		key, err := plaid.ParsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keyFile, err)
		}
		keys = plaid.StaticKey{Key: key}
	}
	return plaid.NewVerifier(keys, time.Now), nil
}

// applyRules loads the rule directory once at startup. A missing directory
// leaves stored rules alone.
func applyRules(ctx context.Context, s *store.Store, sched *rules.Scheduler, log *slog.Logger, dir string) {
	if _, err := os.Stat(dir); err != nil {
		log.Warn("rules directory unavailable, using stored rules", "dir", dir, "error", err)
		loadStoredSchedules(ctx, s, sched, log)
		return
	}
	rs, err := rules.LoadDir(dir)
	syncRules(ctx, s, sched, log, rs, err)
}

// syncRules stores a freshly loaded rule set. A set with load errors is not
// stored, so a typo in one file cannot archive the rules it holds.
func syncRules(ctx context.Context, s *store.Store, sched *rules.Scheduler, log *slog.Logger, rs []model.AutomationRule, loadErr error) {
	if loadErr != nil {
		log.Error("rule files invalid, keeping stored rules", "error", loadErr)
		return
	}
	for _, r := range rs {
		for _, w := range rules.AnalyzeCycles(r) {
			log.Warn("rule may loop", "rule_id", w.RuleID, "path", w.Path, "message", w.Message)
		}
	}
	report, err := rules.Sync(ctx, s, rs)
	if err != nil {
		log.Error("storing rules failed", "error", err)
		return
	}
	log.Info("rules loaded", "upserted", report.Upserted, "archived", len(report.Archived))
	if err := sched.Load(rs); err != nil {
		log.Error("scheduling rules failed", "error", err)
	}
}

func loadStoredSchedules(ctx context.Context, s *store.Store, sched *rules.Scheduler, log *slog.Logger) {
	rs, err := s.ListActiveRules(ctx, "", model.TriggerSchedule)
	if err != nil {
		log.Error("listing stored schedule rules failed", "error", err)
		return
	}
	if err := sched.Load(rs); err != nil {
		log.Error("scheduling rules failed", "error", err)
	}
}

func pruneLoop(ctx context.Context, l *ratelimit.Limiter, window time.Duration, log *slog.Logger) error {
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := l.Prune(ctx); err != nil && ctx.Err() == nil {
				log.Warn("pruning rate limit counters failed", "error", err)
			} else if n > 0 {
				log.Debug("pruned rate limit counters", "rows", n)
			}
		}
	}
}
