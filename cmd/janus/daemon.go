package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/basket/go-janus/internal/approval"
	"github.com/basket/go-janus/internal/autoexec"
	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/config"
	"github.com/basket/go-janus/internal/cron"
	"github.com/basket/go-janus/internal/executor"
	"github.com/basket/go-janus/internal/governor"
	otelPkg "github.com/basket/go-janus/internal/otel"
	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/proposalgen"
	"github.com/basket/go-janus/internal/sandbox"
)

// refreshInterval is how often the daemon re-reads the proposal log for
// records written by CLI commands.
const refreshInterval = 2 * time.Second

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the execution core in the foreground",
		Long: `Run the admission controller, auto executor, approval monitor and
maintenance jobs until interrupted. Logs go to stderr and <home>/logs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(false, true)
			if err != nil {
				reportStartup(nil, err)
				return errSilent
			}
			defer a.Close()
			if err := runDaemon(cmd.Context(), a); err != nil {
				var se *startupError
				if errors.As(err, &se) {
					reportStartup(a.logger, err)
					return errSilent
				}
				return err
			}
			return nil
		},
	}
}

// newRunner builds the configured sandbox backend and its cleanup.
func newRunner(cfg config.Config, logger *slog.Logger) (sandbox.Runner, func() error, error) {
	switch cfg.Sandbox.Backend {
	case config.SandboxBackendDocker:
		d, err := sandbox.NewDockerExecutor(cfg.Sandbox.DockerImage, cfg.Sandbox.Policy, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	default:
		e, err := sandbox.NewExecutor(cfg.Sandbox.Policy, logger)
		if err != nil {
			return nil, nil, err
		}
		if !e.BwrapAvailable() {
			logger.Warn("bubblewrap not found; tools run without isolation", "bwrap_path", cfg.Sandbox.BwrapPath)
		}
		return e, func() error { return nil }, nil
	}
}

func runDaemon(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	if cfg.NeedsGenesis {
		logger.Warn("config.yaml missing, running on defaults", "path", config.ConfigPath(cfg.HomeDir))
	}

	provider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.Identity{
		VesselID:       cfg.VesselID,
		SandboxBackend: cfg.Sandbox.Backend,
	})
	if err != nil {
		return startupFailure("E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return startupFailure("E_OTEL_INIT", err)
	}

	runner, closeRunner, err := newRunner(cfg, logger)
	if err != nil {
		return startupFailure("E_SANDBOX_INIT", err)
	}
	defer closeRunner()

	exec, err := executor.New(runner, a.policy, executor.Options{
		VesselID:      cfg.VesselID,
		ToolLogPath:   cfg.ToolLogPath(),
		WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
		Limits:        cfg.Executor.Limits,
		RateLimit:     rate.Limit(cfg.Executor.RatePerSecond),
		RateBurst:     cfg.Executor.RateBurst,
		Audit:         a.audit,
		Recorder:      a.ledger,
		Bus:           a.bus,
		Metrics:       metrics,
		Tracer:        provider.Tracer,
		Logger:        logger,
	})
	if err != nil {
		return startupFailure("E_EXECUTOR_INIT", err)
	}
	defer exec.Close()

	ctrl := governor.New(cfg.Governor, governor.Options{
		Backlog: func() int { return backlog(a.engine) },
		Sampler: governor.NewHostSampler(),
		Network: runner,
		Audit:   a.audit,
		Bus:     a.bus,
		Metrics: metrics,
		Logger:  logger,
	})

	auto, err := autoexec.New(cfg.AutoExecutor, a.engine, exec, ctrl, cfg.ToolRegistry(), autoexec.Options{
		Audit:  a.audit,
		Bus:    a.bus,
		Logger: logger,
		Tracer: provider.Tracer,
	})
	if err != nil {
		return startupFailure("E_AUTOEXEC_INIT", err)
	}

	sched, err := cron.NewScheduler(cron.Config{Logger: logger}, maintenanceJobs(a)...)
	if err != nil {
		return startupFailure("E_CRON_INIT", err)
	}

	if v := a.policy.PolicyVersion(); v != "" {
		if err := a.ledger.RecordPolicyVersion(ctx, v, cfg.Policy.Path); err != nil {
			logger.Warn("record policy version failed", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Subscriptions exist before any component can publish.
	created := a.bus.Subscribe(bus.TopicProposalCreated)
	alerts := a.bus.Subscribe(bus.TopicAlertFailureRate)
	g.Go(func() error {
		defer a.bus.Unsubscribe(created)
		return routeNewProposals(gctx, a, auto, created)
	})
	g.Go(func() error {
		defer a.bus.Unsubscribe(alerts)
		return logFailureAlerts(gctx, logger, alerts)
	})
	g.Go(func() error { return a.ledger.FollowProposalEvents(gctx, a.bus, logger) })

	watcher := config.NewWatcher(logger, cfg.Policy.Path)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("policy watcher disabled", "error", err)
	} else {
		g.Go(func() error {
			config.FollowPolicy(gctx, watcher, a.policy, cfg.Policy.Path, config.PolicyReloadOptions{
				Audit:    a.audit,
				Bus:      a.bus,
				Recorder: a.ledger,
				Logger:   logger,
			})
			return nil
		})
	}

	g.Go(func() error { return refreshLoop(gctx, a) })

	a.workflow.RegisterCallback(func(_ context.Context, p *proposal.ActionProposal) error {
		logger.Info("proposal approved, awaiting execution", "proposal_id", p.ProposalID, "source", p.ApprovalSource, "backlog", backlog(a.engine))
		return nil
	})
	submitUnqueued(gctx, a, auto)

	ctrl.Start(gctx)
	auto.Start(gctx)
	a.workflow.Start(gctx)
	sched.Start(gctx)

	logger.Info("janus daemon started",
		"version", Version,
		"home", cfg.HomeDir,
		"vessel_id", cfg.VesselID,
		"sandbox", cfg.Sandbox.Backend,
		"policy_version", a.policy.PolicyVersion(),
		"config", cfg.Fingerprint(),
		"pending", len(a.engine.PendingApproval()),
	)
	a.audit.Info("runtime.started", map[string]any{"version": Version, "pid": os.Getpid()})

	<-gctx.Done()
	logger.Info("janus daemon shutting down")

	sched.Stop()
	a.workflow.Stop()
	auto.Stop()
	ctrl.Stop()

	err = g.Wait()
	a.audit.Info("runtime.stopped", map[string]any{"version": Version})
	logger.Info("janus daemon stopped",
		"audit_written", a.audit.Written(),
		"audit_dropped", a.audit.Dropped(),
		"bus_dropped", a.bus.Dropped(),
	)
	return err
}

// backlog counts proposals the executor could pick up now.
func backlog(e *proposal.Engine) int {
	return len(e.ApprovedPendingExecution()) + len(e.AutoApprovable())
}

// needsReview reports whether p must wait for an operator rather than the
// auto executor.
func needsReview(e *proposal.Engine, auto *autoexec.AutoExecutor, p *proposal.ActionProposal) bool {
	if p.Status != proposal.StatusProposed {
		return false
	}
	if !auto.Config().Enabled {
		return true
	}
	return !e.IsAutoApprovable(p) || !auto.Allows(p)
}

func routeNewProposals(ctx context.Context, a *app, auto *autoexec.AutoExecutor, sub *bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			id, _ := ev.Payload.(string)
			p, found := a.engine.Get(id)
			if !found || !needsReview(a.engine, auto, p) {
				continue
			}
			if err := a.workflow.SubmitForApproval(ctx, p); err != nil {
				a.logger.Error("submit for approval failed", "proposal_id", id, "error", err)
			}
		}
	}
}

// submitUnqueued queues proposals that were filed while no daemon was
// running to notice them.
func submitUnqueued(ctx context.Context, a *app, auto *autoexec.AutoExecutor) {
	entries, err := approval.ReadQueue(a.workflow.QueuePath())
	if err != nil {
		a.logger.Warn("read approval queue failed", "error", err)
		return
	}
	queued := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		queued[e.ProposalID] = struct{}{}
	}
	for _, p := range a.engine.PendingApproval() {
		if _, ok := queued[p.ProposalID]; ok || !needsReview(a.engine, auto, p) {
			continue
		}
		if err := a.workflow.SubmitForApproval(ctx, p); err != nil {
			a.logger.Error("submit for approval failed", "proposal_id", p.ProposalID, "error", err)
		}
	}
}

func refreshLoop(ctx context.Context, a *app) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.engine.Refresh(); err != nil {
				a.logger.Warn("proposal log refresh failed", "error", err)
			}
		}
	}
}

func logFailureAlerts(ctx context.Context, logger *slog.Logger, sub *bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			if alert, ok := ev.Payload.(bus.FailureRateAlert); ok {
				logger.Warn("execution failure rate alert", "rate", alert.Rate, "threshold", alert.Threshold)
			}
		}
	}
}

func maintenanceJobs(a *app) []cron.Job {
	cfg := a.cfg
	jobs := []cron.Job{
		cron.WorkspaceSweepJob(cfg.Retention.SweepSchedule, cfg.Sandbox.WorkspaceRoot, cfg.Retention.WorkspaceMaxAge, a.audit),
		cron.LedgerRetentionJob(cfg.Retention.Schedule, a.ledger, cfg.Retention.RetentionWindows, a.audit),
	}
	if cfg.Thinking.Enabled {
		jobs = append(jobs, cron.ThinkingCycleJob(cfg.Thinking.Schedule, newGenerator(a)))
	}
	return jobs
}

func newGenerator(a *app) *proposalgen.Generator {
	backend := &proposalgen.CommandBackend{Argv: a.cfg.Thinking.Command, Timeout: a.cfg.Thinking.Timeout}
	return proposalgen.NewGenerator(backend, missionSource(a.cfg.Thinking.MissionFile), a.engine, proposalgen.Options{
		MaxRetries: a.cfg.Thinking.MaxRetries,
		Audit:      a.audit,
		Logger:     a.logger,
	})
}

// missionSource reads the mission file on every cycle so edits apply without
// a restart. A missing file yields an empty mission.
func missionSource(path string) proposalgen.ContextSource {
	return func(context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("read mission file: %w", err)
		}
		return string(data), nil
	}
}
