// Package autoexec is the background worker that approves and runs
// low-risk proposals without an operator in the loop.
package autoexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/otel"
	"github.com/basket/go-janus/internal/policy"
	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/quality"
	"github.com/basket/go-janus/internal/sandbox"
	"github.com/basket/go-janus/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultPollInterval   = 60 * time.Second
	MinPollInterval       = 5 * time.Second
	DefaultApprovalSource = "auto-approval-system"

	ErrToolNotConfigured = "tool_not_configured"
	ErrExecutionFailed   = "execution_failed"
)

type Config struct {
	Enabled            bool          `yaml:"enabled"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	ApprovalSource     string        `yaml:"approval_source"`
	MaxRiskLevel       string        `yaml:"max_risk_level"`
	AllowedTools       []string      `yaml:"allowed_tools"`
	AllowedActionTypes []string      `yaml:"allowed_action_types"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		PollInterval:       DefaultPollInterval,
		ApprovalSource:     DefaultApprovalSource,
		MaxRiskLevel:       "low",
		AllowedTools:       append([]string(nil), proposal.DefaultAutoApprovalTools...),
		AllowedActionTypes: append([]string(nil), proposal.DefaultAutoApprovalActionTypes...),
	}
}

// Normalize fills zero values and clamps the poll interval.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollInterval < MinPollInterval {
		c.PollInterval = MinPollInterval
	}
	if c.ApprovalSource == "" {
		c.ApprovalSource = d.ApprovalSource
	}
	if c.MaxRiskLevel == "" {
		c.MaxRiskLevel = d.MaxRiskLevel
	}
	if c.AllowedTools == nil {
		c.AllowedTools = d.AllowedTools
	}
	if c.AllowedActionTypes == nil {
		c.AllowedActionTypes = d.AllowedActionTypes
	}
	return c
}

// allowList expands MaxRiskLevel into every level at or below it.
func (c Config) allowList() (proposal.AutoApprovalPolicy, error) {
	ceiling, err := proposal.ParseRiskLevel(c.MaxRiskLevel)
	if err != nil {
		return proposal.AutoApprovalPolicy{}, fmt.Errorf("auto executor max_risk_level: %w", err)
	}
	var risks []proposal.RiskLevel
	for r := proposal.RiskLow; r <= ceiling; r++ {
		risks = append(risks, r)
	}
	return proposal.NewAutoApprovalPolicy(risks, c.AllowedActionTypes, c.AllowedTools), nil
}

// Executor runs one approved proposal.
type Executor interface {
	ExecuteProposal(ctx context.Context, p *proposal.ActionProposal, tool sandbox.ToolConfig) (*sandbox.Result, error)
}

// Slots hands out admission slots; governor.Controller implements it.
type Slots interface {
	Acquire(ctx context.Context) (func(), error)
}

type Options struct {
	Audit  audit.Emitter
	Bus    *bus.Bus
	Logger *slog.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

type AutoExecutor struct {
	cfg    Config
	allow  proposal.AutoApprovalPolicy
	engine *proposal.Engine
	exec   Executor
	slots  Slots
	tools  map[string]sandbox.ToolConfig
	audit  audit.Emitter
	bus    *bus.Bus
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	tickMu sync.Mutex
	wg     sync.WaitGroup

	mu      sync.Mutex // guards cancel and running
	cancel  context.CancelFunc
	running bool
}

// New builds an AutoExecutor. slots may be nil, in which case executions are
// only serialized by the tick loop itself.
func New(cfg Config, engine *proposal.Engine, exec Executor, slots Slots, tools map[string]sandbox.ToolConfig, opts Options) (*AutoExecutor, error) {
	if engine == nil || exec == nil {
		return nil, errors.New("auto executor requires a proposal engine and an executor")
	}
	cfg = cfg.Normalize()
	allow, err := cfg.allowList()
	if err != nil {
		return nil, err
	}
	a := &AutoExecutor{
		cfg:    cfg,
		allow:  allow,
		engine: engine,
		exec:   exec,
		slots:  slots,
		tools:  tools,
		audit:  opts.Audit,
		bus:    opts.Bus,
		logger: opts.Logger,
		tracer: opts.Tracer,
		now:    opts.Now,
	}
	if a.audit == nil {
		a.audit = audit.Discard{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.tracer == nil {
		a.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

func (a *AutoExecutor) Config() Config { return a.cfg }

// Allows reports whether p passes this executor's own allow-lists.
func (a *AutoExecutor) Allows(p *proposal.ActionProposal) bool {
	return a.allow.Allows(p)
}

// Start launches the poll loop. It is a no-op when disabled or already running.
func (a *AutoExecutor) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cfg.Enabled || a.running {
		return
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop(ctx)
	a.audit.Emit(audit.LevelInfo, "auto_executor.started", map[string]any{
		"poll_interval_seconds": a.cfg.PollInterval.Seconds(),
	})
	a.logger.Info("auto executor started", "poll_interval", a.cfg.PollInterval)
}

// Stop cancels the loop and waits for it. A tick that is already executing a
// proposal runs to completion first.
func (a *AutoExecutor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.cancel()
	a.wg.Wait()
	a.running = false
	a.audit.Emit(audit.LevelInfo, "auto_executor.stopped", map[string]any{})
	a.logger.Info("auto executor stopped")
}

func (a *AutoExecutor) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Executions must not observe loop cancellation mid-flight.
		if _, err := a.Tick(context.WithoutCancel(ctx)); err != nil {
			a.audit.Emit(audit.LevelError, "auto_executor.error", map[string]any{"error": err.Error()})
			a.logger.Error("auto executor tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick processes at most one proposal and returns its id, or "" when nothing
// was eligible. Execution failures are recorded on the proposal, not returned.
func (a *AutoExecutor) Tick(ctx context.Context) (string, error) {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	p := a.next()
	if p == nil {
		return "", nil
	}
	ctx = shared.WithProposalID(ctx, p.ProposalID)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, span := otel.StartSpan(ctx, a.tracer, "autoexec.tick",
		otel.AttrProposalID.String(p.ProposalID),
		otel.AttrActionType.String(p.ActionType),
		otel.AttrToolName.String(p.ToolName),
		otel.AttrAutoApproved.Bool(p.Status == proposal.StatusProposed),
	)
	defer span.End()

	if p.Status == proposal.StatusProposed {
		approved, err := a.approve(ctx, p)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "auto approve failed")
			return p.ProposalID, err
		}
		p = approved
	}
	err := a.execute(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution bookkeeping failed")
	}
	if got, ok := a.engine.Get(p.ProposalID); ok {
		span.SetAttributes(otel.AttrOutcome.String(got.Status.String()))
	}
	return p.ProposalID, err
}

func (a *AutoExecutor) approve(ctx context.Context, p *proposal.ActionProposal) (*proposal.ActionProposal, error) {
	ctx, span := otel.StartSpan(ctx, a.tracer, "autoexec.approve",
		otel.AttrProposalID.String(p.ProposalID),
		otel.AttrRiskLevel.String(p.RiskLevel.String()),
	)
	defer span.End()
	approved, err := a.engine.Approve(ctx, p.ProposalID, a.cfg.ApprovalSource)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("auto approve %s: %w", p.ProposalID, err)
	}
	a.audit.Emit(audit.LevelInfo, "auto_executor.auto_approved", map[string]any{
		"proposal_id": approved.ProposalID,
		"action_type": approved.ActionType,
		"tool":        approved.ToolName,
	})
	return approved, nil
}

// next picks the oldest approved proposal, else the oldest proposed one that
// passes both the engine's and this executor's allow-lists.
func (a *AutoExecutor) next() *proposal.ActionProposal {
	if approved := a.engine.ApprovedPendingExecution(); len(approved) > 0 {
		return approved[0]
	}
	for _, p := range a.engine.AutoApprovable() {
		if a.allow.Allows(p) {
			return p
		}
	}
	return nil
}

func (a *AutoExecutor) execute(ctx context.Context, p *proposal.ActionProposal) error {
	tool, ok := a.tools[p.ToolName]
	if !ok {
		a.audit.Emit(audit.LevelError, "auto_executor.missing_tool_config", map[string]any{
			"proposal_id": p.ProposalID,
			"tool":        p.ToolName,
		})
		if _, err := a.engine.MarkFailed(ctx, p.ProposalID, map[string]any{
			"error":     ErrToolNotConfigured,
			"message":   fmt.Sprintf("No tool configuration for '%s'", p.ToolName),
			"timestamp": a.timestamp(),
		}); err != nil {
			return err
		}
		a.checkFailureRate(p.ProposalID)
		return nil
	}
	if tool.Name == "" {
		tool.Name = p.ToolName
	}

	if a.slots != nil {
		_, span := otel.StartSpan(ctx, a.tracer, "autoexec.acquire_slot")
		release, err := a.slots.Acquire(ctx)
		span.End()
		if err != nil {
			return fmt.Errorf("acquire execution slot: %w", err)
		}
		defer release()
	}

	executing, err := a.engine.MarkExecuting(ctx, p.ProposalID)
	if err != nil {
		return err
	}

	res, execErr := a.exec.ExecuteProposal(ctx, executing, tool)
	if execErr != nil {
		payload := map[string]any{
			"error":     ErrExecutionFailed,
			"message":   execErr.Error(),
			"timestamp": a.timestamp(),
		}
		if code := failureCode(execErr); code != "" {
			payload["code"] = code
		}
		if _, err := a.engine.MarkFailed(ctx, p.ProposalID, payload); err != nil {
			return err
		}
		a.audit.Emit(audit.LevelError, "auto_executor.execution_failed", map[string]any{
			"proposal_id": p.ProposalID,
			"error":       execErr.Error(),
		})
		a.checkFailureRate(p.ProposalID)
		return nil
	}

	payload := a.payload(res)
	if !res.OK {
		payload["error"] = ErrExecutionFailed
		payload["message"] = fmt.Sprintf("tool exited with status %d", res.ReturnCode())
		if _, err := a.engine.MarkFailed(ctx, p.ProposalID, payload); err != nil {
			return err
		}
		a.audit.Emit(audit.LevelWarn, "auto_executor.execution_failed", map[string]any{
			"proposal_id": p.ProposalID,
			"returncode":  res.ReturnCode(),
		})
		a.checkFailureRate(p.ProposalID)
		return nil
	}
	if _, err := a.engine.MarkCompleted(ctx, p.ProposalID, payload); err != nil {
		return err
	}
	a.audit.Emit(audit.LevelInfo, "auto_executor.execution_completed", map[string]any{
		"proposal_id": p.ProposalID,
		"returncode":  res.ReturnCode(),
	})
	a.checkFailureRate(p.ProposalID)
	return nil
}

func (a *AutoExecutor) payload(res *sandbox.Result) map[string]any {
	out := map[string]any{
		"returncode": res.ReturnCode(),
		"stdout":     res.Stdout,
		"stderr":     res.Stderr,
		"workspace":  res.Workspace(),
		"timestamp":  a.timestamp(),
	}
	if qs, ok := res.Metadata["quality_summary"]; ok {
		out["quality_summary"] = qs
	}
	return out
}

func (a *AutoExecutor) checkFailureRate(proposalID string) {
	if !a.engine.PopFailureAlert() {
		return
	}
	st := a.engine.Stats()
	a.audit.Emit(audit.LevelWarn, "auto_executor.failure_rate_alert", map[string]any{
		"failure_rate": st.FailureRate,
		"proposal_id":  proposalID,
	})
	a.bus.Publish(bus.TopicAlertFailureRate, bus.FailureRateAlert{
		Completed: st.Completed,
		Failed:    st.Failed,
		Rate:      st.FailureRate,
		Threshold: a.engine.FailureAlertThreshold(),
	})
}

func (a *AutoExecutor) timestamp() string {
	return a.now().UTC().Format(audit.TimestampFormat)
}

// failureCode extracts the machine-readable code from quality and policy errors.
func failureCode(err error) string {
	var qe *quality.Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	var pv *policy.Violation
	if errors.As(err, &pv) {
		return pv.Code
	}
	return ""
}
