// Package executor is the single orchestration point between an approved
// proposal and a recorded outcome: policy checks, sandboxed execution, the
// quality gate and the tool-use log.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/otel"
	"github.com/basket/go-janus/internal/policy"
	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/quality"
	"github.com/basket/go-janus/internal/safety"
	"github.com/basket/go-janus/internal/sandbox"
	"github.com/basket/go-janus/internal/shared"
	"github.com/basket/go-janus/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

const (
	// ArtifactTool is the tool whose output passes through the quality gate.
	ArtifactTool = "node_generator"

	DefaultRateLimit = rate.Limit(10)
	DefaultRateBurst = 1
)

var (
	ErrNotExecutable = errors.New("proposal is not executable")
	ErrToolMismatch  = errors.New("tool configuration mismatch")
	ErrWorkspace     = errors.New("workspace unavailable")
)

var concerningPatterns = []string{
	"permission denied",
	"access denied",
	"unauthorized",
	"segmentation fault",
	"core dumped",
}

// Limits are attached to every result and bound the sandbox context.
type Limits struct {
	CPUPercentMax int           `yaml:"cpu_percent_max" json:"cpu_percent_max"`
	MemoryMBMax   int           `yaml:"memory_mb_max" json:"memory_mb_max"`
	DiskMBMax     int           `yaml:"disk_mb_max" json:"disk_mb_max"`
	Timeout       time.Duration `yaml:"timeout" json:"-"`
}

func DefaultLimits() Limits {
	return Limits{CPUPercentMax: 80, MemoryMBMax: 2048, DiskMBMax: 100, Timeout: 600 * time.Second}
}

func (l Limits) asMap() map[string]any {
	return map[string]any{
		"cpu_percent_max": l.CPUPercentMax,
		"memory_mb_max":   l.MemoryMBMax,
		"disk_mb_max":     l.DiskMBMax,
		"timeout_seconds": int(l.Timeout.Seconds()),
	}
}

// ExecutionContext is the per-attempt audit context.
type ExecutionContext struct {
	ExecutionID       string
	ProposalID        string
	VesselID          string
	Timestamp         string
	ToolName          string
	Tool              sandbox.ToolConfig
	WorkspaceRoot     string
	PolicyApproved    bool
	RateLimitApproved bool
}

// Record is one line of the tool-use log.
type Record struct {
	Timestamp    string         `json:"timestamp"`
	VesselID     string         `json:"vessel_id"`
	ExecutionID  string         `json:"execution_id"`
	ProposalID   string         `json:"proposal_id"`
	Tool         string         `json:"tool"`
	Success      bool           `json:"success"`
	ReturnCode   int            `json:"returncode"`
	StdoutLength int            `json:"stdout_length"`
	StderrLength int            `json:"stderr_length"`
	Workspace    string         `json:"workspace"`
	Metadata     map[string]any `json:"metadata"`
}

// Recorder receives a copy of every tool-use record, typically a durable ledger.
type Recorder interface {
	RecordExecution(ctx context.Context, rec Record) error
}

type Options struct {
	VesselID      string
	ToolLogPath   string
	WorkspaceRoot string
	Limits        Limits
	RateLimit     rate.Limit
	RateBurst     int
	Audit         audit.Emitter
	Recorder      Recorder
	Bus           *bus.Bus
	Metrics       *otel.Metrics
	Tracer        trace.Tracer
	Logger        *slog.Logger
	Now           func() time.Time
}

type Engine struct {
	runner   sandbox.Runner
	guard    policy.Checker
	opts     Options
	limiter  *rate.Limiter
	audit    audit.Emitter
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
	execMu   sync.Mutex
	logMu    sync.Mutex
	toolLog  *os.File
	recorder Recorder
}

func New(runner sandbox.Runner, guard policy.Checker, opts Options) (*Engine, error) {
	if runner == nil || guard == nil {
		return nil, fmt.Errorf("executor requires a sandbox runner and a policy checker")
	}
	if opts.ToolLogPath == "" {
		return nil, fmt.Errorf("executor tool log path is required")
	}
	if opts.VesselID == "" {
		opts.VesselID = shared.DefaultVesselID
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	e := &Engine{
		runner:   runner,
		guard:    guard,
		opts:     opts,
		limiter:  rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
		now:      opts.Now,
		recorder: opts.Recorder,
	}
	if e.audit == nil {
		e.audit = audit.Discard{}
	}
	if e.metrics == nil {
		e.metrics = otel.NoopMetrics()
	}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(opts.ToolLogPath), 0o755); err != nil {
		return nil, fmt.Errorf("create tool log dir: %w", err)
	}
	f, err := os.OpenFile(opts.ToolLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tool log: %w", err)
	}
	e.toolLog = f
	return e, nil
}

func (e *Engine) Close() error {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	if e.toolLog == nil {
		return nil
	}
	err := e.toolLog.Close()
	e.toolLog = nil
	return err
}

func (e *Engine) ToolLogPath() string { return e.opts.ToolLogPath }

func (e *Engine) Limits() Limits { return e.opts.Limits }

// ExecuteProposal runs an APPROVED or EXECUTING proposal. A process that
// exits non-zero yields a result with OK=false and a nil error; policy,
// launch and quality failures are returned as errors.
func (e *Engine) ExecuteProposal(ctx context.Context, p *proposal.ActionProposal, tool sandbox.ToolConfig) (*sandbox.Result, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	if p.Status != proposal.StatusApproved && p.Status != proposal.StatusExecuting {
		return nil, fmt.Errorf("%w: %s is %s, want approved", ErrNotExecutable, p.ProposalID, p.Status)
	}

	ec := &ExecutionContext{
		ExecutionID:   "exec-" + p.ProposalID,
		ProposalID:    p.ProposalID,
		VesselID:      e.opts.VesselID,
		Timestamp:     e.now().UTC().Format(audit.TimestampFormat),
		ToolName:      p.ToolName,
		Tool:          tool,
		WorkspaceRoot: e.opts.WorkspaceRoot,
	}
	ctx = shared.WithProposalID(ctx, p.ProposalID)
	ctx = shared.WithExecutionID(ctx, ec.ExecutionID)
	ctx, span := otel.StartSpan(ctx, e.tracer, "executor.execute_proposal",
		otel.AttrVesselID.String(ec.VesselID),
		otel.AttrProposalID.String(p.ProposalID),
		otel.AttrExecutionID.String(ec.ExecutionID),
		otel.AttrToolName.String(p.ToolName),
		otel.AttrActionType.String(p.ActionType),
		otel.AttrRiskLevel.String(p.RiskLevel.String()),
	)
	defer span.End()

	started := time.Now()
	e.audit.Emit(audit.LevelInfo, "tool_executor.start", map[string]any{
		"execution_id": ec.ExecutionID,
		"proposal_id":  p.ProposalID,
		"tool":         p.ToolName,
		"action_type":  p.ActionType,
		"trace_id":     shared.TraceID(ctx),
	})
	e.opts.Bus.Publish(bus.TopicExecutionStarted, bus.ExecutionEvent{ExecutionID: ec.ExecutionID, ProposalID: p.ProposalID, Tool: p.ToolName})

	res, err := e.execute(ctx, p, ec)
	success := err == nil && res != nil && res.OK
	attrs := metric.WithAttributes(attribute.String("tool", p.ToolName), attribute.Bool("success", success))
	e.metrics.ExecutionsTotal.Add(ctx, 1, attrs)
	e.metrics.ExecutionDuration.Record(ctx, time.Since(started).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logged := &sandbox.Result{Stderr: err.Error(), Metadata: map[string]any{"error": err.Error()}}
		if res != nil {
			logged = res
			if logged.Metadata == nil {
				logged.Metadata = map[string]any{}
			}
			logged.Metadata["error"] = err.Error()
		}
		e.logExecution(ctx, ec, logged, false)
		e.audit.Emit(audit.LevelError, "tool_executor.failed", map[string]any{
			"execution_id": ec.ExecutionID,
			"proposal_id":  p.ProposalID,
			"error":        err.Error(),
		})
		e.opts.Bus.Publish(bus.TopicExecutionFailed, bus.ExecutionEvent{ExecutionID: ec.ExecutionID, ProposalID: p.ProposalID, Tool: p.ToolName, Error: err.Error()})
		return res, err
	}

	span.SetAttributes(otel.AttrSandboxed.Bool(metaBool(res.Metadata, "sandboxed")))
	e.logExecution(ctx, ec, res, res.OK)
	e.audit.Emit(audit.LevelInfo, "tool_executor.success", map[string]any{
		"execution_id": ec.ExecutionID,
		"proposal_id":  p.ProposalID,
		"returncode":   res.ReturnCode(),
	})
	topic := bus.TopicExecutionCompleted
	if !res.OK {
		topic = bus.TopicExecutionFailed
	}
	e.opts.Bus.Publish(topic, bus.ExecutionEvent{ExecutionID: ec.ExecutionID, ProposalID: p.ProposalID, Tool: p.ToolName, Success: res.OK})
	return res, nil
}

func (e *Engine) execute(ctx context.Context, p *proposal.ActionProposal, ec *ExecutionContext) (*sandbox.Result, error) {
	if err := e.phase(ctx, "executor.pre_checks", func(ctx context.Context) error {
		return e.preChecks(ctx, p, ec)
	}); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.Limits.Timeout)
	defer cancel()
	runCtx, span := otel.StartClientSpan(runCtx, e.tracer, "sandbox.run",
		otel.AttrExecutionID.String(ec.ExecutionID),
		otel.AttrToolName.String(ec.Tool.Name),
	)
	res, err := e.runner.Execute(runCtx, ec.Tool.Argv(p.ToolArgs), ec.Tool)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	if err != nil {
		if res != nil {
			if res.Metadata == nil {
				res.Metadata = map[string]any{}
			}
			res.Metadata["resource_limits"] = e.opts.Limits.asMap()
		}
		return res, fmt.Errorf("sandbox execution: %w", err)
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	if _, ok := res.Metadata["resource_limits"]; !ok {
		res.Metadata["resource_limits"] = e.opts.Limits.asMap()
	}

	if err := e.phase(ctx, "executor.post_checks", func(ctx context.Context) error {
		return e.postChecks(ctx, p, res, ec)
	}); err != nil {
		return res, err
	}
	return res, nil
}

// phase runs fn under a child span named after the execution step.
func (e *Engine) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.StartSpan(ctx, e.tracer, name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) preChecks(ctx context.Context, p *proposal.ActionProposal, ec *ExecutionContext) error {
	if p.ToolName != ec.Tool.Name {
		return fmt.Errorf("%w: proposal requests %q but config is for %q", ErrToolMismatch, p.ToolName, ec.Tool.Name)
	}
	if err := e.guard.EnforcePolicy(p); err != nil {
		e.metrics.PolicyViolations.Add(ctx, 1)
		return err
	}
	warnings, err := e.guard.ValidateCommandSafety(p)
	for _, ch := range warnings {
		e.audit.Emit(audit.LevelWarn, "tool_executor.suspicious_command", map[string]any{
			"proposal_id":     p.ProposalID,
			"suspicious_char": ch,
			"args":            p.ToolArgs,
		})
	}
	if err != nil {
		e.metrics.PolicyViolations.Add(ctx, 1)
		return err
	}
	ec.PolicyApproved = true

	if err := e.checkResources(); err != nil {
		return err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	ec.RateLimitApproved = true

	e.audit.Emit(audit.LevelDebug, "tool_executor.pre_checks_passed", map[string]any{
		"execution_id":   ec.ExecutionID,
		"policy_version": e.guard.PolicyVersion(),
	})
	return nil
}

func (e *Engine) checkResources() error {
	root := e.opts.WorkspaceRoot
	if root == "" {
		return nil
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkspace, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrWorkspace, root)
	}
	if free, ok := freeDiskMB(root); ok && e.opts.Limits.DiskMBMax > 0 && free < uint64(e.opts.Limits.DiskMBMax) {
		return fmt.Errorf("%w: %d MB free under %s, need %d MB", ErrWorkspace, free, root, e.opts.Limits.DiskMBMax)
	}
	return nil
}

func (e *Engine) postChecks(ctx context.Context, p *proposal.ActionProposal, res *sandbox.Result, ec *ExecutionContext) error {
	if res.Stderr != "" {
		lower := strings.ToLower(res.Stderr)
		for _, pat := range concerningPatterns {
			if strings.Contains(lower, pat) {
				e.audit.Emit(audit.LevelWarn, "tool_executor.concerning_error", map[string]any{
					"execution_id": ec.ExecutionID,
					"pattern":      pat,
				})
			}
		}
	}

	if leaks := safety.ScanOutput(res.Stdout, res.Stderr); len(leaks) > 0 {
		kinds := make([]string, 0, len(leaks))
		for _, l := range leaks {
			kinds = append(kinds, l.Stream+":"+l.Kind)
		}
		res.Metadata["secrets_detected"] = len(leaks)
		e.audit.Emit(audit.LevelWarn, "tool_executor.secret_detected", map[string]any{
			"execution_id": ec.ExecutionID,
			"proposal_id":  p.ProposalID,
			"kinds":        kinds,
		})
	}

	if !res.OK {
		if p.ExpectedOutcome != "" {
			e.audit.Emit(audit.LevelWarn, "tool_executor.unexpected_failure", map[string]any{
				"execution_id": ec.ExecutionID,
				"expected":     p.ExpectedOutcome,
				"stderr":       truncate(res.Stderr, 200),
			})
		}
		return nil
	}
	if p.ToolName != ArtifactTool {
		return nil
	}

	report, err := quality.Evaluate(res.Stdout)
	if err != nil {
		var qe *quality.Error
		code := "quality_violation"
		if errors.As(err, &qe) {
			code = qe.Code
		}
		e.metrics.QualityFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
		e.audit.Emit(audit.LevelWarn, "tool_executor.quality.violation", map[string]any{
			"execution_id": ec.ExecutionID,
			"proposal_id":  p.ProposalID,
			"code":         code,
			"message":      err.Error(),
		})
		return fmt.Errorf("%s quality gate failed: %w", ArtifactTool, err)
	}

	res.Metadata["quality_summary"] = report.Summary()
	for _, w := range report.Warnings {
		e.audit.Emit(audit.LevelWarn, "tool_executor.quality.warning", map[string]any{
			"execution_id": ec.ExecutionID,
			"proposal_id":  p.ProposalID,
			"message":      w,
		})
	}
	if len(report.Excellence) > 0 {
		e.audit.Emit(audit.LevelInfo, "tool_executor.quality.metrics", map[string]any{
			"execution_id": ec.ExecutionID,
			"proposal_id":  p.ProposalID,
			"excellence":   report.Excellence,
		})
	}
	return nil
}

func (e *Engine) logExecution(ctx context.Context, ec *ExecutionContext, res *sandbox.Result, success bool) {
	rec := Record{
		Timestamp:    ec.Timestamp,
		VesselID:     ec.VesselID,
		ExecutionID:  ec.ExecutionID,
		ProposalID:   ec.ProposalID,
		Tool:         ec.ToolName,
		Success:      success,
		ReturnCode:   res.ReturnCode(),
		StdoutLength: len(res.Stdout),
		StderrLength: len(res.Stderr),
		Workspace:    res.Workspace(),
		Metadata:     res.Metadata,
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		e.logger.Error("marshal tool-use record failed", "execution_id", ec.ExecutionID, "error", err)
		return
	}
	e.logMu.Lock()
	if e.toolLog != nil {
		if _, err := e.toolLog.Write(append(line, '\n')); err != nil {
			e.logger.Error("write tool-use record failed", "execution_id", ec.ExecutionID, "error", err)
		}
	}
	e.logMu.Unlock()

	if e.recorder != nil {
		if err := e.recorder.RecordExecution(ctx, rec); err != nil {
			e.logger.Warn("ledger record failed", "execution_id", ec.ExecutionID, "error", err)
		}
	}
}

// ExecuteRollback only records the rollback attempt. Compensating actions are
// proposal-specific and described by the rollback plan for operators.
func (e *Engine) ExecuteRollback(ctx context.Context, p *proposal.ActionProposal) (*sandbox.Result, error) {
	e.audit.Emit(audit.LevelWarn, "tool_executor.rollback_start", map[string]any{
		"proposal_id":   p.ProposalID,
		"rollback_plan": p.RollbackPlan,
	})
	telemetry.WithContext(ctx, e.logger).Info("rollback logged", "rollback_plan", p.RollbackPlan)
	e.audit.Emit(audit.LevelInfo, "tool_executor.rollback_complete", map[string]any{
		"proposal_id": p.ProposalID,
	})
	return &sandbox.Result{
		OK:       true,
		Stdout:   "Rollback procedure logged",
		Metadata: map[string]any{"rollback": true},
	}, nil
}

// History returns tool-use records, most recent first. An empty proposalID
// matches every record.
func (e *Engine) History(proposalID string, limit int) ([]Record, error) {
	return ReadHistory(e.opts.ToolLogPath, proposalID, limit)
}

func metaBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
