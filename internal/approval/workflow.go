// Package approval is the human-in-the-loop path for proposals the auto
// executor may not run on its own.
package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/proposal"
)

const (
	DefaultTimeout         = 24 * time.Hour
	DefaultMonitorInterval = 60 * time.Second
	DefaultOperatorSource  = proposal.DefaultApprovalSource
)

var ErrNotPending = errors.New("proposal is not awaiting approval")

type Config struct {
	QueuePath           string        `yaml:"queue_path"`
	Timeout             time.Duration `yaml:"timeout"`
	AutoRejectOnTimeout bool          `yaml:"auto_reject_on_timeout"`
	NotificationEnabled bool          `yaml:"notification_enabled"`
	NotificationScript  string        `yaml:"notification_script"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		NotificationEnabled: true,
		MonitorInterval:     DefaultMonitorInterval,
	}
}

// QueueEntry is one line of the approval queue file.
type QueueEntry struct {
	ProposalID string       `json:"proposal_id"`
	Timestamp  string       `json:"timestamp"`
	ActionType string       `json:"action_type"`
	RiskLevel  string       `json:"risk_level"`
	Summary    EntrySummary `json:"summary"`
}

type EntrySummary struct {
	Rationale       string `json:"rationale"`
	ExpectedOutcome string `json:"expected_outcome"`
	Tool            string `json:"tool"`
}

// Callback runs after a successful approval. Errors and panics are logged.
type Callback func(ctx context.Context, p *proposal.ActionProposal) error

type Options struct {
	Notifier Notifier
	Audit    audit.Emitter
	Bus      *bus.Bus
	Logger   *slog.Logger
	Now      func() time.Time
}

type Workflow struct {
	cfg      Config
	engine   *proposal.Engine
	notifier Notifier
	audit    audit.Emitter
	bus      *bus.Bus
	logger   *slog.Logger
	now      func() time.Time

	queueMu   sync.Mutex
	cbMu      sync.RWMutex
	callbacks []Callback
	reportMu  sync.Mutex
	reported  map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, engine *proposal.Engine, opts Options) (*Workflow, error) {
	if engine == nil {
		return nil, errors.New("approval workflow requires a proposal engine")
	}
	if cfg.QueuePath == "" {
		return nil, errors.New("approval workflow requires a queue path")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if err := os.MkdirAll(filepath.Dir(cfg.QueuePath), 0o755); err != nil {
		return nil, fmt.Errorf("create approval queue directory: %w", err)
	}
	w := &Workflow{
		cfg:      cfg,
		engine:   engine,
		notifier: opts.Notifier,
		audit:    opts.Audit,
		bus:      opts.Bus,
		logger:   opts.Logger,
		now:      opts.Now,
		reported: make(map[string]struct{}),
	}
	if w.notifier == nil {
		w.notifier = NoopNotifier{}
	}
	if w.audit == nil {
		w.audit = audit.Discard{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

func (w *Workflow) QueuePath() string { return w.cfg.QueuePath }

// RegisterCallback adds fn to the post-approval callbacks.
func (w *Workflow) RegisterCallback(fn Callback) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// SubmitForApproval queues a PROPOSED proposal for review and notifies the
// operator. Notification failures are audited, not returned.
func (w *Workflow) SubmitForApproval(ctx context.Context, p *proposal.ActionProposal) error {
	if p.Status != proposal.StatusProposed {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, p.ProposalID, p.Status)
	}
	entry := QueueEntry{
		ProposalID: p.ProposalID,
		Timestamp:  p.Timestamp.UTC().Format(audit.TimestampFormat),
		ActionType: p.ActionType,
		RiskLevel:  p.RiskLevel.String(),
		Summary: EntrySummary{
			Rationale:       p.Rationale,
			ExpectedOutcome: p.ExpectedOutcome,
			Tool:            p.ToolName,
		},
	}
	if err := w.appendQueue(entry); err != nil {
		return err
	}
	aligned, reason := proposal.ValidateConstitutionalAlignment(p)
	w.audit.Emit(audit.LevelInfo, "approval_workflow.submitted", map[string]any{
		"proposal_id":      p.ProposalID,
		"action_type":      p.ActionType,
		"risk_level":       p.RiskLevel.String(),
		"aligned":          aligned,
		"alignment_reason": reason,
	})
	w.bus.Publish(bus.TopicApprovalRequested, p.ProposalID)

	if w.cfg.NotificationEnabled {
		n := NotificationFor(p)
		if err := w.notifier.Notify(ctx, n); err != nil {
			w.audit.Emit(audit.LevelWarn, "approval_workflow.notification_failed", map[string]any{
				"proposal_id": p.ProposalID,
				"notifier":    w.notifier.Name(),
				"error":       err.Error(),
			})
			w.logger.Warn("approval notification failed", "proposal_id", p.ProposalID, "error", err)
		}
		w.audit.Emit(audit.LevelInfo, "approval_workflow.notification", map[string]any{
			"proposal_id": n.ProposalID,
			"action_type": n.ActionType,
			"risk_level":  n.RiskLevel,
			"notifier":    w.notifier.Name(),
			"review":      n.Commands.Review,
			"approve":     n.Commands.Approve,
			"reject":      n.Commands.Reject,
		})
	}
	return nil
}

func (w *Workflow) appendQueue(entry QueueEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	f, err := os.OpenFile(w.cfg.QueuePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open approval queue: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append approval queue: %w", err)
	}
	return f.Sync()
}

// ReadQueue returns every entry in the queue file. A missing file is empty.
func ReadQueue(path string) ([]QueueEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open approval queue: %w", err)
	}
	defer f.Close()

	var out []QueueEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e QueueEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("approval queue line %d: %w", line, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Pending lists proposals awaiting a decision, oldest first.
func (w *Workflow) Pending() []*proposal.ActionProposal {
	return w.engine.PendingApproval()
}

func (w *Workflow) Details(id string) (*proposal.ActionProposal, bool) {
	return w.engine.Get(id)
}

// Approve moves a PROPOSED proposal to APPROVED and runs the callbacks.
func (w *Workflow) Approve(ctx context.Context, id, source string) (*proposal.ActionProposal, error) {
	if err := w.requirePending(id); err != nil {
		return nil, err
	}
	if source == "" {
		source = DefaultOperatorSource
	}
	p, err := w.engine.Approve(ctx, id, source)
	if err != nil {
		return nil, err
	}
	w.audit.Emit(audit.LevelInfo, "approval_workflow.approved", map[string]any{
		"proposal_id":     id,
		"approval_source": source,
	})
	w.bus.Publish(bus.TopicApprovalResponse, bus.ApprovalResponse{ProposalID: id, Action: "approve", Source: source})
	w.runCallbacks(ctx, p)
	return p, nil
}

// Reject moves a PROPOSED proposal to REJECTED with reason.
func (w *Workflow) Reject(ctx context.Context, id, reason string) (*proposal.ActionProposal, error) {
	if err := w.requirePending(id); err != nil {
		return nil, err
	}
	p, err := w.engine.Reject(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	w.audit.Emit(audit.LevelInfo, "approval_workflow.rejected", map[string]any{
		"proposal_id": id,
		"reason":      reason,
	})
	w.bus.Publish(bus.TopicApprovalResponse, bus.ApprovalResponse{ProposalID: id, Action: "reject", Reason: reason})
	return p, nil
}

func (w *Workflow) requirePending(id string) error {
	p, ok := w.engine.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", proposal.ErrNotFound, id)
	}
	if p.Status != proposal.StatusProposed {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, p.Status)
	}
	return nil
}

func (w *Workflow) runCallbacks(ctx context.Context, p *proposal.ActionProposal) {
	w.cbMu.RLock()
	cbs := append([]Callback(nil), w.callbacks...)
	w.cbMu.RUnlock()
	for _, cb := range cbs {
		w.runCallback(ctx, cb, p.Clone())
	}
}

func (w *Workflow) runCallback(ctx context.Context, cb Callback, p *proposal.ActionProposal) {
	defer func() {
		if r := recover(); r != nil {
			w.audit.Emit(audit.LevelError, "approval_workflow.callback_error", map[string]any{
				"proposal_id": p.ProposalID,
				"error":       fmt.Sprint(r),
				"panic":       true,
			})
			w.logger.Error("approval callback panicked", "proposal_id", p.ProposalID, "panic", r)
		}
	}()
	if err := cb(ctx, p); err != nil {
		w.audit.Emit(audit.LevelError, "approval_workflow.callback_error", map[string]any{
			"proposal_id": p.ProposalID,
			"error":       err.Error(),
		})
		w.logger.Error("approval callback failed", "proposal_id", p.ProposalID, "error", err)
	}
}

// CheckTimeouts reports every pending proposal older than the timeout once,
// rejecting it when AutoRejectOnTimeout is set. It returns the ids handled.
func (w *Workflow) CheckTimeouts(ctx context.Context) []string {
	now := w.now()
	var handled []string
	for _, p := range w.engine.PendingApproval() {
		age := now.Sub(p.Timestamp)
		if age <= w.cfg.Timeout {
			continue
		}
		w.reportMu.Lock()
		_, seen := w.reported[p.ProposalID]
		w.reported[p.ProposalID] = struct{}{}
		w.reportMu.Unlock()
		if seen {
			continue
		}
		handled = append(handled, p.ProposalID)
		w.audit.Emit(audit.LevelWarn, "approval_workflow.timeout", map[string]any{
			"proposal_id": p.ProposalID,
			"action_type": p.ActionType,
			"age_hours":   age.Hours(),
		})
		w.bus.Publish(bus.TopicApprovalTimeout, p.ProposalID)
		if !w.cfg.AutoRejectOnTimeout {
			continue
		}
		reason := fmt.Sprintf("Timeout: No approval received within %s", w.cfg.Timeout)
		if _, err := w.Reject(ctx, p.ProposalID, reason); err != nil {
			w.logger.Warn("timeout rejection failed", "proposal_id", p.ProposalID, "error", err)
		}
	}
	return handled
}

// Start runs the timeout monitor in a background goroutine.
func (w *Workflow) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.monitor(ctx)
	w.audit.Emit(audit.LevelInfo, "approval_workflow.started", map[string]any{
		"timeout_hours":          w.cfg.Timeout.Hours(),
		"auto_reject_on_timeout": w.cfg.AutoRejectOnTimeout,
	})
	w.logger.Info("approval monitor started", "interval", w.cfg.MonitorInterval, "timeout", w.cfg.Timeout)
}

// Stop cancels the monitor and waits for it to exit.
func (w *Workflow) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("approval monitor stopped")
}

func (w *Workflow) monitor(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.CheckTimeouts(ctx)
		}
	}
}
