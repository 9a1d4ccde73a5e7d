package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/shared"
	"github.com/google/uuid"
)

const (
	DefaultNoveltyThreshold        = 0.75
	DefaultNoveltyWindow           = 200
	DefaultFailureAlertThreshold   = 0.3
	DefaultFailureAlertMinAttempts = 5
	DefaultApprovalSource          = "first_citizen"
)

type Config struct {
	VesselID string
	// AutoApproval defaults to DefaultAutoApprovalPolicy when nil.
	AutoApproval            *AutoApprovalPolicy
	KnownTools              []string
	FailureAlertThreshold   float64
	FailureAlertMinAttempts int
}

// Deps are the engine's collaborators. All are optional.
type Deps struct {
	Audit  audit.Emitter
	Bus    *bus.Bus
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// CreateRequest carries the caller-supplied content of a new proposal.
type CreateRequest struct {
	MissionContext  string
	ActionType      string
	Rationale       string
	ExpectedOutcome string
	RiskLevel       RiskLevel
	RiskMitigation  string
	RollbackPlan    string
	ToolName        string
	ToolArgs        []string
	ToolKwargs      map[string]any
	Metadata        map[string]any

	// SkipNovelty disables duplicate suppression for this request.
	SkipNovelty      bool
	NoveltyThreshold float64
	NoveltyWindow    int
}

// Stats summarizes execution outcomes since the log began.
type Stats struct {
	Completed   int
	Failed      int
	FailureRate float64
	AlertActive bool
	ByStatus    map[Status]int
}

// Engine is the single authority for proposal identity and lifecycle
// transitions. All mutation happens under mu, in call order.
type Engine struct {
	cfg    Config
	policy AutoApprovalPolicy
	store  *Store
	events audit.Emitter
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu         sync.Mutex
	index      map[string]*ActionProposal
	order      []string // indexed ids, oldest first
	knownTools map[string]struct{}

	completed    int
	failed       int
	alertActive  bool
	alertPending bool
}

// NewEngine replays the store and rebuilds the active index and outcome counters.
func NewEngine(cfg Config, store *Store, deps Deps) (*Engine, error) {
	if cfg.VesselID == "" {
		cfg.VesselID = shared.DefaultVesselID
	}
	if cfg.FailureAlertThreshold <= 0 {
		cfg.FailureAlertThreshold = DefaultFailureAlertThreshold
	}
	if cfg.FailureAlertMinAttempts <= 0 {
		cfg.FailureAlertMinAttempts = DefaultFailureAlertMinAttempts
	}
	e := &Engine{
		cfg:        cfg,
		store:      store,
		events:     deps.Audit,
		bus:        deps.Bus,
		logger:     deps.Logger,
		now:        deps.Now,
		newID:      deps.NewID,
		index:      make(map[string]*ActionProposal),
		knownTools: make(map[string]struct{}),
	}
	if cfg.AutoApproval != nil {
		e.policy = *cfg.AutoApproval
	} else {
		e.policy = DefaultAutoApprovalPolicy()
	}
	if e.events == nil {
		e.events = audit.Discard{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = NewProposalID
	}
	e.RegisterTools(cfg.KnownTools...)

	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	for id, p := range state {
		if p.Suppressed() {
			continue
		}
		e.index[id] = p
		e.order = append(e.order, id)
	}
	e.sortOrder()
	e.recomputeStats()
	e.logger.Info("proposal engine loaded",
		"path", store.Path(),
		"proposals", len(e.index),
		"completed", e.completed,
		"failed", e.failed,
	)
	return e, nil
}

// sortOrder keeps order oldest first with id as the tiebreak. Callers hold mu.
func (e *Engine) sortOrder() {
	sort.SliceStable(e.order, func(i, j int) bool {
		a, b := e.index[e.order[i]], e.index[e.order[j]]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ProposalID < b.ProposalID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
}

// Refresh re-reads the log so records appended by another process, such as
// an operator approving from the CLI, become visible. Newly seen PROPOSED
// proposals are announced on the bus like local creations. It returns the
// ids that were not indexed before. A record already indexed is only replaced
// by one whose status lies further along the lifecycle, so a refresh never
// undoes a transition made by this engine.
func (e *Engine) Refresh() ([]string, error) {
	e.mu.Lock()
	state, err := e.store.Load()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	var added []string
	for id, p := range state {
		if p.Suppressed() {
			continue
		}
		cur, ok := e.index[id]
		if !ok {
			added = append(added, id)
			e.order = append(e.order, id)
		} else if cur.Status != p.Status && !Reachable(cur.Status, p.Status) {
			continue
		}
		e.index[id] = p
	}
	e.sortOrder()
	completed, failed := 0, 0
	for _, p := range e.index {
		switch p.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		default:
		}
	}
	if completed != e.completed || failed != e.failed {
		e.completed, e.failed = completed, failed
		e.evaluateFailureRate()
	}
	var announce []string
	for _, id := range added {
		if e.index[id].Status == StatusProposed {
			announce = append(announce, id)
		}
	}
	sort.Slice(announce, func(i, j int) bool {
		a, b := e.index[announce[i]], e.index[announce[j]]
		return a.Timestamp.Before(b.Timestamp)
	})
	e.mu.Unlock()

	for _, id := range announce {
		e.bus.Publish(bus.TopicProposalCreated, id)
	}
	if len(added) > 0 {
		e.logger.Info("proposal log refreshed", "new", len(added))
	}
	return added, nil
}

// NewProposalID returns "janus-" followed by 12 hex characters.
func NewProposalID() string {
	return "janus-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (e *Engine) VesselID() string { return e.cfg.VesselID }

// RegisterTools adds names to the known-tool registry.
func (e *Engine) RegisterTools(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			e.knownTools[n] = struct{}{}
		}
	}
}

// KnownTools returns the registry sorted by name.
func (e *Engine) KnownTools() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.knownTools))
	for n := range e.knownTools {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Create builds, de-duplicates and persists a new proposal. A near-duplicate
// is persisted as a suppressed DRAFT and returned without being indexed.
// When the known-tool registry is non-empty, unknown tools are refused.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*ActionProposal, error) {
	if !req.RiskLevel.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRiskLevel, int(req.RiskLevel))
	}
	threshold := req.NoveltyThreshold
	if threshold <= 0 {
		threshold = DefaultNoveltyThreshold
	}
	window := req.NoveltyWindow
	if window <= 0 {
		window = DefaultNoveltyWindow
	}
	norm := NormalizeActionType(req.ActionType)

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.knownTools) > 0 {
		if _, ok := e.knownTools[strings.TrimSpace(req.ToolName)]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, req.ToolName)
		}
	}

	p := &ActionProposal{
		ProposalID:      e.newID(),
		Timestamp:       e.now().UTC(),
		VesselID:        e.cfg.VesselID,
		MissionContext:  req.MissionContext,
		ActionType:      norm,
		Rationale:       req.Rationale,
		ExpectedOutcome: req.ExpectedOutcome,
		RiskLevel:       req.RiskLevel,
		RiskMitigation:  req.RiskMitigation,
		RollbackPlan:    req.RollbackPlan,
		ToolName:        req.ToolName,
		ToolArgs:        append([]string{}, req.ToolArgs...),
		ToolKwargs:      cloneMap(req.ToolKwargs),
		Metadata:        cloneMap(req.Metadata),
	}
	if p.ToolKwargs == nil {
		p.ToolKwargs = map[string]any{}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	p.Metadata["action_type_normalized"] = norm

	if !req.SkipNovelty {
		sim, dup := e.mostSimilar(norm, req.Rationale, window)
		if dup != "" && sim >= threshold {
			p.Status = StatusDraft
			p.Metadata["suppressed"] = true
			p.Metadata["novelty_score"] = math.Round(sim*1000) / 1000
			p.Metadata["duplicate_of"] = dup
			if err := e.store.Append(p); err != nil {
				return nil, err
			}
			e.events.Emit(audit.LevelInfo, "proposal_suppressed", map[string]any{
				"proposal_id":   p.ProposalID,
				"duplicate_of":  dup,
				"novelty_score": p.Metadata["novelty_score"],
				"action_type":   norm,
			})
			e.bus.Publish(bus.TopicProposalSuppressed, p.ProposalID)
			e.logger.Debug("proposal suppressed as duplicate", "proposal_id", p.ProposalID, "duplicate_of", dup, "similarity", sim)
			return p.Clone(), nil
		}
	}

	p.Status = StatusProposed
	p.Metadata["original_action_type"] = req.ActionType
	if err := e.store.Append(p); err != nil {
		return nil, err
	}
	e.index[p.ProposalID] = p
	e.order = append(e.order, p.ProposalID)

	e.events.Emit(audit.LevelInfo, "proposal_created", map[string]any{
		"proposal_id":       p.ProposalID,
		"action_type":       p.ActionType,
		"risk_level":        p.RiskLevel.String(),
		"tool":              p.ToolName,
		"requires_approval": p.RequiresApproval(),
		"content_hash":      p.ContentHash(),
		"trace_id":          shared.TraceID(ctx),
	})
	e.bus.Publish(bus.TopicProposalCreated, p.ProposalID)
	return p.Clone(), nil
}

// mostSimilar scans up to window most recent indexed proposals with the same
// normalized action type. Callers hold mu.
func (e *Engine) mostSimilar(norm, rationale string, window int) (float64, string) {
	best, dup := 0.0, ""
	seen := 0
	for i := len(e.order) - 1; i >= 0 && seen < window; i-- {
		cand := e.index[e.order[i]]
		if NormalizeActionType(cand.ActionType) != norm {
			continue
		}
		seen++
		if sim := Jaccard(cand.Rationale, rationale); sim > best {
			best, dup = sim, cand.ProposalID
		}
	}
	return best, dup
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSuccess
	outcomeFailure
)

// transition applies one lifecycle step. The new record is persisted before
// the in-memory index is updated, so a failed append leaves state untouched.
func (e *Engine) transition(ctx context.Context, id string, to Status, out outcome, mutate func(*ActionProposal)) (*ActionProposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !CanTransition(cur.Status, to) {
		return nil, &TransitionError{ProposalID: id, From: cur.Status, To: to}
	}
	next := cur.Clone()
	from := next.Status
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	if err := e.store.Append(next); err != nil {
		return nil, err
	}
	e.index[id] = next
	switch out {
	case outcomeSuccess:
		e.completed++
		e.evaluateFailureRate()
	case outcomeFailure:
		e.failed++
		e.evaluateFailureRate()
	case outcomeNone:
	}

	change := bus.ProposalStateChanged{ProposalID: id, OldStatus: from.String(), NewStatus: to.String()}
	switch to {
	case StatusApproved:
		change.Source = next.ApprovalSource
	case StatusRejected:
		change.Source = next.RejectionReason
	default:
	}
	e.events.Emit(audit.LevelInfo, "proposal_"+to.String(), map[string]any{
		"proposal_id": id,
		"from":        from.String(),
		"to":          to.String(),
		"trace_id":    shared.TraceID(ctx),
	})
	e.bus.Publish(bus.TopicProposalStateChanged, change)
	return next.Clone(), nil
}

// Approve moves a PROPOSED proposal to APPROVED.
func (e *Engine) Approve(ctx context.Context, id, source string) (*ActionProposal, error) {
	if source == "" {
		source = DefaultApprovalSource
	}
	return e.transition(ctx, id, StatusApproved, outcomeNone, func(p *ActionProposal) {
		ts := e.now().UTC()
		p.ApprovalTimestamp = &ts
		p.ApprovalSource = source
	})
}

// Reject moves a PROPOSED proposal to REJECTED with the given reason.
func (e *Engine) Reject(ctx context.Context, id, reason string) (*ActionProposal, error) {
	return e.transition(ctx, id, StatusRejected, outcomeNone, func(p *ActionProposal) {
		p.RejectionReason = reason
	})
}

func (e *Engine) MarkExecuting(ctx context.Context, id string) (*ActionProposal, error) {
	return e.transition(ctx, id, StatusExecuting, outcomeNone, nil)
}

// MarkCompleted records a successful execution. A quality_summary in result
// is folded into metadata.mission_quality.
func (e *Engine) MarkCompleted(ctx context.Context, id string, result map[string]any) (*ActionProposal, error) {
	return e.transition(ctx, id, StatusCompleted, outcomeSuccess, func(p *ActionProposal) {
		p.ExecutionResult = cloneMap(result)
		qs, ok := result["quality_summary"].(map[string]any)
		if !ok || len(qs) == 0 {
			return
		}
		mq, _ := p.Metadata["mission_quality"].(map[string]any)
		if mq == nil {
			mq = map[string]any{}
		}
		mq["summary"] = cloneValue(qs["summary"])
		mq["quality"] = cloneValue(qs["quality"])
		if w, ok := qs["warnings"]; ok && !isEmpty(w) {
			mq["warnings"] = cloneValue(w)
		}
		if x, ok := qs["excellence"]; ok && !isEmpty(x) {
			mq["excellence"] = cloneValue(x)
		}
		if p.Metadata == nil {
			p.Metadata = map[string]any{}
		}
		p.Metadata["mission_quality"] = mq
	})
}

// MarkFailed records a failed execution with a structured error payload.
func (e *Engine) MarkFailed(ctx context.Context, id string, errPayload map[string]any) (*ActionProposal, error) {
	return e.transition(ctx, id, StatusFailed, outcomeFailure, func(p *ActionProposal) {
		p.ExecutionResult = cloneMap(errPayload)
	})
}

// Suspend is the emergency stop for any non-terminal proposal.
func (e *Engine) Suspend(ctx context.Context, id, reason string) (*ActionProposal, error) {
	return e.transition(ctx, id, StatusSuspended, outcomeNone, func(p *ActionProposal) {
		if reason != "" {
			if p.Metadata == nil {
				p.Metadata = map[string]any{}
			}
			p.Metadata["suspend_reason"] = reason
		}
	})
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case []string:
		return len(val) == 0
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case map[string]float64:
		return len(val) == 0
	default:
		return false
	}
}

// Get returns a copy of the indexed proposal.
func (e *Engine) Get(id string) (*ActionProposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.index[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns indexed proposals oldest first, optionally filtered by status.
func (e *Engine) List(statuses ...Status) []*ActionProposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ActionProposal, 0, len(e.order))
	for _, id := range e.order {
		p := e.index[id]
		if len(statuses) > 0 && !slices.Contains(statuses, p.Status) {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

// PendingApproval lists PROPOSED proposals, oldest first.
func (e *Engine) PendingApproval() []*ActionProposal {
	return e.List(StatusProposed)
}

// ApprovedPendingExecution lists APPROVED proposals, oldest first.
func (e *Engine) ApprovedPendingExecution() []*ActionProposal {
	return e.List(StatusApproved)
}

// IsAutoApprovable requires PROPOSED status and membership in all three
// auto-approval sets.
func (e *Engine) IsAutoApprovable(p *ActionProposal) bool {
	if p == nil || p.Status != StatusProposed {
		return false
	}
	return e.policy.Allows(p)
}

// AutoApprovable lists proposals passing IsAutoApprovable, oldest first.
func (e *Engine) AutoApprovable() []*ActionProposal {
	var out []*ActionProposal
	for _, p := range e.List(StatusProposed) {
		if e.IsAutoApprovable(p) {
			out = append(out, p)
		}
	}
	return out
}

// FailureRate is failed/(completed+failed), or 0 before any outcome.
func (e *Engine) FailureRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failureRateLocked()
}

func (e *Engine) failureRateLocked() float64 {
	total := e.completed + e.failed
	if total == 0 {
		return 0
	}
	return float64(e.failed) / float64(total)
}

func (e *Engine) FailureAlertThreshold() float64 { return e.cfg.FailureAlertThreshold }

// PopFailureAlert returns true once per upward threshold crossing.
func (e *Engine) PopFailureAlert() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alertPending {
		e.alertPending = false
		return true
	}
	return false
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Completed:   e.completed,
		Failed:      e.failed,
		FailureRate: e.failureRateLocked(),
		AlertActive: e.alertActive,
		ByStatus:    make(map[Status]int),
	}
	for _, p := range e.index {
		st.ByStatus[p.Status]++
	}
	return st
}

// evaluateFailureRate arms the alert on an upward crossing and re-arms it once
// the rate falls below half the threshold. Callers hold mu.
func (e *Engine) evaluateFailureRate() {
	total := e.completed + e.failed
	rate := e.failureRateLocked()
	threshold := e.cfg.FailureAlertThreshold
	switch {
	case total >= e.cfg.FailureAlertMinAttempts && rate >= threshold && !e.alertActive:
		e.alertActive = true
		e.alertPending = true
		e.logger.Warn("execution failure rate above threshold", "rate", rate, "threshold", threshold, "attempts", total)
	case e.alertActive && rate < threshold*0.5:
		e.alertActive = false
	}
}

// recomputeStats seeds counters from replayed history. An alert that was
// already active before restart is not re-delivered.
func (e *Engine) recomputeStats() {
	e.completed, e.failed = 0, 0
	for _, p := range e.index {
		switch p.Status {
		case StatusCompleted:
			e.completed++
		case StatusFailed:
			e.failed++
		default:
		}
	}
	e.alertPending = false
	e.alertActive = e.completed+e.failed > 0 && e.failureRateLocked() >= e.cfg.FailureAlertThreshold
}
