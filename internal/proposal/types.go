// Package proposal owns action proposal identity, novelty filtering, and the
// lifecycle state machine. Every state change is appended to a JSONL log that
// is replayed at startup.
package proposal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RiskLevel is ordered: RiskLow < RiskMedium < RiskHigh. The zero value is invalid.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
)

var ErrInvalidRiskLevel = errors.New("invalid risk level")

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("RiskLevel(%d)", int(r))
	}
}

func (r RiskLevel) Valid() bool { return r >= RiskLow && r <= RiskHigh }

// ParseRiskLevel accepts the canonical lowercase names in any case.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRiskLevel, s)
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRiskLevel, int(r))
	}
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Status is the proposal lifecycle state. The zero value is invalid.
type Status int

const (
	StatusDraft Status = iota + 1
	StatusProposed
	StatusApproved
	StatusRejected
	StatusExecuting
	StatusCompleted
	StatusFailed
	StatusSuspended
)

var ErrInvalidStatus = errors.New("invalid proposal status")

// AllStatuses lists every lifecycle state in declaration order.
var AllStatuses = []Status{
	StatusDraft, StatusProposed, StatusApproved, StatusRejected,
	StatusExecuting, StatusCompleted, StatusFailed, StatusSuspended,
}

func (s Status) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusProposed:
		return "proposed"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) Valid() bool { return s >= StatusDraft && s <= StatusSuspended }

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDraft, StatusRejected, StatusCompleted, StatusFailed, StatusSuspended:
		return true
	case StatusProposed, StatusApproved, StatusExecuting:
		return false
	default:
		return true
	}
}

func ParseStatus(v string) (Status, error) {
	needle := strings.ToLower(strings.TrimSpace(v))
	for _, s := range AllStatuses {
		if s.String() == needle {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ActionProposal is one requested tool invocation plus its lifecycle record.
type ActionProposal struct {
	ProposalID        string         `json:"proposal_id"`
	Timestamp         time.Time      `json:"timestamp"`
	VesselID          string         `json:"vessel_id"`
	MissionContext    string         `json:"mission_context"`
	ActionType        string         `json:"action_type"`
	Rationale         string         `json:"rationale"`
	ExpectedOutcome   string         `json:"expected_outcome"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	RiskMitigation    string         `json:"risk_mitigation"`
	RollbackPlan      string         `json:"rollback_plan"`
	ToolName          string         `json:"tool_name"`
	ToolArgs          []string       `json:"tool_args"`
	ToolKwargs        map[string]any `json:"tool_kwargs"`
	Status            Status         `json:"status"`
	ApprovalTimestamp *time.Time     `json:"approval_timestamp"`
	ApprovalSource    string         `json:"approval_source"`
	RejectionReason   string         `json:"rejection_reason"`
	ExecutionResult   map[string]any `json:"execution_result"`
	Metadata          map[string]any `json:"metadata"`
}

// RequiresApproval is true for anything above LOW risk.
func (p *ActionProposal) RequiresApproval() bool {
	return p.RiskLevel != RiskLow
}

// Suppressed reports whether the novelty check persisted p as a duplicate.
func (p *ActionProposal) Suppressed() bool {
	v, _ := p.Metadata["suppressed"].(bool)
	return v
}

// ContentHash is a stable digest of what the proposal would do. It is not
// persisted; external tooling uses it for de-duplication.
func (p *ActionProposal) ContentHash() string {
	args := p.ToolArgs
	if args == nil {
		args = []string{}
	}
	kwargs := p.ToolKwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	// encoding/json sorts map keys, which makes the digest order-independent.
	b, _ := json.Marshal(struct {
		ActionType string         `json:"action_type"`
		ToolArgs   []string       `json:"tool_args"`
		ToolKwargs map[string]any `json:"tool_kwargs"`
		ToolName   string         `json:"tool_name"`
	}{p.ActionType, args, kwargs, p.ToolName})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// Clone returns a deep copy so callers never share maps with the engine index.
func (p *ActionProposal) Clone() *ActionProposal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.ToolArgs = append([]string(nil), p.ToolArgs...)
	cp.ToolKwargs = cloneMap(p.ToolKwargs)
	cp.ExecutionResult = cloneMap(p.ExecutionResult)
	cp.Metadata = cloneMap(p.Metadata)
	if p.ApprovalTimestamp != nil {
		ts := *p.ApprovalTimestamp
		cp.ApprovalTimestamp = &ts
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i := range val {
			cp[i] = cloneValue(val[i])
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	case map[string]float64:
		cp := make(map[string]float64, len(val))
		for k, f := range val {
			cp[k] = f
		}
		return cp
	default:
		return v
	}
}

var (
	ErrNotFound          = errors.New("unknown proposal")
	ErrInvalidTransition = errors.New("invalid proposal transition")
	ErrUnknownTool       = errors.New("unknown tool")
)

// TransitionError reports a lifecycle call made from a state that does not
// allow it. errors.Is(err, ErrInvalidTransition) matches it.
type TransitionError struct {
	ProposalID string
	From       Status
	To         Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("proposal %s: cannot transition %s -> %s", e.ProposalID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusProposed: {
		StatusApproved:  {},
		StatusRejected:  {},
		StatusSuspended: {},
	},
	StatusApproved: {
		StatusExecuting: {},
		StatusFailed:    {}, // no tool configured, or execution refused before start
		StatusSuspended: {},
	},
	StatusExecuting: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusSuspended: {},
	},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Reachable reports whether to can be reached from from by one or more
// legal lifecycle steps.
func Reachable(from, to Status) bool {
	seen := map[Status]bool{from: true}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range allowedTransitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
