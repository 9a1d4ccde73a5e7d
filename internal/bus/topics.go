package bus

// Proposal lifecycle topics.
const (
	TopicProposalCreated      = "proposal.created"
	TopicProposalSuppressed   = "proposal.suppressed"
	TopicProposalStateChanged = "proposal.state_changed"
)

// Human approval topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResponse  = "approval.response"
	TopicApprovalTimeout   = "approval.timeout"
)

// Execution topics.
const (
	TopicExecutionStarted   = "execution.started"
	TopicExecutionCompleted = "execution.completed"
	TopicExecutionFailed    = "execution.failed"
)

// Admission control and alerting topics.
const (
	TopicGovernorDegraded = "governor.degraded"
	TopicGovernorRestored = "governor.restored"
	TopicAlertFailureRate = "alert.failure_rate"
	TopicPolicyReloaded   = "policy.reloaded"
)

// ProposalStateChanged is published on every lifecycle transition.
type ProposalStateChanged struct {
	ProposalID string
	OldStatus  string
	NewStatus  string
	Source     string // approval source or rejection reason, when relevant
}

// ApprovalResponse is published when an operator approves or rejects.
type ApprovalResponse struct {
	ProposalID string
	Action     string // "approve" or "reject"
	Source     string
	Reason     string
}

// ExecutionEvent is published around a tool execution.
type ExecutionEvent struct {
	ExecutionID string
	ProposalID  string
	Tool        string
	Success     bool
	Error       string
}

// GovernorModeChanged is published when the relief valve toggles degraded mode.
type GovernorModeChanged struct {
	Degraded     bool
	CPUPercent   float64
	MemoryUsedMB float64
	AllowedSlots int
}

// FailureRateAlert is published when the execution failure rate crosses its threshold.
type FailureRateAlert struct {
	Completed int
	Failed    int
	Rate      float64
	Threshold float64
}

// PolicyReloaded is published after policy.yaml was re-read successfully.
type PolicyReloaded struct {
	Path    string
	Version string
}
