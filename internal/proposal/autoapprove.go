package proposal

import "strings"

var (
	DefaultAutoApprovalActionTypes = []string{"analysis", "optimization_experiment", "generate_new_nodes", "reconnaissance"}
	DefaultAutoApprovalTools       = []string{"llama-cli", "shell", "node_generator"}
)

// AutoApprovalPolicy is the intersection of risk level, action type and tool
// name under which a proposal may skip human review.
type AutoApprovalPolicy struct {
	RiskLevels  map[RiskLevel]struct{}
	ActionTypes map[string]struct{}
	ToolNames   map[string]struct{}
}

// DefaultAutoApprovalPolicy allows LOW risk only, for a small fixed set of
// action types and tools.
func DefaultAutoApprovalPolicy() AutoApprovalPolicy {
	return NewAutoApprovalPolicy([]RiskLevel{RiskLow}, DefaultAutoApprovalActionTypes, DefaultAutoApprovalTools)
}

// NewAutoApprovalPolicy normalizes action types and trims tool names.
func NewAutoApprovalPolicy(risks []RiskLevel, actionTypes, tools []string) AutoApprovalPolicy {
	p := AutoApprovalPolicy{
		RiskLevels:  make(map[RiskLevel]struct{}, len(risks)),
		ActionTypes: make(map[string]struct{}, len(actionTypes)),
		ToolNames:   make(map[string]struct{}, len(tools)),
	}
	for _, r := range risks {
		p.RiskLevels[r] = struct{}{}
	}
	for _, a := range actionTypes {
		if strings.TrimSpace(a) == "" {
			continue
		}
		p.ActionTypes[NormalizeActionType(a)] = struct{}{}
	}
	for _, t := range tools {
		if t = strings.TrimSpace(t); t != "" {
			p.ToolNames[t] = struct{}{}
		}
	}
	return p
}

// Allows checks content membership only; status is checked by the engine.
func (a AutoApprovalPolicy) Allows(p *ActionProposal) bool {
	if _, ok := a.RiskLevels[p.RiskLevel]; !ok {
		return false
	}
	if _, ok := a.ActionTypes[NormalizeActionType(p.ActionType)]; !ok {
		return false
	}
	_, ok := a.ToolNames[p.ToolName]
	return ok
}
