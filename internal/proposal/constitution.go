package proposal

import (
	"fmt"
	"unicode/utf8"
)

const (
	minRationaleLength    = 20
	minRollbackPlanLength = 10
)

// highRiskActionTypes must always be labelled HIGH.
var highRiskActionTypes = map[string]struct{}{
	"system_config":   {},
	"network_config":  {},
	"security_change": {},
}

// ValidateConstitutionalAlignment is an advisory sanity check over proposal
// content. It does not change state; callers decide what to do on failure.
func ValidateConstitutionalAlignment(p *ActionProposal) (bool, string) {
	if _, ok := highRiskActionTypes[p.ActionType]; ok && p.RiskLevel != RiskHigh {
		return false, fmt.Sprintf("Action type '%s' must be classified as HIGH risk", p.ActionType)
	}
	if utf8.RuneCountInString(p.Rationale) < minRationaleLength {
		return false, fmt.Sprintf("Rationale must be substantive (minimum %d characters)", minRationaleLength)
	}
	switch p.RiskLevel {
	case RiskMedium, RiskHigh:
		if utf8.RuneCountInString(p.RollbackPlan) < minRollbackPlanLength {
			return false, "Medium/High risk actions require detailed rollback plan"
		}
	case RiskLow:
	}
	if p.MissionContext == "" || p.MissionContext == "unknown" {
		return false, "Actions must have clear mission context"
	}
	return true, "Proposal aligns with constitutional principles"
}
