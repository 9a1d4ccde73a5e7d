package approval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/proposal"
)

// FormatForReview renders p as plain text for an operator terminal.
func FormatForReview(p *proposal.ActionProposal) string {
	kwargs := "{}"
	if len(p.ToolKwargs) > 0 {
		if b, err := json.MarshalIndent(p.ToolKwargs, "  ", "  "); err == nil {
			kwargs = string(b)
		}
	}
	cmds := CommandsFor(p.ProposalID)

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	line("PROPOSAL: %s", p.ProposalID)
	line("Timestamp: %s", p.Timestamp.UTC().Format(audit.TimestampFormat))
	line("Vessel: %s", p.VesselID)
	line("Status: %s", strings.ToUpper(p.Status.String()))
	line("")
	line("ACTION TYPE: %s", p.ActionType)
	line("RISK LEVEL: %s", strings.ToUpper(p.RiskLevel.String()))
	if ok, reason := proposal.ValidateConstitutionalAlignment(p); ok {
		line("ALIGNMENT: ok")
	} else {
		line("ALIGNMENT: FAILED (%s)", reason)
	}
	line("")
	section := func(title, body string) {
		line("%s:", title)
		line("  %s", body)
		line("")
	}
	section("MISSION CONTEXT", p.MissionContext)
	section("RATIONALE", p.Rationale)
	section("EXPECTED OUTCOME", p.ExpectedOutcome)
	section("RISK MITIGATION", p.RiskMitigation)
	section("ROLLBACK PLAN", p.RollbackPlan)
	line("TOOL INVOCATION:")
	line("  Tool: %s", p.ToolName)
	line("  Args: %s", strings.Join(p.ToolArgs, " "))
	line("  Kwargs: %s", kwargs)
	line("")
	line("COMMANDS:")
	line("  Review:  %s", cmds.Review)
	line("  Approve: %s", cmds.Approve)
	fmt.Fprintf(&b, "  Reject:  %s", cmds.Reject)
	return b.String()
}
