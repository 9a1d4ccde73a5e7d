// Package proposalgen turns model output into proposal drafts. The model
// itself is an external collaborator behind the Backend interface.
package proposalgen

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/safety"
)

var (
	ErrNoJSON      = errors.New("no JSON object in model output")
	ErrSchema      = errors.New("proposal draft does not match schema")
	ErrUnknownTool = errors.New("proposal draft names an unknown tool")
)

// draftSchema is the contract every generated proposal must satisfy.
const draftSchema = `{
	"type": "object",
	"required": ["action_type", "rationale", "expected_outcome", "risk_level", "tool_name", "tool_args"],
	"properties": {
		"action_type":      {"type": "string", "minLength": 1},
		"rationale":        {"type": "string", "minLength": 1},
		"expected_outcome": {"type": "string", "minLength": 1},
		"risk_level":       {"type": "string", "enum": ["low", "medium", "high", "LOW", "MEDIUM", "HIGH"]},
		"tool_name":        {"type": "string", "minLength": 1},
		"tool_args":        {"type": "array", "items": {"type": "string"}},
		"tool_kwargs":      {"type": "object"},
		"risk_mitigation":  {"type": "string"},
		"rollback_plan":    {"type": "string"}
	}
}`

var compiledSchema = mustCompile(draftSchema)

func mustCompile(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("proposal draft schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("proposal_draft.json", doc); err != nil {
		panic(fmt.Sprintf("proposal draft schema: %v", err))
	}
	s, err := c.Compile("proposal_draft.json")
	if err != nil {
		panic(fmt.Sprintf("proposal draft schema: %v", err))
	}
	return s
}

// Draft is a validated model-generated proposal.
type Draft struct {
	ActionType      string         `json:"action_type"`
	Rationale       string         `json:"rationale"`
	ExpectedOutcome string         `json:"expected_outcome"`
	RiskLevel       string         `json:"risk_level"`
	ToolName        string         `json:"tool_name"`
	ToolArgs        []string       `json:"tool_args"`
	ToolKwargs      map[string]any `json:"tool_kwargs,omitempty"`
	RiskMitigation  string         `json:"risk_mitigation,omitempty"`
	RollbackPlan    string         `json:"rollback_plan,omitempty"`
}

// Screen checks the free-text fields for attempts to steer review.
func (d *Draft) Screen() safety.Verdict {
	return safety.Screen(
		safety.Field{Name: "rationale", Text: d.Rationale},
		safety.Field{Name: "expected_outcome", Text: d.ExpectedOutcome},
		safety.Field{Name: "risk_mitigation", Text: d.RiskMitigation},
		safety.Field{Name: "rollback_plan", Text: d.RollbackPlan},
		safety.Field{Name: "tool_args", Text: strings.Join(d.ToolArgs, " ")},
	)
}

// Request converts d into an engine create request for missionContext.
// A draft that fails screening is refused; a warning is kept in metadata
// so reviewers see it.
func (d *Draft) Request(missionContext string) (proposal.CreateRequest, error) {
	risk, err := proposal.ParseRiskLevel(d.RiskLevel)
	if err != nil {
		return proposal.CreateRequest{}, err
	}
	verdict := d.Screen()
	if err := verdict.Err(); err != nil {
		return proposal.CreateRequest{}, err
	}
	meta := map[string]any{"source": "proposalgen"}
	if verdict.Action == safety.ActionWarn {
		meta["screen_warning"] = verdict.Reason + " in " + verdict.Field
	}
	return proposal.CreateRequest{
		MissionContext:  missionContext,
		ActionType:      d.ActionType,
		Rationale:       d.Rationale,
		ExpectedOutcome: d.ExpectedOutcome,
		RiskLevel:       risk,
		RiskMitigation:  d.RiskMitigation,
		RollbackPlan:    d.RollbackPlan,
		ToolName:        strings.TrimSpace(d.ToolName),
		ToolArgs:        d.ToolArgs,
		ToolKwargs:      d.ToolKwargs,
		Metadata:        meta,
	}, nil
}

// Parse extracts and validates one proposal object from raw model output.
// When knownTools is non-empty the tool name must be one of them.
func Parse(raw []byte, knownTools []string) (*Draft, error) {
	text := extractJSON(string(raw))
	if text == "" {
		return nil, ErrNoJSON
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	var d Draft
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if len(knownTools) > 0 && !slices.Contains(knownTools, strings.TrimSpace(d.ToolName)) {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownTool, d.ToolName, strings.Join(knownTools, ", "))
	}
	return &d, nil
}
