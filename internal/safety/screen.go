// Package safety screens model-generated drafts for attempts to steer the
// approval pipeline, and tool output for leaked credentials.
package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Action is the recommended response to a screening hit.
type Action int

const (
	ActionAllow Action = iota
	ActionWarn
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// Verdict is the outcome of screening one draft.
type Verdict struct {
	Action Action
	Reason string
	Field  string
}

// Err returns a non-nil error only for a blocking verdict.
func (v Verdict) Err() error {
	if v.Action == ActionBlock {
		return fmt.Errorf("%w: %s in %s", ErrManipulation, v.Reason, v.Field)
	}
	return nil
}

var ErrManipulation = errors.New("draft tries to steer the approval pipeline")

type screenPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var screenPatterns = []screenPattern{
	{
		re:     regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`),
		action: ActionBlock,
		reason: "instruction override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: ActionBlock,
		reason: "system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(auto[-\s]?approve|approve\s+(this\s+)?(immediately|automatically|without\s+review)|skip\s+(the\s+)?(review|approval))\b`),
		action: ActionBlock,
		reason: "approval bypass",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(disable|bypass|turn\s+off)\s+(the\s+)?(policy|sandbox|governor|audit(\s+log)?|quality\s+gate)\b`),
		action: ActionBlock,
		reason: "safeguard tampering",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(reviewer|approver|operator)s?\s+(must|should|will)\s+(approve|accept)\b`),
		action: ActionWarn,
		reason: "reviewer pressure",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]|<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "chat template marker",
	},
	{
		re:     regexp.MustCompile(`(aWdub3Jl|SWdub3Jl)`), // base64 "ignore"/"Ignore"
		action: ActionWarn,
		reason: "encoded payload",
	},
}

// Field is one named piece of text to screen.
type Field struct {
	Name string
	Text string
}

// Screen checks each field in order. The first blocking hit wins; otherwise
// the first warning is reported.
func Screen(fields ...Field) Verdict {
	var warn Verdict
	for _, f := range fields {
		if strings.TrimSpace(f.Text) == "" {
			continue
		}
		for _, pat := range screenPatterns {
			if !pat.re.MatchString(f.Text) {
				continue
			}
			if pat.action == ActionBlock {
				return Verdict{Action: ActionBlock, Reason: pat.reason, Field: f.Name}
			}
			if warn.Action == ActionAllow {
				warn = Verdict{Action: pat.action, Reason: pat.reason, Field: f.Name}
			}
		}
	}
	return warn
}
