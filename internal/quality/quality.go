// Package quality decides whether a generated artifact batch is acceptable,
// independent of whatever produced it.
package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Hard-fail thresholds.
const (
	MinNodeCountRatio      = 0.5
	MaxStubRatio           = 0.10
	MinRelationshipDensity = 0.30
	MinSummaryLength       = 50
	MinSourcesPerNode      = 3
	MinNodeConfidence      = 0.70
)

// Warning thresholds.
const (
	TargetNodeCountRatio    = 0.8
	TargetAverageConfidence = 0.75
	TargetSourceDensity     = 1.0
)

// Excellence thresholds.
const (
	RichPracticeSteps = 3
	CrossSourceBooks  = 2
)

// Error codes.
const (
	CodeEmptyOutput           = "empty_output"
	CodeParseError            = "parse_error"
	CodeMissingSummary        = "missing_summary"
	CodeMissingQuality        = "missing_quality"
	CodeMissingTargetMin      = "missing_target_min"
	CodeInsufficientNodeCount = "insufficient_node_count"
	CodeStubRatio             = "stub_ratio"
	CodeRelationshipDensity   = "relationship_density"
	CodeSummaryTooShort       = "summary_too_short"
	CodeInsufficientSources   = "insufficient_sources"
	CodeLowConfidence         = "low_confidence"
	CodeMissingEvidence       = "missing_evidence"
)

var ErrQuality = errors.New("quality gate failed")

// Error is a hard quality failure. errors.Is(err, ErrQuality) matches it.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Is(target error) bool { return target == ErrQuality }

func fail(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Node is one generated artifact. Only the fields the gate inspects are decoded.
type Node struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Summary       string            `json:"summary"`
	Sources       []json.RawMessage `json:"sources"`
	Relationships []json.RawMessage `json:"relationships"`
	Quotes        []json.RawMessage `json:"quotes"`
	Practices     []json.RawMessage `json:"practices"`
	Confidence    float64           `json:"confidence"`
}

// Report carries the computed metrics of an accepted batch.
type Report struct {
	Generated           int                `json:"generated"`
	TargetMin           int                `json:"target_min"`
	TargetMax           int                `json:"target_max"`
	StubRatio           float64            `json:"stub_ratio"`
	RelationshipDensity float64            `json:"relationship_density"`
	AverageConfidence   float64            `json:"average_confidence"`
	SourceDensity       float64            `json:"source_density"`
	Warnings            []string           `json:"warnings"`
	Excellence          map[string]float64 `json:"excellence"`

	summary map[string]any
	quality map[string]any
}

// Summary returns the shape merged into a proposal's mission_quality metadata.
func (r *Report) Summary() map[string]any {
	quality := make(map[string]any, len(r.quality)+8)
	for k, v := range r.quality {
		quality[k] = v
	}
	quality["generated"] = r.Generated
	quality["target_min"] = r.TargetMin
	quality["target_max"] = r.TargetMax
	quality["stub_ratio"] = r.StubRatio
	quality["relationship_density"] = r.RelationshipDensity
	quality["average_confidence"] = r.AverageConfidence
	quality["source_density"] = r.SourceDensity
	return map[string]any{
		"summary":    r.summary,
		"quality":    quality,
		"warnings":   append([]string(nil), r.Warnings...),
		"excellence": r.Excellence,
	}
}

type document struct {
	Summary map[string]any `json:"summary"`
	Nodes   []Node         `json:"nodes"`
}

// Evaluate parses generator stdout and applies the gate. A hard failure is
// returned as *Error.
func Evaluate(stdout string) (*Report, error) {
	raw, err := extractDocument(stdout)
	if err != nil {
		return nil, err
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fail(CodeMissingSummary, "generator output is not a JSON object")
	}
	var doc document
	if _, wrapped := probe["summary"]; wrapped {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fail(CodeMissingSummary, "generator summary missing or malformed: %v", err)
		}
	} else if err := json.Unmarshal(raw, &doc.Summary); err != nil {
		return nil, fail(CodeMissingSummary, "generator summary missing or malformed: %v", err)
	}
	if doc.Summary == nil {
		return nil, fail(CodeMissingSummary, "generator summary missing or malformed")
	}
	quality, ok := doc.Summary["quality"].(map[string]any)
	if !ok {
		return nil, fail(CodeMissingQuality, "generator quality metrics missing from output")
	}
	return evaluate(doc.Summary, quality, doc.Nodes)
}

func evaluate(summary, quality map[string]any, nodes []Node) (*Report, error) {
	r := &Report{summary: summary, quality: quality}

	generated, ok := number(quality, "generated")
	if !ok {
		generated, ok = number(summary, "generated")
	}
	if !ok && len(nodes) > 0 {
		generated = float64(len(nodes))
	}
	r.Generated = int(generated)
	targetMin, _ := number(quality, "target_min")
	targetMax, _ := number(quality, "target_max")
	r.TargetMin, r.TargetMax = int(targetMin), int(targetMax)
	if r.TargetMin <= 0 {
		return nil, fail(CodeMissingTargetMin, "quality summary missing target_min")
	}
	minRequired := int(math.Ceil(float64(r.TargetMin) * MinNodeCountRatio))
	if r.Generated < minRequired {
		return nil, fail(CodeInsufficientNodeCount, "generated %d nodes; minimum is %d (%.0f%% of target_min %d)",
			r.Generated, minRequired, MinNodeCountRatio*100, r.TargetMin)
	}

	haveSourceDensity := len(nodes) > 0
	if len(nodes) > 0 {
		r.StubRatio, r.RelationshipDensity, r.AverageConfidence, r.SourceDensity = nodeMetrics(nodes)
	} else {
		r.StubRatio, _ = number(quality, "stub_ratio")
		r.RelationshipDensity, _ = number(quality, "relationship_density")
		r.AverageConfidence, _ = number(quality, "average_confidence")
		r.SourceDensity, haveSourceDensity = number(quality, "source_density")
	}

	if r.StubRatio > MaxStubRatio {
		return nil, fail(CodeStubRatio, "stub ratio %.2f%% exceeds maximum %.0f%%", r.StubRatio*100, MaxStubRatio*100)
	}
	if r.RelationshipDensity < MinRelationshipDensity {
		return nil, fail(CodeRelationshipDensity, "relationship density %.2f below minimum %.2f", r.RelationshipDensity, MinRelationshipDensity)
	}
	for _, n := range nodes {
		if err := checkNode(n); err != nil {
			return nil, err
		}
	}

	r.Warnings = stringList(quality["warnings"])
	if ambition := int(math.Ceil(float64(r.TargetMin) * TargetNodeCountRatio)); r.Generated < ambition {
		r.Warnings = append(r.Warnings, fmt.Sprintf("generated %d nodes; target is %d", r.Generated, ambition))
	}
	if r.AverageConfidence < TargetAverageConfidence {
		r.Warnings = append(r.Warnings, fmt.Sprintf("average confidence %.2f below target %.2f", r.AverageConfidence, TargetAverageConfidence))
	}
	if haveSourceDensity && r.SourceDensity < TargetSourceDensity {
		r.Warnings = append(r.Warnings, fmt.Sprintf("average source density %.2f below target %.2f", r.SourceDensity, TargetSourceDensity))
	}

	r.Excellence = floatMap(quality["excellence"])
	if len(r.Excellence) == 0 && len(nodes) > 0 {
		r.Excellence = excellence(nodes)
	}
	return r, nil
}

func checkNode(n Node) error {
	if utf8.RuneCountInString(n.Summary) < MinSummaryLength {
		return fail(CodeSummaryTooShort, "node %s summary shorter than %d characters", n.ID, MinSummaryLength)
	}
	if len(n.Sources) < MinSourcesPerNode {
		return fail(CodeInsufficientSources, "node %s cites %d sources; minimum is %d", n.ID, len(n.Sources), MinSourcesPerNode)
	}
	if n.Confidence < MinNodeConfidence {
		return fail(CodeLowConfidence, "node %s confidence %.2f below %.2f", n.ID, n.Confidence, MinNodeConfidence)
	}
	if len(n.Quotes) == 0 && len(n.Practices) == 0 {
		return fail(CodeMissingEvidence, "node %s must include at least one quote or practice", n.ID)
	}
	return nil
}

func nodeMetrics(nodes []Node) (stub, relDensity, avgConfidence, srcDensity float64) {
	total := float64(len(nodes))
	var stubs, rels, conf, srcs float64
	for _, n := range nodes {
		if strings.EqualFold(n.Type, "stub") {
			stubs++
		}
		rels += float64(len(n.Relationships))
		conf += n.Confidence
		srcs += float64(len(n.Sources))
	}
	return stubs / total, rels / total, conf / total, srcs / total
}

func excellence(nodes []Node) map[string]float64 {
	total := float64(len(nodes))
	var rich, crossSource, synthesis float64
	for _, n := range nodes {
		if len(n.Practices) > 0 && practiceSteps(n.Practices[0]) >= RichPracticeSteps {
			rich++
		}
		if distinctBooks(n.Sources) >= CrossSourceBooks {
			crossSource++
		}
		if strings.EqualFold(n.Type, "synthesis") {
			synthesis++
		}
	}
	return map[string]float64{
		"rich_practice_ratio":  rich / total,
		"cross_book_ratio":     crossSource / total,
		"synthesis_node_ratio": synthesis / total,
	}
}

func practiceSteps(raw json.RawMessage) int {
	var p struct {
		Steps []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0
	}
	return len(p.Steps)
}

func distinctBooks(sources []json.RawMessage) int {
	books := make(map[string]struct{}, len(sources))
	for _, raw := range sources {
		var s struct {
			Book string `json:"book"`
		}
		if err := json.Unmarshal(raw, &s); err != nil || s.Book == "" {
			continue
		}
		books[s.Book] = struct{}{}
	}
	return len(books)
}

// extractDocument returns the first parseable JSON object, trying the whole
// output first and then each trailing `{` from the last one backwards.
func extractDocument(stdout string) ([]byte, error) {
	text := strings.TrimSpace(stdout)
	if text == "" {
		return nil, fail(CodeEmptyOutput, "generator emitted empty output")
	}
	if json.Valid([]byte(text)) {
		return []byte(text), nil
	}
	for i := strings.LastIndex(text, "{"); i >= 0; i = strings.LastIndex(text[:i], "{") {
		candidate := []byte(text[i:])
		if json.Valid(candidate) {
			return candidate, nil
		}
	}
	return nil, fail(CodeParseError, "unable to parse JSON summary from generator output")
}

func number(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatMap(v any) map[string]float64 {
	m, _ := v.(map[string]any)
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, raw := range m {
		if f, ok := raw.(float64); ok {
			out[k] = f
		}
	}
	return out
}
