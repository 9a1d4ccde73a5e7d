package quality_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/basket/go-janus/internal/quality"
)

func goodNode(i int) map[string]any {
	return map[string]any{
		"id":      fmt.Sprintf("node-%03d", i),
		"type":    "synthesis",
		"summary": strings.Repeat("governance mechanics in practice ", 3),
		"sources": []any{
			map[string]any{"book": "analects", "ref": "1.1"},
			map[string]any{"book": "mencius", "ref": "2.3"},
			map[string]any{"book": "mean", "ref": "4.2"},
		},
		"relationships": []any{
			map[string]any{"target": "escapement", "type": "exemplifies"},
		},
		"quotes": []any{"Confucius: learn and practice"},
		"practices": []any{
			map[string]any{"title": "daily review", "steps": []any{"one", "two", "three"}},
		},
		"confidence": 0.9,
	}
}

func batch(targetMin int, nodes []map[string]any) string {
	doc := map[string]any{
		"summary": map[string]any{
			"generated": len(nodes),
			"quality": map[string]any{
				"generated":  len(nodes),
				"target_min": targetMin,
				"target_max": targetMin * 2,
			},
		},
		"nodes": nodes,
	}
	out, _ := json.Marshal(doc)
	return string(out)
}

func goodNodes(n int) []map[string]any {
	nodes := make([]map[string]any, n)
	for i := range nodes {
		nodes[i] = goodNode(i)
	}
	return nodes
}

func failureCode(t *testing.T, err error) string {
	t.Helper()
	var qe *quality.Error
	if !errors.As(err, &qe) {
		t.Fatalf("expected *quality.Error, got %v", err)
	}
	if !errors.Is(err, quality.ErrQuality) {
		t.Fatalf("quality error must match ErrQuality")
	}
	return qe.Code
}

func TestEvaluate_AcceptsHealthyBatch(t *testing.T) {
	report, err := quality.Evaluate(batch(10, goodNodes(10)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if report.Generated != 10 || report.TargetMin != 10 || report.TargetMax != 20 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", report.Warnings)
	}
	if report.RelationshipDensity != 1 || report.SourceDensity != 3 {
		t.Fatalf("unexpected densities: rel=%v src=%v", report.RelationshipDensity, report.SourceDensity)
	}
	for _, key := range []string{"rich_practice_ratio", "cross_book_ratio", "synthesis_node_ratio"} {
		if report.Excellence[key] != 1 {
			t.Fatalf("excellence %s = %v, want 1", key, report.Excellence[key])
		}
	}
	summary := report.Summary()
	if _, ok := summary["quality"].(map[string]any)["average_confidence"]; !ok {
		t.Fatalf("summary quality block missing average_confidence: %v", summary)
	}
}

func TestEvaluate_ConfidenceBoundaryPassesWithWarning(t *testing.T) {
	nodes := goodNodes(10)
	for _, n := range nodes {
		n["confidence"] = 0.70
	}
	report, err := quality.Evaluate(batch(10, nodes))
	if err != nil {
		t.Fatalf("confidence exactly at the floor must pass: %v", err)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "average confidence") {
		t.Fatalf("expected a single average-confidence warning, got %v", report.Warnings)
	}
}

func TestEvaluate_HardFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func([]map[string]any) []map[string]any
		target int
		code   string
	}{
		{"stub ratio", func(n []map[string]any) []map[string]any {
			n[0]["type"], n[1]["type"] = "stub", "STUB"
			return n
		}, 10, quality.CodeStubRatio},
		{"relationship density", func(n []map[string]any) []map[string]any {
			for _, node := range n {
				delete(node, "relationships")
			}
			return n
		}, 10, quality.CodeRelationshipDensity},
		{"short summary", func(n []map[string]any) []map[string]any {
			n[3]["summary"] = "too short"
			return n
		}, 10, quality.CodeSummaryTooShort},
		{"too few sources", func(n []map[string]any) []map[string]any {
			n[4]["sources"] = []any{map[string]any{"book": "a"}, map[string]any{"book": "b"}}
			return n
		}, 10, quality.CodeInsufficientSources},
		{"low confidence", func(n []map[string]any) []map[string]any {
			n[5]["confidence"] = 0.69
			return n
		}, 10, quality.CodeLowConfidence},
		{"no evidence", func(n []map[string]any) []map[string]any {
			delete(n[6], "quotes")
			delete(n[6], "practices")
			return n
		}, 10, quality.CodeMissingEvidence},
		{"insufficient count", func(n []map[string]any) []map[string]any { return n }, 30, quality.CodeInsufficientNodeCount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := quality.Evaluate(batch(tc.target, tc.mutate(goodNodes(10))))
			if code := failureCode(t, err); code != tc.code {
				t.Fatalf("code = %q, want %q (%v)", code, tc.code, err)
			}
		})
	}
}

func TestEvaluate_OneStubInTenIsAllowed(t *testing.T) {
	nodes := goodNodes(10)
	nodes[0]["type"] = "stub"
	report, err := quality.Evaluate(batch(10, nodes))
	if err != nil {
		t.Fatalf("stub ratio of exactly 0.10 must pass: %v", err)
	}
	if report.StubRatio != 0.1 {
		t.Fatalf("stub ratio = %v", report.StubRatio)
	}
}

func TestEvaluate_CountWarningBelowAmbition(t *testing.T) {
	report, err := quality.Evaluate(batch(19, goodNodes(10)))
	if err != nil {
		t.Fatalf("10 of 19 meets the hard floor: %v", err)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "target is 16") {
		t.Fatalf("expected count warning, got %v", report.Warnings)
	}
}

func TestEvaluate_DocumentShape(t *testing.T) {
	cases := []struct {
		name string
		in   string
		code string
	}{
		{"empty", "   \n", quality.CodeEmptyOutput},
		{"garbage", "no json here", quality.CodeParseError},
		{"missing quality", `{"summary":{"generated":3}}`, quality.CodeMissingQuality},
		{"null summary", `{"summary":null}`, quality.CodeMissingSummary},
		{"missing target", `{"summary":{"quality":{"generated":3}}}`, quality.CodeMissingTargetMin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := quality.Evaluate(tc.in)
			if code := failureCode(t, err); code != tc.code {
				t.Fatalf("code = %q, want %q", code, tc.code)
			}
		})
	}
}

func TestEvaluate_RecoversJSONAfterLogPrefix(t *testing.T) {
	out := "INFO loading corpus\nWARN {partial\n" + batch(10, goodNodes(10))
	if _, err := quality.Evaluate(out); err != nil {
		t.Fatalf("expected trailing document to be recovered: %v", err)
	}
}

func TestEvaluate_SummaryOnlyUsesReportedMetrics(t *testing.T) {
	doc := `{"quality":{"generated":8,"target_min":10,"stub_ratio":0.05,` +
		`"relationship_density":0.5,"average_confidence":0.8,"source_density":0.5,` +
		`"warnings":["corpus partially indexed"],"excellence":{"rich_practice_ratio":0.4}}}`
	report, err := quality.Evaluate(doc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if report.Generated != 8 || report.StubRatio != 0.05 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Warnings) != 2 || report.Warnings[0] != "corpus partially indexed" {
		t.Fatalf("expected carried warning plus source density warning, got %v", report.Warnings)
	}
	if report.Excellence["rich_practice_ratio"] != 0.4 {
		t.Fatalf("reported excellence should be kept: %v", report.Excellence)
	}

	_, err = quality.Evaluate(`{"quality":{"generated":8,"target_min":10,"stub_ratio":0.3,"relationship_density":0.5}}`)
	if code := failureCode(t, err); code != quality.CodeStubRatio {
		t.Fatalf("code = %q", code)
	}
}

func TestEvaluate_BoundaryFigures(t *testing.T) {
	withRelationships := func(n []map[string]any, keep int) []map[string]any {
		for i, node := range n {
			if i >= keep {
				delete(node, "relationships")
			}
		}
		return n
	}
	cases := []struct {
		name   string
		count  int
		target int
		mutate func([]map[string]any) []map[string]any
		code   string
	}{
		{"fifty items at target fifty", 50, 50, nil, ""},
		{"half of target", 25, 50, nil, ""},
		{"just under half of target", 24, 50, nil, quality.CodeInsufficientNodeCount},
		{"summary of exactly fifty characters", 50, 50, func(n []map[string]any) []map[string]any {
			n[0]["summary"] = strings.Repeat("a", 50)
			return n
		}, ""},
		{"summary of forty-nine characters", 50, 50, func(n []map[string]any) []map[string]any {
			n[0]["summary"] = strings.Repeat("a", 49)
			return n
		}, quality.CodeSummaryTooShort},
		{"multibyte summary of fifty characters", 50, 50, func(n []map[string]any) []map[string]any {
			n[0]["summary"] = strings.Repeat("é", 50)
			return n
		}, ""},
		{"multibyte summary of forty-nine characters", 50, 50, func(n []map[string]any) []map[string]any {
			n[0]["summary"] = strings.Repeat("é", 49)
			return n
		}, quality.CodeSummaryTooShort},
		{"multibyte summary of thirty characters", 50, 50, func(n []map[string]any) []map[string]any {
			n[0]["summary"] = strings.Repeat("é", 30)
			return n
		}, quality.CodeSummaryTooShort},
		{"exactly three sources", 50, 50, func(n []map[string]any) []map[string]any {
			n[0]["sources"] = []any{map[string]any{"book": "a"}, map[string]any{"book": "b"}, map[string]any{"book": "c"}}
			return n
		}, ""},
		{"confidence at floor", 50, 50, func(n []map[string]any) []map[string]any {
			n[0]["confidence"] = 0.70
			return n
		}, ""},
		{"stub ratio exactly ten percent", 50, 50, func(n []map[string]any) []map[string]any {
			for i := 0; i < 5; i++ {
				n[i]["type"] = "stub"
			}
			return n
		}, ""},
		{"stub ratio above ten percent", 50, 50, func(n []map[string]any) []map[string]any {
			for i := 0; i < 6; i++ {
				n[i]["type"] = "stub"
			}
			return n
		}, quality.CodeStubRatio},
		{"relationship density exactly 0.30", 50, 50, func(n []map[string]any) []map[string]any {
			return withRelationships(n, 15)
		}, ""},
		{"relationship density just below 0.30", 50, 50, func(n []map[string]any) []map[string]any {
			return withRelationships(n, 14)
		}, quality.CodeRelationshipDensity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nodes := goodNodes(tc.count)
			if tc.mutate != nil {
				nodes = tc.mutate(nodes)
			}
			report, err := quality.Evaluate(batch(tc.target, nodes))
			if tc.code == "" {
				if err != nil {
					t.Fatalf("expected pass, got %v", err)
				}
				if report.Generated != tc.count {
					t.Fatalf("generated = %d, want %d", report.Generated, tc.count)
				}
				return
			}
			if code := failureCode(t, err); code != tc.code {
				t.Fatalf("code = %q, want %q (%v)", code, tc.code, err)
			}
		})
	}
}
