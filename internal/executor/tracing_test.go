package executor_test

import (
	"context"
	"testing"

	"github.com/basket/go-janus/internal/otel"
	"github.com/basket/go-janus/internal/sandbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec, tp
}

func spansByName(rec *tracetest.SpanRecorder) map[string]sdktrace.ReadOnlySpan {
	out := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		out[s.Name()] = s
	}
	return out
}

func attrValue(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestExecuteProposal_SpansCoverEachPhase(t *testing.T) {
	rec, tp := recordingTracer(t)
	h := newTracedHarness(t, &sandbox.Result{OK: true, Stdout: "ok\n"}, tp.Tracer(otel.TracerName))

	if _, err := h.engine.ExecuteProposal(context.Background(), approved("janus-trace", "shell", "echo ok"), shellTool); err != nil {
		t.Fatalf("execute: %v", err)
	}

	spans := spansByName(rec)
	root, ok := spans["executor.execute_proposal"]
	if !ok {
		t.Fatalf("missing root span, got %v", rec.Ended())
	}
	for _, name := range []string{"executor.pre_checks", "sandbox.run", "executor.post_checks"} {
		child, ok := spans[name]
		if !ok {
			t.Fatalf("missing span %s", name)
		}
		if child.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Fatalf("span %s is not a child of the execution span", name)
		}
	}
	if v, ok := attrValue(root, otel.AttrProposalID); !ok || v.AsString() != "janus-trace" {
		t.Fatalf("proposal id attribute = %v", v)
	}
	if v, ok := attrValue(root, otel.AttrVesselID); !ok || v.AsString() != "janus-test" {
		t.Fatalf("vessel id attribute = %v", v)
	}
	if v, ok := attrValue(root, otel.AttrSandboxed); !ok || !v.AsBool() {
		t.Fatalf("sandboxed attribute = %v", v)
	}
}

func TestExecuteProposal_PolicyFailureMarksPreCheckSpan(t *testing.T) {
	rec, tp := recordingTracer(t)
	h := newTracedHarness(t, &sandbox.Result{OK: true}, tp.Tracer(otel.TracerName))

	if _, err := h.engine.ExecuteProposal(context.Background(), approved("janus-deny", "shell", "rm -rf /tmp/x"), shellTool); err == nil {
		t.Fatal("expected policy violation")
	}

	spans := spansByName(rec)
	pre, ok := spans["executor.pre_checks"]
	if !ok {
		t.Fatal("missing pre_checks span")
	}
	if pre.Status().Code != codes.Error {
		t.Fatalf("pre_checks status = %v, want error", pre.Status())
	}
	if _, ran := spans["sandbox.run"]; ran {
		t.Fatal("sandbox must not run after a policy failure")
	}
	if root := spans["executor.execute_proposal"]; root == nil || root.Status().Code != codes.Error {
		t.Fatalf("execution span must carry the failure")
	}
}
