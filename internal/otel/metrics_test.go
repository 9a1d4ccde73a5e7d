package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Identity{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.ProposalsCreated == nil || m.ProposalsSuppressed == nil {
		t.Error("proposal counters are nil")
	}
	if m.ExecutionDuration == nil || m.ExecutionsTotal == nil {
		t.Error("execution instruments are nil")
	}
	if m.PolicyViolations == nil || m.QualityFailures == nil {
		t.Error("rejection counters are nil")
	}
	if m.ActiveExecutions == nil || m.AllowedConcurrency == nil || m.DegradedMode == nil {
		t.Error("governor instruments are nil")
	}
	if m.ApprovalTimeouts == nil {
		t.Error("ApprovalTimeouts is nil")
	}

	ctx := context.Background()
	m.ExecutionsTotal.Add(ctx, 1)
	m.ExecutionDuration.Record(ctx, 0.25)
	m.AllowedConcurrency.Record(ctx, 2)
	m.ActiveExecutions.Add(ctx, 1)
	m.ActiveExecutions.Add(ctx, -1)
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	if m == nil || m.ExecutionsTotal == nil {
		t.Fatal("expected usable noop instruments")
	}
	m.ExecutionsTotal.Add(context.Background(), 1)
}
