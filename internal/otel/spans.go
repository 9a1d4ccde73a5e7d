package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Janus spans.
var (
	AttrVesselID    = attribute.Key("janus.vessel.id")
	AttrProposalID  = attribute.Key("janus.proposal.id")
	AttrExecutionID = attribute.Key("janus.execution.id")
	AttrToolName    = attribute.Key("janus.tool.name")
	AttrActionType  = attribute.Key("janus.proposal.action_type")
	AttrRiskLevel   = attribute.Key("janus.proposal.risk_level")
	AttrSandboxed   = attribute.Key("janus.sandbox.isolated")
	AttrSandboxMode = attribute.Key("janus.sandbox.backend")

	AttrAutoApproved = attribute.Key("janus.autoexec.auto_approved")
	AttrOutcome      = attribute.Key("janus.proposal.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call such as a sandboxed process.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
