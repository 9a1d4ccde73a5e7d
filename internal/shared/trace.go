package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type vesselIDKey struct{}
type proposalIDKey struct{}
type executionIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithVesselID attaches the owning agent instance id to the context.
func WithVesselID(ctx context.Context, vesselID string) context.Context {
	return context.WithValue(ctx, vesselIDKey{}, vesselID)
}

// VesselID extracts vessel_id from context. Returns DefaultVesselID if absent.
func VesselID(ctx context.Context) string {
	if v, ok := ctx.Value(vesselIDKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultVesselID
}

// WithProposalID attaches a proposal_id to the context.
func WithProposalID(ctx context.Context, proposalID string) context.Context {
	return context.WithValue(ctx, proposalIDKey{}, proposalID)
}

// ProposalID extracts proposal_id from context. Returns "" if absent.
func ProposalID(ctx context.Context) string {
	if v, ok := ctx.Value(proposalIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithExecutionID attaches an execution_id to the context.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, executionID)
}

// ExecutionID extracts execution_id from context. Returns "" if absent.
func ExecutionID(ctx context.Context) string {
	if v, ok := ctx.Value(executionIDKey{}).(string); ok {
		return v
	}
	return ""
}

const DefaultVesselID = "janus"
