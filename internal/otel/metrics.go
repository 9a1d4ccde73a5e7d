package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all Janus metric instruments.
type Metrics struct {
	ProposalsCreated    metric.Int64Counter
	ProposalsSuppressed metric.Int64Counter
	ExecutionDuration   metric.Float64Histogram
	ExecutionsTotal     metric.Int64Counter
	PolicyViolations    metric.Int64Counter
	QualityFailures     metric.Int64Counter
	ActiveExecutions    metric.Int64UpDownCounter
	AllowedConcurrency  metric.Int64Gauge
	DegradedMode        metric.Int64Gauge
	ApprovalTimeouts    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ProposalsCreated, err = meter.Int64Counter("janus.proposal.created",
		metric.WithDescription("Proposals accepted into the lifecycle"),
	)
	if err != nil {
		return nil, err
	}

	m.ProposalsSuppressed, err = meter.Int64Counter("janus.proposal.suppressed",
		metric.WithDescription("Proposals suppressed as near-duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("janus.execution.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionsTotal, err = meter.Int64Counter("janus.execution.total",
		metric.WithDescription("Tool execution attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyViolations, err = meter.Int64Counter("janus.policy.violations",
		metric.WithDescription("Executions aborted by policy checks"),
	)
	if err != nil {
		return nil, err
	}

	m.QualityFailures, err = meter.Int64Counter("janus.quality.failures",
		metric.WithDescription("Executions rejected by the quality gate"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("janus.execution.active",
		metric.WithDescription("Executions holding an admission slot"),
	)
	if err != nil {
		return nil, err
	}

	m.AllowedConcurrency, err = meter.Int64Gauge("janus.governor.allowed",
		metric.WithDescription("Concurrency currently allowed by the governor"),
	)
	if err != nil {
		return nil, err
	}

	m.DegradedMode, err = meter.Int64Gauge("janus.governor.degraded",
		metric.WithDescription("1 while the relief valve holds degraded mode"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalTimeouts, err = meter.Int64Counter("janus.approval.timeouts",
		metric.WithDescription("Pending proposals that exceeded the approval timeout"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by the no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
