// Package observability holds the OpenTelemetry instruments the
// brainstem emits. Counters only; tracing stays out of scope for a
// single-process daemon.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the brainstem counters. A nil *Metrics is valid and
// records nothing, so callers never need nil checks.
type Metrics struct {
	policyDecisions  metric.Int64Counter
	actionsFinalized metric.Int64Counter
	assistRequests   metric.Int64Counter
}

// NewMetrics registers the counters on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	policyDecisions, err := meter.Int64Counter("brainstem.policy.decisions",
		metric.WithDescription("Standing Orders decisions by outcome and reason code"))
	if err != nil {
		return nil, fmt.Errorf("observability: policy counter: %w", err)
	}
	actionsFinalized, err := meter.Int64Counter("brainstem.actions.finalized",
		metric.WithDescription("Actions reaching a terminal status"))
	if err != nil {
		return nil, fmt.Errorf("observability: actions counter: %w", err)
	}
	assistRequests, err := meter.Int64Counter("brainstem.assist.requests",
		metric.WithDescription("Assist requests by proposal validation outcome"))
	if err != nil {
		return nil, fmt.Errorf("observability: assist counter: %w", err)
	}
	return &Metrics{
		policyDecisions:  policyDecisions,
		actionsFinalized: actionsFinalized,
		assistRequests:   assistRequests,
	}, nil
}

// RecordDecision counts one policy decision.
func (m *Metrics) RecordDecision(ctx context.Context, allowed bool, reasonCode string) {
	if m == nil {
		return
	}
	m.policyDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Bool("allowed", allowed),
			attribute.String("reason_code", reasonCode),
		))
}

// RecordActionFinalized counts one action reaching a terminal status.
func (m *Metrics) RecordActionFinalized(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.actionsFinalized.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordAssist counts one assist round trip.
func (m *Metrics) RecordAssist(ctx context.Context, validation string) {
	if m == nil {
		return
	}
	m.assistRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("validation", validation)))
}
