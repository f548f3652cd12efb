package scanner

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments emitted per scan, named after the
// teacher service's swarm_* convention, renamed to this project's
// layer0_* prefix.
type Metrics struct {
	requests      metric.Int64Counter
	latency       metric.Float64Histogram
	ruleMatches   metric.Int64Counter
	regexTimeouts metric.Int64Counter
}

// NewMetrics creates the scan instrument set against the global meter
// provider. Instrument-creation errors are non-fatal (nil instruments are
// simply not recorded against) so missing telemetry infra never blocks
// scanning.
func NewMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter("layer0-scanner")
	m := &Metrics{}
	m.requests, _ = meter.Int64Counter("layer0_scan_requests_total")
	m.latency, _ = meter.Float64Histogram("layer0_scan_duration_ms")
	m.ruleMatches, _ = meter.Int64Counter("layer0_rule_matches_total")
	m.regexTimeouts, _ = meter.Int64Counter("layer0_regex_timeouts_total")
	return m
}

func (m *Metrics) recordScan(ctx context.Context, status Status, durationMS float64) {
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	if m.latency != nil {
		m.latency.Record(ctx, durationMS)
	}
}

func (m *Metrics) recordMatch(ctx context.Context, dataset, severity string) {
	if m.ruleMatches != nil {
		m.ruleMatches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("dataset", dataset),
			attribute.String("severity", severity),
		))
	}
}

func (m *Metrics) recordTimeout(ctx context.Context, ruleID string) {
	if m.regexTimeouts != nil {
		m.regexTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_id", ruleID)))
	}
}
