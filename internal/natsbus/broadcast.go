// Package natsbus broadcasts reload-completed events over NATS so that a
// fleet of scanner replicas sharing one dataset source converge without
// each replica independently polling the source.
package natsbus

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// ReloadEvent is published after a successful registry swap.
type ReloadEvent struct {
	RuleSetVersion string `json:"rule_set_version"`
	TotalRules     int    `json:"total_rules"`
}

// Bus publishes and subscribes to reload events on a configured subject.
type Bus struct {
	nc      *nats.Conn
	subject string
}

// Connect dials url; a dial failure degrades to a disabled Bus (nil nc) so
// that a missing NATS deployment never blocks scanner startup.
func Connect(url, subject string) *Bus {
	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("natsbus: connect failed, reload broadcast disabled", "error", err)
		return &Bus{subject: subject}
	}
	return &Bus{nc: nc, subject: subject}
}

// PublishReload injects trace context and publishes a ReloadEvent.
func (b *Bus) PublishReload(ctx context.Context, ev ReloadEvent) error {
	if b.nc == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return b.nc.PublishMsg(&nats.Msg{Subject: b.subject, Data: data, Header: hdr})
}

// SubscribeReload wires handler to reload-completed events, extracting the
// originating trace context into a child span.
func (b *Bus) SubscribeReload(handler func(context.Context, ReloadEvent)) (*nats.Subscription, error) {
	if b.nc == nil {
		return nil, nil
	}
	return b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("layer0-natsbus")
		ctx, span := tr.Start(ctx, "natsbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var ev ReloadEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Warn("natsbus: malformed reload event", "error", err)
			return
		}
		handler(ctx, ev)
	})
}

// Close drains the underlying connection, if any.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}
