package obs

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ShutdownFunc flushes and tears down an exporter.
type ShutdownFunc func(context.Context) error

func resolveEndpoint(specific string) string {
	if v := os.Getenv(specific); v != "" {
		return v
	}
	if v := os.Getenv("L0_OTEL_EXPORTER_ENDPOINT"); v != "" {
		return v
	}
	return "localhost:4317"
}

// InitTracer configures a global tracer provider with an OTLP gRPC exporter.
// On exporter-dial failure it logs a warning and returns a no-op shutdown so
// that missing telemetry infrastructure never blocks scanner startup.
func InitTracer(ctx context.Context, service string) ShutdownFunc {
	endpoint := resolveEndpoint("L0_OTEL_EXPORTER_TRACES_ENDPOINT")
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	tp := trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

// InitMetrics configures a global meter provider with two readers: an OTLP
// push exporter for the backend configured via otel_exporter_endpoint, and
// a Prometheus pull exporter for the /metrics scrape endpoint. Either
// exporter failing to initialize degrades gracefully rather than blocking
// startup; promHandler is nil when the Prometheus exporter could not be
// built.
func InitMetrics(ctx context.Context, service string) (shutdown ShutdownFunc, promHandler http.Handler) {
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	endpoint := resolveEndpoint("L0_OTEL_EXPORTER_METRICS_ENDPOINT")
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	); err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	if promExp, err := otelprom.New(); err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(promExp))
		promHandler = promhttp.Handler()
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "otlp_endpoint", endpoint, "prometheus_enabled", promHandler != nil)
	return mp.Shutdown, promHandler
}

// Flush runs shutdown with a bounded deadline.
func Flush(ctx context.Context, shutdown ShutdownFunc) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
