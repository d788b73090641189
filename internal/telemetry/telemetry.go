package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

type telemetry struct {
	tracerProvider *sdktrace.TracerProvider

	checkCounter      metric.Int64Counter
	checkDuration     metric.Float64Histogram
	findingCounter    metric.Int64Counter
	submissionCounter metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t, err := newInstruments(otel.Meter(cfg.ServiceName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	t.tracerProvider = tp
	return t, nil
}

func newInstruments(meter metric.Meter) (*telemetry, error) {
	checkCounter, err := meter.Int64Counter("chimera.checks.total",
		metric.WithDescription("Check invocations by kind and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	checkDuration, err := meter.Float64Histogram("chimera.check.duration",
		metric.WithDescription("Check duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	findingCounter, err := meter.Int64Counter("chimera.findings.total",
		metric.WithDescription("Unique findings recorded"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	submissionCounter, err := meter.Int64Counter("chimera.submissions.total",
		metric.WithDescription("Submission transitions by resulting state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		checkCounter:      checkCounter,
		checkDuration:     checkDuration,
		findingCounter:    findingCounter,
		submissionCounter: submissionCounter,
	}, nil
}

func (t *telemetry) RecordCheck(kind types.CheckKind, duration time.Duration, err error) {
	ctx := context.Background()

	attrs := metric.WithAttributes(
		attribute.String("check.kind", string(kind)),
		attribute.Bool("check.success", err == nil),
	)

	t.checkCounter.Add(ctx, 1, attrs)
	t.checkDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *telemetry) RecordFinding(kind types.CheckKind, severity types.Severity) {
	t.findingCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("check.kind", string(kind)),
		attribute.String("finding.severity", string(severity)),
	))
}

func (t *telemetry) RecordSubmission(platform string, state types.SubmissionState) {
	t.submissionCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("submission.state", string(state)),
	))
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

// Noop returns a Telemetry that records nothing.
func Noop() core.Telemetry { return &noopTelemetry{} }

type noopTelemetry struct{}

func (n *noopTelemetry) RecordCheck(types.CheckKind, time.Duration, error) {}
func (n *noopTelemetry) RecordFinding(types.CheckKind, types.Severity)     {}
func (n *noopTelemetry) RecordSubmission(string, types.SubmissionState)    {}
func (n *noopTelemetry) Close() error                                      { return nil }
