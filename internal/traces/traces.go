// Package traces provides OpenTelemetry spans for settlement operations.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/marketsettle"
	serviceName = "marketsettle"
)

// Config controls trace export.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint    string
	Environment string
	Version     string
	// SampleRatio is the fraction of root spans kept. Child spans follow
	// their parent's decision.
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown func.
// With no endpoint the global no-op provider is left in place.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sampleRatio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler keeps ratio of new traces and honors the parent's decision
// otherwise.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// StartSpan starts a span on the settlement tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Attribute helpers keep span keys consistent across packages.

func Amount(amount string) attribute.KeyValue {
	return attribute.String("settlement.amount", amount)
}

func EscrowID(id string) attribute.KeyValue {
	return attribute.String("settlement.escrow_id", id)
}

func PaymentID(id string) attribute.KeyValue {
	return attribute.String("settlement.payment_id", id)
}

func OrderID(id string) attribute.KeyValue {
	return attribute.String("settlement.order_id", id)
}

func SubOrderID(id string) attribute.KeyValue {
	return attribute.String("settlement.sub_order_id", id)
}

func RefundID(id string) attribute.KeyValue {
	return attribute.String("settlement.refund_id", id)
}

func Provider(name string) attribute.KeyValue {
	return attribute.String("settlement.provider", name)
}
