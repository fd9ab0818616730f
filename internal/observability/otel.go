package observability

import (
	"context"
	"errors"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	TracerHTTP      = "defpi/http"
	TracerScheduler = "defpi/scheduler"
	TracerAgent     = "defpi/agent"
)

const defaultServiceName = "defpi-orchestrator"

type OTelConfig struct {
	ServiceName string
	Endpoint    string // OTLP HTTP endpoint, e.g. http://otel-collector:4318
	Env         string
	// SampleRatio is the fraction of root spans kept. Spans started under a
	// remote parent follow the parent's decision.
	SampleRatio float64
}

// tracingDisabled reports whether spans should never be exported.
func (c OTelConfig) tracingDisabled() bool {
	return c.Endpoint == "" || os.Getenv("OTEL_TRACES_EXPORTER") == "none"
}

// Sampler maps a ratio onto a parent based sampler. Ratios at or below zero
// drop every root span, ratios at or above one keep them all.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func newResource(ctx context.Context, cfg OTelConfig) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Env),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if errors.Is(err, resource.ErrPartialResource) {
		err = nil
	}
	return res, err
}

// InitTracing installs the global tracer provider and propagator. Trace
// context is propagated even when export is disabled, so agent requests and
// change events keep the caller's trace id. Call the returned func on exit.
func InitTracing(ctx context.Context, cfg OTelConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	if cfg.tracingDisabled() {
		otel.SetTextMapPropagator(propagation.TraceContext{})
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
		otlptracehttp.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
