// Package otel configures the OpenTelemetry tracer provider from the
// standard OTEL_* environment variables.
package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

const defaultServiceName = "modelopt"

// settings is the subset of the OTEL_* variables this process honours.
type settings struct {
	disabled   bool
	service    string
	protocol   string
	endpoint   string
	sampler    string
	samplerArg string
}

func settingsFromEnv() settings {
	s := settings{
		disabled:   os.Getenv("OTEL_SDK_DISABLED") == "true",
		service:    os.Getenv("OTEL_SERVICE_NAME"),
		protocol:   os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
		endpoint:   os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"),
		sampler:    os.Getenv("OTEL_TRACES_SAMPLER"),
		samplerArg: os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
	}
	if s.service == "" {
		s.service = defaultServiceName
	}
	if s.protocol == "" {
		s.protocol = "grpc"
	}
	if s.endpoint == "" {
		s.endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if s.sampler == "" {
		s.sampler = "parentbased_traceidratio"
	}
	return s
}

func noopShutdown(context.Context) error { return nil }

// Init installs W3C propagation and, when an OTLP endpoint is configured,
// a batching tracer provider. It returns the provider's shutdown func.
// Without an endpoint the global no-op provider stays in place so
// pipeline spans cost nothing.
func Init(ctx context.Context, log *zap.Logger) (func(context.Context) error, error) {
	log = log.With(zap.String("component", "tracing"))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	s := settingsFromEnv()
	if s.disabled || s.endpoint == "" {
		log.Info("tracing off", zap.String("event", "tracing_configured"), zap.Bool("tracing_enabled", false))
		return noopShutdown, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(s.service)),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	exp, err := newExporter(ctx, s.protocol)
	if err != nil {
		// Traces are optional; the service keeps running without them.
		log.Error("tracing exporter unavailable", zap.String("event", "tracing_init_failed"), zap.Error(err))
		return noopShutdown, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(s.sampler, s.samplerArg)),
	)
	otel.SetTracerProvider(tp)

	log.Info("tracing on",
		zap.String("event", "tracing_configured"),
		zap.Bool("tracing_enabled", true),
		zap.String("otlp_protocol", s.protocol),
		zap.String("otlp_endpoint", s.endpoint),
		zap.String("sampler", s.sampler),
		zap.String("sampler_arg", s.samplerArg),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, protocol string) (*otlptrace.Exporter, error) {
	switch protocol {
	case "grpc":
		return otlptracegrpc.New(ctx)
	case "http/protobuf":
		return otlptracehttp.New(ctx)
	}
	return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
}

// samplerFor maps OTEL_TRACES_SAMPLER names onto SDK samplers. Unknown
// names sample everything under a sampled parent.
func samplerFor(name, arg string) sdktrace.Sampler {
	switch name {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio(arg))
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio(arg)))
	}
	return sdktrace.ParentBased(sdktrace.AlwaysSample())
}

func ratio(arg string) float64 {
	r, err := strconv.ParseFloat(arg, 64)
	if err != nil || r < 0 || r > 1 {
		return 1
	}
	return r
}
