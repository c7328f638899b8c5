// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// exporterNone disables a signal.
const exporterNone = "none"

// Config controls where spans and metric readings go.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none". The prometheus
	// reader registers with the default registry, so otel instruments show
	// up on the same /metrics page as the pipeline counters.
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"oneof=prometheus stdout none"`

	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" json:"otlp_insecure"`

	// SampleRate is the fraction of root traces kept, in [0, 1].
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate" validate:"gte=0,lte=1"`

	// Attributes are added to the resource of every span and reading,
	// e.g. {"site": "mwa", "array": "low"}.
	Attributes map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// DefaultConfig returns defaults for local runs, with environment overrides.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "skyimager",
		ServiceVersion: "0.1.0",
		Environment:    envOr("SKYIMAGER_ENV", "development"),
		TraceExporter:  envOr("OTEL_TRACES_EXPORTER", exporterNone),
		MetricExporter: envOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
		SampleRate:     1,
	}
}

type spanExporterFactory func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error)

type readerFactory func(ctx context.Context, cfg Config) (sdkmetric.Reader, error)

var spanExporters = map[string]spanExporterFactory{
	"otlp": func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"stdout": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
}

var metricReaders = map[string]readerFactory{
	"prometheus": func(context.Context, Config) (sdkmetric.Reader, error) {
		return promexporter.New()
	},
	"stdout": func(context.Context, Config) (sdkmetric.Reader, error) {
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	},
}

// stack runs shutdown hooks in reverse registration order.
type stack []func(context.Context) error

func (s *stack) push(fn func(context.Context) error) { *s = append(*s, fn) }

func (s stack) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		errs = append(errs, s[i](ctx))
	}
	return errors.Join(errs...)
}

// Init installs the global tracer and meter providers.
//
// Description:
//
//	Builds one resource from cfg, then a TracerProvider and a MeterProvider
//	for the named exporters. A signal whose exporter is "none" keeps the
//	no-op global provider. The W3C trace-context and baggage propagators are
//	always installed so otelgin can join incoming traces.
//
// Inputs:
//
//	ctx - Used for exporter connections. Must not be nil.
//	cfg - Telemetry configuration.
//
// Outputs:
//
//	shutdown - Flushes and stops every provider Init created. Must be called.
//	error - ErrNilContext, ErrUnknownExporter or an exporter error. Nothing
//	        is left installed on error.
//
// Example:
//
//	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// Thread Safety: Call once at process startup.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	res := newResource(cfg)
	var hooks stack

	if cfg.TraceExporter != exporterNone {
		factory, ok := spanExporters[cfg.TraceExporter]
		if !ok {
			return nil, fmt.Errorf("%w: trace %q", ErrUnknownExporter, cfg.TraceExporter)
		}
		exp, err := factory(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create %s span exporter: %w", cfg.TraceExporter, err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(cfg.SampleRate)),
		)
		hooks.push(tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricExporter != exporterNone {
		factory, ok := metricReaders[cfg.MetricExporter]
		if !ok {
			_ = hooks.shutdown(ctx)
			return nil, fmt.Errorf("%w: metric %q", ErrUnknownExporter, cfg.MetricExporter)
		}
		reader, err := factory(ctx, cfg)
		if err != nil {
			_ = hooks.shutdown(ctx)
			return nil, fmt.Errorf("create %s metric reader: %w", cfg.MetricExporter, err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		hooks.push(mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return hooks.shutdown, nil
}

// Exporters lists the accepted exporter names per signal, "none" included.
func Exporters() (traces, metrics []string) {
	traces = append(slices.Sorted(maps.Keys(spanExporters)), exporterNone)
	metrics = append(slices.Sorted(maps.Keys(metricReaders)), exporterNone)
	return traces, metrics
}

func newResource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.Int("process.pid", os.Getpid()),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.Attributes)) {
		attrs = append(attrs, attribute.String(k, cfg.Attributes[k]))
	}
	return resource.NewWithAttributes("", attrs...)
}

// sampler keeps every trace at rate >= 1 and none at rate <= 0. Child spans
// follow their parent.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// LoggerWithTrace adds trace_id and span_id of the active span in ctx to
// logger. Without a valid span it returns logger unchanged.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
