// Package events is the observability sink every component is given at
// construction: a named tracer/meter pair plus a handful of counters and
// histograms, backed by OpenTelemetry when OTEL_EXPORTER_OTLP_ENDPOINT is
// set and otherwise a zero-overhead noop.
package events

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Sink is the event-reporting handle passed to every stateful component.
// It wraps a named tracer and meter plus the node-level counters that
// matter across components (probe attempts, hole-punch outcomes, relay
// session counts).
type Sink struct {
	tracer trace.Tracer
	meter  metric.Meter

	ProbeAttempts   metric.Int64Counter
	HolePunchResult metric.Int64Counter
	RelaySessions   metric.Int64UpDownCounter
	SignalingRTT    metric.Float64Histogram
}

// NewSink creates a Sink for a named component, e.g. "holepunch" or
// "coordinator". Call Init once at process startup before creating sinks.
func NewSink(component string) *Sink {
	tracer := otel.Tracer("meshcore." + component)
	meter := otel.Meter("meshcore." + component)

	probeAttempts, _ := meter.Int64Counter("probe_attempts_total")
	holePunchResult, _ := meter.Int64Counter("holepunch_result_total")
	relaySessions, _ := meter.Int64UpDownCounter("relay_sessions_active")
	signalingRTT, _ := meter.Float64Histogram("signaling_rtt_seconds")

	return &Sink{
		tracer:          tracer,
		meter:           meter,
		ProbeAttempts:   probeAttempts,
		HolePunchResult: holePunchResult,
		RelaySessions:   relaySessions,
		SignalingRTT:    signalingRTT,
	}
}

// StartSpan begins a traced span for an operation.
func (s *Sink) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

// Init initializes OpenTelemetry providers based on OTEL_EXPORTER_OTLP_ENDPOINT.
// When unset, global providers remain noop and the returned shutdown
// function is a no-op. Safe to call exactly once at process startup.
func Init(ctx context.Context, serviceName, serviceVersion string) (func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) {}, nil
	}

	res, err := buildResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("events: build resource: %w", err)
	}

	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("events: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	metricExporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return shutdownFunc(tp, nil, nil), fmt.Errorf("events: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExporter, err := otlploghttp.New(ctx)
	if err != nil {
		return shutdownFunc(tp, mp, nil), fmt.Errorf("events: log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	otellog.SetLoggerProvider(lp)
	installLogBridge(lp)

	log.Printf("[Events] OpenTelemetry initialized: endpoint=%s service=%s", endpoint, serviceName)
	return shutdownFunc(tp, mp, lp), nil
}

func buildResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	hostname, _ := os.Hostname()
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.HostName(hostname),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}

type shutdownable interface {
	Shutdown(context.Context) error
}

func shutdownFunc(providers ...shutdownable) func(context.Context) {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		for _, p := range providers {
			if p != nil {
				if err := p.Shutdown(ctx); err != nil {
					log.Printf("[Events] shutdown error: %v", err)
				}
			}
		}
	}
}
