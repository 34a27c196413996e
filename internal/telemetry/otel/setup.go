// Package otel provides OpenTelemetry providers with OTLP gRPC exporters, the connect event
// log emitter, and the connect-gate counters.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Process roles recorded on every signal as connect_gate.role.
const (
	RoleAPI     = "api"
	RoleGateway = "gateway"
)

// RoleKey distinguishes the public API from the entry-host gateway in a shared collector.
const RoleKey = attribute.Key("connect_gate.role")

const defaultMetricInterval = 10 * time.Second

// Options describes the process being instrumented and where it exports.
type Options struct {
	ServiceName string
	Version     string
	Role        string
	// Endpoint is the collector as host:port or a URL; any path is dropped. Empty keeps every
	// signal in-process.
	Endpoint string
	// Insecure forces plaintext gRPC even for https endpoints.
	Insecure       bool
	MetricInterval time.Duration
}

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// NewProviders builds tracer, meter and logger providers tagged with the process resource.
// Without an endpoint they record nothing outside the process and Shutdown only releases them.
func NewProviders(ctx context.Context, opts Options) (*Providers, error) {
	res, err := opts.resource()
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		p := &Providers{
			TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithResource(res)),
			MeterProvider:  metric.NewMeterProvider(metric.WithResource(res)),
			LoggerProvider: sdklog.NewLoggerProvider(sdklog.WithResource(res)),
		}
		p.Shutdown = shutdownAll(p.LoggerProvider.Shutdown, p.MeterProvider.Shutdown, p.TracerProvider.Shutdown)
		return p, nil
	}

	target, insecure, err := collectorTarget(endpoint, opts.Insecure)
	if err != nil {
		return nil, err
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(target)}
	if insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = traceExp.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	logExp, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		_ = traceExp.Shutdown(ctx)
		_ = metricExp.Shutdown(ctx)
		return nil, fmt.Errorf("log exporter: %w", err)
	}

	interval := opts.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	p := &Providers{
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res)),
		MeterProvider: metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(metricExp, metric.WithInterval(interval))),
		),
		LoggerProvider: sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
			sdklog.WithResource(res),
		),
	}
	// Loggers flush first so events emitted during shutdown still carry a live trace provider.
	p.Shutdown = shutdownAll(p.LoggerProvider.Shutdown, p.MeterProvider.Shutdown, p.TracerProvider.Shutdown)
	return p, nil
}

func (o Options) resource() (*resource.Resource, error) {
	name := o.ServiceName
	if name == "" {
		name = "connect-gate"
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(name)}
	if o.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(o.Version))
	}
	if o.Role != "" {
		attrs = append(attrs, RoleKey.String(o.Role))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// collectorTarget reduces endpoint to the host:port gRPC dials. Plain host:port and http URLs
// are plaintext; https is TLS unless forceInsecure.
func collectorTarget(endpoint string, forceInsecure bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, forceInsecure || u.Scheme != "https", nil
}

func shutdownAll(fns ...func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range fns {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// SetGlobal installs the tracer and meter providers for otelgin and other global lookups.
// The LoggerProvider stays local; pass it to NewEventEmitter.
func (p *Providers) SetGlobal() {
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
}
