// Package observability wires the tracer and meter providers the rest
// of the module pulls spans and instruments from, talking to the
// upstream go.opentelemetry.io SDK directly.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Providers bundles the process-wide tracer and meter providers along
// with a Shutdown that flushes both.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Option configures New. Exporters are left to the caller to attach
// (via WithSpanProcessor/WithReader) so tests can run with no exporter
// at all.
type Option func(*config)

type config struct {
	traceOpts  []sdktrace.TracerProviderOption
	metricOpts []sdkmetric.Option
}

// WithSpanProcessor attaches an additional span processor (e.g. an
// OTLP batch exporter) to the tracer provider.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(c *config) { c.traceOpts = append(c.traceOpts, sdktrace.WithSpanProcessor(sp)) }
}

// WithReader attaches an additional metric reader (e.g. a
// periodic OTLP exporter) to the meter provider.
func WithReader(r sdkmetric.Reader) Option {
	return func(c *config) { c.metricOpts = append(c.metricOpts, sdkmetric.WithReader(r)) }
}

// New builds in-process tracer/meter providers tagged with
// serviceName and installs them as the process-wide otel globals.
func New(ctx context.Context, serviceName string, opts ...Option) (*Providers, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	tp := sdktrace.NewTracerProvider(
		append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, cfg.traceOpts...)...,
	)
	mp := sdkmetric.NewMeterProvider(
		append([]sdkmetric.Option{sdkmetric.WithResource(res)}, cfg.metricOpts...)...,
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Providers{TracerProvider: tp, MeterProvider: mp}, nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.MeterProvider.Shutdown(ctx)
}

// Tracer is a small convenience wrapper so domain packages don't each
// need to import go.opentelemetry.io/otel directly.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }

// Meter is the metric analogue of Tracer.
func Meter(name string) metric.Meter { return otel.Meter(name) }

// Metrics bundles the room/peer/update instruments rooms and their
// manager report against.
type Metrics struct {
	RoomsActive    metric.Int64UpDownCounter
	PeersConnected metric.Int64UpDownCounter
	UpdatesRelayed metric.Int64Counter
}

// NewMetrics registers the Metrics instruments against m.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	roomsActive, err := m.Int64UpDownCounter(
		"syncfabric.rooms.active",
		metric.WithDescription("rooms currently held by a room manager"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: rooms.active counter: %w", err)
	}
	peersConnected, err := m.Int64UpDownCounter(
		"syncfabric.peers.connected",
		metric.WithDescription("peers currently attached across all rooms"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: peers.connected counter: %w", err)
	}
	updatesRelayed, err := m.Int64Counter(
		"syncfabric.updates.relayed",
		metric.WithDescription("update messages fanned out to peers"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: updates.relayed counter: %w", err)
	}
	return &Metrics{
		RoomsActive:    roomsActive,
		PeersConnected: peersConnected,
		UpdatesRelayed: updatesRelayed,
	}, nil
}
