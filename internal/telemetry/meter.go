// Package telemetry provides OpenTelemetry metrics for the archiver, exported
// in the Prometheus text format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName identifies the archiver in exported metrics.
const DefaultServiceName = "archiver"

// Provider owns the meter provider and the Prometheus registry it exports to.
type Provider struct {
	meterProvider metric.MeterProvider
	sdk           *sdkmetric.MeterProvider
	registry      *promclient.Registry
}

// ProviderOption configures NewProvider.
type ProviderOption func(*providerConfig)

type providerConfig struct {
	enabled        bool
	serviceName    string
	serviceVersion string
}

// WithEnabled turns metric collection on. A disabled provider is a no-op.
func WithEnabled(enabled bool) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.enabled = enabled
	}
}

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(version string) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.serviceVersion = version
	}
}

// NewProvider creates a meter provider backed by a Prometheus exporter on a
// private registry. The caller is responsible for calling Shutdown.
func NewProvider(ctx context.Context, opts ...ProviderOption) (*Provider, error) {
	cfg := &providerConfig{
		serviceName:    DefaultServiceName,
		serviceVersion: "unknown",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if !cfg.enabled {
		slog.Debug("metrics disabled, using no-op meter provider")
		return &Provider{meterProvider: noop.NewMeterProvider()}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.serviceName),
			semconv.ServiceVersion(cfg.serviceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	return &Provider{
		meterProvider: mp,
		sdk:           mp,
		registry:      registry,
	}, nil
}

// MeterProvider returns the provider instruments are created from.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// Enabled reports whether metrics are collected.
func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

// Handler serves the collected metrics in the Prometheus exposition format.
// A disabled provider answers 404.
func (p *Provider) Handler() http.Handler {
	if p.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	if err := p.sdk.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	return nil
}
