package infrastructure

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// EngineMetrics holds the instruments recorded by the cache layer, the
// activity batcher and the license engine. A nil *EngineMetrics is safe to
// record against everywhere; record helpers no-op.
type EngineMetrics struct {
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	SkipCacheHits   metric.Int64Counter
	Validations     metric.Int64Counter
	Registrations   metric.Int64Counter
	FlushCount      metric.Int64Counter
	FlushFailures   metric.Int64Counter
	BufferedEntries metric.Int64UpDownCounter
}

// MetricsHandler bundles the otel meter provider with the prometheus
// registry serving /metrics.
type MetricsHandler struct {
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry
	Engine   *EngineMetrics
}

// NewMetrics wires the otel meter pipeline with a prometheus exporter and
// creates the engine instruments.
func NewMetrics() (*MetricsHandler, error) {
	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("keygate")

	engine := &EngineMetrics{}
	if engine.CacheHits, err = meter.Int64Counter("keygate_cache_hits_total",
		metric.WithDescription("License cache hits")); err != nil {
		return nil, err
	}
	if engine.CacheMisses, err = meter.Int64Counter("keygate_cache_misses_total",
		metric.WithDescription("License cache misses")); err != nil {
		return nil, err
	}
	if engine.SkipCacheHits, err = meter.Int64Counter("keygate_skip_cache_hits_total",
		metric.WithDescription("Validations short-circuited by the skip cache")); err != nil {
		return nil, err
	}
	if engine.Validations, err = meter.Int64Counter("keygate_validations_total",
		metric.WithDescription("Validate operations by result code")); err != nil {
		return nil, err
	}
	if engine.Registrations, err = meter.Int64Counter("keygate_registrations_total",
		metric.WithDescription("Register operations by result code")); err != nil {
		return nil, err
	}
	if engine.FlushCount, err = meter.Int64Counter("keygate_activity_flushes_total",
		metric.WithDescription("Activity log batch flushes")); err != nil {
		return nil, err
	}
	if engine.FlushFailures, err = meter.Int64Counter("keygate_activity_flush_failures_total",
		metric.WithDescription("Failed activity log batch flushes")); err != nil {
		return nil, err
	}
	if engine.BufferedEntries, err = meter.Int64UpDownCounter("keygate_activity_buffered_entries",
		metric.WithDescription("Activity log entries currently buffered")); err != nil {
		return nil, err
	}

	return &MetricsHandler{provider: provider, registry: registry, Engine: engine}, nil
}

// HTTPHandler returns the handler serving the prometheus scrape endpoint.
func (m *MetricsHandler) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *MetricsHandler) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
