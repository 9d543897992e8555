package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	prometheusotel "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"panelquery/internal/query"
)

// telemetry records HTTP, listing and index metrics. A disabled telemetry
// accepts every call and records nothing.
type telemetry struct {
	enabled bool
	logger  *slog.Logger

	registry       *prometheus.Registry
	metricsHandler http.Handler

	httpRequests   metric.Int64Counter
	httpErrors     metric.Int64Counter
	httpLatency    metric.Float64Histogram
	listings       metric.Int64Counter
	reconciles     metric.Int64Counter
	indexRecords   metric.Int64Counter
	indexLatency   metric.Float64Histogram
	segmentGauge   *prometheus.GaugeVec
	walOffsetGauge *prometheus.GaugeVec
}

func newTelemetry(ctx context.Context, logger *slog.Logger, enabled bool) *telemetry {
	t := &telemetry{enabled: enabled, logger: logger}
	if !enabled {
		return t
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := prometheusotel.New(prometheusotel.WithRegisterer(registry))
	if err != nil {
		logger.Error("failed to initialize prometheus exporter", "error", err)
		t.enabled = false
		return t
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("panelquery")

	t.httpRequests, _ = meter.Int64Counter("http_requests_total", metric.WithDescription("Total HTTP requests"))
	t.httpErrors, _ = meter.Int64Counter("http_errors_total", metric.WithDescription("HTTP requests that returned an error status"))
	t.httpLatency, _ = meter.Float64Histogram("http_request_duration_ms", metric.WithDescription("Latency of HTTP requests in milliseconds"), metric.WithUnit("ms"))
	t.listings, _ = meter.Int64Counter("listing_requests_total", metric.WithDescription("Listings served, by resource and strategy"))
	t.reconciles, _ = meter.Int64Counter("index_pages_reconciled_total", metric.WithDescription("Index-backed pages, by whether they were re-queried against the store"))
	t.indexRecords, _ = meter.Int64Counter("index_records_total", metric.WithDescription("Records written to index logs"))
	t.indexLatency, _ = meter.Float64Histogram("index_mutation_duration_ms", metric.WithDescription("Latency of index mutations"), metric.WithUnit("ms"))

	t.segmentGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "panelquery", Name: "index_segments", Help: "Segments currently held per index"}, []string{"index"})
	t.walOffsetGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "panelquery", Name: "index_wal_offset_bytes", Help: "Last recorded WAL offset"}, []string{"index"})
	registry.MustRegister(t.segmentGauge, t.walOffsetGauge)

	t.registry = registry
	t.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	logger.Info("telemetry initialized", "prometheus", true)
	t.httpRequests.Add(ctx, 0)
	return t
}

func (t *telemetry) recordRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if !t.enabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	t.httpRequests.Add(ctx, 1, attrs)
	t.httpLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if status >= http.StatusBadRequest {
		t.httpErrors.Add(ctx, 1, attrs)
	}
}

// StrategySelected implements query.Observer.
func (t *telemetry) StrategySelected(ctx context.Context, resource string, strategy query.Strategy) {
	if !t.enabled {
		return
	}
	t.listings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("strategy", string(strategy)),
	))
}

// Reconciled implements query.Observer.
func (t *telemetry) Reconciled(ctx context.Context, resource string, requeried bool) {
	if !t.enabled {
		return
	}
	t.reconciles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("requeried", strconv.FormatBool(requeried)),
	))
}

// IndexMutated implements index.MutationObserver.
func (t *telemetry) IndexMutated(ctx context.Context, indexName string, records, segments int, walOffset int64, duration time.Duration) {
	if !t.enabled {
		return
	}

	attrs := metric.WithAttributes(attribute.String("index", indexName))
	t.indexRecords.Add(ctx, int64(records), attrs)
	t.indexLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	t.segmentGauge.WithLabelValues(indexName).Set(float64(segments))
	t.walOffsetGauge.WithLabelValues(indexName).Set(float64(walOffset))
}

func (t *telemetry) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !t.enabled || t.registry == nil {
		respond(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}

	t.metricsHandler.ServeHTTP(w, r)
}
