package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records runtime metrics through the OpenTelemetry metric API,
// exported in Prometheus format. The zero value records nothing, which
// is how disabled metrics are represented.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	runsTotal   metric.Int64Counter
	runDuration metric.Float64Histogram
	turnsTotal  metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	guardTrips metric.Int64Counter

	sseSubscribers metric.Int64UpDownCounter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

// InitMetrics builds the metric instruments and their Prometheus
// exporter. Disabled metrics yield an inert *Metrics.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(DefaultServiceName)

	m := &Metrics{registry: registry, provider: provider}

	instruments := []struct {
		dst  any
		name string
		desc string
	}{
		{&m.runsTotal, "runs", "Completed runs by mode and outcome"},
		{&m.runDuration, "run_duration_seconds", "Run duration in seconds"},
		{&m.turnsTotal, "turns", "Model turns consumed by runs"},
		{&m.toolDuration, "tool_duration_seconds", "Tool execution duration in seconds"},
		{&m.toolCalls, "tool_calls", "Tool invocations"},
		{&m.toolErrors, "tool_errors", "Failed tool invocations"},
		{&m.cacheHits, "tool_cache_hits", "Tool-result cache hits"},
		{&m.cacheMisses, "tool_cache_misses", "Tool-result cache misses"},
		{&m.guardTrips, "guard_trips", "Guardrail classifications that altered a run"},
		{&m.sseSubscribers, "sse_subscribers", "Active SSE subscribers"},
		{&m.llmDuration, "llm_request_duration_seconds", "Model request duration in seconds"},
		{&m.llmInputTokens, "llm_tokens_input", "Input tokens sent to the model"},
		{&m.llmOutputTokens, "llm_tokens_output", "Output tokens produced by the model"},
		{&m.llmErrors, "llm_errors", "Failed model requests"},
		{&m.httpDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&m.httpRequests, "http_requests", "HTTP requests served"},
	}

	for _, inst := range instruments {
		switch dst := inst.dst.(type) {
		case *metric.Int64Counter:
			*dst, err = meter.Int64Counter(inst.name, metric.WithDescription(inst.desc))
		case *metric.Float64Histogram:
			*dst, err = meter.Float64Histogram(inst.name, metric.WithDescription(inst.desc))
		case *metric.Int64UpDownCounter:
			*dst, err = meter.Int64UpDownCounter(inst.name, metric.WithDescription(inst.desc))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create instrument %s: %w", inst.name, err)
		}
	}

	return m, nil
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordRun records one completed run.
func (m *Metrics) RecordRun(ctx context.Context, mode, outcome string, duration time.Duration) {
	if m == nil || m.runsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTurn records one model turn.
func (m *Metrics) RecordTurn(ctx context.Context, mode string) {
	if m == nil || m.turnsTotal == nil {
		return
	}
	m.turnsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

// RecordCacheHit records a tool-result cache hit.
func (m *Metrics) RecordCacheHit(ctx context.Context, tool string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordCacheMiss records a tool-result cache miss.
func (m *Metrics) RecordCacheMiss(ctx context.Context, tool string) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordGuardTrip records a guardrail classification that altered a run.
func (m *Metrics) RecordGuardTrip(ctx context.Context, guard string) {
	if m == nil || m.guardTrips == nil {
		return
	}
	m.guardTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("guard", guard)))
}

// AddSSESubscribers adjusts the active subscriber gauge.
func (m *Metrics) AddSSESubscribers(ctx context.Context, delta int) {
	if m == nil || m.sseSubscribers == nil {
		return
	}
	m.sseSubscribers.Add(ctx, int64(delta))
}

// RecordLLMCall records one model request.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", statusCode),
	)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// SetGlobal installs the process-wide metrics instance.
func SetGlobal(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

// Global returns the process-wide metrics instance, possibly nil.
func Global() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	return globalMetrics
}
