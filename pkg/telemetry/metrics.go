package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCacheHitsTotal          = "margin_relay_cache_hits_total"
	MetricCacheMissesTotal        = "margin_relay_cache_misses_total"
	MetricCacheInvalidationsTotal = "margin_relay_cache_invalidations_total"
	MetricWebhookCommandsTotal    = "margin_relay_webhook_commands_total"
	MetricExchangeRequestsTotal   = "margin_relay_exchange_requests_total"
	MetricExchangeLatency         = "margin_relay_exchange_latency_ms"
	MetricOpenPositions           = "margin_relay_open_positions"
	MetricUnrealisedPnl           = "margin_relay_unrealised_pnl"
	MetricPositionValue           = "margin_relay_position_value"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	CacheHitsTotal          metric.Int64Counter
	CacheMissesTotal        metric.Int64Counter
	CacheInvalidationsTotal metric.Int64Counter
	WebhookCommandsTotal    metric.Int64Counter
	ExchangeRequestsTotal   metric.Int64Counter
	ExchangeLatency         metric.Float64Histogram
	OpenPositions           metric.Int64ObservableGauge
	UnrealisedPnl           metric.Float64ObservableGauge
	PositionValue           metric.Float64ObservableGauge

	// State for observable gauges, keyed by cache key
	mu               sync.RWMutex
	openPositionsMap map[string]int64
	unrealisedMap    map[string]float64
	positionValueMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openPositionsMap: make(map[string]int64),
			unrealisedMap:    make(map[string]float64),
			positionValueMap: make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.CacheHitsTotal, err = meter.Int64Counter(MetricCacheHitsTotal, metric.WithDescription("Position cache hits"))
	if err != nil {
		return err
	}

	m.CacheMissesTotal, err = meter.Int64Counter(MetricCacheMissesTotal, metric.WithDescription("Position cache misses"))
	if err != nil {
		return err
	}

	m.CacheInvalidationsTotal, err = meter.Int64Counter(MetricCacheInvalidationsTotal, metric.WithDescription("Position cache invalidations"))
	if err != nil {
		return err
	}

	m.WebhookCommandsTotal, err = meter.Int64Counter(MetricWebhookCommandsTotal, metric.WithDescription("Webhook margin commands by action and outcome"))
	if err != nil {
		return err
	}

	m.ExchangeRequestsTotal, err = meter.Int64Counter(MetricExchangeRequestsTotal, metric.WithDescription("Exchange API requests by endpoint and outcome"))
	if err != nil {
		return err
	}

	m.ExchangeLatency, err = meter.Float64Histogram(MetricExchangeLatency, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Open positions per watched query"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("query", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.UnrealisedPnl, err = meter.Float64ObservableGauge(MetricUnrealisedPnl, metric.WithDescription("Total unrealised PnL per watched query"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.unrealisedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("query", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionValue, err = meter.Float64ObservableGauge(MetricPositionValue, metric.WithDescription("Total position notional per watched query"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.positionValueMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("query", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Recording helpers. All tolerate an uninitialized holder so call sites stay
// clean in tests and when telemetry is disabled.

func (m *MetricsHolder) RecordCacheHit(ctx context.Context, key string) {
	if m == nil || m.CacheHitsTotal == nil {
		return
	}
	m.CacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("query", key)))
}

func (m *MetricsHolder) RecordCacheMiss(ctx context.Context, key string) {
	if m == nil || m.CacheMissesTotal == nil {
		return
	}
	m.CacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("query", key)))
}

func (m *MetricsHolder) RecordInvalidation(ctx context.Context, dropped int64) {
	if m == nil || m.CacheInvalidationsTotal == nil {
		return
	}
	m.CacheInvalidationsTotal.Add(ctx, dropped)
}

func (m *MetricsHolder) RecordWebhookCommand(ctx context.Context, action, outcome string) {
	if m == nil || m.WebhookCommandsTotal == nil {
		return
	}
	m.WebhookCommandsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

func (m *MetricsHolder) RecordExchangeRequest(ctx context.Context, endpoint, outcome string, latencyMS float64) {
	if m == nil || m.ExchangeRequestsTotal == nil || m.ExchangeLatency == nil {
		return
	}
	m.ExchangeRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
	m.ExchangeLatency.Record(ctx, latencyMS, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenPositions(key string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositionsMap[key] = count
}

func (m *MetricsHolder) SetUnrealisedPnl(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealisedMap[key] = value
}

func (m *MetricsHolder) SetPositionValue(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionValueMap[key] = value
}

func (m *MetricsHolder) GetOpenPositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openPositionsMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetUnrealisedPnl() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealisedMap {
		res[k] = v
	}
	return res
}
