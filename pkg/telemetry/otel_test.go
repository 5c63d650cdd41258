package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup("test-service")
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}

	// Verify providers are set
	if otel.GetTracerProvider() == nil {
		t.Error("Tracer provider not set")
	}
	if otel.GetMeterProvider() == nil {
		t.Error("Meter provider not set")
	}

	// Test GetTracer/GetMeter
	tracer := GetTracer("test-tracer")
	if tracer == nil {
		t.Error("Failed to get tracer")
	}

	meter := GetMeter("test-meter")
	if meter == nil {
		t.Error("Failed to get meter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestMetricsHolderRecording(t *testing.T) {
	holder := GetGlobalMetrics()
	if err := holder.InitMetrics(GetMeter("test-metrics")); err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}

	ctx := context.Background()
	holder.RecordCacheHit(ctx, "linear|symbol=BTCUSDT")
	holder.RecordCacheMiss(ctx, "linear|symbol=BTCUSDT")
	holder.RecordInvalidation(ctx, 2)
	holder.RecordWebhookCommand(ctx, "enable", "ok")
	holder.RecordExchangeRequest(ctx, "/v5/position/list", "ok", 12.5)

	holder.SetOpenPositions("linear|settleCoin=USDT", 3)
	holder.SetUnrealisedPnl("linear|settleCoin=USDT", 42.5)
	holder.SetPositionValue("linear|settleCoin=USDT", 1000)

	if got := holder.GetOpenPositions()["linear|settleCoin=USDT"]; got != 3 {
		t.Errorf("open positions = %d, want 3", got)
	}
	if got := holder.GetUnrealisedPnl()["linear|settleCoin=USDT"]; got != 42.5 {
		t.Errorf("unrealised pnl = %v, want 42.5", got)
	}
}

func TestMetricsHolderUninitialized(t *testing.T) {
	// Recording on a holder with no instruments must be a no-op, not a panic.
	holder := &MetricsHolder{
		openPositionsMap: make(map[string]int64),
		unrealisedMap:    make(map[string]float64),
		positionValueMap: make(map[string]float64),
	}
	ctx := context.Background()
	holder.RecordCacheHit(ctx, "k")
	holder.RecordCacheMiss(ctx, "k")
	holder.RecordInvalidation(ctx, 1)
	holder.RecordWebhookCommand(ctx, "disable", "error")
	holder.RecordExchangeRequest(ctx, "/x", "error", 1)
}
