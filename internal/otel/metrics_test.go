package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()
	if cfg == nil {
		t.Fatal("DefaultMetricsConfig returned nil")
	}
	if cfg.Enabled {
		t.Error("Expected metrics to be disabled by default")
	}
	if cfg.ServiceName != "snmpwatch" {
		t.Errorf("Expected service name 'snmpwatch', got %q", cfg.ServiceName)
	}
	if cfg.ExporterType != ExporterNone {
		t.Errorf("Expected ExporterNone, got %v", cfg.ExporterType)
	}
}

func TestNewMetrics_Disabled(t *testing.T) {
	ctx := context.Background()

	m, err := NewMetrics(ctx, DefaultMetricsConfig())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	defer m.Shutdown(ctx)

	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}

	// All operations should be no-ops when disabled
	m.RecordRequestLatency(ctx, "Engine-1", 3.2, true)
	m.RecordError(ctx, "Engine-1", "timeout")
	m.RecordPollCycle(ctx, 0)
	m.RecordTrap(ctx, "critical", "sent")
	m.SetPolling(true)
}

func TestNewMetrics_StdoutExporter(t *testing.T) {
	ctx := context.Background()
	cfg := &MetricsConfig{
		Enabled:        true,
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		ExporterType:   ExporterStdout,
		Attributes:     map[string]string{"environment": "test"},
	}

	m, err := NewMetrics(ctx, cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestNewMetrics_UnknownExporter(t *testing.T) {
	_, err := NewMetrics(context.Background(), &MetricsConfig{
		Enabled:      true,
		ServiceName:  "test-service",
		ExporterType: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, not an int64 sum", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestInstrumentsReport(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(ctx, &MetricsConfig{Enabled: true, ServiceName: "test-service", Reader: reader})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	defer m.Shutdown(ctx)

	m.RecordRequestLatency(ctx, "Engine-1", 1.5, true)
	m.RecordRequestLatency(ctx, "Engine-2", 2000, false)
	m.RecordError(ctx, "Engine-2", "timeout")
	m.RecordPollCycle(ctx, 1)
	m.RecordPollCycle(ctx, 0)
	m.RecordTrap(ctx, "critical", "sent")
	m.SetPolling(true)

	got := collect(t, reader)

	if n := sumOf(t, got["snmpwatch.errors"]); n != 1 {
		t.Errorf("errors = %d, want 1", n)
	}
	if n := sumOf(t, got["snmpwatch.poll.cycles"]); n != 2 {
		t.Errorf("poll cycles = %d, want 2", n)
	}
	if n := sumOf(t, got["snmpwatch.traps"]); n != 1 {
		t.Errorf("traps = %d, want 1", n)
	}

	hist, ok := got["snmpwatch.request.latency"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("latency is %T", got["snmpwatch.request.latency"].Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("latency count = %d, want 2", count)
	}

	gauge, ok := got["snmpwatch.manager.polling"].Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 1 {
		t.Errorf("polling gauge = %+v", got["snmpwatch.manager.polling"].Data)
	}

	m.SetPolling(false)
	got = collect(t, reader)
	gauge = got["snmpwatch.manager.polling"].Data.(metricdata.Gauge[int64])
	if gauge.DataPoints[0].Value != 0 {
		t.Errorf("polling gauge after stop = %d", gauge.DataPoints[0].Value)
	}
}

func TestGlobalMetrics(t *testing.T) {
	SetGlobalMetrics(nil)
	if m := GetGlobalMetrics(); m == nil || m.Enabled() {
		t.Fatal("expected disabled no-op metrics when unset")
	}

	m, err := NewMetrics(context.Background(), &MetricsConfig{Enabled: true, ServiceName: "test-service", Reader: sdkmetric.NewManualReader()})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	defer m.Shutdown(context.Background())

	SetGlobalMetrics(m)
	defer SetGlobalMetrics(nil)
	if GetGlobalMetrics() != m {
		t.Error("GetGlobalMetrics did not return the set instance")
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	if m.Enabled() {
		t.Error("Expected no-op metrics to be disabled")
	}
	ctx := context.Background()
	m.RecordRequestLatency(ctx, "Engine-1", 1, true)
	m.RecordTrap(ctx, "warning", "received")
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("NoopMetrics.Shutdown failed: %v", err)
	}
}

func TestMetricsShutdownTwice(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(ctx, &MetricsConfig{Enabled: true, ServiceName: "test-service", Reader: sdkmetric.NewManualReader()})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
