package otel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures Metrics.
type MetricsConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	Attributes     map[string]string

	// Reader, when set, replaces ExporterType; metrics are pulled through it.
	Reader sdkmetric.Reader
}

// DefaultMetricsConfig has metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ServiceName:  defaultServiceName,
		ExporterType: ExporterNone,
	}
}

func (c *MetricsConfig) active() bool {
	return c.Enabled && (c.Reader != nil || c.ExporterType != ExporterNone)
}

// Metrics holds the OpenTelemetry instruments for SNMP traffic. The Record
// methods do nothing on a disabled instance.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	polling  atomic.Int64

	requestLatency metric.Float64Histogram
	errors         metric.Int64Counter
	pollCycles     metric.Int64Counter
	traps          metric.Int64Counter
	pollingGauge   metric.Int64ObservableGauge

	mu       sync.Mutex
	callback metric.Registration
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics builds Metrics. A disabled config yields a no-op instance.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}
	if !cfg.active() {
		return NoopMetrics(), nil
	}

	reader := cfg.Reader
	if reader == nil {
		exp, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	}

	res, err := exporterTarget{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Attributes:     cfg.Attributes,
	}.resource()
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)),
	}
	if err := m.register(m.provider.Meter(cfg.ServiceName)); err != nil {
		_ = m.provider.Shutdown(ctx)
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns a disabled instance.
func NoopMetrics() *Metrics {
	return &Metrics{}
}

func newMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		var opts []otlpmetricgrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlpmetrichttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) register(meter metric.Meter) error {
	var err error
	if m.requestLatency, err = meter.Float64Histogram("snmpwatch.request.latency",
		metric.WithDescription("Round-trip latency of SNMP GET exchanges"),
		metric.WithUnit("ms"),
	); err != nil {
		return fmt.Errorf("request latency histogram: %w", err)
	}
	if m.errors, err = meter.Int64Counter("snmpwatch.errors",
		metric.WithDescription("SNMP errors by engine and code"),
	); err != nil {
		return fmt.Errorf("error counter: %w", err)
	}
	if m.pollCycles, err = meter.Int64Counter("snmpwatch.poll.cycles",
		metric.WithDescription("Completed poll cycles"),
	); err != nil {
		return fmt.Errorf("poll cycle counter: %w", err)
	}
	if m.traps, err = meter.Int64Counter("snmpwatch.traps",
		metric.WithDescription("Threshold traps by severity and direction"),
	); err != nil {
		return fmt.Errorf("trap counter: %w", err)
	}
	if m.pollingGauge, err = meter.Int64ObservableGauge("snmpwatch.manager.polling",
		metric.WithDescription("1 while a manager is polling, 0 when idle"),
	); err != nil {
		return fmt.Errorf("polling gauge: %w", err)
	}
	m.callback, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.pollingGauge, m.polling.Load())
		return nil
	}, m.pollingGauge)
	if err != nil {
		return fmt.Errorf("polling gauge callback: %w", err)
	}
	return nil
}

// RecordRequestLatency records one GET round trip.
func (m *Metrics) RecordRequestLatency(ctx context.Context, engineID string, latencyMs float64, success bool) {
	if m.requestLatency == nil {
		return
	}
	m.requestLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("engine_id", engineID),
		attribute.Bool("success", success),
	))
}

func (m *Metrics) RecordError(ctx context.Context, engineID, code string) {
	if m.errors == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine_id", engineID),
		attribute.String("code", code),
	))
}

// RecordPollCycle counts a cycle; it is degraded when any engine was
// unavailable.
func (m *Metrics) RecordPollCycle(ctx context.Context, unavailable int) {
	if m.pollCycles == nil {
		return
	}
	m.pollCycles.Add(ctx, 1, metric.WithAttributes(attribute.Bool("degraded", unavailable > 0)))
}

// RecordTrap counts a trap. direction is "sent" or "received".
func (m *Metrics) RecordTrap(ctx context.Context, severity, direction string) {
	if m.traps == nil {
		return
	}
	m.traps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", severity),
		attribute.String("direction", direction),
	))
}

// SetPolling feeds the polling gauge.
func (m *Metrics) SetPolling(polling bool) {
	var v int64
	if polling {
		v = 1
	}
	m.polling.Store(v)
}

// Shutdown flushes and stops the provider. It is safe to call more than once.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provider == nil {
		return nil
	}
	var errs []error
	if m.callback != nil {
		errs = append(errs, m.callback.Unregister())
		m.callback = nil
	}
	errs = append(errs, m.provider.Shutdown(ctx))
	m.provider = nil
	return errors.Join(errs...)
}

// Enabled reports whether instruments are registered.
func (m *Metrics) Enabled() bool {
	return m.requestLatency != nil
}

// SetGlobalMetrics installs m for the agents, traps and managers. nil
// restores the no-op instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
	if m != nil && m.provider != nil {
		otel.SetMeterProvider(m.provider)
	}
}

// GetGlobalMetrics returns the installed instance or a no-op one.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	if globalMetrics == nil {
		return NoopMetrics()
	}
	return globalMetrics
}
