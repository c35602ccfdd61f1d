package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TraceConfig configures a Tracer.
type TraceConfig struct {
	Enabled      bool
	ServiceName  string
	ExporterType ExporterType
	// OTLPEndpoint is host:port for the OTLP exporters.
	OTLPEndpoint string
	OTLPInsecure bool
	// SampleRate is the fraction of poll cycles traced, 0 to 1.
	SampleRate float64
	Attributes map[string]string

	// Exporter, when set, replaces ExporterType and receives every span
	// synchronously as it ends.
	Exporter sdktrace.SpanExporter
}

// DefaultTraceConfig has tracing disabled.
func DefaultTraceConfig() *TraceConfig {
	return &TraceConfig{
		ServiceName:  defaultServiceName,
		ExporterType: ExporterNone,
		SampleRate:   1.0,
	}
}

func (c *TraceConfig) active() bool {
	return c.Enabled && (c.Exporter != nil || c.ExporterType != ExporterNone)
}

// Tracer starts the spans snmpwatch emits: one per poll cycle, one per GET
// exchange on the manager side, one per handled GET on the agent side, and
// one per API request.
type Tracer struct {
	cfg        *TraceConfig
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	mu       sync.Mutex
	provider trace.TracerProvider
	shutdown func(context.Context) error
}

var (
	globalTracer   *Tracer
	globalTracerMu sync.RWMutex
)

// NewTracer builds a Tracer. A disabled config yields a no-op tracer.
func NewTracer(ctx context.Context, cfg *TraceConfig) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultTraceConfig()
	}
	if !cfg.active() {
		return noopTracer(cfg), nil
	}

	var opt sdktrace.TracerProviderOption
	if cfg.Exporter != nil {
		opt = sdktrace.WithSyncer(cfg.Exporter)
	} else {
		exp, err := newSpanExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		opt = sdktrace.WithBatcher(exp)
	}

	res, err := exporterTarget{ServiceName: cfg.ServiceName, Attributes: cfg.Attributes}.resource()
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		opt,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	t := &Tracer{
		cfg:        cfg,
		tracer:     tp.Tracer(cfg.ServiceName),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		provider:   tp,
		shutdown:   tp.Shutdown,
	}
	otel.SetTextMapPropagator(t.propagator)
	return t, nil
}

func noopTracer(cfg *TraceConfig) *Tracer {
	tp := noop.NewTracerProvider()
	return &Tracer{
		cfg:        cfg,
		tracer:     tp.Tracer(cfg.ServiceName),
		propagator: propagation.TraceContext{},
		provider:   tp,
		shutdown:   func(context.Context) error { return nil },
	}
}

// NoopTracer returns a disabled tracer.
func NoopTracer() *Tracer {
	return noopTracer(DefaultTraceConfig())
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		// Child spans follow the poll cycle's decision.
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func newSpanExporter(ctx context.Context, cfg *TraceConfig) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// Shutdown flushes pending spans. It is safe to call more than once.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown == nil {
		return nil
	}
	err := t.shutdown(ctx)
	t.shutdown = nil
	return err
}

// Enabled reports whether spans are recorded and exported.
func (t *Tracer) Enabled() bool {
	return t.cfg.active()
}

// StartPollSpan starts the root span of one poll cycle.
func (t *Tracer) StartPollSpan(ctx context.Context, cycle uint64, engines int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "snmp.poll",
		trace.WithAttributes(
			attribute.Int64("snmpwatch.cycle", int64(cycle)),
			attribute.Int("snmpwatch.engines", engines),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// GetSpanOptions describes one manager-side GET exchange.
type GetSpanOptions struct {
	EngineID  string
	Addr      string
	RequestID uint32
	OIDs      int
}

// StartGetSpan starts a client span for one GET exchange with an agent.
func (t *Tracer) StartGetSpan(ctx context.Context, opts GetSpanOptions) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("snmpwatch.engine_id", opts.EngineID),
		attribute.String("net.peer.name", opts.Addr),
		attribute.Int("snmpwatch.oids", opts.OIDs),
	}
	if opts.RequestID != 0 {
		attrs = append(attrs, attribute.Int64("snmp.request_id", int64(opts.RequestID)))
	}
	return t.tracer.Start(ctx, "snmp.get",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartHandleSpan starts the agent-side server span for one GET request.
func (t *Tracer) StartHandleSpan(ctx context.Context, engineID string, requestID uint32, oids int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "snmp.handle_get",
		trace.WithAttributes(
			attribute.String("snmpwatch.engine_id", engineID),
			attribute.Int64("snmp.request_id", int64(requestID)),
			attribute.Int("snmpwatch.oids", oids),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// RecordError marks span as failed with an SNMP error code.
func RecordError(span trace.Span, err error, code string, retryable bool) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	span.SetAttributes(
		attribute.String("error.type", code),
		attribute.Bool("error.retryable", retryable),
	)
}

// RecordRetry adds a retry event to span.
func RecordRetry(span trace.Span, attempt int, reason string) {
	if span == nil {
		return
	}
	span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("retry.attempt", attempt),
		attribute.String("retry.reason", reason),
	))
}

// SetGlobalTracer installs t for packages that do not receive a tracer
// explicitly. nil restores the no-op tracer.
func SetGlobalTracer(t *Tracer) {
	globalTracerMu.Lock()
	defer globalTracerMu.Unlock()
	globalTracer = t
	if t != nil && t.Enabled() {
		otel.SetTracerProvider(t.provider)
	}
}

// GetGlobalTracer returns the installed tracer or a no-op one.
func GetGlobalTracer() *Tracer {
	globalTracerMu.RLock()
	defer globalTracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}
