// Package otel wires OpenTelemetry tracing and metrics into the manager,
// the agents and the read API. Both halves start disabled and fall back to
// no-op providers, so instrumented code never checks for nil.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ExporterType selects where spans or metrics are sent.
type ExporterType string

const (
	ExporterNone     ExporterType = "none"
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

const defaultServiceName = "snmpwatch"

// exporterTarget is the part of a config shared by traces and metrics.
type exporterTarget struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
	Attributes     map[string]string
}

func (e exporterTarget) resource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(e.ServiceName)}
	if e.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(e.ServiceVersion))
	}
	for k, v := range e.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	return res, nil
}

// SpanIDs returns the hex trace and span ids of the span in ctx, or empty
// strings when ctx carries no recording span.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}
