package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// EventLogger provides structured logging for key events in snmpwatch.
type EventLogger struct {
	logger    *slog.Logger
	component string
	instance  string
}

// NewEventLogger creates a new EventLogger with JSON output to stdout.
// It includes base attributes: component and instance.
func NewEventLogger(component, instance string) *EventLogger {
	return NewEventLoggerWithWriter(component, instance, os.Stdout)
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a custom writer.
// Useful for testing or redirecting output.
func NewEventLoggerWithWriter(component, instance string, w io.Writer) *EventLogger {
	return NewEventLoggerWithLevel(component, instance, w, slog.LevelInfo)
}

// NewEventLoggerWithLevel is NewEventLoggerWithWriter with an explicit level.
func NewEventLoggerWithLevel(component, instance string, w io.Writer, level slog.Level) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler).With(
		"component", component,
		"instance_id", instance,
	)
	return &EventLogger{
		logger:    logger,
		component: component,
		instance:  instance,
	}
}

// Trace ties an event to the span it happened under. Empty ids are omitted.
type Trace struct {
	TraceID string
	SpanID  string
}

func (t Trace) attrs(args []any) []any {
	if t.TraceID != "" {
		args = append(args, "trace_id", t.TraceID)
	}
	if t.SpanID != "" {
		args = append(args, "span_id", t.SpanID)
	}
	return args
}

// Logger exposes the underlying slog logger for ad-hoc messages.
func (el *EventLogger) Logger() *slog.Logger {
	return el.logger
}

// LogAgentStarted logs when an agent binds its port.
// event: "agent_started"
// Attributes: engine_id, addr, objects
func (el *EventLogger) LogAgentStarted(engineID, addr string, objects int) {
	el.logger.Info("agent_started",
		"engine_id", engineID,
		"addr", addr,
		"objects", objects,
	)
}

// LogAgentStopped logs when an agent shuts down.
// event: "agent_stopped"
// Attributes: engine_id, served
func (el *EventLogger) LogAgentStopped(engineID string, served uint64) {
	el.logger.Info("agent_stopped",
		"engine_id", engineID,
		"served", served,
	)
}

// LogRequestHandled logs one answered GET at debug level.
// event: "request_handled"
// Attributes: engine_id, request_id, oids, error, trace_id, span_id
func (el *EventLogger) LogRequestHandled(engineID string, requestID uint32, oids int, errCode string, tr Trace) {
	el.logger.Debug("request_handled", tr.attrs([]any{
		"engine_id", engineID,
		"request_id", requestID,
		"oids", oids,
		"error", errCode,
	})...)
}

// LogMalformedMessage logs a datagram that could not be decoded.
// event: "malformed_message"
// Attributes: engine_id, remote, bytes, reason
func (el *EventLogger) LogMalformedMessage(engineID, remote string, size int, reason string) {
	el.logger.Warn("malformed_message",
		"engine_id", engineID,
		"remote", remote,
		"bytes", size,
		"reason", reason,
	)
}

// LogSampleError logs a value source that failed to refresh some objects.
// event: "sample_error"
// Attributes: engine_id, error
func (el *EventLogger) LogSampleError(engineID string, err error) {
	el.logger.Warn("sample_error",
		"engine_id", engineID,
		"error", err.Error(),
	)
}

// LogTrapSent logs a threshold notification leaving an agent.
// event: "trap_sent"
// Attributes: engine_id, severity, oid, value, target
func (el *EventLogger) LogTrapSent(engineID, severity, oid string, value float64, target string) {
	el.logger.Warn("trap_sent",
		"engine_id", engineID,
		"severity", severity,
		"oid", oid,
		"value", value,
		"target", target,
	)
}

// LogTrapReceived logs a notification accepted by the receiver.
// event: "trap_received"
// Attributes: engine_id, severity, trap, remote
func (el *EventLogger) LogTrapReceived(engineID, severity, trapName, remote string) {
	el.logger.Info("trap_received",
		"engine_id", engineID,
		"severity", severity,
		"trap", trapName,
		"remote", remote,
	)
}

// LogTrapDropped logs a notification that was discarded.
// event: "trap_dropped"
// Attributes: remote, reason
func (el *EventLogger) LogTrapDropped(remote, reason string) {
	el.logger.Warn("trap_dropped",
		"remote", remote,
		"reason", reason,
	)
}

// LogPollCycle logs the end of one polling pass.
// event: "poll_cycle"
// Attributes: cycle, engines, unavailable, duration_ms, trace_id, span_id
func (el *EventLogger) LogPollCycle(cycle uint64, engines, unavailable int, duration time.Duration, tr Trace) {
	el.logger.Info("poll_cycle", tr.attrs([]any{
		"cycle", cycle,
		"engines", engines,
		"unavailable", unavailable,
		"duration_ms", duration.Milliseconds(),
	})...)
}

// LogPollTimeout logs an agent that did not answer after all retries.
// event: "poll_timeout"
// Attributes: engine_id, addr, attempts
func (el *EventLogger) LogPollTimeout(engineID, addr string, attempts int) {
	el.logger.Warn("poll_timeout",
		"engine_id", engineID,
		"addr", addr,
		"attempts", attempts,
	)
}

// LogLateResponse logs a response with no waiting request.
// event: "late_response"
// Attributes: request_id, remote
func (el *EventLogger) LogLateResponse(requestID uint32, remote string) {
	el.logger.Debug("late_response",
		"request_id", requestID,
		"remote", remote,
	)
}

// LogStateTransition logs a manager state change.
// event: "state_transition"
// Attributes: from_state, to_state, reason
func (el *EventLogger) LogStateTransition(from, to, reason string) {
	el.logger.Info("state_transition",
		"from_state", from,
		"to_state", to,
		"reason", reason,
	)
}

// LogSinkError logs a failed export of a snapshot.
// event: "sink_error"
// Attributes: sink, error
func (el *EventLogger) LogSinkError(sink string, err error) {
	el.logger.Error("sink_error",
		"sink", sink,
		"error", err.Error(),
	)
}

// LogStreamEncodeError logs a transcript entry the SSE stream could not
// encode and skipped.
// event: "stream_encode_error"
// Attributes: engine_id, seq, error
func (el *EventLogger) LogStreamEncodeError(engineID string, seq uint64, err error) {
	el.logger.Error("stream_encode_error",
		"engine_id", engineID,
		"seq", seq,
		"error", err.Error(),
	)
}

// LogAPIStarted logs when the read API begins listening.
// event: "api_started"
// Attributes: addr
func (el *EventLogger) LogAPIStarted(addr string) {
	el.logger.Info("api_started",
		"addr", addr,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex

	noopOnce   sync.Once
	noopLogger *EventLogger
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
// Useful for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		noopLogger = &EventLogger{
			logger: slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			})),
		}
	})
	return noopLogger
}
