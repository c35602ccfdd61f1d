// Package manager polls SNMP agents and publishes the latest readings as an
// immutable snapshot.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/metrics"
	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/otel"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
	"github.com/bc-dunia/snmpwatch/internal/threshold"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

const (
	DefaultTimeout  = 2 * time.Second
	DefaultInterval = 2 * time.Second
)

var (
	ErrSnapshotUnavailable = errors.New("manager: no snapshot yet")
	ErrAlreadyPolling      = errors.New("manager: already polling")
	ErrNotPolling          = errors.New("manager: not polling")
)

// State is the polling state of a Manager.
type State int32

const (
	StateIdle State = iota
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Target is one agent to poll.
type Target struct {
	EngineID  string
	Host      string
	Port      int
	Community string
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// SnapshotSink receives every published snapshot.
type SnapshotSink interface {
	Name() string
	WriteSnapshot(ctx context.Context, s *Snapshot) error
}

// Config configures a Manager.
type Config struct {
	// Name labels the manager in logs, such as "engines" or "system".
	Name    string
	Targets []Target
	// OIDs are requested from every target in one batched GET.
	OIDs []string

	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration

	// Thresholds drive EngineSnapshot.Health, keyed by OID.
	Thresholds map[string]threshold.Threshold

	Registry     *mib.Registry
	Transcript   *transcript.Log
	Logger       *events.EventLogger
	Metrics      *metrics.Collector
	Reachability *metrics.ReachabilityTracker

	// Client is shared when set; otherwise the manager opens and owns one.
	Client *Client
}

type target struct {
	Target
	addr *net.UDPAddr
}

// Manager polls a fixed set of agents.
type Manager struct {
	cfg        Config
	log        *events.EventLogger
	client     *Client
	ownsClient bool
	targets    []target
	byAddr     map[string]string

	latest atomic.Pointer[Snapshot]
	cycles atomic.Uint64
	state  atomic.Int32
	// running is checked before each scheduled cycle.
	running atomic.Bool

	// lifecycle serialises StartPolling, StopPolling and Close.
	lifecycle sync.Mutex
	cron      *cron.Cron
	first     sync.WaitGroup

	sinksMu sync.RWMutex
	sinks   []SnapshotSink
}

// New validates cfg and resolves every target address.
func New(cfg Config) (*Manager, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("manager: no targets")
	}
	if len(cfg.OIDs) == 0 {
		return nil, errors.New("manager: no OIDs to poll")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("manager: retries must not be negative, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Registry == nil {
		reg, err := mib.Default()
		if err != nil {
			return nil, err
		}
		cfg.Registry = reg
	}
	for _, oid := range cfg.OIDs {
		if _, err := cfg.Registry.Lookup(oid); err != nil {
			return nil, fmt.Errorf("manager: %w", err)
		}
	}
	for oid, t := range cfg.Thresholds {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("manager: %s: %w", oid, err)
		}
	}

	m := &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		byAddr: make(map[string]string, len(cfg.Targets)),
	}
	if m.log == nil {
		m.log = events.NoopEventLogger()
	}

	seen := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.EngineID == "" {
			return nil, errors.New("manager: target without engine id")
		}
		if seen[t.EngineID] {
			return nil, fmt.Errorf("manager: duplicate engine id %q", t.EngineID)
		}
		seen[t.EngineID] = true
		addr, err := net.ResolveUDPAddr("udp", t.addr())
		if err != nil {
			return nil, fmt.Errorf("manager: %s: %w", t.EngineID, err)
		}
		m.targets = append(m.targets, target{Target: t, addr: addr})
		m.byAddr[addr.String()] = t.EngineID
	}

	m.client = cfg.Client
	if m.client == nil {
		client, err := NewClient(ClientConfig{Logger: m.log, OnMalformed: m.malformed})
		if err != nil {
			return nil, err
		}
		m.client = client
		m.ownsClient = true
	}
	return m, nil
}

// Name returns the configured manager name.
func (m *Manager) Name() string {
	return m.cfg.Name
}

// Targets returns the polled agents.
func (m *Manager) Targets() []Target {
	out := make([]Target, len(m.targets))
	for i, t := range m.targets {
		out[i] = t.Target
	}
	return out
}

// State returns the polling state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// AddSink registers s for every snapshot published after this call.
func (m *Manager) AddSink(s SnapshotSink) {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	m.sinks = append(m.sinks, s)
}

// LatestSnapshot returns the last published snapshot without blocking.
func (m *Manager) LatestSnapshot() (*Snapshot, error) {
	s := m.latest.Load()
	if s == nil {
		return nil, ErrSnapshotUnavailable
	}
	return s, nil
}

// Summary summarises the latest snapshot.
func (m *Manager) Summary() (Summary, error) {
	s, err := m.LatestSnapshot()
	if err != nil {
		return Summary{}, err
	}
	return Summarize(s), nil
}

// PollOnce polls every target concurrently and publishes the result. A
// failing agent is reported in its EngineSnapshot and never fails the cycle;
// only a cancelled ctx returns an error, in which case nothing is published.
func (m *Manager) PollOnce(ctx context.Context) (*Snapshot, error) {
	cycle := m.cycles.Add(1)
	start := time.Now()
	ctx, span := otel.GetGlobalTracer().StartPollSpan(ctx, cycle, len(m.targets))
	defer span.End()

	results := make([]*EngineSnapshot, len(m.targets))
	var g errgroup.Group
	for i, t := range m.targets {
		g.Go(func() error {
			results[i] = m.poll(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Cycle:   cycle,
		AsOf:    time.Now(),
		Engines: make(map[string]*EngineSnapshot, len(results)),
	}
	for _, e := range results {
		snap.Engines[e.EngineID] = e
	}
	m.latest.Store(snap)

	d := time.Since(start)
	unavailable := snap.Unavailable()
	traceID, spanID := otel.SpanIDs(ctx)
	m.log.LogPollCycle(cycle, len(snap.Engines), unavailable, d, events.Trace{TraceID: traceID, SpanID: spanID})
	m.cfg.Metrics.RecordPollCycle(d)
	if om := otel.GetGlobalMetrics(); om != nil {
		om.RecordPollCycle(ctx, unavailable)
	}
	m.export(ctx, snap)
	return snap, nil
}

func (m *Manager) export(ctx context.Context, snap *Snapshot) {
	m.sinksMu.RLock()
	sinks := append([]SnapshotSink(nil), m.sinks...)
	m.sinksMu.RUnlock()
	for _, s := range sinks {
		if err := s.WriteSnapshot(ctx, snap); err != nil {
			m.log.LogSinkError(s.Name(), err)
		}
	}
}

// poll runs one GET exchange with t, retrying timeouts with a fresh request
// id per attempt.
func (m *Manager) poll(ctx context.Context, t target) *EngineSnapshot {
	es := &EngineSnapshot{
		EngineID: t.EngineID,
		Host:     t.Host,
		Port:     t.Port,
		PolledAt: time.Now(),
	}

	ctx, span := otel.GetGlobalTracer().StartGetSpan(ctx, otel.GetSpanOptions{
		EngineID: t.EngineID,
		Addr:     t.addr.String(),
		OIDs:     len(m.cfg.OIDs),
	})
	defer span.End()

	var (
		resp    snmp.Response
		latency time.Duration
	)
	attempt := func() error {
		es.Attempts++
		if es.Attempts > 1 {
			otel.RecordRetry(span, es.Attempts, snmp.CodeTimeout.String())
		}
		req := snmp.Request{
			RequestID: m.client.NextRequestID(),
			Community: t.Community,
			OIDs:      m.cfg.OIDs,
		}
		m.recordRequest(t, req)
		sent := time.Now()
		r, err := m.client.Get(ctx, t.addr, req, m.cfg.Timeout)
		if err != nil {
			if errors.Is(err, snmp.ErrTimeout) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp, latency = r, time.Since(sent)
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.RetryDelay), uint64(m.cfg.Retries)),
		ctx,
	)

	if err := backoff.Retry(attempt, policy); err != nil {
		m.failed(es, t, err)
		otel.RecordError(span, err, snmp.CodeOf(err).String(), false)
		return es
	}

	es.Reachable = true
	es.LatencyMs = float64(latency.Microseconds()) / 1000
	if !resp.Timestamp.IsZero() {
		ts := resp.Timestamp
		es.SampledAt = &ts
	}
	m.recordResponse(t, resp)
	m.cfg.Metrics.RecordRequest(t.EngineID, resp.Error.String())
	m.cfg.Reachability.RecordSuccess(t.EngineID, latency)
	if om := otel.GetGlobalMetrics(); om != nil {
		om.RecordRequestLatency(ctx, t.EngineID, es.LatencyMs, resp.Error == snmp.CodeNone)
	}

	if resp.Error != snmp.CodeNone {
		es.Error = resp.Error.String()
		es.Values = unavailableReadings(m.cfg.Registry, m.cfg.OIDs, es.Error)
		es.Health = health(es, m.cfg.Thresholds)
		return es
	}

	es.Values = make(map[string]Reading, len(m.cfg.OIDs))
	for _, oid := range m.cfg.OIDs {
		r := newReading(m.cfg.Registry, oid)
		b, ok := resp.Binding(oid)
		switch {
		case !ok:
			r.Status, r.Error = StatusUnavailable, snmp.CodeNoSuchObject.String()
		case b.Error != snmp.CodeNone:
			r.Status, r.Error = StatusUnavailable, b.Error.String()
		default:
			v := b.Value
			r.Status, r.Value = StatusAvailable, &v
		}
		es.Values[oid] = r
	}
	es.Health = health(es, m.cfg.Thresholds)
	return es
}

// failed marks every object of t unavailable and records one ERROR entry.
func (m *Manager) failed(es *EngineSnapshot, t target, err error) {
	code := snmp.CodeOf(err)
	if code == snmp.CodeNone {
		code = snmp.CodeGenErr
	}
	reason := code.String()
	es.Error = reason
	es.Values = unavailableReadings(m.cfg.Registry, m.cfg.OIDs, reason)
	es.Health = HealthUnknown

	m.record(transcript.Entry{
		EngineID:    t.EngineID,
		MessageType: transcript.MessageError,
		Origin:      transcript.OriginManager,
		Community:   t.Community,
		Port:        t.Port,
		Error:       reason,
	})
	if code == snmp.CodeTimeout {
		m.log.LogPollTimeout(t.EngineID, t.addr.String(), es.Attempts)
	} else {
		m.log.Logger().Warn("poll_failed", "engine_id", t.EngineID, "error", err.Error())
	}
	m.cfg.Metrics.RecordRequest(t.EngineID, reason)
	m.cfg.Reachability.RecordFailure(t.EngineID, reason)
	if om := otel.GetGlobalMetrics(); om != nil {
		om.RecordError(context.Background(), t.EngineID, reason)
	}
}

func (m *Manager) recordRequest(t target, req snmp.Request) {
	vbs := make([]transcript.Varbind, len(req.OIDs))
	for i, oid := range req.OIDs {
		vbs[i] = m.varbind(oid, snmp.Value{}, snmp.CodeNone)
	}
	m.record(transcript.Entry{
		EngineID:    t.EngineID,
		MessageType: transcript.MessageGetRequest,
		Origin:      transcript.OriginManager,
		RequestID:   req.RequestID,
		Community:   req.Community,
		Port:        t.Port,
	}.WithVarbinds(vbs))
}

func (m *Manager) recordResponse(t target, resp snmp.Response) {
	vbs := make([]transcript.Varbind, len(resp.Bindings))
	for i, b := range resp.Bindings {
		vbs[i] = m.varbind(b.OID, b.Value, b.Error)
	}
	m.record(transcript.Entry{
		EngineID:    t.EngineID,
		MessageType: transcript.MessageGetResponse,
		Origin:      transcript.OriginManager,
		RequestID:   resp.RequestID,
		Community:   resp.Community,
		Port:        t.Port,
		Error:       resp.Error.String(),
	}.WithVarbinds(vbs))
}

func (m *Manager) varbind(oid string, v snmp.Value, code snmp.ErrorCode) transcript.Varbind {
	vb := transcript.Varbind{OID: oid, Value: v, Error: code.String()}
	if e, err := m.cfg.Registry.Lookup(oid); err == nil {
		vb.Name = e.Name
		vb.DataType = e.Type.String()
	}
	return vb
}

func (m *Manager) record(e transcript.Entry) {
	if m.cfg.Transcript != nil {
		m.cfg.Transcript.Append(e)
	}
}

// malformed attributes an undecodable datagram to the agent that sent it.
func (m *Manager) malformed(remote *net.UDPAddr, size int, err error) {
	engineID, ok := m.byAddr[remote.String()]
	if !ok {
		return
	}
	m.record(transcript.Entry{
		EngineID:    engineID,
		MessageType: transcript.MessageError,
		Origin:      transcript.OriginManager,
		Port:        remote.Port,
		Error:       snmp.CodeMalformedMessage.String(),
	})
	m.cfg.Metrics.RecordError(engineID, snmp.CodeMalformedMessage.String())
}

// every is a fixed-interval cron schedule that, unlike cron.Every, keeps
// sub-second precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// StartPolling runs one cycle immediately and then one every interval.
// Cycles never overlap: a tick that fires while a cycle is still running is
// skipped.
func (m *Manager) StartPolling(interval time.Duration) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.State() == StatePolling {
		return ErrAlreadyPolling
	}
	if interval <= 0 {
		return fmt.Errorf("manager: interval must be positive, got %s", interval)
	}

	logger := cronLogger{m.log}
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(m.tick))
	c := cron.New(cron.WithLogger(logger))
	c.Schedule(every(interval), job)

	m.running.Store(true)
	m.state.Store(int32(StatePolling))
	m.cron = c
	m.log.LogStateTransition(StateIdle.String(), StatePolling.String(), "start_polling")
	if om := otel.GetGlobalMetrics(); om != nil {
		om.SetPolling(true)
	}

	c.Start()
	m.first.Add(1)
	go func() {
		defer m.first.Done()
		job.Run()
	}()
	return nil
}

func (m *Manager) tick() {
	if !m.running.Load() {
		return
	}
	if _, err := m.PollOnce(context.Background()); err != nil {
		m.log.Logger().Error("poll_cycle_failed", "manager", m.cfg.Name, "error", err.Error())
	}
}

// StopPolling stops the schedule and waits for the cycle in flight.
func (m *Manager) StopPolling() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.stop("stop_polling")
}

func (m *Manager) stop(reason string) error {
	if m.State() != StatePolling {
		return ErrNotPolling
	}
	m.running.Store(false)
	<-m.cron.Stop().Done()
	m.first.Wait()
	m.cron = nil

	m.state.Store(int32(StateIdle))
	m.log.LogStateTransition(StatePolling.String(), StateIdle.String(), reason)
	if om := otel.GetGlobalMetrics(); om != nil {
		om.SetPolling(false)
	}
	return nil
}

// Close stops polling and releases the socket if the manager opened it.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.State() == StatePolling {
		_ = m.stop("close")
	}
	if m.ownsClient {
		return m.client.Close()
	}
	return nil
}

// MetricSamples exports the latest snapshot for Prometheus.
func (m *Manager) MetricSamples() ([]metrics.EngineSample, []metrics.ValueSample) {
	snap := m.latest.Load()
	if snap == nil {
		return nil, nil
	}
	var engines []metrics.EngineSample
	var values []metrics.ValueSample
	for _, id := range snap.EngineIDs() {
		e := snap.Engines[id]
		engines = append(engines, metrics.EngineSample{
			EngineID:  id,
			Reachable: e.Reachable,
			Health:    e.Health,
		})
		for oid, r := range e.Values {
			if !r.Available() {
				continue
			}
			f, ok := r.Value.Float()
			if !ok {
				continue
			}
			values = append(values, metrics.ValueSample{EngineID: id, OID: oid, Name: r.Name, Value: f})
		}
	}
	return engines, values
}

// cronLogger routes cron's scheduler logs to the event logger.
type cronLogger struct {
	log *events.EventLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Logger().Debug("cron_"+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Logger().Error("cron_"+msg, append(keysAndValues, "error", err.Error())...)
}
