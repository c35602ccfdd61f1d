package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/bc-dunia/snmpwatch/internal/agent"
	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/metrics"
	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/otel"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
	"github.com/bc-dunia/snmpwatch/internal/threshold"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

var bases = []agent.EngineBase{
	{Temperature: 45, RPM: 1800, Current: 12.5, Power: 1500},
	{Temperature: 50, RPM: 2000, Current: 15.0, Power: 1800},
	{Temperature: 40, RPM: 1600, Current: 10.0, Power: 1200},
}

func registry(t *testing.T) *mib.Registry {
	t.Helper()
	reg, err := mib.Default()
	if err != nil {
		t.Fatalf("mib.Default: %v", err)
	}
	return reg
}

// startEngine starts an engine agent on an ephemeral loopback port. Its
// sampler only runs the initial tick; tests drive further ticks directly.
func startEngine(t *testing.T, n int, log *transcript.Log) *agent.Agent {
	t.Helper()
	reg := registry(t)
	src, err := agent.NewEngineSource(reg, bases[(n-1)%len(bases)], uint64(n), time.Now())
	if err != nil {
		t.Fatalf("NewEngineSource: %v", err)
	}
	a, err := agent.New(agent.Config{
		EngineID:       fmt.Sprintf("Engine-%d", n),
		Community:      "public",
		SampleInterval: time.Hour,
		Source:         src,
		Registry:       reg,
		Transcript:     log,
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("agent.Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func targetOf(a *agent.Agent) Target {
	return Target{EngineID: a.EngineID(), Host: "127.0.0.1", Port: a.Addr().Port, Community: "public"}
}

// muteAgent binds a UDP port that never answers.
func muteAgent(t *testing.T, engineID string) Target {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return Target{EngineID: engineID, Host: "127.0.0.1", Port: conn.LocalAddr().(*net.UDPAddr).Port, Community: "public"}
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.OIDs == nil {
		cfg.OIDs = mib.EngineOIDs
	}
	if cfg.Registry == nil {
		cfg.Registry = registry(t)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func countEntries(entries []transcript.Entry, typ transcript.MessageType, origin transcript.Origin) int {
	n := 0
	for _, e := range entries {
		if e.MessageType == typ && e.Origin == origin {
			n++
		}
	}
	return n
}

func TestNewValidation(t *testing.T) {
	reg := registry(t)
	target := Target{EngineID: "Engine-1", Host: "127.0.0.1", Port: 1611}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no targets", Config{OIDs: mib.EngineOIDs, Registry: reg}},
		{"no oids", Config{Targets: []Target{target}, Registry: reg}},
		{"negative retries", Config{Targets: []Target{target}, OIDs: mib.EngineOIDs, Retries: -1, Registry: reg}},
		{"unknown oid", Config{Targets: []Target{target}, OIDs: []string{"1.3.6.1.4.1.9999.9.9.0"}, Registry: reg}},
		{"duplicate engine", Config{Targets: []Target{target, target}, OIDs: mib.EngineOIDs, Registry: reg}},
		{"empty engine id", Config{Targets: []Target{{Host: "127.0.0.1", Port: 1}}, OIDs: mib.EngineOIDs, Registry: reg}},
		{"bad threshold", Config{
			Targets:    []Target{target},
			OIDs:       mib.EngineOIDs,
			Registry:   reg,
			Thresholds: map[string]threshold.Threshold{mib.OIDEngineTemperature: {Warning: 100, Critical: 80}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if m, err := New(tt.cfg); err == nil {
				m.Close()
				t.Fatal("expected error")
			}
		})
	}
}

func TestLatestSnapshotBeforeFirstCycle(t *testing.T) {
	m := newManager(t, Config{Targets: []Target{muteAgent(t, "Engine-1")}})

	if _, err := m.LatestSnapshot(); !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("LatestSnapshot error = %v, want ErrSnapshotUnavailable", err)
	}
	if _, err := m.Summary(); !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("Summary error = %v, want ErrSnapshotUnavailable", err)
	}
	if engines, values := m.MetricSamples(); engines != nil || values != nil {
		t.Fatal("expected no metric samples before the first cycle")
	}
}

func TestPollCycleLogCarriesTrace(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tracer, err := otel.NewTracer(context.Background(), &otel.TraceConfig{Enabled: true, ServiceName: "manager-test", SampleRate: 1, Exporter: exp})
	if err != nil {
		t.Fatal(err)
	}
	otel.SetGlobalTracer(tracer)
	defer otel.SetGlobalTracer(nil)
	defer tracer.Shutdown(context.Background())

	var buf bytes.Buffer
	m := newManager(t, Config{
		Name:    "engines",
		Targets: []Target{targetOf(startEngine(t, 1, nil))},
		Logger:  events.NewEventLoggerWithWriter("manager", "test", &buf),
	})
	if _, err := m.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	var pollTrace string
	for _, s := range exp.GetSpans() {
		if s.Name == "snmp.poll" {
			pollTrace = s.SpanContext.TraceID().String()
		}
	}
	if pollTrace == "" {
		t.Fatal("no snmp.poll span exported")
	}

	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("log line %q: %v", scanner.Text(), err)
		}
		if rec["msg"] != "poll_cycle" {
			continue
		}
		if rec["trace_id"] != pollTrace {
			t.Errorf("poll_cycle trace_id = %v, want %s", rec["trace_id"], pollTrace)
		}
		return
	}
	t.Fatal("no poll_cycle record logged")
}

func TestPollOnceEngines(t *testing.T) {
	log := transcript.New(100)
	var targets []Target
	for n := 1; n <= 3; n++ {
		targets = append(targets, targetOf(startEngine(t, n, log)))
	}
	m := newManager(t, Config{
		Name:       "engines",
		Targets:    targets,
		Transcript: log,
		Thresholds: map[string]threshold.Threshold{mib.OIDEngineTemperature: threshold.Default()},
	})

	snap, err := m.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if snap.Cycle != 1 {
		t.Errorf("Cycle = %d, want 1", snap.Cycle)
	}
	latest, err := m.LatestSnapshot()
	if err != nil || latest != snap {
		t.Fatalf("LatestSnapshot = %p, %v; want the polled snapshot", latest, err)
	}

	for _, id := range []string{"Engine-1", "Engine-2", "Engine-3"} {
		e, ok := snap.Engine(id)
		if !ok {
			t.Fatalf("%s missing from snapshot", id)
		}
		if !e.Reachable || e.Error != "" {
			t.Fatalf("%s: reachable=%v error=%q", id, e.Reachable, e.Error)
		}
		if e.Attempts != 1 {
			t.Errorf("%s: attempts = %d, want 1", id, e.Attempts)
		}
		if e.SampledAt == nil {
			t.Errorf("%s: no sample time", id)
		}
		if len(e.Values) != len(mib.EngineOIDs) {
			t.Fatalf("%s: %d readings, want %d", id, len(e.Values), len(mib.EngineOIDs))
		}
		temp, ok := e.Value(mib.OIDEngineTemperature)
		if !ok {
			t.Fatalf("%s: temperature unavailable", id)
		}
		if temp.Num < 20 || temp.Num > 120 {
			t.Errorf("%s: temperature %.2f outside [20,120]", id, temp.Num)
		}
		if e.Health != HealthNormal {
			t.Errorf("%s: health = %s, want normal", id, e.Health)
		}
		if r := e.Values[mib.OIDEngineTemperature]; r.Name != "engineTemperature" || r.Units == "" {
			t.Errorf("%s: temperature reading = %+v", id, r)
		}

		// Each response echoes its request id.
		var reqID uint32
		for _, entry := range log.Entries(id) {
			if entry.Origin != transcript.OriginManager {
				continue
			}
			switch entry.MessageType {
			case transcript.MessageGetRequest:
				reqID = entry.RequestID
			case transcript.MessageGetResponse:
				if entry.RequestID != reqID {
					t.Errorf("%s: response id %d, request id %d", id, entry.RequestID, reqID)
				}
			}
		}
		if reqID == 0 {
			t.Errorf("%s: no request recorded", id)
		}
	}

	sum, err := m.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalEngines != 3 || sum.RunningEngines != 3 || sum.ReachableEngines != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.HealthDistribution[HealthNormal] != 3 {
		t.Errorf("health distribution = %v", sum.HealthDistribution)
	}
	if sum.AvgTemperature < 20 || sum.AvgTemperature > 120 {
		t.Errorf("avg temperature = %v", sum.AvgTemperature)
	}
}

func TestPollOnceDownAgent(t *testing.T) {
	log := transcript.New(100)
	live := startEngine(t, 1, log)
	down := muteAgent(t, "Engine-2")
	const timeout = 100 * time.Millisecond
	m := newManager(t, Config{
		Targets:    []Target{targetOf(live), down},
		Timeout:    timeout,
		Retries:    1,
		Transcript: log,
	})

	start := time.Now()
	snap, err := m.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2*timeout {
		t.Errorf("cycle took %s, want at least timeout*(1+retries) = %s", elapsed, 2*timeout)
	}

	e, _ := snap.Engine("Engine-2")
	if e.Reachable {
		t.Fatal("mute agent reported reachable")
	}
	if e.Error != "timeout" || e.Health != HealthUnknown || e.Attempts != 2 {
		t.Errorf("down engine = error %q health %q attempts %d", e.Error, e.Health, e.Attempts)
	}
	for oid, r := range e.Values {
		if r.Status != StatusUnavailable || r.Value != nil || r.Error != "timeout" {
			t.Errorf("%s: reading %+v, want unavailable", oid, r)
		}
	}

	entries := log.Entries("Engine-2")
	if n := countEntries(entries, transcript.MessageError, transcript.OriginManager); n != 1 {
		t.Fatalf("ERROR entries = %d, want exactly 1", n)
	}
	if n := countEntries(entries, transcript.MessageGetRequest, transcript.OriginManager); n != 2 {
		t.Fatalf("GET_REQUEST entries = %d, want 2", n)
	}
	var ids []uint32
	for _, entry := range entries {
		switch entry.MessageType {
		case transcript.MessageError:
			if entry.Error != "timeout" {
				t.Errorf("ERROR entry error = %q, want timeout", entry.Error)
			}
		case transcript.MessageGetRequest:
			ids = append(ids, entry.RequestID)
		}
	}
	if ids[0] == ids[1] {
		t.Errorf("retry reused request id %d", ids[0])
	}

	// The live engine is unaffected.
	ok, _ := snap.Engine("Engine-1")
	if !ok.Reachable || ok.Error != "" {
		t.Errorf("live engine = reachable %v error %q", ok.Reachable, ok.Error)
	}
	if snap.Unavailable() != 1 {
		t.Errorf("Unavailable() = %d, want 1", snap.Unavailable())
	}
}

func TestPollOnceBadCommunity(t *testing.T) {
	a := startEngine(t, 1, nil)
	target := targetOf(a)
	target.Community = "private"
	m := newManager(t, Config{Targets: []Target{target}})

	snap, err := m.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	e, _ := snap.Engine("Engine-1")
	if !e.Reachable {
		t.Fatal("agent answered but was reported unreachable")
	}
	if e.Error != "bad_community" || e.Health != HealthUnknown {
		t.Errorf("engine = error %q health %q", e.Error, e.Health)
	}
	if _, ok := e.Value(mib.OIDEngineTemperature); ok {
		t.Error("value exposed despite bad community")
	}
}

func TestPollOnceCancelled(t *testing.T) {
	m := newManager(t, Config{Targets: []Target{muteAgent(t, "Engine-1")}, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.PollOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("PollOnce error = %v, want context.Canceled", err)
	}
	if _, err := m.LatestSnapshot(); !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatal("a cancelled cycle was published")
	}
}

func TestBoundedDriftBetweenPolls(t *testing.T) {
	reg := registry(t)
	a := startEngine(t, 1, nil)
	m := newManager(t, Config{Targets: []Target{targetOf(a)}, Registry: reg})

	prev, err := m.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	now := time.Now()
	for i := 1; i <= 30; i++ {
		if err := a.SampleTick(now.Add(time.Duration(i) * time.Second)); err != nil {
			t.Fatalf("SampleTick: %v", err)
		}
		next, err := m.PollOnce(context.Background())
		if err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
		pe, _ := prev.Engine("Engine-1")
		ne, _ := next.Engine("Engine-1")
		for _, oid := range mib.EngineOIDs {
			entry, _ := reg.Lookup(oid)
			if entry.MaxDelta == 0 {
				continue
			}
			pv, ok1 := pe.Value(oid)
			nv, ok2 := ne.Value(oid)
			if !ok1 || !ok2 {
				t.Fatalf("%s unavailable", entry.Name)
			}
			if d := math.Abs(nv.Num - pv.Num); d > entry.MaxDelta+1e-9 {
				t.Errorf("tick %d: %s moved %.3f, max_delta %.3f", i, entry.Name, d, entry.MaxDelta)
			}
		}
		prev = next
	}
}

func TestNoTornSnapshotReads(t *testing.T) {
	var targets []Target
	for n := 1; n <= 3; n++ {
		targets = append(targets, targetOf(startEngine(t, n, nil)))
	}
	m := newManager(t, Config{Targets: targets})
	if _, err := m.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := m.LatestSnapshot()
				if err != nil {
					t.Error(err)
					return
				}
				if len(snap.Engines) != 3 {
					t.Errorf("cycle %d: %d engines", snap.Cycle, len(snap.Engines))
					return
				}
				for id, e := range snap.Engines {
					if len(e.Values) != len(mib.EngineOIDs) {
						t.Errorf("cycle %d: %s has %d readings", snap.Cycle, id, len(e.Values))
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		if _, err := m.PollOnce(context.Background()); err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func waitForCycle(t *testing.T, m *Manager, cycle uint64) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, err := m.LatestSnapshot(); err == nil && s.Cycle >= cycle {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cycle %d not published", cycle)
	return nil
}

func TestPollingStateMachine(t *testing.T) {
	a := startEngine(t, 1, nil)
	m := newManager(t, Config{Targets: []Target{targetOf(a)}})

	if m.State() != StateIdle {
		t.Fatalf("initial state = %s", m.State())
	}
	if err := m.StopPolling(); !errors.Is(err, ErrNotPolling) {
		t.Fatalf("StopPolling while idle = %v, want ErrNotPolling", err)
	}
	if err := m.StartPolling(0); err == nil {
		t.Fatal("StartPolling(0) succeeded")
	}

	if err := m.StartPolling(20 * time.Millisecond); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	if m.State() != StatePolling {
		t.Fatalf("state = %s, want polling", m.State())
	}
	if err := m.StartPolling(20 * time.Millisecond); !errors.Is(err, ErrAlreadyPolling) {
		t.Fatalf("second StartPolling = %v, want ErrAlreadyPolling", err)
	}

	// The first cycle runs immediately, then the schedule keeps publishing.
	waitForCycle(t, m, 3)

	if err := m.StopPolling(); err != nil {
		t.Fatalf("StopPolling: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle", m.State())
	}
	stopped, _ := m.LatestSnapshot()
	time.Sleep(100 * time.Millisecond)
	if s, _ := m.LatestSnapshot(); s.Cycle != stopped.Cycle {
		t.Fatalf("cycle advanced from %d to %d after StopPolling", stopped.Cycle, s.Cycle)
	}

	// Polling can be restarted.
	if err := m.StartPolling(20 * time.Millisecond); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitForCycle(t, m, stopped.Cycle+1)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state after Close = %s", m.State())
	}
}

func TestSlowCyclesDoNotOverlap(t *testing.T) {
	down := muteAgent(t, "Engine-1")
	m := newManager(t, Config{Targets: []Target{down}, Timeout: 80 * time.Millisecond})

	if err := m.StartPolling(10 * time.Millisecond); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := m.StopPolling(); err != nil {
		t.Fatalf("StopPolling: %v", err)
	}
	s, err := m.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	// Each cycle takes at least 80ms; stacked ticks would publish dozens.
	if s.Cycle > 5 {
		t.Errorf("%d cycles published in 300ms of 80ms cycles", s.Cycle)
	}
}

type recordingSink struct {
	name string
	err  error

	mu    sync.Mutex
	snaps []*Snapshot
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) WriteSnapshot(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return s.err
}

func TestSinksReceiveSnapshots(t *testing.T) {
	a := startEngine(t, 1, nil)
	m := newManager(t, Config{Targets: []Target{targetOf(a)}})
	failing := &recordingSink{name: "failing", err: errors.New("unreachable")}
	ok := &recordingSink{name: "ok"}
	m.AddSink(failing)
	m.AddSink(ok)

	snap, err := m.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(ok.snaps) != 1 || ok.snaps[0] != snap {
		t.Fatalf("sink got %d snapshots", len(ok.snaps))
	}
	if len(failing.snaps) != 1 {
		t.Fatal("failing sink was not called")
	}
	if latest, _ := m.LatestSnapshot(); latest != snap {
		t.Fatal("sink error prevented publication")
	}
}

func TestMetricSamplesAndReachability(t *testing.T) {
	a := startEngine(t, 1, nil)
	down := muteAgent(t, "Engine-2")
	reach := metrics.NewReachabilityTracker()
	m := newManager(t, Config{
		Targets:      []Target{targetOf(a), down},
		Timeout:      50 * time.Millisecond,
		Reachability: reach,
		Metrics:      metrics.NewCollector(),
	})
	if _, err := m.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	engines, values := m.MetricSamples()
	if len(engines) != 2 || engines[0].EngineID != "Engine-1" || !engines[0].Reachable || engines[1].Reachable {
		t.Fatalf("engine samples = %+v", engines)
	}
	if len(values) != len(mib.EngineOIDs) {
		t.Errorf("%d value samples, want %d", len(values), len(mib.EngineOIDs))
	}

	up, _ := reach.Engine("Engine-1")
	if up.State != metrics.StateUp || up.Successes != 1 {
		t.Errorf("Engine-1 reachability = %+v", up)
	}
	gone, _ := reach.Engine("Engine-2")
	if gone.State != metrics.StateDown || gone.LastError != "timeout" {
		t.Errorf("Engine-2 reachability = %+v", gone)
	}
}

func TestMalformedResponseRecorded(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	go func() {
		buf := make([]byte, snmp.MaxMessageSize)
		for {
			_, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP([]byte{0x30, 0x03, 0xff, 0xff, 0xff}, remote)
		}
	}()

	log := transcript.New(100)
	target := Target{EngineID: "Engine-1", Host: "127.0.0.1", Port: conn.LocalAddr().(*net.UDPAddr).Port, Community: "public"}
	m := newManager(t, Config{Targets: []Target{target}, Timeout: 100 * time.Millisecond, Transcript: log})

	snap, err := m.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if e, _ := snap.Engine("Engine-1"); e.Error != "timeout" {
		t.Errorf("engine error = %q, want timeout", e.Error)
	}

	var malformed, timeouts int
	for _, e := range log.Entries("Engine-1") {
		if e.MessageType != transcript.MessageError {
			continue
		}
		switch e.Error {
		case "malformed_message":
			malformed++
		case "timeout":
			timeouts++
		}
	}
	if malformed != 1 || timeouts != 1 {
		t.Errorf("malformed=%d timeouts=%d, want 1 and 1", malformed, timeouts)
	}
}
