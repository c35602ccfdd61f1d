package agent

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/metrics"
	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/otel"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
	"github.com/bc-dunia/snmpwatch/internal/threshold"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

// DefaultSampleInterval is used when Config.SampleInterval is zero.
const DefaultSampleInterval = time.Second

// readPoll bounds each socket read so the serve loop notices cancellation.
const readPoll = 200 * time.Millisecond

var (
	ErrAlreadyStarted = errors.New("agent already started")
	ErrNotStarted     = errors.New("agent not started")
)

// TrapSender delivers threshold notifications. Delivery is fire-and-forget.
type TrapSender interface {
	Send(t snmp.Trap) error
	Target() string
}

// Config configures one agent.
type Config struct {
	EngineID  string
	Host      string
	Port      int
	Community string

	SampleInterval time.Duration

	// Thresholds maps the OIDs checked after each tick to their bands.
	Thresholds map[string]threshold.Threshold

	Source   ValueSource
	Registry *mib.Registry

	// Optional collaborators.
	Transcript *transcript.Log
	Traps      TrapSender
	Logger     *events.EventLogger
	Metrics    *metrics.Collector
}

type valueSet struct {
	values map[string]snmp.Value
	at     time.Time
}

// Agent answers GET requests for one engine over UDP.
type Agent struct {
	cfg      Config
	reg      *mib.Registry
	log      *events.EventLogger
	started  time.Time
	trackers map[string]*threshold.Tracker
	watched  []string

	values atomic.Pointer[valueSet]
	served atomic.Uint64
	traps  atomic.Uint64
	port   atomic.Int32

	mu      sync.Mutex
	conn    *net.UDPConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New validates cfg and creates an agent. The agent serves nothing until
// Start, but HandleGet and SampleTick may be called directly.
func New(cfg Config) (*Agent, error) {
	if cfg.EngineID == "" {
		return nil, errors.New("agent: engine id is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("agent %s: value source is required", cfg.EngineID)
	}
	if cfg.Registry == nil {
		reg, err := mib.Default()
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", cfg.EngineID, err)
		}
		cfg.Registry = reg
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	a := &Agent{
		cfg:      cfg,
		reg:      cfg.Registry,
		log:      cfg.Logger,
		started:  time.Now(),
		trackers: make(map[string]*threshold.Tracker, len(cfg.Thresholds)),
	}
	if a.log == nil {
		a.log = events.NoopEventLogger()
	}
	for oid, th := range cfg.Thresholds {
		if err := th.Validate(); err != nil {
			return nil, fmt.Errorf("agent %s: threshold for %s: %w", cfg.EngineID, oid, err)
		}
		oid = mib.NormalizeOID(oid)
		a.trackers[oid] = threshold.NewTracker(th)
		a.watched = append(a.watched, oid)
	}
	sortOIDs(a.watched)
	a.port.Store(int32(cfg.Port))
	return a, nil
}

// EngineID returns the identity the agent reports.
func (a *Agent) EngineID() string {
	return a.cfg.EngineID
}

// Start binds the UDP socket, takes the first sample and starts the serve
// loop and the sampler. Port 0 binds an ephemeral port.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrAlreadyStarted
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(a.cfg.Host, fmt.Sprint(a.cfg.Port)))
	if err != nil {
		return fmt.Errorf("agent %s: resolve: %w", a.cfg.EngineID, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("agent %s: listen: %w", a.cfg.EngineID, err)
	}
	a.conn = conn
	a.port.Store(int32(conn.LocalAddr().(*net.UDPAddr).Port))

	// Requests arriving before the first tick would otherwise see no values.
	_ = a.SampleTick(time.Now())

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	a.wg.Add(2)
	go a.serve(ctx)
	go a.sampleLoop(ctx)

	a.log.LogAgentStarted(a.cfg.EngineID, conn.LocalAddr().String(), len(a.cfg.Source.OIDs()))
	return nil
}

// Close stops the serve loop and the sampler, waits for both and releases
// the socket.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return ErrNotStarted
	}
	a.cancel()
	a.wg.Wait()
	err := a.conn.Close()
	a.running = false
	a.log.LogAgentStopped(a.cfg.EngineID, a.served.Load())
	return err
}

// Addr returns the bound address, or nil before Start.
func (a *Agent) Addr() *net.UDPAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// Served returns the number of GET requests answered.
func (a *Agent) Served() uint64 {
	return a.served.Load()
}

// TrapsSent returns the number of threshold notifications raised.
func (a *Agent) TrapsSent() uint64 {
	return a.traps.Load()
}

// Value returns the value served for oid as of the last tick.
func (a *Agent) Value(oid string) (snmp.Value, time.Time, bool) {
	set := a.values.Load()
	if set == nil {
		return snmp.Value{}, time.Time{}, false
	}
	v, ok := set.values[mib.NormalizeOID(oid)]
	return v, set.at, ok
}

func (a *Agent) sampleLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_ = a.SampleTick(now)
		}
	}
}

// SampleTick refreshes the source, clamps every served value to its MIB
// bounds, publishes the complete set at once and evaluates thresholds.
func (a *Agent) SampleTick(now time.Time) error {
	src := a.cfg.Source
	refreshErr := src.Refresh(now)
	if refreshErr != nil {
		a.log.LogSampleError(a.cfg.EngineID, refreshErr)
	}

	oids := src.OIDs()
	set := &valueSet{values: make(map[string]snmp.Value, len(oids)), at: now}
	for _, oid := range oids {
		v, ok := src.Sample(oid)
		if !ok {
			continue
		}
		if e, err := a.reg.Lookup(oid); err == nil && v.Type.Numeric() {
			v.Num = e.Clamp(v.Num)
		}
		set.values[mib.NormalizeOID(oid)] = v
	}
	a.values.Store(set)

	a.evaluate(set)
	return refreshErr
}

func (a *Agent) evaluate(set *valueSet) {
	for _, oid := range a.watched {
		v, ok := set.values[oid]
		if !ok {
			continue
		}
		f, ok := v.Float()
		if !ok {
			continue
		}
		sev, raised := a.trackers[oid].Observe(f)
		if raised {
			a.raiseTrap(set.at, oid, v, sev)
		}
	}
}

func (a *Agent) raiseTrap(now time.Time, oid string, v snmp.Value, sev threshold.Severity) {
	trapOID := mib.OIDTrapWarning
	if sev == threshold.SeverityCritical {
		trapOID = mib.OIDTrapCritical
	}
	trapName := trapOID
	if e, err := a.reg.Lookup(trapOID); err == nil {
		trapName = e.Name
	}

	t := snmp.Trap{
		EngineID:  a.cfg.EngineID,
		TrapOID:   trapOID,
		TrapName:  trapName,
		Severity:  sev.String(),
		OID:       oid,
		Value:     v,
		Timestamp: now,
		Uptime:    a.uptime(now),
	}
	a.traps.Add(1)

	entry := transcript.Entry{
		Timestamp:   now,
		EngineID:    a.cfg.EngineID,
		MessageType: transcript.MessageTrap,
		Origin:      transcript.OriginAgent,
		Port:        int(a.port.Load()),
		Severity:    sev.String(),
	}
	a.record(entry.WithVarbinds([]transcript.Varbind{a.varbind(oid, v, snmp.CodeNone)}))

	target := ""
	if a.cfg.Traps != nil {
		target = a.cfg.Traps.Target()
		if err := a.cfg.Traps.Send(t); err != nil {
			a.log.Logger().Warn("trap_send_failed",
				"engine_id", a.cfg.EngineID,
				"target", target,
				"error", err.Error(),
			)
		}
	}
	a.log.LogTrapSent(a.cfg.EngineID, sev.String(), oid, v.Num, target)
	a.cfg.Metrics.RecordTrap(a.cfg.EngineID, sev.String(), "sent")
	if m := otel.GetGlobalMetrics(); m != nil {
		m.RecordTrap(context.Background(), sev.String(), "sent")
	}
}

// uptime is the agent uptime in hundredths of a second.
func (a *Agent) uptime(now time.Time) uint32 {
	v := snmp.Coerce(mib.TypeTimeTicks, now.Sub(a.started).Seconds()*100)
	return uint32(v.Num)
}

func (a *Agent) authorized(community string) bool {
	return subtle.ConstantTimeCompare([]byte(community), []byte(a.cfg.Community)) == 1
}

// HandleGet answers req from the last completed tick. Unknown, unserved and
// notify-only objects get NoSuchObject. A community mismatch answers
// BadCommunity for the whole request.
func (a *Agent) HandleGet(req snmp.Request) snmp.Response {
	ctx, span := otel.GetGlobalTracer().StartHandleSpan(context.Background(), a.cfg.EngineID, req.RequestID, len(req.OIDs))
	defer span.End()

	requested := make([]transcript.Varbind, len(req.OIDs))
	for i, oid := range req.OIDs {
		requested[i] = a.varbind(oid, snmp.Value{}, snmp.CodeNone)
	}
	a.record(transcript.Entry{
		EngineID:    a.cfg.EngineID,
		MessageType: transcript.MessageGetRequest,
		Origin:      transcript.OriginAgent,
		RequestID:   req.RequestID,
		Community:   req.Community,
		Port:        int(a.port.Load()),
	}.WithVarbinds(requested))

	resp := snmp.Response{
		RequestID: req.RequestID,
		Community: req.Community,
		Bindings:  make([]snmp.Binding, len(req.OIDs)),
	}

	if !a.authorized(req.Community) {
		resp.Error = snmp.CodeBadCommunity
		resp.Reason = snmp.ErrBadCommunity.Error()
		otel.RecordError(span, snmp.ErrBadCommunity, snmp.CodeBadCommunity.String(), false)
		for i, oid := range req.OIDs {
			resp.Bindings[i] = snmp.Binding{OID: mib.NormalizeOID(oid)}
		}
	} else {
		set := a.values.Load()
		if set != nil {
			resp.Timestamp = set.at
		}
		for i, oid := range req.OIDs {
			resp.Bindings[i] = a.lookup(set, mib.NormalizeOID(oid))
		}
	}

	a.served.Add(1)
	a.recordResponse(resp)
	traceID, spanID := otel.SpanIDs(ctx)
	a.log.LogRequestHandled(a.cfg.EngineID, req.RequestID, len(req.OIDs), resp.Error.String(),
		events.Trace{TraceID: traceID, SpanID: spanID})
	return resp
}

func (a *Agent) lookup(set *valueSet, oid string) snmp.Binding {
	b := snmp.Binding{OID: oid}
	e, err := a.reg.Lookup(oid)
	if err != nil || !e.Access.Readable() || set == nil {
		b.Error = snmp.CodeNoSuchObject
		return b
	}
	v, ok := set.values[oid]
	if !ok {
		b.Error = snmp.CodeNoSuchObject
		return b
	}
	b.Value = v
	return b
}

func (a *Agent) recordResponse(resp snmp.Response) {
	vbs := make([]transcript.Varbind, len(resp.Bindings))
	for i, b := range resp.Bindings {
		vbs[i] = a.varbind(b.OID, b.Value, b.Error)
	}
	entry := transcript.Entry{
		EngineID:    a.cfg.EngineID,
		MessageType: transcript.MessageGetResponse,
		Origin:      transcript.OriginAgent,
		RequestID:   resp.RequestID,
		Community:   resp.Community,
		Port:        int(a.port.Load()),
		Error:       resp.Error.String(),
	}.WithVarbinds(vbs)
	if len(resp.Bindings) > 0 {
		if e, err := a.reg.Lookup(resp.Bindings[0].OID); err == nil {
			entry.Access = e.Access.String()
		}
	}
	a.record(entry)
}

func (a *Agent) varbind(oid string, v snmp.Value, code snmp.ErrorCode) transcript.Varbind {
	vb := transcript.Varbind{OID: mib.NormalizeOID(oid), Value: v, Error: code.String()}
	if e, err := a.reg.Lookup(oid); err == nil {
		vb.Name = e.Name
		vb.DataType = e.Type.String()
	}
	return vb
}

func (a *Agent) record(e transcript.Entry) {
	if a.cfg.Transcript != nil {
		a.cfg.Transcript.Append(e)
	}
}

func (a *Agent) serve(ctx context.Context) {
	defer a.wg.Done()
	buf := make([]byte, snmp.MaxMessageSize)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := a.conn.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
			return
		}
		n, remote, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		a.handleDatagram(slices.Clone(buf[:n]), remote)
	}
}

func (a *Agent) handleDatagram(data []byte, remote *net.UDPAddr) {
	req, err := snmp.DecodeRequest(data)
	if err != nil {
		a.malformed(remote, len(data), err)
		return
	}

	resp := a.HandleGet(req)
	out, err := snmp.EncodeResponse(resp)
	if err != nil {
		a.log.Logger().Error("encode_failed",
			"engine_id", a.cfg.EngineID,
			"request_id", req.RequestID,
			"error", err.Error(),
		)
		return
	}
	if _, err := a.conn.WriteToUDP(out, remote); err != nil {
		a.log.Logger().Warn("write_failed",
			"engine_id", a.cfg.EngineID,
			"remote", remote.String(),
			"error", err.Error(),
		)
	}
}

// malformed drops an undecodable datagram. Nothing is sent back.
func (a *Agent) malformed(remote *net.UDPAddr, size int, err error) {
	a.log.LogMalformedMessage(a.cfg.EngineID, remote.String(), size, err.Error())
	a.record(transcript.Entry{
		EngineID:    a.cfg.EngineID,
		MessageType: transcript.MessageError,
		Origin:      transcript.OriginAgent,
		Port:        int(a.port.Load()),
		Error:       snmp.CodeMalformedMessage.String(),
	})
	a.cfg.Metrics.RecordError(a.cfg.EngineID, snmp.CodeMalformedMessage.String())
	if m := otel.GetGlobalMetrics(); m != nil {
		m.RecordError(context.Background(), a.cfg.EngineID, snmp.CodeMalformedMessage.String())
	}
}
