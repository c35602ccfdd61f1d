package traps

import (
	"context"
	"crypto/subtle"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/metrics"
	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/otel"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

const (
	// DefaultPacketsBuffer is the size of the Packets channel.
	DefaultPacketsBuffer = 100
	stopTimeout          = 5 * time.Second
)

// Packet is a received trap with its origin.
type Packet struct {
	Trap      snmp.Trap
	Community string
	Addr      *net.UDPAddr
}

// Handler is called for every accepted trap, in the listener goroutine.
type Handler func(p Packet)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Addr is the listen address, such as "127.0.0.1:1162".
	Addr string
	// Community is required on every trap. Empty accepts any community.
	Community string
	// Buffer sizes the Packets channel.
	Buffer int

	Registry   *mib.Registry
	Transcript *transcript.Log
	Logger     *events.EventLogger
	Metrics    *metrics.Collector
}

// Receiver listens for SNMPv2-Trap PDUs, records them and forwards them to
// handlers and the Packets channel.
type Receiver struct {
	cfg      ReceiverConfig
	log      *events.EventLogger
	listener *gosnmp.TrapListener

	mu       sync.RWMutex
	handlers []Handler
	packets  chan Packet
	closed   bool

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewReceiver creates a receiver. Call Start to bind.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultPacketsBuffer
	}
	if cfg.Registry == nil {
		cfg.Registry, _ = mib.Default()
	}
	r := &Receiver{
		cfg:     cfg,
		log:     cfg.Logger,
		packets: make(chan Packet, cfg.Buffer),
	}
	if r.log == nil {
		r.log = events.NoopEventLogger()
	}
	return r
}

// AddHandler registers h for accepted traps.
func (r *Receiver) AddHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Packets yields accepted traps. It is closed by Stop. A full channel drops
// the packet rather than blocking the listener.
func (r *Receiver) Packets() <-chan Packet {
	return r.packets
}

// Received returns the number of accepted traps.
func (r *Receiver) Received() uint64 { return r.received.Load() }

// Dropped returns the number of rejected or unparsable traps.
func (r *Receiver) Dropped() uint64 { return r.dropped.Load() }

// Start binds the listener and returns once it is receiving.
func (r *Receiver) Start() error {
	listener := gosnmp.NewTrapListener()
	listener.Params = &gosnmp.GoSNMP{
		Transport: "udp",
		Version:   gosnmp.Version2c,
		Community: r.cfg.Community,
		Timeout:   time.Second,
	}
	listener.OnNewTrap = r.onTrap

	errs := make(chan error, 1)
	go func() {
		if err := listener.Listen(r.cfg.Addr); err != nil {
			errs <- err
		}
	}()

	select {
	case <-listener.Listening():
	case err := <-errs:
		return err
	}
	r.listener = listener
	return nil
}

// Stop closes the listener and the Packets channel.
func (r *Receiver) Stop() {
	if r.listener != nil {
		stopped := make(chan struct{})
		go func() {
			r.listener.Close()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(stopTimeout):
			r.log.Logger().Error("trap_listener_stop_timeout", "addr", r.cfg.Addr)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.packets)
	}
}

func (r *Receiver) drop(remote *net.UDPAddr, reason string) {
	r.dropped.Add(1)
	r.log.LogTrapDropped(addrString(remote), reason)
}

func (r *Receiver) onTrap(p *gosnmp.SnmpPacket, remote *net.UDPAddr) {
	if r.cfg.Community != "" &&
		subtle.ConstantTimeCompare([]byte(p.Community), []byte(r.cfg.Community)) != 1 {
		r.drop(remote, snmp.ErrBadCommunity.Error())
		return
	}
	t, err := snmp.ParseTrap(p)
	if err != nil {
		r.drop(remote, err.Error())
		return
	}
	r.accept(Packet{Trap: t, Community: p.Community, Addr: remote}, p.RequestID)
}

func (r *Receiver) accept(pkt Packet, requestID uint32) {
	t := pkt.Trap
	r.received.Add(1)

	if r.cfg.Transcript != nil {
		vb := transcript.Varbind{OID: t.OID, Value: t.Value}
		if e, err := r.cfg.Registry.Lookup(t.OID); err == nil {
			vb.Name = e.Name
			vb.DataType = e.Type.String()
		}
		entry := transcript.Entry{
			Timestamp:   time.Now(),
			EngineID:    t.EngineID,
			MessageType: transcript.MessageTrap,
			Origin:      transcript.OriginReceiver,
			RequestID:   requestID,
			Community:   pkt.Community,
			Severity:    t.Severity,
		}
		if pkt.Addr != nil {
			entry.Port = pkt.Addr.Port
		}
		if t.OID != "" {
			entry = entry.WithVarbinds([]transcript.Varbind{vb})
		}
		r.cfg.Transcript.Append(entry)
	}

	r.log.LogTrapReceived(t.EngineID, t.Severity, t.TrapName, addrString(pkt.Addr))
	r.cfg.Metrics.RecordTrap(t.EngineID, t.Severity, "received")
	if m := otel.GetGlobalMetrics(); m != nil {
		m.RecordTrap(context.Background(), t.Severity, "received")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		h(pkt)
	}
	if r.closed {
		return
	}
	select {
	case r.packets <- pkt:
	default:
		r.dropped.Add(1)
		r.log.LogTrapDropped(addrString(pkt.Addr), "packets channel full")
	}
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
