package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"

	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
	"github.com/bc-dunia/snmpwatch/internal/traps"
)

const defaultPublishBuffer = 256

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("amqp: publisher closed")

// publisher is the subset of *amqp.Channel the trap publisher needs.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPConfig configures a TrapPublisher.
type AMQPConfig struct {
	URL    string
	Queue  string
	Buffer int
	Logger *events.EventLogger
}

// TrapMessage is the JSON body published for each received trap.
type TrapMessage struct {
	EngineID  string     `json:"engine_id"`
	TrapOID   string     `json:"trap_oid"`
	TrapName  string     `json:"trap_name,omitempty"`
	Severity  string     `json:"severity"`
	OID       string     `json:"oid,omitempty"`
	Value     snmp.Value `json:"value"`
	Uptime    uint32     `json:"uptime"`
	Timestamp time.Time  `json:"timestamp"`
	Community string     `json:"community,omitempty"`
	Source    string     `json:"source,omitempty"`
}

func newTrapMessage(p traps.Packet) TrapMessage {
	msg := TrapMessage{
		EngineID:  p.Trap.EngineID,
		TrapOID:   p.Trap.TrapOID,
		TrapName:  p.Trap.TrapName,
		Severity:  p.Trap.Severity,
		OID:       p.Trap.OID,
		Value:     p.Trap.Value,
		Uptime:    p.Trap.Uptime,
		Timestamp: p.Trap.Timestamp,
		Community: p.Community,
	}
	if p.Addr != nil {
		msg.Source = p.Addr.String()
	}
	return msg
}

// TrapPublisher forwards received traps to a queue. Handle never blocks the
// trap listener: messages are queued and published by a single goroutine,
// and dropped when the queue is full.
type TrapPublisher struct {
	queue string
	pub   publisher
	log   *events.EventLogger

	msgs    chan TrapMessage
	done    chan struct{}
	closeFn func() error

	mu        sync.RWMutex
	closed    bool
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewTrapPublisher dials the broker and declares a durable queue.
func NewTrapPublisher(cfg AMQPConfig) (*TrapPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp: url is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("amqp: queue is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: declare queue %s: %w", cfg.Queue, err)
	}
	closeFn := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return newTrapPublisher(ch, q.Name, cfg.Buffer, cfg.Logger, closeFn), nil
}

func newTrapPublisher(pub publisher, queue string, buffer int, log *events.EventLogger, closeFn func() error) *TrapPublisher {
	if buffer <= 0 {
		buffer = defaultPublishBuffer
	}
	if log == nil {
		log = events.NoopEventLogger()
	}
	p := &TrapPublisher{
		queue:   queue,
		pub:     pub,
		log:     log,
		msgs:    make(chan TrapMessage, buffer),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
	go p.run()
	return p
}

// Handle is a traps.Handler.
func (p *TrapPublisher) Handle(pkt traps.Packet) {
	if err := p.Publish(newTrapMessage(pkt)); err != nil {
		p.log.LogSinkError("amqp", err)
	}
}

// Publish queues msg for delivery.
func (p *TrapPublisher) Publish(msg TrapMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.msgs <- msg:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("amqp: queue full, trap from %s dropped", msg.EngineID)
	}
}

func (p *TrapPublisher) run() {
	defer close(p.done)
	for msg := range p.msgs {
		body, err := json.Marshal(msg)
		if err != nil {
			p.failed.Add(1)
			p.log.LogSinkError("amqp", err)
			continue
		}
		err = p.pub.Publish("", p.queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.Timestamp,
			Type:         msg.Severity,
			Body:         body,
		})
		if err != nil {
			p.failed.Add(1)
			p.log.LogSinkError("amqp", err)
			continue
		}
		p.published.Add(1)
	}
}

func (p *TrapPublisher) Published() uint64 { return p.published.Load() }
func (p *TrapPublisher) Dropped() uint64   { return p.dropped.Load() }
func (p *TrapPublisher) Failed() uint64    { return p.failed.Load() }

// Close drains queued messages, then closes the broker connection.
func (p *TrapPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.msgs)
	p.mu.Unlock()

	<-p.done
	if p.closeFn != nil {
		return p.closeFn()
	}
	return nil
}
