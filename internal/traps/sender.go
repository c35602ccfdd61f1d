// Package traps sends threshold notifications from agents and receives them
// on the manager side, both over SNMP v2c.
package traps

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/bc-dunia/snmpwatch/internal/snmp"
)

// DefaultSendTimeout bounds one trap write.
const DefaultSendTimeout = time.Second

// Sender delivers SNMPv2-Trap PDUs to one receiver. Traps are not
// acknowledged and never retried. Safe for concurrent use.
type Sender struct {
	target string

	mu     sync.Mutex
	client *gosnmp.GoSNMP
}

// NewSender connects a UDP socket to addr ("host:port").
func NewSender(addr, community string, timeout time.Duration) (*Sender, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("trap sender: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("trap sender: invalid port %q", portStr)
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	client := &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(port),
		Transport: "udp",
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   0,
	}
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("trap sender: connect %s: %w", addr, err)
	}
	return &Sender{target: addr, client: client}, nil
}

// Target returns the receiver address.
func (s *Sender) Target() string {
	return s.target
}

// Send writes t. An error means the datagram could not be written; delivery
// is never confirmed.
func (s *Sender) Send(t snmp.Trap) error {
	vars, err := t.Varbinds()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.client.SendTrap(gosnmp.SnmpTrap{Variables: vars}); err != nil {
		return fmt.Errorf("trap sender: %w", err)
	}
	return nil
}

// Close releases the socket.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.Conn == nil {
		return nil
	}
	return s.client.Conn.Close()
}
