package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
)

// ErrClientClosed is returned by Get after Close.
var ErrClientClosed = errors.New("manager: client closed")

// ClientConfig configures a Client.
type ClientConfig struct {
	// LocalAddr is the bind address. Empty binds an ephemeral port on all
	// interfaces.
	LocalAddr string
	Logger    *events.EventLogger
	// OnMalformed is called from the reader goroutine for every datagram that
	// cannot be decoded.
	OnMalformed func(remote *net.UDPAddr, size int, err error)
}

// Client issues GET requests over one UDP socket and matches responses to
// requests by request id and sender, so responses may arrive in any order.
type Client struct {
	conn        *net.UDPConn
	log         *events.EventLogger
	onMalformed func(*net.UDPAddr, int, error)

	nextID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]pendingGet
	closed  bool

	late      atomic.Uint64
	malformed atomic.Uint64
	done      chan struct{}
}

// NewClient binds the socket and starts the reader goroutine.
func NewClient(cfg ClientConfig) (*Client, error) {
	laddr := &net.UDPAddr{}
	if cfg.LocalAddr != "" {
		var err error
		if laddr, err = net.ResolveUDPAddr("udp", cfg.LocalAddr); err != nil {
			return nil, fmt.Errorf("manager: resolve %s: %w", cfg.LocalAddr, err)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("manager: listen: %w", err)
	}

	c := &Client{
		conn:        conn,
		log:         cfg.Logger,
		onMalformed: cfg.OnMalformed,
		pending:     make(map[uint32]pendingGet),
		done:        make(chan struct{}),
	}
	if c.log == nil {
		c.log = events.NoopEventLogger()
	}
	go c.readLoop()
	return c, nil
}

// LocalAddr returns the bound socket address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// NextRequestID returns a new request id. Ids increase monotonically and
// skip zero on wrap.
func (c *Client) NextRequestID() uint32 {
	for {
		if id := c.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// pendingGet is a request waiting for its response from target.
type pendingGet struct {
	target *net.UDPAddr
	ch     chan snmp.Response
}

// Late returns the number of responses that matched no waiting request,
// including replies to a waiting id that came from another address.
func (c *Client) Late() uint64 { return c.late.Load() }

// Malformed returns the number of undecodable datagrams received.
func (c *Client) Malformed() uint64 { return c.malformed.Load() }

// Get sends req to addr and waits for the response with the same request id.
// It returns an error wrapping snmp.ErrTimeout when nothing arrives within
// timeout. A message level error in the response, such as a bad community, is
// reported in Response.Error, not as an error.
func (c *Client) Get(ctx context.Context, addr *net.UDPAddr, req snmp.Request, timeout time.Duration) (snmp.Response, error) {
	buf, err := snmp.EncodeRequest(req)
	if err != nil {
		return snmp.Response{}, err
	}

	ch := make(chan snmp.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return snmp.Response{}, ErrClientClosed
	}
	c.pending[req.RequestID] = pendingGet{target: addr, ch: ch}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if _, err := c.conn.WriteToUDP(buf, addr); err != nil {
		return snmp.Response{}, fmt.Errorf("manager: send to %s: %w", addr, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return snmp.Response{}, fmt.Errorf("%w: no response from %s within %s", snmp.ErrTimeout, addr, timeout)
	case <-ctx.Done():
		return snmp.Response{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	buf := make([]byte, snmp.MaxMessageSize)
	for {
		n, remote, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.isClosed() {
				return
			}
			continue
		}

		resp, err := snmp.DecodeResponse(buf[:n])
		if err != nil {
			c.malformed.Add(1)
			c.log.LogMalformedMessage("", remote.String(), n, err.Error())
			if c.onMalformed != nil {
				c.onMalformed(remote, n, err)
			}
			continue
		}

		c.mu.Lock()
		p, ok := c.pending[resp.RequestID]
		if ok && sameEndpoint(p.target, remote) {
			delete(c.pending, resp.RequestID)
		} else {
			ok = false
		}
		c.mu.Unlock()
		if !ok {
			c.late.Add(1)
			c.log.LogLateResponse(resp.RequestID, remote.String())
			continue
		}
		p.ch <- resp
	}
}

// sameEndpoint reports whether a reply from remote can answer a request sent
// to target. An unspecified target IP accepts any local reply on the port.
func sameEndpoint(target, remote *net.UDPAddr) bool {
	if target.Port != remote.Port {
		return false
	}
	if target.IP == nil || target.IP.IsUnspecified() {
		return remote.IP.IsLoopback() || remote.IP.IsUnspecified()
	}
	return target.IP.Equal(remote.IP)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases the socket and waits for the reader goroutine.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}
