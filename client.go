package rudp

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// Client initiates connections from an ephemeral local UDP port.
// Datagrams from addresses it has not connected to are dropped.
type Client struct {
	*Host
}

// NewClient binds an ephemeral UDP port on all interfaces.
func NewClient(opts ...Option) (*Client, error) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	h, err := newHost(pc, false, opts)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	return &Client{Host: h}, nil
}

// Connect starts a handshake with the server at addr and returns the id of
// the new connection. It does not wait for the handshake: the connect
// callback reports completion and IsConnected can be polled.
// Connecting to an address that already has a connection returns the
// existing id.
func (c *Client) Connect(addr string) (ConnID, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve %s", addr)
	}

	if !c.start(context.Background()) {
		return 0, ErrClosed
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if conn, ok := c.lookupLocked(raddr); ok {
		c.mu.Unlock()
		return conn.id, nil
	}
	conn := c.openLocked(raddr)
	c.mu.Unlock()

	c.logger.Info("connecting", "conn_id", conn.id, "addr", raddr)
	conn.connect()
	return conn.id, nil
}
