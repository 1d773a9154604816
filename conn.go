// Package rudp provides connection-oriented messaging over UDP.
// It adds a challenge-response handshake, keepalives, unreliable sends and
// reliable in-order sends on top of plain datagrams.
package rudp

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Errors returned or logged by connections.
var (
	// ErrNotConnected is returned when sending before the handshake completed.
	ErrNotConnected = errors.New("connection not established")
	// ErrClosed is returned when operating on a closed connection or host.
	ErrClosed = errors.New("connection closed")
	// ErrHandshakeMismatch is logged when a peer echoes a wrong challenge.
	ErrHandshakeMismatch = errors.New("handshake challenge mismatch")
	// ErrRetryExhausted is logged when a reliable packet is dropped after
	// its last retransmission. It is never returned to callers.
	ErrRetryExhausted = errors.New("reliable packet retries exhausted")
)

// ConnID identifies a connection within one Server or Client.
type ConnID uint32

// owner is the host side of a connection. The event methods are called
// from the connection loop.
type owner interface {
	writeTo(p []byte, addr net.Addr) error
	connected(c *Conn)
	received(c *Conn, payload *Buffer)
	disconnected(c *Conn, reason Reason)
}

type handshakeState uint8

const (
	stateIdle      handshakeState = iota
	stateHelloSent                // initiator, waiting for HELLO_ACK
	stateAckSent                  // responder, waiting for HELLO_ACK2
	stateAck2Sent                 // initiator, waiting for HELLO_FIN
	stateConnected
	stateClosed
)

func (s handshakeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateHelloSent:
		return "hello_sent"
	case stateAckSent:
		return "ack_sent"
	case stateAck2Sent:
		return "ack2_sent"
	case stateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// Conn is the protocol engine for one remote peer.
//
// Inbound packets, sends and timer expiries are posted to a mailbox and
// run one at a time by the connection loop; every field below the mailbox
// is owned by that loop.
type Conn struct {
	id      ConnID
	addr    net.Addr
	owner   owner
	opts    *options
	logger  Logger
	metrics *metrics

	mailbox   *mailbox
	connected atomic.Bool
	closed    atomic.Bool

	state     handshakeState
	challenge int32

	nextSeq byte
	pending map[byte]*pendingPacket

	expected byte
	reorder  map[byte]*Buffer
	gapTimer Timer
	gapGen   uint64

	keepaliveTimer Timer
	keepaliveGen   uint64

	gen uint64
}

func newConn(id ConnID, addr net.Addr, o owner, opts *options, m *metrics) *Conn {
	return &Conn{
		id:      id,
		addr:    addr,
		owner:   o,
		opts:    opts,
		logger:  opts.logger,
		metrics: m,
		mailbox: newMailbox(),
		pending: make(map[byte]*pendingPacket),
		reorder: make(map[byte]*Buffer),
	}
}

// ID returns the connection id.
func (c *Conn) ID() ConnID {
	return c.id
}

// Addr returns the remote address.
func (c *Conn) Addr() net.Addr {
	return c.addr
}

// IsConnected reports whether the handshake has completed.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// run processes mailbox events until ctx is done or the connection closes.
func (c *Conn) run(ctx context.Context) error {
	defer c.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.mailbox.ready():
			if c.flush() {
				return nil
			}
		}
	}
}

// flush runs every queued event and reports whether the connection closed.
// Events queued behind a close are discarded.
func (c *Conn) flush() bool {
	for _, ev := range c.mailbox.drain() {
		if c.closed.Load() {
			return true
		}
		ev()
	}
	return c.closed.Load()
}

// connect starts the handshake as initiator.
func (c *Conn) connect() {
	c.mailbox.post(c.initiateHandshake)
}

// deliver queues an inbound datagram whose cursor is at the tag byte.
func (c *Conn) deliver(b *Buffer) {
	c.mailbox.post(func() { c.handlePacket(b) })
}

// send frames payload and queues it. The payload is copied before send
// returns.
func (c *Conn) send(payload []byte, reliable bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	if reliable {
		frame, err := newReliable(payload, c.opts.bufferSize)
		if err != nil {
			return err
		}
		c.mailbox.post(func() {
			if c.state == stateConnected {
				c.queueReliable(frame)
			}
		})
		return nil
	}

	frame, err := newUnreliable(payload, c.opts.bufferSize)
	if err != nil {
		return err
	}
	c.mailbox.post(func() {
		if c.state == stateConnected {
			c.write(frame)
		}
	})
	return nil
}

// disconnect queues a DISCONNECT to the peer and closes the connection
// without reporting an event to the owner.
func (c *Conn) disconnect(reason Reason) {
	c.mailbox.post(func() {
		c.write(newDisconnect(reason))
		c.terminate()
	})
}

func (c *Conn) handlePacket(b *Buffer) {
	tag, err := b.ReadByte()
	if err != nil {
		c.malformed(tag, err)
		return
	}
	c.metrics.packetsReceived.WithLabelValues(tagName(tag)).Inc()

	var ok bool
	switch tag {
	case tagHello:
		ok = c.handleHello(b)
	case tagHelloAck:
		ok = c.handleHelloAck(b)
	case tagHelloAck2:
		ok = c.handleHelloAck2(b)
	case tagHelloFin:
		ok = c.handleHelloFin(b)
	case tagPing:
		if ok = c.established(tag); ok {
			c.write(newPing(tagPingAck))
		}
	case tagPingAck:
		ok = c.established(tag)
	case tagUnreliable:
		if ok = c.established(tag); ok {
			c.owner.received(c, b)
		}
	case tagReliable:
		ok = c.handleReliable(b)
	case tagAck:
		ok = c.handleAck(b)
	case tagDisconnect:
		c.handleDisconnect(b)
		return
	default:
		c.malformed(tag, errors.Errorf("unknown tag %d", tag))
		return
	}

	if ok && c.state == stateConnected {
		c.resetKeepalive()
	}
}

func (c *Conn) handleDisconnect(b *Buffer) {
	if !c.need(b, tagDisconnect, disconnectBodySize) {
		return
	}
	r, _ := b.ReadByte()
	reason := Reason(r)

	c.logger.Info("peer disconnected", "conn_id", c.id, "addr", c.addr, "reason", reason)
	c.terminate()
	c.owner.disconnected(c, reason)
}

// established reports whether application traffic is accepted yet.
func (c *Conn) established(tag byte) bool {
	if c.state == stateConnected {
		return true
	}
	c.logger.Debug("packet before handshake completion dropped",
		"conn_id", c.id, "addr", c.addr, "tag", tagName(tag))
	return false
}

// need reports whether b still holds n unread bytes of a tag's body.
func (c *Conn) need(b *Buffer, tag byte, n int) bool {
	if b.Len() >= n {
		return true
	}
	c.malformed(tag, errors.Wrapf(ErrUnderflow, "%s body needs %d bytes, have %d", tagName(tag), n, b.Len()))
	return false
}

func (c *Conn) malformed(tag byte, err error) {
	c.metrics.malformed.Inc()
	c.logger.Debug("malformed packet dropped",
		"conn_id", c.id, "addr", c.addr, "tag", tagName(tag), "error", err)
}

// write sends an encoded frame to the peer. Write errors are logged and
// otherwise ignored; the retry timer covers lost reliable frames.
func (c *Conn) write(b *Buffer) {
	p := b.Bytes()
	if err := c.owner.writeTo(p, c.addr); err != nil {
		c.logger.Debug("write error", "conn_id", c.id, "addr", c.addr, "error", err)
		return
	}
	c.metrics.packetsSent.WithLabelValues(tagName(p[0])).Inc()
}

// schedule arms a timer whose expiry is posted to the mailbox together
// with a fresh generation, so stale expiries can be recognized.
func (c *Conn) schedule(d time.Duration, fire func(gen uint64)) (Timer, uint64) {
	c.gen++
	gen := c.gen
	t := c.opts.clock.AfterFunc(d, func() {
		c.mailbox.post(func() { fire(gen) })
	})
	return t, gen
}

func (c *Conn) resetKeepalive() {
	if c.keepaliveTimer != nil {
		c.keepaliveTimer.Stop()
	}
	c.keepaliveTimer, c.keepaliveGen = c.schedule(c.opts.keepalive, c.keepaliveExpired)
}

func (c *Conn) keepaliveExpired(gen uint64) {
	if gen != c.keepaliveGen || c.state != stateConnected {
		return
	}
	c.write(newPing(tagPing))
	c.resetKeepalive()
}

// terminate moves the connection to its final state.
func (c *Conn) terminate() {
	c.state = stateClosed
	c.closed.Store(true)
	c.connected.Store(false)
	c.stopTimers()
}

func (c *Conn) stopTimers() {
	for seq, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, seq)
	}
	c.stopGap()
	if c.keepaliveTimer != nil {
		c.keepaliveTimer.Stop()
		c.keepaliveTimer = nil
	}
}
