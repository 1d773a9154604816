package rudp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownConnection is returned for connection ids a host does not own.
var ErrUnknownConnection = errors.New("unknown connection")

// Host owns a UDP socket, the table from remote address to connection and
// the receive loop that feeds datagrams to connections. Server and Client
// embed it.
type Host struct {
	pc      net.PacketConn
	opts    options
	logger  Logger
	metrics *metrics
	accept  bool // create connections for HELLO from unknown addresses

	mu     sync.Mutex
	conns  map[ConnID]*Conn
	byAddr map[string]ConnID
	up     map[ConnID]struct{} // connections counted as connected
	nextID ConnID

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group

	closeOnce sync.Once
	closing   chan struct{} // closed when shutdown begins
	closed    atomic.Bool
	closeErr  error
}

func newHost(pc net.PacketConn, accept bool, opt []Option) (*Host, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &Host{
		pc:      pc,
		opts:    opts,
		logger:  opts.logger,
		metrics: newMetrics(opts.registry),
		accept:  accept,
		conns:   make(map[ConnID]*Conn),
		byAddr:  make(map[string]ConnID),
		up:      make(map[ConnID]struct{}),
		closing: make(chan struct{}),
	}, nil
}

// start launches the receive loop once. It reports false if the host was
// closed before it could start.
func (h *Host) start(ctx context.Context) bool {
	h.startOnce.Do(func() {
		if h.closed.Load() {
			return
		}
		ctx, h.cancel = context.WithCancel(ctx)
		h.group, h.ctx = errgroup.WithContext(ctx)
		h.group.Go(func() error {
			return h.receiveLoop(h.ctx)
		})
	})
	return h.ctx != nil
}

// receiveLoop reads datagrams until ctx is canceled or the socket fails.
func (h *Host) receiveLoop(ctx context.Context) error {
	for {
		// The spare byte lets SetLength reject datagrams that did not fit.
		b := NewBuffer(h.opts.bufferSize + 1)

		n, addr, err := h.pc.ReadFrom(b.data)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			h.logger.Error("receive error", "addr", h.Addr(), "error", err)
			return errors.Wrap(err, "receive datagram")
		}

		if n == 0 {
			continue
		}
		if err = b.SetLength(n); err != nil {
			h.metrics.malformed.Inc()
			h.logger.Debug("oversized datagram dropped", "addr", addr, "size", n, "error", err)
			continue
		}

		h.dispatch(addr, b)
	}
}

// dispatch hands a datagram to the connection for addr. A server creates
// the connection when the datagram is a complete HELLO; anything else from
// an unknown address is dropped.
func (h *Host) dispatch(addr net.Addr, b *Buffer) {
	h.mu.Lock()
	c, ok := h.lookupLocked(addr)
	hello := !ok && h.accept && !h.closed.Load() && isHello(b)
	if hello && b.Len() >= byteSize+helloBodySize {
		c, ok = h.openLocked(addr), true
	}
	h.mu.Unlock()

	if hello && !ok {
		h.metrics.malformed.Inc()
		h.logger.Debug("truncated hello dropped", "addr", addr, "size", b.Len())
		return
	}
	if !ok {
		h.metrics.unknown.Inc()
		h.logger.Debug("datagram dropped", "addr", addr, "error", ErrUnknownConnection)
		return
	}
	c.deliver(b)
}

func isHello(b *Buffer) bool {
	tag, err := b.PeekByte(0)
	return err == nil && tag == tagHello
}

func (h *Host) lookupLocked(addr net.Addr) (*Conn, bool) {
	id, ok := h.byAddr[addr.String()]
	if !ok {
		return nil, false
	}
	return h.conns[id], true
}

// openLocked registers a connection for addr and starts its loop.
// The caller holds h.mu and has started the host.
func (h *Host) openLocked(addr net.Addr) *Conn {
	for {
		h.nextID++
		if _, used := h.conns[h.nextID]; !used && h.nextID != 0 {
			break
		}
	}

	c := newConn(h.nextID, addr, h, &h.opts, h.metrics)
	h.conns[c.id] = c
	h.byAddr[addr.String()] = c.id

	h.group.Go(func() error {
		_ = c.run(h.ctx)
		return nil
	})

	h.logger.Debug("connection opened", "conn_id", c.id, "addr", addr)
	return c
}

// removeLocked drops c from the tables and reports whether it was there.
func (h *Host) removeLocked(c *Conn) bool {
	if h.conns[c.id] != c {
		return false
	}
	delete(h.conns, c.id)
	delete(h.byAddr, c.addr.String())

	if _, ok := h.up[c.id]; ok {
		delete(h.up, c.id)
		h.metrics.connections.Dec()
	}
	return true
}

func (h *Host) writeTo(p []byte, addr net.Addr) error {
	_, err := h.pc.WriteTo(p, addr)
	return err
}

func (h *Host) connected(c *Conn) {
	h.mu.Lock()
	registered := h.conns[c.id] == c
	if registered {
		h.up[c.id] = struct{}{}
		h.metrics.connections.Inc()
	}
	h.mu.Unlock()

	if registered {
		h.opts.onConnect(c.id)
	}
}

func (h *Host) received(c *Conn, payload *Buffer) {
	h.opts.onReceive(c.id, payload)
}

func (h *Host) disconnected(c *Conn, reason Reason) {
	h.mu.Lock()
	registered := h.removeLocked(c)
	h.mu.Unlock()

	if registered {
		h.opts.onDisconnect(c.id, reason)
	}
}

func (h *Host) conn(id ConnID) (*Conn, error) {
	h.mu.Lock()
	c, ok := h.conns[id]
	h.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownConnection, "id %d", id)
	}
	return c, nil
}

func (h *Host) send(id ConnID, payload []byte, reliable bool) error {
	c, err := h.conn(id)
	if err != nil {
		return err
	}
	return c.send(payload, reliable)
}

// Send sends the whole content of payload without delivery guarantees.
func (h *Host) Send(id ConnID, payload *Buffer) error {
	return h.send(id, payload.Bytes(), false)
}

// SendReliable sends the whole content of payload as a sequenced packet
// that is retransmitted until acknowledged or the retry budget runs out.
// A nil error means the packet was queued, not that it was delivered.
func (h *Host) SendReliable(id ConnID, payload *Buffer) error {
	return h.send(id, payload.Bytes(), true)
}

// Forward sends the unread remainder of payload, typically a buffer
// received in the OnReceive callback, without delivery guarantees.
func (h *Host) Forward(id ConnID, payload *Buffer) error {
	return h.send(id, payload.Remaining(), false)
}

// ForwardReliable is the reliable variant of Forward.
func (h *Host) ForwardReliable(id ConnID, payload *Buffer) error {
	return h.send(id, payload.Remaining(), true)
}

// Disconnect notifies the peer and removes the connection. No disconnect
// callback is invoked for a local disconnect.
func (h *Host) Disconnect(id ConnID) error {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "id %d", id)
	}

	h.logger.Info("disconnecting", "conn_id", id, "addr", c.addr)
	c.disconnect(ReasonDisconnect)
	return nil
}

// IsConnected reports whether the connection with id completed its handshake.
func (h *Host) IsConnected(id ConnID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.up[id]
	return ok
}

// Connected reports whether any connection completed its handshake.
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.up) > 0
}

// Addr returns the local address of the socket.
func (h *Host) Addr() net.Addr {
	return h.pc.LocalAddr()
}

// Close shuts the host down: every peer is sent a DISCONNECT, the receive
// loop and connection loops are stopped and waited for, then the socket is
// closed. Safe to call multiple times.
func (h *Host) Close() error {
	return h.shutdown()
}

func (h *Host) shutdown() error {
	h.closeOnce.Do(func() {
		close(h.closing)

		h.mu.Lock()
		h.closed.Store(true)
		conns := make([]*Conn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		for _, c := range conns {
			h.removeLocked(c)
		}
		h.mu.Unlock()

		notice := newDisconnect(ReasonDisconnect)
		for _, c := range conns {
			if err := h.writeTo(notice.Bytes(), c.addr); err != nil {
				h.logger.Debug("write error", "conn_id", c.id, "addr", c.addr, "error", err)
			}
		}

		// Keeps a concurrent start from launching after this point.
		h.startOnce.Do(func() {})
		if h.cancel != nil {
			h.cancel()
			_ = h.pc.SetReadDeadline(time.Now())
			h.closeErr = h.group.Wait()
		}

		if err := h.pc.Close(); err != nil && h.closeErr == nil {
			h.closeErr = err
		}
		h.logger.Info("host stopped", "addr", h.Addr(), "connections", len(conns))
	})
	return h.closeErr
}
