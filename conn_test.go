package rudp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeClock runs timers only when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, when: c.now + d, seq: len(c.timers), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d and runs every timer that falls due,
// in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	for {
		due := c.dueLocked(target)
		if due == nil {
			break
		}
		c.now = due.when
		due.fired = true

		c.mu.Unlock()
		due.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *fakeClock) dueLocked(target time.Duration) *fakeTimer {
	var pending []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.when <= target {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].when != pending[j].when {
			return pending[i].when < pending[j].when
		}
		return pending[i].seq < pending[j].seq
	})
	return pending[0]
}

// active returns the number of timers that are neither stopped nor fired.
func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// scriptedChallenge returns values in order and repeats the last one.
func scriptedChallenge(values ...int32) ChallengeFunc {
	var mu sync.Mutex
	i := 0
	return func() int32 {
		mu.Lock()
		defer mu.Unlock()

		v := values[min(i, len(values)-1)]
		i++
		return v
	}
}

// fakeOwner records everything a connection reports to its host.
// With peer set, written datagrams are delivered to that connection.
type fakeOwner struct {
	mu           sync.Mutex
	sent         [][]byte
	delivered    [][]byte
	connects     int
	disconnects  []Reason
	writeErr     error
	peer         *Conn
	onReceive    func(c *Conn, payload *Buffer)
	disconnectCh chan Reason
}

func (o *fakeOwner) writeTo(p []byte, _ net.Addr) error {
	o.mu.Lock()
	o.sent = append(o.sent, bytes.Clone(p))
	err, peer := o.writeErr, o.peer
	o.mu.Unlock()

	if err == nil && peer != nil {
		peer.deliver(datagram(p))
	}
	return err
}

func (o *fakeOwner) connected(*Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connects++
}

func (o *fakeOwner) received(c *Conn, payload *Buffer) {
	o.mu.Lock()
	o.delivered = append(o.delivered, bytes.Clone(payload.Remaining()))
	hook := o.onReceive
	o.mu.Unlock()

	if hook != nil {
		hook(c, payload)
	}
}

func (o *fakeOwner) disconnected(_ *Conn, reason Reason) {
	o.mu.Lock()
	o.disconnects = append(o.disconnects, reason)
	ch := o.disconnectCh
	o.mu.Unlock()

	if ch != nil {
		ch <- reason
	}
}

// takeSent returns the datagrams written since the last call.
func (o *fakeOwner) takeSent() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	sent := o.sent
	o.sent = nil
	return sent
}

func (o *fakeOwner) payloads() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, len(o.delivered))
	for i, p := range o.delivered {
		out[i] = string(p)
	}
	return out
}

// datagram copies p into a buffer the way the host receives a datagram.
func datagram(p []byte) *Buffer {
	b := NewBuffer(DefaultBufferSize + 1)
	copy(b.data, p)
	if err := b.SetLength(len(p)); err != nil {
		panic(err)
	}
	return b
}

// frame concatenates a tag and body parts into a datagram.
func frame(tag byte, parts ...[]byte) []byte {
	p := []byte{tag}
	for _, part := range parts {
		p = append(p, part...)
	}
	return p
}

func i32(v int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}

// harness drives a single connection synchronously.
type harness struct {
	t       *testing.T
	conn    *Conn
	owner   *fakeOwner
	clock   *fakeClock
	metrics *metrics
	logger  *mockLogger
}

func newHarness(t *testing.T, challenges []int32, extra ...Option) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		owner:  &fakeOwner{},
		clock:  newFakeClock(),
		logger: &mockLogger{},
	}

	var opts options
	all := append([]Option{
		ClockOption(h.clock),
		ChallengeOption(scriptedChallenge(challenges...)),
		LoggerOption(h.logger),
		OnReceiveOption(func(ConnID, *Buffer) {}),
	}, extra...)
	for _, o := range all {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}

	h.metrics = newMetrics(prometheus.NewRegistry())
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7777}
	h.conn = newConn(1, addr, h.owner, &opts, h.metrics)
	return h
}

// inject delivers p to the connection and processes it.
func (h *harness) inject(p []byte) {
	h.conn.deliver(datagram(p))
	h.conn.flush()
}

// advance moves the clock and processes the timer events it produced.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.conn.flush()
}

// establish completes a handshake as responder and discards its output.
func (h *harness) establish() {
	h.t.Helper()

	h.inject(frame(tagHello, i32(100)))
	h.inject(frame(tagHelloAck2, i32(h.conn.challenge+challengeStep), i32(300)))
	if !h.conn.IsConnected() {
		h.t.Fatal("handshake did not complete")
	}
	h.owner.takeSent()
}

func (h *harness) expectSent(want ...[]byte) {
	h.t.Helper()

	got := h.owner.takeSent()
	if len(got) != len(want) {
		h.t.Fatalf("sent %d datagrams %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			h.t.Errorf("datagram %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func (h *harness) expectPayloads(want ...string) {
	h.t.Helper()

	got := h.owner.payloads()
	if len(got) != len(want) {
		h.t.Fatalf("received %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			h.t.Errorf("payload %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConn_Accessors(t *testing.T) {
	h := newHarness(t, []int32{1})

	if h.conn.ID() != 1 {
		t.Errorf("ID() = %d, want 1", h.conn.ID())
	}
	if h.conn.Addr().String() != "127.0.0.1:7777" {
		t.Errorf("Addr() = %s", h.conn.Addr())
	}
	if h.conn.IsConnected() {
		t.Error("new connection should not be connected")
	}
}

func TestConn_SendBeforeConnected(t *testing.T) {
	h := newHarness(t, []int32{1})

	if err := h.conn.send([]byte("x"), false); err != ErrNotConnected {
		t.Errorf("send() error = %v, want ErrNotConnected", err)
	}
	if err := h.conn.send([]byte("x"), true); err != ErrNotConnected {
		t.Errorf("send(reliable) error = %v, want ErrNotConnected", err)
	}
}

func TestConn_SendUnreliable(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	if err := h.conn.send([]byte("hi"), false); err != nil {
		t.Fatalf("send() error = %v", err)
	}
	h.conn.flush()

	h.expectSent(frame(tagUnreliable, []byte("hi")))
}

func TestConn_SendTooLarge(t *testing.T) {
	h := newHarness(t, []int32{200}, BufferSizeOption(16))
	h.establish()

	err := h.conn.send(make([]byte, 16), false)
	if !errors.Is(err, ErrOverflow) {
		t.Errorf("send() error = %v, want ErrOverflow", err)
	}

	// Tag and sequence id take two bytes of a reliable frame.
	if err = h.conn.send(make([]byte, 15), true); !errors.Is(err, ErrOverflow) {
		t.Errorf("send(reliable) error = %v, want ErrOverflow", err)
	}
	if err = h.conn.send(make([]byte, 14), true); err != nil {
		t.Errorf("send(reliable) error = %v", err)
	}
}

func TestConn_ReceiveUnreliable(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(frame(tagUnreliable, []byte("ab")))
	h.inject(frame(tagUnreliable))

	h.expectPayloads("ab", "")
	h.expectSent()
}

func TestConn_UnreliableBeforeConnectedDropped(t *testing.T) {
	h := newHarness(t, []int32{200})

	h.inject(frame(tagUnreliable, []byte("ab")))

	h.expectPayloads()
	if _, ok := h.logger.find(levelDebug, "packet before handshake completion dropped"); !ok {
		t.Error("dropped packet should be logged")
	}
}

func TestConn_PingReply(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(frame(tagPing))
	h.expectSent(frame(tagPingAck))

	h.inject(frame(tagPingAck))
	h.expectSent()
}

func TestConn_PingBeforeConnectedDropped(t *testing.T) {
	h := newHarness(t, []int32{200})

	h.inject(frame(tagPing))
	h.expectSent()
}

func TestConn_Keepalive(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.advance(9 * time.Second)
	h.expectSent()

	h.advance(time.Second)
	h.expectSent(frame(tagPing))

	// The next ping follows one interval later.
	h.advance(10 * time.Second)
	h.expectSent(frame(tagPing))
}

func TestConn_KeepaliveResetByTraffic(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.advance(9 * time.Second)
	h.inject(frame(tagPingAck))

	// The interval restarts at 9s, so the next ping is due at 19s.
	h.advance(9 * time.Second)
	h.expectSent()

	h.advance(time.Second)
	h.expectSent(frame(tagPing))
}

func TestConn_KeepaliveCustomInterval(t *testing.T) {
	h := newHarness(t, []int32{200}, KeepaliveOption(time.Second))
	h.establish()

	h.advance(time.Second)
	h.expectSent(frame(tagPing))
}

func TestConn_NoKeepaliveBeforeConnected(t *testing.T) {
	h := newHarness(t, []int32{200})

	h.inject(frame(tagHello, i32(100)))
	h.owner.takeSent()

	h.advance(time.Minute)
	h.expectSent()
}

func TestConn_PeerDisconnect(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(frame(tagDisconnect, []byte{byte(ReasonDisconnect)}))

	if len(h.owner.disconnects) != 1 || h.owner.disconnects[0] != ReasonDisconnect {
		t.Errorf("disconnects = %v, want [disconnect]", h.owner.disconnects)
	}
	if h.conn.IsConnected() {
		t.Error("connection should be down")
	}
	if err := h.conn.send([]byte("x"), false); err != ErrClosed {
		t.Errorf("send() error = %v, want ErrClosed", err)
	}
	if n := h.clock.active(); n != 0 {
		t.Errorf("%d timers still active", n)
	}
}

func TestConn_PeerDisconnectDuringHandshake(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.inject(frame(tagHello, i32(100)))

	h.inject(frame(tagDisconnect, []byte{byte(ReasonTimeout)}))

	if len(h.owner.disconnects) != 1 || h.owner.disconnects[0] != ReasonTimeout {
		t.Errorf("disconnects = %v, want [timeout]", h.owner.disconnects)
	}
}

func TestConn_TruncatedDisconnect(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(frame(tagDisconnect))

	if len(h.owner.disconnects) != 0 {
		t.Errorf("disconnects = %v, want none", h.owner.disconnects)
	}
	if !h.conn.IsConnected() {
		t.Error("connection should stay up")
	}
	if got := testutil.ToFloat64(h.metrics.malformed); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
}

func TestConn_LocalDisconnect(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.conn.disconnect(ReasonDisconnect)
	if !h.conn.flush() {
		t.Error("flush() should report the connection closed")
	}

	h.expectSent(frame(tagDisconnect, []byte{byte(ReasonDisconnect)}))
	if len(h.owner.disconnects) != 0 {
		t.Errorf("local disconnect reported %v to the owner", h.owner.disconnects)
	}
}

func TestConn_EventsAfterCloseDiscarded(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.conn.disconnect(ReasonDisconnect)
	h.conn.deliver(datagram(frame(tagPing)))
	h.conn.flush()

	h.expectSent(frame(tagDisconnect, []byte{byte(ReasonDisconnect)}))
}

func TestConn_UnknownTag(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject([]byte{7, 1, 2, 3})

	h.expectSent()
	if got := testutil.ToFloat64(h.metrics.malformed); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
}

func TestConn_WriteErrorIgnored(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()
	h.owner.writeErr = errors.New("network unreachable")

	h.inject(frame(tagPing))

	if !h.conn.IsConnected() {
		t.Error("write errors should not close the connection")
	}
	if got := testutil.ToFloat64(h.metrics.packetsSent.WithLabelValues("ping_ack")); got != 0 {
		t.Errorf("packets_sent{ping_ack} = %v, want 0", got)
	}
}

func TestConn_Metrics(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(frame(tagUnreliable, []byte("a")))
	h.inject(frame(tagPing))

	if got := testutil.ToFloat64(h.metrics.packetsReceived.WithLabelValues("unreliable")); got != 1 {
		t.Errorf("packets_received{unreliable} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.packetsSent.WithLabelValues("ping_ack")); got != 1 {
		t.Errorf("packets_sent{ping_ack} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.packetsSent.WithLabelValues("hello_fin")); got != 1 {
		t.Errorf("packets_sent{hello_fin} = %v, want 1", got)
	}
}

func TestConn_ReceiveHandlerCanSend(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.owner.onReceive = func(c *Conn, payload *Buffer) {
		if err := c.send(payload.Remaining(), true); err != nil {
			t.Errorf("send from handler: %v", err)
		}
	}

	h.inject(frame(tagUnreliable, []byte("echo")))
	h.conn.flush()

	h.expectSent(frame(tagReliable, []byte{0}, []byte("echo")))
}

func TestConn_RunStopsOnContext(t *testing.T) {
	h := newHarness(t, []int32{200})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.conn.run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestConn_RunProcessesEvents(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.owner.disconnectCh = make(chan Reason, 1)

	done := make(chan error, 1)
	go func() {
		done <- h.conn.run(context.Background())
	}()

	h.conn.deliver(datagram(frame(tagHello, i32(100))))
	h.conn.deliver(datagram(frame(tagDisconnect, []byte{byte(ReasonDisconnect)})))

	select {
	case reason := <-h.owner.disconnectCh:
		if reason != ReasonDisconnect {
			t.Errorf("reason = %v, want disconnect", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop after disconnect")
	}

	sent := h.owner.takeSent()
	if len(sent) != 1 || sent[0][0] != tagHelloAck {
		t.Errorf("sent = %v, want one HELLO_ACK", sent)
	}
}

func TestHandshakeState_String(t *testing.T) {
	tests := map[handshakeState]string{
		stateIdle:      "idle",
		stateHelloSent: "hello_sent",
		stateAckSent:   "ack_sent",
		stateAck2Sent:  "ack2_sent",
		stateConnected: "connected",
		stateClosed:    "closed",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
