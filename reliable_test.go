package rudp

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// reliable builds a RELIABLE datagram.
func reliable(seq byte, payload string) []byte {
	return frame(tagReliable, []byte{seq}, []byte(payload))
}

func ack(seq byte) []byte {
	return frame(tagAck, []byte{seq})
}

func TestReliable_SequenceIDs(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	for _, p := range []string{"a", "b", "c"} {
		if err := h.conn.send([]byte(p), true); err != nil {
			t.Fatalf("send(%q) error = %v", p, err)
		}
	}
	h.conn.flush()

	h.expectSent(reliable(0, "a"), reliable(1, "b"), reliable(2, "c"))
	if len(h.conn.pending) != 3 {
		t.Errorf("pending = %d, want 3", len(h.conn.pending))
	}
}

func TestReliable_SequenceWrapsOnSend(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	for i := 0; i < 256; i++ {
		if err := h.conn.send([]byte("x"), true); err != nil {
			t.Fatal(err)
		}
		h.conn.flush()
		h.inject(ack(byte(i)))
	}
	h.owner.takeSent()

	if err := h.conn.send([]byte("wrapped"), true); err != nil {
		t.Fatal(err)
	}
	h.conn.flush()

	h.expectSent(reliable(0, "wrapped"))
}

func TestReliable_Retransmission(t *testing.T) {
	h := newHarness(t, []int32{200}, KeepaliveOption(time.Hour))
	h.establish()

	if err := h.conn.send([]byte("data"), true); err != nil {
		t.Fatal(err)
	}
	h.conn.flush()
	h.expectSent(reliable(0, "data"))

	for i := 1; i <= 10; i++ {
		h.advance(999 * time.Millisecond)
		h.expectSent()

		h.advance(time.Millisecond)
		h.expectSent(reliable(0, "data"))
	}

	// The packet is abandoned after the tenth retransmission.
	h.advance(time.Minute)
	h.expectSent()

	if len(h.conn.pending) != 0 {
		t.Errorf("pending = %d, want 0", len(h.conn.pending))
	}
	if got := testutil.ToFloat64(h.metrics.retransmissions); got != 10 {
		t.Errorf("retransmissions = %v, want 10", got)
	}
	if got := testutil.ToFloat64(h.metrics.reliableDropped); got != 1 {
		t.Errorf("reliable_dropped = %v, want 1", got)
	}
	if !h.conn.IsConnected() {
		t.Error("dropping a packet should not close the connection")
	}
}

func TestReliable_RetryOption(t *testing.T) {
	h := newHarness(t, []int32{200}, RetryOption(100*time.Millisecond, 2), KeepaliveOption(time.Hour))
	h.establish()

	if err := h.conn.send([]byte("x"), true); err != nil {
		t.Fatal(err)
	}
	h.conn.flush()
	h.owner.takeSent()

	h.advance(100 * time.Millisecond)
	h.advance(100 * time.Millisecond)
	h.advance(time.Second)

	if sent := h.owner.takeSent(); len(sent) != 2 {
		t.Errorf("retransmitted %d times, want 2", len(sent))
	}
}

func TestReliable_AckStopsRetransmission(t *testing.T) {
	h := newHarness(t, []int32{200}, KeepaliveOption(time.Hour))
	h.establish()

	if err := h.conn.send([]byte("data"), true); err != nil {
		t.Fatal(err)
	}
	h.conn.flush()
	h.owner.takeSent()

	h.advance(time.Second)
	h.expectSent(reliable(0, "data"))

	h.inject(ack(0))
	h.advance(time.Minute)
	h.expectSent()

	if len(h.conn.pending) != 0 {
		t.Errorf("pending = %d, want 0", len(h.conn.pending))
	}
}

func TestReliable_UnknownAckIgnored(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(ack(42))
	h.inject(frame(tagAck))

	h.expectSent()
	if got := testutil.ToFloat64(h.metrics.malformed); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
}

func TestReliable_InOrder(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(reliable(0, "a"))
	h.inject(reliable(1, "b"))

	h.expectPayloads("a", "b")
	h.expectSent(ack(0), ack(1))
}

func TestReliable_Reorder(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(reliable(0, "zero"))
	h.inject(reliable(2, "two"))
	h.expectPayloads("zero")

	h.inject(reliable(1, "one"))
	h.expectPayloads("zero", "one", "two")
	h.expectSent(ack(0), ack(2), ack(1))

	if len(h.conn.reorder) != 0 {
		t.Errorf("reorder buffer holds %d packets", len(h.conn.reorder))
	}
	if h.conn.gapTimer != nil {
		t.Error("gap timer should be stopped once the buffer is empty")
	}
}

func TestReliable_GapSkip(t *testing.T) {
	h := newHarness(t, []int32{200}, KeepaliveOption(time.Hour))
	h.establish()

	for i := byte(0); i <= 3; i++ {
		h.inject(reliable(i, fmt.Sprint(i)))
	}
	h.inject(reliable(5, "5"))
	h.expectPayloads("0", "1", "2", "3")

	h.advance(1999 * time.Millisecond)
	h.expectPayloads("0", "1", "2", "3")

	h.advance(time.Millisecond)
	h.expectPayloads("0", "1", "2", "3", "5")

	if h.conn.expected != 6 {
		t.Errorf("expected = %d, want 6", h.conn.expected)
	}
	if got := testutil.ToFloat64(h.metrics.gapSkips); got != 1 {
		t.Errorf("gap_skips = %v, want 1", got)
	}

	// The skipped packet arriving late is a duplicate.
	h.inject(reliable(4, "4"))
	h.expectPayloads("0", "1", "2", "3", "5")
}

func TestReliable_GapSkipsOneAtATime(t *testing.T) {
	h := newHarness(t, []int32{200}, KeepaliveOption(time.Hour))
	h.establish()

	h.inject(reliable(2, "2"))

	h.advance(2 * time.Second)
	h.expectPayloads()

	h.advance(2 * time.Second)
	h.expectPayloads("2")

	if got := testutil.ToFloat64(h.metrics.gapSkips); got != 2 {
		t.Errorf("gap_skips = %v, want 2", got)
	}
	if h.conn.gapTimer != nil {
		t.Error("gap timer should be stopped once the buffer is empty")
	}
}

func TestReliable_GapFilledBeforeTimeout(t *testing.T) {
	h := newHarness(t, []int32{200}, KeepaliveOption(time.Hour))
	h.establish()

	h.inject(reliable(1, "b"))
	h.advance(time.Second)
	h.inject(reliable(0, "a"))
	h.expectPayloads("a", "b")

	h.advance(time.Minute)
	if got := testutil.ToFloat64(h.metrics.gapSkips); got != 0 {
		t.Errorf("gap_skips = %v, want 0", got)
	}

	h.inject(reliable(2, "c"))
	h.expectPayloads("a", "b", "c")
}

func TestReliable_GapTimerRestartsAfterProgress(t *testing.T) {
	h := newHarness(t, []int32{200}, KeepaliveOption(time.Hour))
	h.establish()

	h.inject(reliable(1, "1"))
	h.inject(reliable(3, "3"))

	// Filling the first gap restarts the timer for the second one.
	h.advance(1500 * time.Millisecond)
	h.inject(reliable(0, "0"))
	h.expectPayloads("0", "1")

	h.advance(1500 * time.Millisecond)
	h.expectPayloads("0", "1")

	h.advance(500 * time.Millisecond)
	h.expectPayloads("0", "1", "3")
}

func TestReliable_CustomGapTimeout(t *testing.T) {
	h := newHarness(t, []int32{200}, GapTimeoutOption(100*time.Millisecond), KeepaliveOption(time.Hour))
	h.establish()

	h.inject(reliable(1, "1"))
	h.advance(100 * time.Millisecond)

	h.expectPayloads("1")
}

func TestReliable_Duplicate(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(reliable(0, "a"))
	h.inject(reliable(0, "a"))

	h.expectPayloads("a")
	h.expectSent(ack(0), ack(0))
	if len(h.conn.reorder) != 0 {
		t.Errorf("duplicate was buffered")
	}
}

func TestReliable_DuplicateWhileBuffered(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(reliable(2, "first"))
	h.inject(reliable(2, "second"))
	h.inject(reliable(0, "0"))
	h.inject(reliable(1, "1"))

	h.expectPayloads("0", "1", "second")
}

func TestReliable_SequenceWrapsOnReceive(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	for i := 0; i < 256; i++ {
		h.inject(reliable(byte(i), "x"))
	}
	h.inject(reliable(0, "wrapped"))

	got := h.owner.payloads()
	if len(got) != 257 || got[256] != "wrapped" {
		t.Errorf("received %d payloads, last %q", len(got), got[len(got)-1])
	}
}

func TestReliable_BeforeConnectedDropped(t *testing.T) {
	h := newHarness(t, []int32{200})

	h.inject(reliable(0, "a"))
	h.inject(ack(0))

	h.expectSent()
	h.expectPayloads()
}

func TestReliable_Truncated(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(frame(tagReliable))

	h.expectSent()
	if got := testutil.ToFloat64(h.metrics.malformed); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
}

func TestReliable_EmptyPayload(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	h.inject(reliable(0, ""))

	h.expectPayloads("")
	h.expectSent(ack(0))
}

func TestReliable_TimersStoppedOnClose(t *testing.T) {
	h := newHarness(t, []int32{200})
	h.establish()

	if err := h.conn.send([]byte("x"), true); err != nil {
		t.Fatal(err)
	}
	h.conn.flush()
	h.inject(reliable(3, "buffered"))

	h.conn.disconnect(ReasonDisconnect)
	h.conn.flush()

	if n := h.clock.active(); n != 0 {
		t.Errorf("%d timers still active after close", n)
	}
	if len(h.conn.pending) != 0 {
		t.Errorf("pending = %d, want 0", len(h.conn.pending))
	}
}

func TestReliable_BetweenPeers(t *testing.T) {
	client := newHarness(t, []int32{100, 300})
	server := newHarness(t, []int32{200})
	linkPeers(client, server)

	client.conn.connect()
	pump(client, server)
	if !client.conn.IsConnected() || !server.conn.IsConnected() {
		t.Fatal("handshake failed")
	}

	var want []string
	for i := 0; i < 300; i++ {
		msg := fmt.Sprintf("message %d", i)
		want = append(want, msg)
		if err := client.conn.send([]byte(msg), true); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		pump(client, server)
	}

	server.expectPayloads(want...)
	if len(client.conn.pending) != 0 {
		t.Errorf("client still waits for %d ACKs", len(client.conn.pending))
	}
}
