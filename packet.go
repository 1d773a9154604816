package rudp

import "fmt"

// Packet tags. Every datagram starts with one of these bytes.
const (
	tagHello      byte = 31
	tagHelloAck   byte = 35
	tagHelloAck2  byte = 42
	tagHelloFin   byte = 20
	tagUnreliable byte = 54
	tagReliable   byte = 72
	tagAck        byte = 80
	tagPing       byte = 99
	tagPingAck    byte = 101
	tagDisconnect byte = 240
)

// Body sizes, tag excluded.
const (
	helloBodySize      = int32Size
	helloAckBodySize   = 2 * int32Size
	helloFinBodySize   = int32Size
	seqSize            = byteSize
	disconnectBodySize = byteSize
)

// challengeStep is added to a peer's challenge before it is echoed back.
const challengeStep = 10

// Reason is the code carried by a DISCONNECT packet.
type Reason byte

const (
	// ReasonDisconnect is an explicit disconnect or shutdown by the peer.
	ReasonDisconnect Reason = 1
	// ReasonTimeout is reserved for peers that drop idle connections.
	ReasonTimeout Reason = 2
	// ReasonHandshakeFailed is sent when a challenge echo does not match.
	ReasonHandshakeFailed Reason = 3
)

func (r Reason) String() string {
	switch r {
	case ReasonDisconnect:
		return "disconnect"
	case ReasonTimeout:
		return "timeout"
	case ReasonHandshakeFailed:
		return "handshake failed"
	default:
		return fmt.Sprintf("reason(%d)", byte(r))
	}
}

func tagName(tag byte) string {
	switch tag {
	case tagHello:
		return "hello"
	case tagHelloAck:
		return "hello_ack"
	case tagHelloAck2:
		return "hello_ack2"
	case tagHelloFin:
		return "hello_fin"
	case tagUnreliable:
		return "unreliable"
	case tagReliable:
		return "reliable"
	case tagAck:
		return "ack"
	case tagPing:
		return "ping"
	case tagPingAck:
		return "ping_ack"
	case tagDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// The constructors below size their buffers exactly, so the writes into
// them cannot fail.

// newFrame returns a buffer holding tag with room for n more bytes.
func newFrame(tag byte, n int) *Buffer {
	b := NewBuffer(byteSize + n)
	_ = b.WriteByte(tag)
	return b
}

func newHello(challenge int32) *Buffer {
	b := newFrame(tagHello, helloBodySize)
	_ = b.WriteInt32(challenge)
	return b
}

// newHelloAck builds HELLO_ACK or HELLO_ACK2, which share a layout.
func newHelloAck(tag byte, echo, challenge int32) *Buffer {
	b := newFrame(tag, helloAckBodySize)
	_ = b.WriteInt32(echo)
	_ = b.WriteInt32(challenge)
	return b
}

func newHelloFin(echo int32) *Buffer {
	b := newFrame(tagHelloFin, helloFinBodySize)
	_ = b.WriteInt32(echo)
	return b
}

func newAck(seq byte) *Buffer {
	b := newFrame(tagAck, seqSize)
	_ = b.WriteByte(seq)
	return b
}

func newDisconnect(reason Reason) *Buffer {
	b := newFrame(tagDisconnect, disconnectBodySize)
	_ = b.WriteByte(byte(reason))
	return b
}

// newPing builds PING or PING_ACK; both have an empty body.
func newPing(tag byte) *Buffer {
	return newFrame(tag, 0)
}

// newUnreliable frames payload into a buffer of the given capacity.
func newUnreliable(payload []byte, size int) (*Buffer, error) {
	b := NewBuffer(size)
	if err := b.WriteByte(tagUnreliable); err != nil {
		return nil, err
	}
	if err := b.WriteBytes(payload); err != nil {
		return nil, err
	}
	return b, nil
}

// newReliable frames payload with a zero sequence id; the connection fills
// in the id with setSeq when it queues the packet.
func newReliable(payload []byte, size int) (*Buffer, error) {
	b := NewBuffer(size)
	if err := b.WriteByte(tagReliable); err != nil {
		return nil, err
	}
	if err := b.WriteByte(0); err != nil {
		return nil, err
	}
	if err := b.WriteBytes(payload); err != nil {
		return nil, err
	}
	return b, nil
}

func setSeq(frame *Buffer, seq byte) {
	frame.data[byteSize] = seq
}
