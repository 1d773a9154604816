package rudp

import "github.com/pkg/errors"

// The handshake is a four message challenge-response:
//
//	initiator                          responder
//	HELLO(a)                 ------>
//	                         <------   HELLO_ACK(a+10, b)
//	HELLO_ACK2(b+10, c)      ------>
//	                         <------   HELLO_FIN(c+10)
//
// The responder is connected once HELLO_ACK2 verifies, the initiator once
// HELLO_FIN verifies. A wrong echo aborts that side only.

func (c *Conn) initiateHandshake() {
	if c.state != stateIdle {
		return
	}
	c.challenge = c.opts.challenge()
	c.state = stateHelloSent
	c.logger.Debug("handshake initiated", "conn_id", c.id, "addr", c.addr)
	c.write(newHello(c.challenge))
}

func (c *Conn) handleHello(b *Buffer) bool {
	if !c.expect(tagHello, stateIdle) || !c.need(b, tagHello, helloBodySize) {
		return false
	}
	peer, _ := b.ReadInt32()

	c.challenge = c.opts.challenge()
	c.state = stateAckSent
	c.write(newHelloAck(tagHelloAck, peer+challengeStep, c.challenge))
	return true
}

func (c *Conn) handleHelloAck(b *Buffer) bool {
	if !c.expect(tagHelloAck, stateHelloSent) || !c.need(b, tagHelloAck, helloAckBodySize) {
		return false
	}
	echo, _ := b.ReadInt32()
	peer, _ := b.ReadInt32()
	if !c.verify(tagHelloAck, echo) {
		return false
	}

	c.challenge = c.opts.challenge()
	c.state = stateAck2Sent
	c.write(newHelloAck(tagHelloAck2, peer+challengeStep, c.challenge))
	return true
}

func (c *Conn) handleHelloAck2(b *Buffer) bool {
	if !c.expect(tagHelloAck2, stateAckSent) || !c.need(b, tagHelloAck2, helloAckBodySize) {
		return false
	}
	echo, _ := b.ReadInt32()
	peer, _ := b.ReadInt32()
	if !c.verify(tagHelloAck2, echo) {
		return false
	}

	c.write(newHelloFin(peer + challengeStep))
	c.establish()
	return true
}

func (c *Conn) handleHelloFin(b *Buffer) bool {
	if !c.expect(tagHelloFin, stateAck2Sent) || !c.need(b, tagHelloFin, helloFinBodySize) {
		return false
	}
	echo, _ := b.ReadInt32()
	if !c.verify(tagHelloFin, echo) {
		return false
	}

	c.establish()
	return true
}

// expect reports whether a handshake message is valid in the current state.
func (c *Conn) expect(tag byte, state handshakeState) bool {
	if c.state == state {
		return true
	}
	c.logger.Debug("unexpected handshake packet dropped",
		"conn_id", c.id, "addr", c.addr, "tag", tagName(tag), "state", c.state)
	return false
}

// verify checks the echo of our outstanding challenge and aborts the
// connection when it does not match.
func (c *Conn) verify(tag byte, echo int32) bool {
	want := c.challenge + challengeStep
	if echo == want {
		return true
	}

	err := errors.Wrapf(ErrHandshakeMismatch, "%s echoed %d, want %d", tagName(tag), echo, want)
	c.logger.Warn("handshake aborted", "conn_id", c.id, "addr", c.addr, "error", err)
	c.metrics.handshakeFailures.Inc()

	c.write(newDisconnect(ReasonHandshakeFailed))
	c.terminate()
	c.owner.disconnected(c, ReasonHandshakeFailed)
	return false
}

func (c *Conn) establish() {
	c.state = stateConnected
	c.connected.Store(true)
	c.logger.Info("connection established", "conn_id", c.id, "addr", c.addr)
	c.owner.connected(c)
}
