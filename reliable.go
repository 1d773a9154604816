package rudp

import "github.com/pkg/errors"

// seqWindow splits the 256 sequence ids around the expected id: ids up to
// seqWindow-1 ahead are buffered, the rest are treated as duplicates of
// packets already delivered or skipped.
const seqWindow = 128

// pendingPacket is a reliable frame waiting for its ACK.
type pendingPacket struct {
	frame    *Buffer
	timer    Timer
	gen      uint64
	attempts int
}

// queueReliable assigns the next sequence id to frame, records it for
// retransmission and sends it.
func (c *Conn) queueReliable(frame *Buffer) {
	seq := c.nextSeq
	c.nextSeq++
	setSeq(frame, seq)

	if old, ok := c.pending[seq]; ok {
		old.timer.Stop()
		c.logger.Debug("sequence id reused before ack", "conn_id", c.id, "seq", seq)
	}

	p := &pendingPacket{frame: frame}
	c.pending[seq] = p
	c.armRetry(seq, p)
	c.write(frame)
}

func (c *Conn) armRetry(seq byte, p *pendingPacket) {
	p.timer, p.gen = c.schedule(c.opts.retryInterval, func(gen uint64) {
		c.retry(seq, gen)
	})
}

func (c *Conn) retry(seq byte, gen uint64) {
	p, ok := c.pending[seq]
	if !ok || p.gen != gen {
		return
	}

	p.attempts++
	c.metrics.retransmissions.Inc()
	c.logger.Debug("retransmitting reliable packet", "conn_id", c.id, "seq", seq, "attempt", p.attempts)
	c.write(p.frame)

	if p.attempts >= c.opts.maxRetries {
		delete(c.pending, seq)
		c.metrics.reliableDropped.Inc()
		c.logger.Warn("reliable packet dropped", "conn_id", c.id, "addr", c.addr, "seq", seq,
			"error", errors.Wrapf(ErrRetryExhausted, "%d attempts", p.attempts))
		return
	}
	c.armRetry(seq, p)
}

func (c *Conn) handleAck(b *Buffer) bool {
	if !c.established(tagAck) || !c.need(b, tagAck, seqSize) {
		return false
	}
	seq, _ := b.ReadByte()

	if p, ok := c.pending[seq]; ok {
		p.timer.Stop()
		delete(c.pending, seq)
	}
	return true
}

// handleReliable acknowledges every RELIABLE packet, then delivers it in
// order or buffers it until the gap before it is filled or skipped.
func (c *Conn) handleReliable(b *Buffer) bool {
	if !c.established(tagReliable) || !c.need(b, tagReliable, seqSize) {
		return false
	}
	seq, _ := b.ReadByte()
	c.write(newAck(seq))

	switch ahead := seq - c.expected; {
	case ahead == 0:
		c.owner.received(c, b)
		c.expected++
		c.deliverBuffered()

		c.stopGap()
		if len(c.reorder) > 0 {
			c.armGap()
		}
	case ahead < seqWindow:
		c.reorder[seq] = b
		if c.gapTimer == nil {
			c.armGap()
		}
	default:
		c.logger.Debug("duplicate reliable packet dropped",
			"conn_id", c.id, "seq", seq, "expected", c.expected)
	}
	return true
}

// deliverBuffered hands over buffered packets for as long as the next
// expected id is present.
func (c *Conn) deliverBuffered() {
	for {
		b, ok := c.reorder[c.expected]
		if !ok {
			return
		}
		delete(c.reorder, c.expected)
		c.owner.received(c, b)
		c.expected++
	}
}

func (c *Conn) armGap() {
	c.gapTimer, c.gapGen = c.schedule(c.opts.gapTimeout, c.gapExpired)
}

func (c *Conn) stopGap() {
	if c.gapTimer != nil {
		c.gapTimer.Stop()
		c.gapTimer = nil
	}
}

// gapExpired gives up on the missing expected packet and delivers what
// follows it.
func (c *Conn) gapExpired(gen uint64) {
	if c.gapTimer == nil || gen != c.gapGen {
		return
	}
	c.gapTimer = nil

	c.logger.Debug("skipping missing reliable packet", "conn_id", c.id, "seq", c.expected)
	c.metrics.gapSkips.Inc()
	c.expected++
	c.deliverBuffered()

	if len(c.reorder) > 0 {
		c.armGap()
	}
}
