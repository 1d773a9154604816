package rudp

import "sync"

// mailbox is an unbounded FIFO of closures run by a connection's loop.
// Posting never blocks, so handlers may post to their own connection.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post appends ev and wakes the loop.
func (m *mailbox) post(ev func()) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// ready is signalled after at least one post since the last drain.
func (m *mailbox) ready() <-chan struct{} {
	return m.notify
}

// drain removes and returns every queued closure in post order.
func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue
	m.queue = nil
	return q
}
