package transport

import (
	"errors"
	"sync"
)

// ErrConnClosed indicates an operation on a connection that has already
// been closed.
var ErrConnClosed = errors.New("connection closed")

// DefaultOutboundQueueSize bounds the per-connection outbound queue when
// no explicit size is configured.
const DefaultOutboundQueueSize = 256

// Conn is an open connection to a single peer. Implementations must make
// Send safe for concurrent use and non-blocking: a full queue drops the
// oldest pending envelope rather than stalling the caller.
type Conn interface {
	// Send enqueues an envelope for delivery. It reports false if the
	// connection is closed; a true return means queued, not delivered.
	Send(env Envelope) bool

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// RemoteAddr describes the far end for logging.
	RemoteAddr() string
}

// Outbox is the bounded per-connection outbound queue shared by Conn
// implementations. Overflow policy is drop-oldest: live pushes and
// signaling are best-effort, and a stale frame is worth less than a
// fresh one.
type Outbox struct {
	mu      sync.Mutex
	ch      chan Envelope
	closed  bool
	dropped uint64
}

// NewOutbox creates an outbox holding at most size envelopes. A size of
// zero or less falls back to DefaultOutboundQueueSize.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboundQueueSize
	}
	return &Outbox{ch: make(chan Envelope, size)}
}

// Push enqueues env, evicting the oldest queued envelope when full.
// It reports false once the outbox is closed.
func (o *Outbox) Push(env Envelope) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	for {
		select {
		case o.ch <- env:
			return true
		default:
		}
		select {
		case <-o.ch:
			o.dropped++
		default:
		}
	}
}

// C exposes the drain side for the connection's writer loop. The channel
// is closed when the outbox is closed.
func (o *Outbox) C() <-chan Envelope {
	return o.ch
}

// Close marks the outbox closed and closes the drain channel. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}

// Dropped returns how many envelopes were evicted due to backpressure.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
