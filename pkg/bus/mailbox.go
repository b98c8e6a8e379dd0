package bus

import (
	"context"
	"sync/atomic"

	"github.com/convergio/converge/pkg/protocol"
)

var (
	errMailboxFull   = &Error{Code: "MAILBOX_FULL", Message: "subscriber mailbox is full"}
	errMailboxClosed = &Error{Code: "MAILBOX_CLOSED", Message: "subscriber mailbox is closed"}
)

// mailbox is a bounded, closable envelope queue feeding one subscriber's
// delivery loop. Sends never block: a full mailbox signals backpressure to
// the publisher, which drops the message (at-most-once delivery).
//
// Shutdown is signalled through done rather than by closing ch, so ch is
// never closed and a send racing close cannot panic; it observes done and
// reports the mailbox closed instead.
type mailbox struct {
	ch     chan protocol.Envelope
	done   chan struct{}
	closed atomic.Bool
}

func newMailbox(capacity int) *mailbox {
	if capacity < 1 {
		capacity = 100
	}
	return &mailbox{
		ch:   make(chan protocol.Envelope, capacity),
		done: make(chan struct{}),
	}
}

func (mb *mailbox) send(env protocol.Envelope) error {
	select {
	case <-mb.done:
		return errMailboxClosed
	default:
	}
	select {
	case mb.ch <- env:
		return nil
	case <-mb.done:
		return errMailboxClosed
	default:
		return errMailboxFull
	}
}

// receive blocks until an envelope is available, the mailbox closes, or ctx
// is cancelled. Envelopes still buffered at close time may be dropped.
func (mb *mailbox) receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-mb.ch:
		return env, nil
	case <-mb.done:
		return protocol.Envelope{}, errMailboxClosed
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (mb *mailbox) close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
