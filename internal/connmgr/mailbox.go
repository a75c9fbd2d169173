package connmgr

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Next once the mailbox is closed and drained.
var ErrMailboxClosed = errors.New("connmgr: mailbox closed")

// Mailbox is an unbounded, ordered Sink. Post never blocks. It is meant for
// a single consumer calling Next; producers may be many.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Notification
	closed bool
	wake   chan struct{}
}

var _ Sink = (*Mailbox)(nil)

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{wake: make(chan struct{}, 1)}
}

// Post appends n. Posts after Close are dropped.
func (b *Mailbox) Post(n Notification) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, n)
	b.mu.Unlock()
	b.signal()
}

func (b *Mailbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Next returns the oldest notification, waiting until one is posted, the
// mailbox is closed, or ctx is done.
func (b *Mailbox) Next(ctx context.Context) (Notification, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			n := b.queue[0]
			b.queue[0] = Notification{}
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return n, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Notification{}, ErrMailboxClosed
		}

		select {
		case <-b.wake:
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		}
	}
}

// Drain removes and returns everything queued without waiting.
func (b *Mailbox) Drain() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}

// Close stops accepting posts. Queued notifications can still be read.
func (b *Mailbox) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}
