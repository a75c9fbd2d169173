// Package transport defines the byte-stream primitives the connection
// manager is built on: listening for one inbound RFCOMM connection, dialing
// one peer, and the stream that results from either.
//
// Implementations do not retry. A failed Listen/Accept surfaces once as an
// *AcceptError and a failed Dial as a *ConnectError; retry policy belongs to
// the caller.
package transport

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// SerialPort is the Serial Port Profile UUID. Both the accepting and the
// dialing side must use it.
var SerialPort = uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB")

// Peer identifies a remote device. Address is the stable identifier (a
// Bluetooth address such as "00:11:22:33:44:55", or an opaque name for the
// loopback transport); Name is for display only and may be empty.
type Peer struct {
	Address string
	Name    string
}

func (p Peer) String() string {
	if p.Name == "" {
		return p.Address
	}
	return p.Name + " [" + p.Address + "]"
}

// Stream is an open bidirectional byte channel bound to one peer.
// Close must be safe to call more than once and must unblock a pending Read.
type Stream interface {
	io.ReadWriteCloser
	Peer() Peer
}

// Listener waits for inbound connections on one service.
type Listener interface {
	// Accept blocks until a peer connects or ctx is canceled.
	Accept(ctx context.Context) (Stream, error)
	// Close releases the listening resource. It is idempotent.
	Close() error
}

// Transport is the contract between the connection manager and a concrete
// Bluetooth (or test) stack.
type Transport interface {
	// Listen prepares to accept connections for service.
	Listen(ctx context.Context, service uuid.UUID) (Listener, error)
	// Dial connects to peer's service. It blocks until connected, refused,
	// timed out or ctx is canceled.
	Dial(ctx context.Context, peer Peer, service uuid.UUID) (Stream, error)
}
