// Package connmgr manages a single point-to-point serial connection: it
// listens for one inbound peer or dials one outbound peer, then exchanges raw
// bytes with it, driven by an explicit state machine.
//
// Thread-safety: every Manager method is safe for concurrent use. State is
// changed only by the Manager, under its mutex; worker goroutines report
// outcomes back to it. Operations whose state precondition is not met are
// no-ops and return false, except Send, which returns ErrInvalidOperation.
package connmgr

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bluetooth-serial/internal/metrics"
)

// State is the connection state. Exactly one value holds at any instant.
type State int

const (
	StateIdle State = iota
	StateListening
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kind tags a Notification.
type Kind int

const (
	StateChanged Kind = iota
	DataRead
	DataWritten
	StatusText
)

func (k Kind) String() string {
	switch k {
	case StateChanged:
		return "state-changed"
	case DataRead:
		return "data-read"
	case DataWritten:
		return "data-written"
	case StatusText:
		return "status"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Notification is posted to the Sink. Only the field matching Kind is set:
// State for StateChanged, Data for DataRead and DataWritten (the slice is
// owned by the receiver), Text for StatusText.
type Notification struct {
	Kind  Kind
	State State
	Data  []byte
	Text  string
}

// Sink receives notifications. Post must not block for long; it is called
// while the manager holds its lock so that StateChanged notifications appear
// in transition order.
type Sink interface {
	Post(Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

func (f SinkFunc) Post(n Notification) { f(n) }

// Status messages posted with StatusText.
const (
	MsgAcceptFailed   = "Unable to accept device"
	MsgConnectFailed  = "Unable to connect device"
	MsgConnectionLost = "Device connection was lost"
)

var (
	// ErrInvalidOperation is returned by Send when no connection is up.
	ErrInvalidOperation = errors.New("connmgr: invalid operation")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("connmgr: closed")
)

// StreamIOError reports a read or write failure on an established stream.
type StreamIOError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *StreamIOError) Error() string {
	return fmt.Sprintf("connmgr: stream %s: %v", e.Op, e.Err)
}

func (e *StreamIOError) Unwrap() error { return e.Err }

// DefaultReadBufferSize is the size of each read issued by the data worker.
const DefaultReadBufferSize = 1024

type options struct {
	log        *zap.Logger
	metrics    *metrics.Metrics
	readBuffer int
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records state transitions and byte counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithReadBufferSize sets the per-read buffer size. Non-positive values are
// ignored.
func WithReadBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readBuffer = n
		}
	}
}
