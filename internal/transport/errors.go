package transport

import (
	"errors"
	"fmt"
)

// ErrUnsupportedService is returned by transports that can only serve a
// fixed service identifier.
var ErrUnsupportedService = errors.New("transport: unsupported service")

// AcceptError reports a failure to set up a listener or to accept on it.
type AcceptError struct {
	Err error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("transport: accept: %v", e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

// ConnectError reports that a peer was unreachable, refused the
// connection, timed out, or that the attempt was canceled.
type ConnectError struct {
	Peer Peer
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.Peer, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AsAcceptError returns err as an *AcceptError, wrapping it if needed.
// A nil err yields nil.
func AsAcceptError(err error) error {
	if err == nil {
		return nil
	}
	var ae *AcceptError
	if errors.As(err, &ae) {
		return err
	}
	return &AcceptError{Err: err}
}

// AsConnectError returns err as a *ConnectError for peer, wrapping it if
// needed. A nil err yields nil.
func AsConnectError(peer Peer, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectError{Peer: peer, Err: err}
}
