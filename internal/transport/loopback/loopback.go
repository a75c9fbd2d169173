// Package loopback is an in-process transport. Hosts attached to the same
// Network can listen and dial each other by address; connected streams are
// synchronous net.Pipe pairs.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"bluetooth-serial/internal/transport"
)

var (
	// ErrRefused is returned by Dial when nobody listens on the address.
	ErrRefused = errors.New("loopback: connection refused")
	// ErrAddrInUse is returned by Listen when the address already listens.
	ErrAddrInUse = errors.New("loopback: address already in use")
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("loopback: listener closed")
)

type key struct {
	addr    string
	service uuid.UUID
}

// Network connects hosts. The zero value is not usable; use NewNetwork.
type Network struct {
	mu        sync.Mutex
	listeners map[key]*listener
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[key]*listener)}
}

// Listening reports whether a listener is registered for service at addr.
func (n *Network) Listening(addr string, service uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.listeners[key{addr: addr, service: service}]
	return ok
}

// Host returns a transport bound to self on this network.
func (n *Network) Host(self transport.Peer) *Host {
	return &Host{net: n, self: self}
}

// Host is a transport.Transport attached to a Network.
type Host struct {
	net  *Network
	self transport.Peer
}

var _ transport.Transport = (*Host)(nil)

// Listen registers a listener for service at the host's address.
func (h *Host) Listen(ctx context.Context, service uuid.UUID) (transport.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, &transport.AcceptError{Err: err}
	}
	k := key{addr: h.self.Address, service: service}
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	if _, ok := h.net.listeners[k]; ok {
		return nil, &transport.AcceptError{Err: fmt.Errorf("%w: %s", ErrAddrInUse, h.self.Address)}
	}
	l := &listener{
		net:      h.net,
		key:      k,
		incoming: make(chan *pipeStream),
		closed:   make(chan struct{}),
	}
	h.net.listeners[k] = l
	return l, nil
}

// Dial connects to peer. It blocks until the remote listener accepts, the
// listener closes, or ctx is done.
func (h *Host) Dial(ctx context.Context, peer transport.Peer, service uuid.UUID) (transport.Stream, error) {
	h.net.mu.Lock()
	l := h.net.listeners[key{addr: peer.Address, service: service}]
	h.net.mu.Unlock()
	if l == nil {
		return nil, &transport.ConnectError{Peer: peer, Err: ErrRefused}
	}

	local, remote := net.Pipe()
	theirs := &pipeStream{Conn: remote, peer: h.self}
	select {
	case l.incoming <- theirs:
		return &pipeStream{Conn: local, peer: peer}, nil
	case <-l.closed:
		_ = local.Close()
		_ = remote.Close()
		return nil, &transport.ConnectError{Peer: peer, Err: ErrRefused}
	case <-ctx.Done():
		_ = local.Close()
		_ = remote.Close()
		return nil, &transport.ConnectError{Peer: peer, Err: ctx.Err()}
	}
}

type listener struct {
	net      *Network
	key      key
	incoming chan *pipeStream
	closed   chan struct{}
	once     sync.Once
}

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-l.incoming:
		return s, nil
	case <-l.closed:
		return nil, &transport.AcceptError{Err: ErrListenerClosed}
	case <-ctx.Done():
		return nil, &transport.AcceptError{Err: ctx.Err()}
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		l.net.mu.Lock()
		if l.net.listeners[l.key] == l {
			delete(l.net.listeners, l.key)
		}
		l.net.mu.Unlock()
		close(l.closed)
	})
	return nil
}

type pipeStream struct {
	net.Conn
	peer transport.Peer
}

func (s *pipeStream) Peer() transport.Peer { return s.peer }
