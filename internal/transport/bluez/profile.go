package bluez

import (
	"errors"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"bluetooth-serial/internal/transport"
)

var errProfileClosed = errors.New("bluez: profile closed")

type connResult struct {
	stream transport.Stream
	err    error
}

// profile implements org.bluez.Profile1 and hands exactly one RFCOMM FD to
// the goroutine waiting on ch. Later connections are rejected.
type profile struct {
	open    func(fd int, peer transport.Peer) (transport.Stream, error)
	discard func(fd int)
	log     *zap.Logger

	ch     chan connResult // buffered, capacity 1
	closed chan struct{}

	mu        sync.Mutex
	delivered bool
	done      bool
}

func newProfile(open func(int, transport.Peer) (transport.Stream, error), discard func(int), log *zap.Logger) *profile {
	return &profile{
		open:    open,
		discard: discard,
		log:     log,
		ch:      make(chan connResult, 1),
		closed:  make(chan struct{}),
	}
}

func rejected(reason string) *dbus.Error {
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{reason}}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the stream owner closes the FD.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.delivered {
		p.discard(int(fd))
		p.log.Debug("bluez rejected extra connection", zap.String("device", string(dev)))
		return rejected("already connected")
	}
	peer := transport.Peer{Address: macFromPath(dev)}
	s, err := p.open(int(fd), peer)
	if err != nil {
		p.ch <- connResult{err: err}
	} else {
		p.ch <- connResult{stream: s}
	}
	p.delivered = true
	return nil
}

func (p *profile) result() <-chan connResult { return p.ch }

// shutdown stops accepting and closes a delivered but unclaimed stream.
func (p *profile) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	close(p.closed)
	select {
	case r := <-p.ch:
		if r.stream != nil {
			_ = r.stream.Close()
		}
	default:
	}
}
