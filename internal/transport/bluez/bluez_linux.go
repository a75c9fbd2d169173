//go:build linux

// Package bluez implements transport.Transport on top of the BlueZ D-Bus API.
//
// Listening registers an org.bluez.Profile1 object in the "server" role and
// waits for BlueZ to hand over one RFCOMM socket through NewConnection.
// Dialing registers a short-lived "client" profile, asks the device to
// ConnectProfile, and waits for the same hand-over. Pairing, if required,
// must be handled by an Agent registered outside this package.
package bluez

import (
	"context"
	"fmt"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/transport"
	"bluetooth-serial/internal/transport/sockfd"
)

// DefaultChannel is the fixed RFCOMM channel requested for the server profile.
const DefaultChannel uint16 = 22

// Options configures the transport.
type Options struct {
	// ServiceName is published as the SDP service name (RegisterProfile "Name").
	ServiceName string
	// Channel is the RFCOMM channel for the server profile; zero means DefaultChannel.
	Channel uint16
	// Adapter is the controller used to build device paths; defaults to "hci0".
	Adapter string
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Transport is safe for concurrent use.
type Transport struct {
	bus  *dbus.Conn
	opts Options
	log  *zap.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New returns a transport using bus. The caller keeps ownership of bus.
func New(bus *dbus.Conn, opts Options) *Transport {
	if opts.Channel == 0 {
		opts.Channel = DefaultChannel
	}
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "Serial Port"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{bus: bus, opts: opts, log: log}
}

func openFD(fd int, peer transport.Peer) (transport.Stream, error) {
	return sockfd.New(fd, "rfcomm", peer)
}

func discardFD(fd int) { _ = unix.Close(fd) }

func (t *Transport) profileManager() dbus.BusObject {
	return t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
}

// register exports a new profile and registers it with BlueZ. The returned
// release func undoes both and is safe to call once.
func (t *Transport) register(ctx context.Context, role string, service uuid.UUID, opts map[string]dbus.Variant) (*profile, func() error, error) {
	prof := newProfile(openFD, discardFD, t.log)
	path := nextProfilePath(role)
	if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, nil, fmt.Errorf("bluez: export %s profile: %w", role, err)
	}
	pm := t.profileManager()
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, service.String(), opts); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return nil, nil, fmt.Errorf("bluez: RegisterProfile(%s): %w", role, call.Err)
	}
	release := func() error {
		prof.shutdown()
		err := pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		if err != nil {
			err = fmt.Errorf("bluez: UnregisterProfile(%s): %w", role, err)
		}
		return multierr.Append(err, t.bus.Export(nil, path, profileInterfaceName))
	}
	return prof, release, nil
}

// Listen registers a server profile for service on the configured channel.
func (t *Transport) Listen(ctx context.Context, service uuid.UUID) (transport.Listener, error) {
	opts := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(t.opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(t.opts.Channel),
	}
	prof, release, err := t.register(ctx, "server", service, opts)
	if err != nil {
		return nil, &transport.AcceptError{Err: err}
	}
	t.log.Debug("bluez server profile registered",
		zap.Stringer("service", service), zap.Uint16("channel", t.opts.Channel))
	return &listener{t: t, prof: prof, release: release}, nil
}

type listener struct {
	t       *Transport
	prof    *profile
	release func() error

	once     sync.Once
	closeErr error
}

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case r := <-l.prof.result():
		if r.err != nil {
			return nil, &transport.AcceptError{Err: r.err}
		}
		l.t.log.Info("bluez accepted connection", zap.Stringer("peer", r.stream.Peer()))
		return r.stream, nil
	case <-l.prof.closed:
		return nil, &transport.AcceptError{Err: errProfileClosed}
	case <-ctx.Done():
		return nil, &transport.AcceptError{Err: ctx.Err()}
	}
}

func (l *listener) Close() error {
	l.once.Do(func() { l.closeErr = l.release() })
	return l.closeErr
}

// Dial connects to peer.Address (a Bluetooth MAC) through ConnectProfile.
func (t *Transport) Dial(ctx context.Context, peer transport.Peer, service uuid.UUID) (transport.Stream, error) {
	if peer.Address == "" {
		return nil, &transport.ConnectError{Peer: peer, Err: fmt.Errorf("bluez: device address required")}
	}
	prof, release, err := t.register(ctx, "client", service, map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	})
	if err != nil {
		return nil, &transport.ConnectError{Peer: peer, Err: err}
	}
	defer func() {
		if err := release(); err != nil {
			t.log.Debug("bluez client profile release", zap.Error(err))
		}
	}()

	devObj := t.bus.Object(bluezService, devicePath(t.opts.Adapter, peer.Address))
	if err := t.ensurePaired(ctx, devObj); err != nil {
		return nil, &transport.ConnectError{Peer: peer, Err: err}
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, service.String()); call.Err != nil {
		if ctx.Err() != nil {
			return nil, &transport.ConnectError{Peer: peer, Err: ctx.Err()}
		}
		return nil, &transport.ConnectError{Peer: peer, Err: fmt.Errorf("bluez: ConnectProfile: %w", call.Err)}
	}

	select {
	case r := <-prof.result():
		if r.err != nil {
			return nil, &transport.ConnectError{Peer: peer, Err: r.err}
		}
		t.log.Info("bluez connected", zap.Stringer("peer", peer))
		return &namedStream{Stream: r.stream, peer: peer}, nil
	case <-ctx.Done():
		_ = devObj.Call(deviceIface+".DisconnectProfile", 0, service.String()).Err
		return nil, &transport.ConnectError{Peer: peer, Err: ctx.Err()}
	}
}

// ensurePaired pairs the device through the registered Agent if the Paired
// property reads false. Errors reading the property are ignored.
func (t *Transport) ensurePaired(ctx context.Context, devObj dbus.BusObject) error {
	var paired dbus.Variant
	call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired")
	if call.Err != nil || call.Store(&paired) != nil {
		return nil
	}
	if b, ok := paired.Value().(bool); ok && !b {
		if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
			return fmt.Errorf("bluez: Pair: %w", err)
		}
	}
	return nil
}

// namedStream keeps the caller's Peer (with its display name) instead of the
// address-only peer derived from the object path.
type namedStream struct {
	transport.Stream
	peer transport.Peer
}

func (s *namedStream) Peer() transport.Peer { return s.peer }
