//go:build linux

// Package rfcomm is a transport over raw AF_BLUETOOTH RFCOMM sockets.
//
// No SDP record is registered or queried: both sides must agree on a fixed
// RFCOMM channel, so only the Serial Port service identifier is accepted.
// Use the bluez transport when service lookup by UUID is required.
package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/transport"
	"bluetooth-serial/internal/transport/sockfd"
)

// DefaultChannel matches the channel the bluez transport registers.
const DefaultChannel uint8 = 22

// Options configures the transport.
type Options struct {
	// Channel is the RFCOMM channel to bind and dial. Zero means DefaultChannel.
	Channel uint8
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Transport implements transport.Transport with kernel RFCOMM sockets.
type Transport struct {
	channel uint8
	log     *zap.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New returns a raw RFCOMM transport.
func New(opts Options) *Transport {
	t := &Transport{channel: opts.Channel, log: opts.Logger}
	if t.channel == 0 {
		t.channel = DefaultChannel
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	return t
}

func checkService(service uuid.UUID) error {
	if service != transport.SerialPort {
		return fmt.Errorf("%w: %s", transport.ErrUnsupportedService, service)
	}
	return nil
}

func socket() (int, error) {
	return unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
}

// Listen binds the configured channel on any local adapter.
func (t *Transport) Listen(ctx context.Context, service uuid.UUID) (transport.Listener, error) {
	if err := checkService(service); err != nil {
		return nil, &transport.AcceptError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &transport.AcceptError{Err: err}
	}
	fd, err := socket()
	if err != nil {
		return nil, &transport.AcceptError{Err: fmt.Errorf("rfcomm: socket: %w", err)}
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: t.channel}); err != nil {
		_ = unix.Close(fd)
		return nil, &transport.AcceptError{Err: fmt.Errorf("rfcomm: bind channel %d: %w", t.channel, err)}
	}
	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return nil, &transport.AcceptError{Err: fmt.Errorf("rfcomm: listen: %w", err)}
	}
	t.log.Debug("rfcomm listening", zap.Uint8("channel", t.channel))
	return &listener{f: os.NewFile(uintptr(fd), "rfcomm-listener"), log: t.log}, nil
}

type listener struct {
	f   *os.File
	log *zap.Logger

	once     sync.Once
	closeErr error
}

// Accept waits for one connection. Cancellation is delivered through a read
// deadline so the listening socket stays usable until Close.
func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	rc, err := l.f.SyscallConn()
	if err != nil {
		return nil, &transport.AcceptError{Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = l.f.SetReadDeadline(time.Now()) })
	defer stop()

	var (
		nfd    int
		sa     unix.Sockaddr
		accErr error
	)
	err = rc.Read(func(fd uintptr) bool {
		nfd, sa, accErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return !errors.Is(accErr, unix.EAGAIN)
	})
	if ctx.Err() != nil {
		if err == nil && accErr == nil {
			_ = unix.Close(nfd)
		}
		return nil, &transport.AcceptError{Err: ctx.Err()}
	}
	if err != nil {
		return nil, &transport.AcceptError{Err: err}
	}
	if accErr != nil {
		return nil, &transport.AcceptError{Err: fmt.Errorf("rfcomm: accept: %w", accErr)}
	}

	var peer transport.Peer
	if rsa, ok := sa.(*unix.SockaddrRFCOMM); ok {
		peer.Address = FormatAddr(rsa.Addr)
	}
	l.log.Debug("rfcomm accepted", zap.String("peer", peer.Address))
	s, err := sockfd.New(nfd, "rfcomm", peer)
	if err != nil {
		return nil, &transport.AcceptError{Err: err}
	}
	return s, nil
}

func (l *listener) Close() error {
	l.once.Do(func() { l.closeErr = l.f.Close() })
	return l.closeErr
}

// Dial connects to peer.Address on the configured channel.
func (t *Transport) Dial(ctx context.Context, peer transport.Peer, service uuid.UUID) (transport.Stream, error) {
	if err := checkService(service); err != nil {
		return nil, &transport.ConnectError{Peer: peer, Err: err}
	}
	addr, err := ParseAddr(peer.Address)
	if err != nil {
		return nil, &transport.ConnectError{Peer: peer, Err: err}
	}
	fd, err := socket()
	if err != nil {
		return nil, &transport.ConnectError{Peer: peer, Err: fmt.Errorf("rfcomm: socket: %w", err)}
	}
	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: t.channel})
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, &transport.ConnectError{Peer: peer, Err: fmt.Errorf("rfcomm: connect: %w", err)}
	}

	f := os.NewFile(uintptr(fd), "rfcomm")
	if err := waitConnected(ctx, f); err != nil {
		_ = f.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &transport.ConnectError{Peer: peer, Err: err}
	}
	if err := f.SetDeadline(time.Time{}); err != nil {
		_ = f.Close()
		return nil, &transport.ConnectError{Peer: peer, Err: err}
	}
	t.log.Debug("rfcomm connected", zap.Stringer("peer", peer), zap.Uint8("channel", t.channel))
	return sockfd.File(f, peer), nil
}

// waitConnected blocks until the non-blocking connect on f completes.
func waitConnected(ctx context.Context, f *os.File) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = f.SetWriteDeadline(time.Now()) })
	defer stop()

	// The socket becomes writable once the connect attempt resolves, so the
	// first invocation only parks on the poller.
	var (
		connErr error
		waited  bool
	)
	err = rc.Write(func(fd uintptr) bool {
		if !waited {
			waited = true
			return false
		}
		soErr, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			connErr = err
		} else if soErr != 0 {
			connErr = fmt.Errorf("rfcomm: connect: %w", unix.Errno(soErr))
		}
		return true
	})
	if err != nil {
		return err
	}
	return connErr
}
