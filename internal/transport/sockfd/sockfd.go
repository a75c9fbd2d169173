//go:build linux

// Package sockfd turns raw socket file descriptors into streams that the Go
// runtime poller manages, so Close reliably unblocks a pending Read.
package sockfd

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/transport"
)

// Stream is a transport.Stream backed by a socket FD.
type Stream struct {
	f    *os.File
	peer transport.Peer

	once     sync.Once
	closeErr error
}

var _ transport.Stream = (*Stream)(nil)

// New takes ownership of fd. The descriptor is switched to non-blocking mode
// before it is wrapped; on error fd is closed.
func New(fd int, name string, peer transport.Peer) (*Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("sockfd: set nonblock: %w", err)
	}
	return &Stream{f: os.NewFile(uintptr(fd), name), peer: peer}, nil
}

// File wraps an already non-blocking *os.File.
func File(f *os.File, peer transport.Peer) *Stream {
	return &Stream{f: f, peer: peer}
}

func (s *Stream) Read(p []byte) (int, error)  { return s.f.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *Stream) Peer() transport.Peer        { return s.peer }

// Close is idempotent; later calls return the first result.
func (s *Stream) Close() error {
	s.once.Do(func() { s.closeErr = s.f.Close() })
	return s.closeErr
}
