//go:build linux

package sockfd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/transport"
)

func socketPair(t *testing.T) (*Stream, *Stream) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	a, err := New(fds[0], "a", transport.Peer{Address: "b"})
	require.NoError(t, err)
	b, err := New(fds[1], "b", transport.Peer{Address: "a"})
	require.NoError(t, err)
	return a, b
}

func TestStreamReadWrite(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	_, err := a.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, "a", b.Peer().Address)
}

func TestCloseUnblocksRead(t *testing.T) {
	a, b := socketPair(t)
	defer b.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 8))
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after close")
	}
}
