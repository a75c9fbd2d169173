package connmgr

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"bluetooth-serial/internal/transport"
	"bluetooth-serial/internal/transport/loopback"
)

type trackedStream struct {
	net.Conn
	peer       transport.Peer
	closed     atomic.Bool
	failWrites atomic.Bool
}

var errBrokenLink = errors.New("broken link")

func (s *trackedStream) Peer() transport.Peer { return s.peer }

func (s *trackedStream) Write(p []byte) (int, error) {
	if s.failWrites.Load() {
		return 0, errBrokenLink
	}
	return s.Conn.Write(p)
}

func (s *trackedStream) Close() error {
	s.closed.Store(true)
	return s.Conn.Close()
}

func newTrackedStream(t *testing.T, peer transport.Peer) *trackedStream {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })
	return &trackedStream{Conn: local, peer: peer}
}

// report runs a worker outcome the way runAccept/runConnect do.
func report(m *Manager, w *worker, s transport.Stream) {
	defer close(w.done)
	defer w.cancel()
	m.connected(w, s)
}

func TestAcceptAndConnectRaceYieldsOneConnection(t *testing.T) {
	for i := 0; i < 50; i++ {
		box := NewMailbox()
		m := New(loopback.NewNetwork().Host(alpha), box)

		acceptW, connectW := newWorker(), newWorker()
		m.mu.Lock()
		m.acceptW, m.connectW = acceptW, connectW
		m.setStateLocked(StateListening)
		m.mu.Unlock()

		inbound := newTrackedStream(t, beta)
		outbound := newTrackedStream(t, beta)

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() { defer wg.Done(); <-start; report(m, acceptW, inbound) }()
		go func() { defer wg.Done(); <-start; report(m, connectW, outbound) }()
		close(start)
		wg.Wait()

		require.Equal(t, StateConnected, m.State())
		assert.True(t, inbound.closed.Load() != outbound.closed.Load(), "exactly one stream survives")

		m.mu.Lock()
		assert.NotNil(t, m.dataW)
		assert.Nil(t, m.acceptW)
		assert.Nil(t, m.connectW)
		m.mu.Unlock()

		require.NoError(t, m.Close())
		connectedCount := 0
		for _, n := range box.Drain() {
			if n.Kind == StateChanged && n.State == StateConnected {
				connectedCount++
			}
		}
		assert.Equal(t, 1, connectedCount)
	}
}

func TestConnectedFromUnexpectedStateIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	box := NewMailbox()
	m := New(loopback.NewNetwork().Host(alpha), box, WithLogger(zap.New(core)))
	defer m.Close()

	s := newTrackedStream(t, beta)
	report(m, newWorker(), s)

	assert.Equal(t, StateConnected, m.State())
	assert.False(t, s.closed.Load())
	entries := logs.FilterMessage("connected from unexpected state").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "idle", entries[0].ContextMap()["state"])
}

func TestStreamFromCanceledWorkerIsClosed(t *testing.T) {
	box := NewMailbox()
	m := New(loopback.NewNetwork().Host(alpha), box)
	defer m.Close()

	w := newWorker()
	w.cancel()
	s := newTrackedStream(t, beta)
	report(m, w, s)

	assert.Equal(t, StateIdle, m.State())
	assert.True(t, s.closed.Load())
}

func TestSendFailureDropsConnection(t *testing.T) {
	box := NewMailbox()
	m := New(loopback.NewNetwork().Host(alpha), box)
	defer m.Close()

	s := newTrackedStream(t, beta)
	m.mu.Lock()
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	report(m, newWorker(), s)
	require.Equal(t, StateConnected, m.State())

	s.failWrites.Store(true)
	err := m.Send([]byte("x"))
	var sioe *StreamIOError
	require.ErrorAs(t, err, &sioe)
	assert.Equal(t, "write", sioe.Op)
	assert.ErrorIs(t, err, errBrokenLink)
	assert.Equal(t, StateIdle, m.State())
	assert.True(t, s.closed.Load())

	lost := 0
	for _, n := range box.Drain() {
		if n.Kind == StatusText && n.Text == MsgConnectionLost {
			lost++
		}
		assert.NotEqual(t, DataWritten, n.Kind)
	}
	assert.Equal(t, 1, lost)
}
