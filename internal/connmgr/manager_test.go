package connmgr

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-serial/internal/metrics"
	"bluetooth-serial/internal/transport"
	"bluetooth-serial/internal/transport/loopback"
)

var (
	alpha = transport.Peer{Address: "aa", Name: "alpha"}
	beta  = transport.Peer{Address: "bb", Name: "beta"}
)

func next(t *testing.T, box *Mailbox) Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := box.Next(ctx)
	require.NoError(t, err)
	return n
}

func expectState(t *testing.T, box *Mailbox, s State) {
	t.Helper()
	n := next(t, box)
	require.Equal(t, StateChanged, n.Kind, "got %s %q", n.Kind, n.Text)
	require.Equal(t, s, n.State)
}

func expectStatus(t *testing.T, box *Mailbox, text string) {
	t.Helper()
	n := next(t, box)
	require.Equal(t, StatusText, n.Kind)
	require.Equal(t, text, n.Text)
}

// readAll collects DataRead payloads until want bytes have arrived.
func readAll(t *testing.T, box *Mailbox, want int) []byte {
	t.Helper()
	var buf bytes.Buffer
	for buf.Len() < want {
		n := next(t, box)
		require.Equal(t, DataRead, n.Kind)
		buf.Write(n.Data)
	}
	return buf.Bytes()
}

func newManager(t *testing.T, tr transport.Transport, opts ...Option) (*Manager, *Mailbox) {
	t.Helper()
	box := NewMailbox()
	m := New(tr, box, opts...)
	t.Cleanup(func() { _ = m.Close() })
	expectState(t, box, StateIdle)
	return m, box
}

type pair struct {
	net        *loopback.Network
	a, b       *Manager
	boxA, boxB *Mailbox
}

// connectedPair returns alpha (accepted) and beta (dialed) connected to
// each other.
func connectedPair(t *testing.T, optsA ...Option) *pair {
	t.Helper()
	p := &pair{net: loopback.NewNetwork()}
	p.a, p.boxA = newManager(t, p.net.Host(alpha), optsA...)
	p.b, p.boxB = newManager(t, p.net.Host(beta))

	require.True(t, p.a.StartListening())
	expectState(t, p.boxA, StateListening)
	require.Eventually(t, func() bool { return p.net.Listening(alpha.Address, transport.SerialPort) },
		2*time.Second, 5*time.Millisecond)

	require.True(t, p.b.Connect(alpha))
	expectState(t, p.boxB, StateConnecting)
	expectState(t, p.boxB, StateConnected)
	expectState(t, p.boxA, StateConnected)
	return p
}

func TestNewPostsIdle(t *testing.T) {
	m, box := newManager(t, loopback.NewNetwork().Host(alpha))
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, box.Drain())
}

func TestStartThenStopListening(t *testing.T) {
	n := loopback.NewNetwork()
	m, box := newManager(t, n.Host(alpha))

	require.True(t, m.StartListening())
	require.True(t, m.StopListening())
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, n.Listening(alpha.Address, transport.SerialPort), "listener released")

	expectState(t, box, StateListening)
	expectState(t, box, StateIdle)
	require.NoError(t, m.Close())
	assert.Empty(t, box.Drain())
}

func TestPreconditionsAreNoOps(t *testing.T) {
	n := loopback.NewNetwork()
	m, box := newManager(t, n.Host(alpha))

	assert.False(t, m.StopListening())
	assert.False(t, m.CancelConnect())
	assert.False(t, m.Disconnect())
	assert.Empty(t, box.Drain())

	require.True(t, m.StartListening())
	assert.False(t, m.StartListening())
	assert.False(t, m.Connect(beta))
	assert.False(t, m.Disconnect())
	assert.False(t, m.CancelConnect())
	assert.Equal(t, StateListening, m.State())

	require.True(t, m.StopListening())
	assert.False(t, m.StopListening())

	expectState(t, box, StateListening)
	expectState(t, box, StateIdle)
	assert.Empty(t, box.Drain())
}

func TestSendRequiresConnection(t *testing.T) {
	m, box := newManager(t, loopback.NewNetwork().Host(alpha))

	err := m.Send([]byte("ping"))
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Empty(t, box.Drain())

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Send([]byte("ping")), ErrClosed)
	assert.False(t, m.StartListening())
}

func TestSendPing(t *testing.T) {
	p := connectedPair(t)

	require.NoError(t, p.b.Send([]byte("ping")))
	n := next(t, p.boxB)
	assert.Equal(t, DataWritten, n.Kind)
	assert.Equal(t, []byte("ping"), n.Data)

	assert.Equal(t, []byte("ping"), readAll(t, p.boxA, 4))

	require.NoError(t, p.a.Send([]byte("pong")))
	assert.Equal(t, []byte("pong"), readAll(t, p.boxB, 4))
}

func TestRoundTripIsExact(t *testing.T) {
	p := connectedPair(t, WithReadBufferSize(100))

	payload := make([]byte, 10_000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.NoError(t, p.b.Send(payload))
	assert.Equal(t, payload, readAll(t, p.boxA, len(payload)))
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	p := connectedPair(t, WithReadBufferSize(37))

	const senders, block = 8, 64
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			assert.NoError(t, p.b.Send(bytes.Repeat([]byte{b}, block)))
		}(byte('a' + i))
	}

	got := readAll(t, p.boxA, senders*block)
	wg.Wait()
	require.Len(t, got, senders*block)
	seen := map[byte]bool{}
	for off := 0; off < len(got); off += block {
		chunk := got[off : off+block]
		assert.Equal(t, bytes.Repeat(chunk[:1], block), chunk)
		seen[chunk[0]] = true
	}
	assert.Len(t, seen, senders)
}

func TestRemoteCloseIsConnectionLost(t *testing.T) {
	p := connectedPair(t)

	require.True(t, p.b.Disconnect())
	expectState(t, p.boxB, StateIdle)

	expectState(t, p.boxA, StateIdle)
	expectStatus(t, p.boxA, MsgConnectionLost)
	assert.Equal(t, StateIdle, p.a.State())

	require.NoError(t, p.a.Close())
	require.NoError(t, p.b.Close())
	assert.Empty(t, p.boxA.Drain(), "no further notifications after loss")
	assert.Empty(t, p.boxB.Drain(), "intentional disconnect posts no status")
}

func TestReconnectAfterLoss(t *testing.T) {
	p := connectedPair(t)
	require.True(t, p.a.Disconnect())
	expectState(t, p.boxA, StateIdle)
	expectState(t, p.boxB, StateIdle)
	expectStatus(t, p.boxB, MsgConnectionLost)

	require.True(t, p.b.StartListening())
	expectState(t, p.boxB, StateListening)
	require.Eventually(t, func() bool { return p.net.Listening(beta.Address, transport.SerialPort) },
		2*time.Second, 5*time.Millisecond)
	require.True(t, p.a.Connect(beta))
	expectState(t, p.boxA, StateConnecting)
	expectState(t, p.boxA, StateConnected)
	expectState(t, p.boxB, StateConnected)

	require.NoError(t, p.a.Send([]byte("again")))
	assert.Equal(t, []byte("again"), readAll(t, p.boxB, 5))
}

func TestConnectFailed(t *testing.T) {
	m, box := newManager(t, loopback.NewNetwork().Host(beta))

	require.True(t, m.Connect(alpha))
	expectState(t, box, StateConnecting)
	expectState(t, box, StateIdle)
	expectStatus(t, box, MsgConnectFailed)
	assert.Equal(t, StateIdle, m.State())
}

func TestAcceptFailed(t *testing.T) {
	n := loopback.NewNetwork()
	host := n.Host(alpha)
	busy, err := host.Listen(context.Background(), transport.SerialPort)
	require.NoError(t, err)
	defer busy.Close()

	m, box := newManager(t, host)
	require.True(t, m.StartListening())
	expectState(t, box, StateListening)
	expectState(t, box, StateIdle)
	expectStatus(t, box, MsgAcceptFailed)
}

func TestCancelConnectStopsDial(t *testing.T) {
	n := loopback.NewNetwork()
	// A listener that never accepts keeps the dial blocked.
	ln, err := n.Host(alpha).Listen(context.Background(), transport.SerialPort)
	require.NoError(t, err)
	defer ln.Close()

	m, box := newManager(t, n.Host(beta))
	require.True(t, m.Connect(alpha))
	expectState(t, box, StateConnecting)

	require.True(t, m.CancelConnect())
	assert.Equal(t, StateIdle, m.State())
	expectState(t, box, StateIdle)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "canceled dial must not be pending")

	require.NoError(t, m.Close())
	assert.Empty(t, box.Drain())
}

func TestConnectWhileConnectedIsNoOp(t *testing.T) {
	p := connectedPair(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.False(t, p.a.Connect(beta))
			assert.False(t, p.a.StartListening())
		}()
	}
	wg.Wait()
	assert.Equal(t, StateConnected, p.a.State())
	assert.Empty(t, p.boxA.Drain())
}

func TestCloseTearsDownConnection(t *testing.T) {
	p := connectedPair(t)

	require.NoError(t, p.a.Close())
	assert.Equal(t, StateIdle, p.a.State())
	expectState(t, p.boxA, StateIdle)

	expectState(t, p.boxB, StateIdle)
	expectStatus(t, p.boxB, MsgConnectionLost)

	require.NoError(t, p.a.Close())
	assert.False(t, p.a.Disconnect())
}

func TestCloseWhileListening(t *testing.T) {
	n := loopback.NewNetwork()
	m, box := newManager(t, n.Host(alpha))
	require.True(t, m.StartListening())
	require.NoError(t, m.Close())

	expectState(t, box, StateListening)
	expectState(t, box, StateIdle)
	assert.False(t, n.Listening(alpha.Address, transport.SerialPort))
}

func TestMetricsFollowTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newManager(t, loopback.NewNetwork().Host(alpha), WithMetrics(metrics.New(reg)))

	require.True(t, m.StartListening())
	require.True(t, m.StopListening())

	expected := `
# HELP btserial_state_transitions_total State transitions by source and destination state.
# TYPE btserial_state_transitions_total counter
btserial_state_transitions_total{from="idle",to="listening"} 1
btserial_state_transitions_total{from="listening",to="idle"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "btserial_state_transitions_total"))
}
