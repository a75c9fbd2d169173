package connmgr

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"bluetooth-serial/internal/transport"
)

// Manager owns the connection state and at most one accept, one connect and
// one data worker at a time.
type Manager struct {
	transport transport.Transport
	sink      Sink
	opts      options
	log       *zap.Logger

	mu       sync.Mutex
	state    State
	closed   bool
	acceptW  *worker
	connectW *worker
	dataW    *dataWorker

	// wg tracks every goroutine the manager started.
	wg sync.WaitGroup
}

// New returns an idle manager. The initial StateChanged(Idle) is posted to
// sink before New returns.
func New(t transport.Transport, sink Sink, opts ...Option) *Manager {
	o := options{log: zap.NewNop(), readBuffer: DefaultReadBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	m := &Manager{
		transport: t,
		sink:      sink,
		opts:      o,
		log:       o.log,
		state:     StateIdle,
	}
	m.sink.Post(Notification{Kind: StateChanged, State: StateIdle})
	m.opts.metrics.Transition("", StateIdle.String())
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	m.state = to
	m.log.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	m.sink.Post(Notification{Kind: StateChanged, State: to})
	m.opts.metrics.Transition(from.String(), to.String())
}

func (m *Manager) statusLocked(text string) {
	m.sink.Post(Notification{Kind: StatusText, Text: text})
	m.opts.metrics.Status(text)
}

func (m *Manager) spawn(f func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
}

// ignoredLocked logs a no-op caused by an unmet precondition.
func (m *Manager) ignoredLocked(op string) {
	m.log.Debug("operation ignored", zap.String("op", op), zap.Stringer("state", m.state), zap.Bool("closed", m.closed))
}

// StartListening moves Idle to Listening and starts waiting for a peer.
func (m *Manager) StartListening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateIdle {
		m.ignoredLocked("start-listening")
		return false
	}
	w := newWorker()
	m.acceptW = w
	m.setStateLocked(StateListening)
	m.spawn(func() { m.runAccept(w) })
	return true
}

// StopListening moves Listening to Idle. It returns after the accept worker
// has exited and released its listener.
func (m *Manager) StopListening() bool {
	m.mu.Lock()
	if m.state != StateListening {
		m.ignoredLocked("stop-listening")
		m.mu.Unlock()
		return false
	}
	w := m.acceptW
	m.acceptW = nil
	m.setStateLocked(StateIdle)
	if w != nil {
		w.cancel()
	}
	m.mu.Unlock()

	if w != nil {
		w.wait()
	}
	return true
}

// Connect moves Idle to Connecting and dials peer.
func (m *Manager) Connect(peer transport.Peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateIdle {
		m.ignoredLocked("connect")
		return false
	}
	w := newWorker()
	m.connectW = w
	m.setStateLocked(StateConnecting)
	m.log.Info("connecting", zap.Stringer("peer", peer))
	m.spawn(func() { m.runConnect(w, peer) })
	return true
}

// CancelConnect moves Connecting to Idle. It returns after the connect
// worker has exited.
func (m *Manager) CancelConnect() bool {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.ignoredLocked("cancel-connect")
		m.mu.Unlock()
		return false
	}
	w := m.connectW
	m.connectW = nil
	m.setStateLocked(StateIdle)
	if w != nil {
		w.cancel()
	}
	m.mu.Unlock()

	if w != nil {
		w.wait()
	}
	return true
}

// Disconnect moves Connected to Idle, closing the stream. It returns after
// the read loop has exited. No StatusText is posted.
func (m *Manager) Disconnect() bool {
	m.mu.Lock()
	if m.state != StateConnected {
		m.ignoredLocked("disconnect")
		m.mu.Unlock()
		return false
	}
	w := m.dataW
	m.dataW = nil
	m.setStateLocked(StateIdle)
	if w != nil {
		w.stop()
	}
	m.mu.Unlock()

	if w != nil {
		w.wait()
		if w.closeErr != nil {
			m.log.Debug("close stream", zap.Error(w.closeErr))
		}
	}
	return true
}

// Send writes p to the connected peer and posts DataWritten on success.
// It fails with ErrInvalidOperation unless Connected. A write failure is
// returned as *StreamIOError and drops the connection.
func (m *Manager) Send(p []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	w := m.dataW
	if m.state != StateConnected || w == nil {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: send while %s", ErrInvalidOperation, state)
	}
	m.mu.Unlock()

	if err := m.write(w, p); err != nil {
		m.connectionLost(w, err)
		return err
	}
	return nil
}

// Close stops whatever is running, returns to Idle and waits for every
// goroutine the manager started. Later operations are no-ops. The returned
// error combines stream close failures.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return nil
	}
	m.closed = true
	var stale []*worker
	for _, w := range []*worker{m.acceptW, m.connectW} {
		if w != nil {
			w.cancel()
			stale = append(stale, w)
		}
	}
	dw := m.dataW
	if dw != nil {
		dw.stop()
	}
	m.acceptW, m.connectW, m.dataW = nil, nil, nil
	if m.state != StateIdle {
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()

	for _, w := range stale {
		w.wait()
	}
	var err error
	if dw != nil {
		dw.wait()
		err = multierr.Append(err, dw.closeErr)
	}
	m.wg.Wait()
	m.log.Debug("manager closed")
	return err
}

// connected is reported by an accept or connect worker holding a fresh
// stream. It has no state precondition: an inbound accept may race an
// outbound connect and either may win. Only a worker the manager already
// canceled is ignored, and its stream is closed.
func (m *Manager) connected(from *worker, s transport.Stream) {
	m.mu.Lock()
	if from.canceled() {
		m.mu.Unlock()
		m.log.Debug("discarding stream from canceled worker", zap.Stringer("peer", s.Peer()))
		_ = s.Close()
		return
	}

	prev := m.state
	if prev != StateListening && prev != StateConnecting {
		m.log.Warn("connected from unexpected state", zap.Stringer("state", prev), zap.Stringer("peer", s.Peer()))
	}

	// Every other occupant is canceled before the new data worker starts.
	var stale []*worker
	if m.acceptW == from {
		m.acceptW = nil
	} else if m.acceptW != nil {
		m.acceptW.cancel()
		stale = append(stale, m.acceptW)
		m.acceptW = nil
	}
	if m.connectW == from {
		m.connectW = nil
	} else if m.connectW != nil {
		m.connectW.cancel()
		stale = append(stale, m.connectW)
		m.connectW = nil
	}
	if m.dataW != nil {
		m.dataW.stop()
		stale = append(stale, m.dataW.worker)
		m.dataW = nil
	}

	dw := newDataWorker(s)
	m.dataW = dw
	m.setStateLocked(StateConnected)
	m.log.Info("connected", zap.Stringer("peer", s.Peer()))
	m.spawn(func() { m.runRead(dw) })
	m.mu.Unlock()

	for _, w := range stale {
		w.wait()
	}
}

func (m *Manager) acceptFailed(w *worker, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.canceled() || m.acceptW != w {
		m.log.Debug("accept worker stopped", zap.Error(err))
		return
	}
	m.acceptW = nil
	if m.state != StateListening {
		return
	}
	m.log.Info("accept failed", zap.Error(err))
	m.setStateLocked(StateIdle)
	m.statusLocked(MsgAcceptFailed)
}

func (m *Manager) connectFailed(w *worker, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.canceled() || m.connectW != w {
		m.log.Debug("connect worker stopped", zap.Error(err))
		return
	}
	m.connectW = nil
	if m.state != StateConnecting {
		return
	}
	m.log.Info("connect failed", zap.Error(err))
	m.setStateLocked(StateIdle)
	m.statusLocked(MsgConnectFailed)
}

// connectionLost may be called from the read loop itself, so it stops the
// worker without waiting for it.
func (m *Manager) connectionLost(w *dataWorker, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.canceled() || m.dataW != w {
		m.log.Debug("data worker stopped", zap.Error(err))
		return
	}
	m.dataW = nil
	w.stop()
	if m.state != StateConnected {
		return
	}
	m.log.Info("connection lost", zap.Stringer("peer", w.stream.Peer()), zap.Error(err))
	m.setStateLocked(StateIdle)
	m.statusLocked(MsgConnectionLost)
}
