package connmgr

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"bluetooth-serial/internal/transport"
)

// worker is the cancel/join handle of one background goroutine.
type worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker() *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (w *worker) canceled() bool { return w.ctx.Err() != nil }

func (w *worker) wait() { <-w.done }

// runAccept listens once. The listener is released before the outcome is
// reported, so a failed or finished worker holds no transport resources.
func (m *Manager) runAccept(w *worker) {
	defer close(w.done)
	defer w.cancel()

	ln, err := m.transport.Listen(w.ctx, transport.SerialPort)
	if err != nil {
		m.acceptFailed(w, transport.AsAcceptError(err))
		return
	}
	s, err := ln.Accept(w.ctx)
	if cerr := ln.Close(); cerr != nil {
		m.log.Debug("close listener", zap.Error(cerr))
	}
	if err != nil {
		m.acceptFailed(w, transport.AsAcceptError(err))
		return
	}
	m.connected(w, s)
}

// runConnect dials peer once.
func (m *Manager) runConnect(w *worker, peer transport.Peer) {
	defer close(w.done)
	defer w.cancel()

	s, err := m.transport.Dial(w.ctx, peer, transport.SerialPort)
	if err != nil {
		m.connectFailed(w, transport.AsConnectError(peer, err))
		return
	}
	m.connected(w, s)
}

// dataWorker owns one stream: a read loop goroutine plus serialized writes.
type dataWorker struct {
	*worker
	stream transport.Stream

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newDataWorker(s transport.Stream) *dataWorker {
	return &dataWorker{worker: newWorker(), stream: s}
}

// stop marks the worker canceled, then closes the stream to unblock the
// read loop. It does not wait.
func (w *dataWorker) stop() {
	w.cancel()
	w.closeOnce.Do(func() { w.closeErr = w.stream.Close() })
}

func (m *Manager) runRead(w *dataWorker) {
	defer close(w.done)

	buf := make([]byte, m.opts.readBuffer)
	for {
		n, err := w.stream.Read(buf)
		if n > 0 && !w.canceled() {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.sink.Post(Notification{Kind: DataRead, Data: data})
			m.opts.metrics.Read(n)
		}
		if err != nil {
			if w.canceled() {
				m.log.Debug("read loop stopped", zap.Stringer("peer", w.stream.Peer()))
				return
			}
			m.connectionLost(w, &StreamIOError{Op: "read", Err: err})
			return
		}
	}
}

// write sends p in full and echoes it as DataWritten. Writes are serialized
// so concurrent callers never interleave on the stream.
func (m *Manager) write(w *dataWorker, p []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if _, err := w.stream.Write(p); err != nil {
		return &StreamIOError{Op: "write", Err: err}
	}
	echo := make([]byte, len(p))
	copy(echo, p)
	m.sink.Post(Notification{Kind: DataWritten, Data: echo})
	m.opts.metrics.Written(len(p))
	return nil
}
