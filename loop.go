package duplex

import (
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/gaio"
)

// ioKind discriminates the two gaio operations this module submits, so the
// completion handler in run() knows which half of the pump-then-flush pass
// an OpResult belongs to.
type ioKind int

const (
	ioRead ioKind = iota
	ioWrite
)

// ioCtx is the user context threaded through gaio's Read/Write calls and
// handed back unchanged on OpResult — see
// other_examples/eb4627af_RTradeLtd-gaio__watcher.go.go's Watcher.Read doc.
type ioCtx struct {
	sock *socket
	kind ioKind
}

// acceptEvent carries one completed (or failed) Accept() off a listener's
// dedicated accept goroutine (context.go) into the loop goroutine.
type acceptEvent struct {
	ln   net.Listener
	conn net.Conn
	err  error
}

// command is one application-requested graph mutation, executed
// exclusively by the loop goroutine — see the graph type's doc comment in
// graph.go.
type command struct {
	fn    func(l *loopState) error
	reply chan error
}

// loopState bundles everything the loop goroutine needs to drive one
// iteration: the graph it owns, the gaio watcher driving non-blocking I/O,
// and the active configuration (read size, stats).
type loopState struct {
	g   *graph
	w   *gaio.Watcher
	cfg *config
}

// fail marks s fatally closed: it stores the wrapped error for later
// inspection, runs the configured error hook (if any), and sets
// close_ready so the next reap() call tears the socket down. Mirrors
// kcp-go's notifyReadError/notifyWriteError, which stash the
// errors.WithStack-wrapped cause on the session instead of dropping it.
func (l *loopState) fail(s *socket, err error) {
	wrapped := errors.WithStack(err)
	s.lastErr = wrapped
	s.closeReady = true
	if l.cfg.onError != nil && s.conn != nil {
		l.cfg.onError(s.conn, wrapped)
	}
}

// submitReadIfNeeded starts a new async read on s if it is eligible: has at
// least one outbound stream, isn't a listener (those are driven by their
// own accept goroutine, not gaio), and doesn't already have a read
// outstanding.
func (l *loopState) submitReadIfNeeded(s *socket) {
	if s.listening || s.closeReady || s.closed || s.readInFlight {
		return
	}
	if !s.readable() {
		return
	}
	buf := make([]byte, l.cfg.readChunkSize)
	s.readInFlight = true
	if err := l.w.Read(ioCtx{sock: s, kind: ioRead}, s.conn, buf); err != nil {
		// Failure to register the read (e.g. the conn doesn't expose a
		// SyscallConn gaio can poll) is fatal for this socket.
		s.readInFlight = false
		l.fail(s, errors.Wrap(err, "duplex: register read"))
	}
}

// appendToSink queues bytes on sink.writeBuf and kicks off a flush
// immediately unless one is already outstanding — in which case the append
// alone preserves ordering, since submitFlush always takes the whole
// current buffer as one unit.
func (l *loopState) appendToSink(sink *socket, data []byte) {
	if len(data) == 0 || sink.closed {
		return
	}
	sink.writeBuf = append(sink.writeBuf, data...)
	if l.cfg.stats != nil {
		l.cfg.stats.bufferGrewTo(len(sink.writeBuf))
	}
	if !sink.writeInFlight {
		l.submitFlush(sink)
	}
}

// submitFlush hands the sink's entire current write buffer to gaio in one
// Write call. gaio retries the underlying syscall internally until every
// byte is accepted or a fatal error occurs (see tryWrite in the gaio
// source), so this module never has to buffer a partial send itself.
func (l *loopState) submitFlush(sink *socket) {
	if sink.closed || len(sink.writeBuf) == 0 {
		return
	}
	buf := sink.writeBuf
	sink.writeBuf = nil
	sink.writeInFlight = true
	if err := l.w.Write(ioCtx{sock: sink, kind: ioWrite}, sink.conn, buf); err != nil {
		sink.writeInFlight = false
		sink.writeBuf = nil
		l.fail(sink, errors.Wrap(err, "duplex: register write"))
	}
}

// applyTransform invokes a stream's transform, isolating a panic to the
// stream's two endpoints rather than letting it crash the loop.
func (l *loopState) applyTransform(st *stream, data []byte) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			if l.cfg.stats != nil {
				l.cfg.stats.transformFault()
			}
			l.fail(st.from, transformPanic(r))
			if st.to != nil {
				l.fail(st.to, transformPanic(r))
			}
			out = nil
		}
	}()
	return st.transform(data)
}

// handleReadResult is the pump half of one loop iteration: a chunk has
// arrived on a source socket, is fanned out (transformed per-stream) to
// every sink in streamsOut, in list order, and the source's next read is
// resubmitted.
func (l *loopState) handleReadResult(res gaio.OpResult) {
	s := res.Context.(ioCtx).sock
	s.readInFlight = false

	switch {
	case res.Error != nil:
		// Fatal I/O error: there is no peer to drain toward through a
		// broken socket, so pending writes are discarded too.
		s.writeBuf = nil
		l.fail(s, res.Error)
	case res.Size == 0:
		// Orderly EOF.
		s.closeReady = true
	default:
		data := res.Buffer[:res.Size]
		// Snapshot the edge list at pump entry, so the fan-out below
		// ranges over the streams as they were when the chunk arrived.
		streams := append([]*stream(nil), s.streamsOut...)
		for _, st := range streams {
			out := data
			if st.transform != nil {
				out = l.applyTransform(st, out)
			}
			if len(out) == 0 {
				continue
			}
			l.appendToSink(st.to, out)
			if l.cfg.stats != nil {
				l.cfg.stats.forwarded(len(out))
			}
		}
		l.submitReadIfNeeded(s)
	}
	l.reap()
}

// handleWriteResult is the flush half: the sink's in-flight buffer has
// either fully drained or hit a fatal error. Any bytes appended while the
// write was outstanding are still queued in sink.writeBuf and are flushed
// next, preserving per-stream byte order.
func (l *loopState) handleWriteResult(res gaio.OpResult) {
	s := res.Context.(ioCtx).sock
	s.writeInFlight = false

	if res.Error != nil {
		s.writeBuf = nil
		l.fail(s, res.Error)
	} else {
		l.submitFlush(s)
	}
	l.reap()
}

// handleAccept is the rest of accept-inherit: a new connection has arrived
// on a listening socket (or the listener itself has failed) off its
// dedicated accept goroutine.
func (l *loopState) handleAccept(ev acceptEvent) {
	id, ok := l.g.byListener[ev.ln]
	if !ok {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	listener := l.g.sockets[id]

	if ev.err != nil {
		l.fail(listener, ev.err)
		l.reap()
		return
	}

	newConn, isNew := l.g.adopt(ev.conn)
	if isNew && l.cfg.stats != nil {
		l.cfg.stats.socketAdopted()
	}
	l.g.acceptInherit(listener, newConn)
	l.submitReadIfNeeded(newConn)
	l.reap()
}

// reap closes and removes every socket with close_ready set and an empty
// write buffer. Closing one socket can mark its stream peers close_ready
// (link-close), so this loops until a pass finds nothing left to close.
func (l *loopState) reap() {
	for {
		var dead []*socket
		for _, s := range l.g.sockets {
			if s.closeReady && s.writeBufEmpty() && !s.closed {
				dead = append(dead, s)
			}
		}
		if len(dead) == 0 {
			return
		}
		for _, s := range dead {
			closeSocket(l.w, s)
			l.g.remove(s)
			if l.cfg.stats != nil {
				l.cfg.stats.socketReaped()
			}
		}
	}
}
