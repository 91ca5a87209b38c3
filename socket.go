package duplex

import "net"

// socketID identifies a managed socket within a graph. net.Conn values are
// not guaranteed comparable for every implementation (some wrap slices or
// maps), so the graph keys sockets by this synthetic, monotonically
// increasing id rather than by the net.Conn itself.
type socketID uint64

// socket is a non-blocking wrapper around one net.Conn or net.Listener,
// carrying its edge lists, pending write buffer, and close-ready flag. A
// socket is only ever touched from the loop goroutine — see graph.go and
// loop.go.
type socket struct {
	id   socketID
	conn net.Conn
	ln   net.Listener

	listening bool // cached on adopt; derived from the Go type, not a syscall probe

	streamsOut []*stream // this socket is the source
	streamsIn  []*stream // this socket is the sink

	writeBuf      []byte
	writeInFlight bool // a gaio.Write for writeBuf's prior contents is outstanding
	readInFlight  bool // a gaio.Read is outstanding

	closeReady bool
	closed     bool // closeSocket has already run; guards against double-reap
	lastErr    error // the fatal error (if any) that set closeReady, wrapped with a stack trace
}

// writeBufEmpty reports whether no bytes, in flight or buffered, are still
// owed to this socket's peer; reap requires this in addition to close_ready.
func (s *socket) writeBufEmpty() bool {
	return len(s.writeBuf) == 0 && !s.writeInFlight
}

// readable reports whether the event loop should be pumping this socket:
// sockets with at least one outbound Join Stream (a listener always
// qualifies, since accept-inherit is its analogue of a read).
func (s *socket) readable() bool {
	return s.listening || len(s.streamsOut) > 0
}

// writable reports whether this socket is a sink for at least one Join
// Stream.
func (s *socket) writable() bool {
	return len(s.streamsIn) > 0
}

// removeStreamOut/removeStreamIn drop a stream from this socket's edge
// list. Both are no-ops if the stream isn't present, so stream.stop() can
// call them unconditionally on both of its (former) endpoints.
func (s *socket) removeStreamOut(target *stream) {
	for i, st := range s.streamsOut {
		if st == target {
			s.streamsOut = append(s.streamsOut[:i], s.streamsOut[i+1:]...)
			return
		}
	}
}

func (s *socket) removeStreamIn(target *stream) {
	for i, st := range s.streamsIn {
		if st == target {
			s.streamsIn = append(s.streamsIn[:i], s.streamsIn[i+1:]...)
			return
		}
	}
}
