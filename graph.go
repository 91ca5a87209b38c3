package duplex

import (
	"net"

	"github.com/xtaci/gaio"
)

// graph is the collection of managed sockets keyed by socket identity, plus
// the mutation operations. A graph is exclusively owned by its Context's
// loop goroutine — see loop.go. Rather than a lock shared between
// application goroutines and the loop, mutation requests are funneled
// through a command channel and applied here by the loop goroutine alone,
// so no two goroutines ever observe or mutate graph state concurrently.
type graph struct {
	sockets    map[socketID]*socket
	byConn     map[net.Conn]socketID
	byListener map[net.Listener]socketID
	nextID     socketID
}

func newGraph() *graph {
	return &graph{
		sockets:    make(map[socketID]*socket),
		byConn:     make(map[net.Conn]socketID),
		byListener: make(map[net.Listener]socketID),
	}
}

// adopt registers conn as a managed socket, or returns the existing entry
// if conn is already managed. The bool result reports whether a new socket
// was created.
func (g *graph) adopt(conn net.Conn) (*socket, bool) {
	if id, ok := g.byConn[conn]; ok {
		return g.sockets[id], false
	}
	g.nextID++
	s := &socket{id: g.nextID, conn: conn}
	g.sockets[s.id] = s
	g.byConn[conn] = s.id
	return s, true
}

// adoptListener is the listening-socket analogue of adopt. Go separates
// net.Listener from net.Conn at the type level, so which adopt method was
// called stands in for a runtime is-listening probe, cached once on the
// socket — see DESIGN.md, Open Question 1.
func (g *graph) adoptListener(ln net.Listener) (*socket, bool) {
	if id, ok := g.byListener[ln]; ok {
		return g.sockets[id], false
	}
	g.nextID++
	s := &socket{id: g.nextID, ln: ln, listening: true}
	g.sockets[s.id] = s
	g.byListener[ln] = s.id
	return s, true
}

// join installs one a->b Join Stream, and a b->a stream too unless
// half-duplex.
func (g *graph) join(a, b *socket, transform Transform, linkClose, halfDuplex bool) {
	newStream(a, b, transform, linkClose)
	if !halfDuplex {
		newStream(b, a, transform, linkClose)
	}
}

// unjoin removes every stream whose source is a and whose sink is b. A
// no-op if no such stream exists. This scans a's outbound edges for
// sink == b, not b's — see DESIGN.md, Open Question 4.
func (g *graph) unjoin(a, b *socket) {
	// snapshot: stop() mutates a.streamsOut while we range over it
	victims := make([]*stream, 0, len(a.streamsOut))
	for _, s := range a.streamsOut {
		if s.to == b {
			victims = append(victims, s)
		}
	}
	for _, s := range victims {
		s.stop()
	}
}

// acceptInherit handles accept-inherit: a freshly accepted connection on a
// listening socket inherits the listener's Join Streams, joined instead to
// the listener's peer endpoints.
func (g *graph) acceptInherit(listener, newConn *socket) {
	for _, out := range listener.streamsOut {
		newStream(newConn, out.to, out.transform, out.linkClose)
	}
	for _, in := range listener.streamsIn {
		newStream(in.from, newConn, in.transform, in.linkClose)
	}
}

// closeSocket stops every edge, propagates link-close to surviving peers,
// then releases the underlying socket (and its gaio registration, if any).
// The reap pass in loop.go calls it only when s.closeReady &&
// s.writeBufEmpty(); Context.Close calls it on every remaining socket
// regardless, dropping any unflushed bytes.
func closeSocket(w *gaio.Watcher, s *socket) {
	if s.closed {
		return
	}
	s.closed = true

	for _, out := range append([]*stream(nil), s.streamsOut...) {
		sink, linkClose := out.to, out.linkClose
		out.stop()
		if linkClose && sink != nil {
			sink.closeReady = true
		}
	}
	for _, in := range append([]*stream(nil), s.streamsIn...) {
		src, linkClose := in.from, in.linkClose
		in.stop()
		if linkClose && src != nil {
			src.closeReady = true
		}
	}

	if s.conn != nil {
		if w != nil {
			_ = w.Free(s.conn)
		}
		_ = s.conn.Close()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

// remove deletes a socket's bookkeeping entries from the graph. Call only
// after closeSocket.
func (g *graph) remove(s *socket) {
	delete(g.sockets, s.id)
	if s.conn != nil {
		delete(g.byConn, s.conn)
	}
	if s.ln != nil {
		delete(g.byListener, s.ln)
	}
}
