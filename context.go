package duplex

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/xtaci/gaio"
	"golang.org/x/sync/errgroup"
)

// Flags configure a Join or JoinListener call.
type Flags uint

const (
	// HalfDuplex creates only the a->b direction of a Join.
	HalfDuplex Flags = 1 << iota
	// NoClose sets link_close=false on created streams: EOF on one
	// endpoint does not propagate to the peer endpoint.
	NoClose
)

// Context owns the loop goroutine and the join graph, and is the only
// thing an application holds — managed sockets themselves are never
// exposed.
type Context struct {
	cfg *config
	g   *graph
	w   *gaio.Watcher

	cmds     chan command
	acceptCh chan acceptEvent

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	loopErr  error

	eg *errgroup.Group

	mu               sync.Mutex
	listenersStarted map[net.Listener]bool

	closeOnce sync.Once
	closeErr  error
}

// New starts a Context: it allocates the gaio watcher backing the event
// loop and starts the loop goroutine. Canceling parent stops the loop, as
// Close does; only Close closes the watcher, the listeners and the managed
// sockets.
func New(parent context.Context, opts ...Option) (*Context, error) {
	if parent == nil {
		parent = context.Background()
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	w, err := gaio.NewWatcherSize(cfg.readChunkSize)
	if err != nil {
		return nil, errors.Wrap(err, "duplex: create gaio watcher")
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Context{
		cfg:              cfg,
		g:                newGraph(),
		w:                w,
		cmds:             make(chan command),
		acceptCh:         make(chan acceptEvent, cfg.acceptBacklog),
		ctx:              ctx,
		cancel:           cancel,
		loopDone:         make(chan struct{}),
		eg:               new(errgroup.Group),
		listenersStarted: make(map[net.Listener]bool),
	}

	go func() {
		defer close(c.loopDone)
		c.loopErr = c.run()
	}()

	return c, nil
}

// Close signals the loop to stop, waits for the current iteration to
// finish, then releases every remaining managed socket. In-flight buffered
// data is not guaranteed to be flushed — termination is best-effort.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.loopDone

		// Loop goroutine has exited: safe to touch the graph directly.
		c.mu.Lock()
		for ln := range c.listenersStarted {
			_ = ln.Close()
		}
		c.mu.Unlock()

		werr := c.w.Close()
		_ = c.eg.Wait() // accept goroutines unblock once their listener closed above

		for _, s := range c.g.sockets {
			closeSocket(nil, s)
		}

		c.closeErr = werr
	})
	return c.closeErr
}

// Join installs either one (HalfDuplex) or two (full-duplex) Join Streams
// between a and b.
func (c *Context) Join(a, b net.Conn, flags Flags, transform Transform) error {
	if a == nil || b == nil {
		return ErrNilConn
	}
	halfDuplex := flags&HalfDuplex != 0
	linkClose := flags&NoClose == 0
	return c.submit(func(l *loopState) error {
		sa, newA := l.g.adopt(a)
		sb, newB := l.g.adopt(b)
		if l.cfg.stats != nil {
			if newA {
				l.cfg.stats.socketAdopted()
			}
			if newB {
				l.cfg.stats.socketAdopted()
			}
		}
		l.g.join(sa, sb, transform, linkClose, halfDuplex)
		if l.cfg.stats != nil {
			l.cfg.stats.streamCreated()
			if !halfDuplex {
				l.cfg.stats.streamCreated()
			}
		}
		l.submitReadIfNeeded(sa)
		l.submitReadIfNeeded(sb)
		return nil
	})
}

// JoinListener joins a net.Listener to a peer connection: Go separates
// net.Listener from net.Conn at the type level, so accept-inherit gets its
// own entry point instead of a single polymorphic join. Every newly
// accepted connection on ln inherits Join Streams to/from peer with the
// same transform and link-close policy.
func (c *Context) JoinListener(ln net.Listener, peer net.Conn, flags Flags, transform Transform) error {
	if ln == nil || peer == nil {
		return ErrNilConn
	}
	c.startAcceptLoop(ln)

	halfDuplex := flags&HalfDuplex != 0
	linkClose := flags&NoClose == 0
	return c.submit(func(l *loopState) error {
		sln, _ := l.g.adoptListener(ln)
		speer, newPeer := l.g.adopt(peer)
		if newPeer && l.cfg.stats != nil {
			l.cfg.stats.socketAdopted()
		}
		l.g.join(sln, speer, transform, linkClose, halfDuplex)
		if l.cfg.stats != nil {
			l.cfg.stats.streamCreated()
			if !halfDuplex {
				l.cfg.stats.streamCreated()
			}
		}
		l.submitReadIfNeeded(speer)
		return nil
	})
}

// Unjoin removes every Join Stream whose source is a and whose sink is b.
// A no-op if no such stream exists, and if either endpoint was never
// adopted.
func (c *Context) Unjoin(a, b net.Conn) error {
	if a == nil || b == nil {
		return ErrNilConn
	}
	return c.submit(func(l *loopState) error {
		idA, okA := l.g.byConn[a]
		idB, okB := l.g.byConn[b]
		if !okA || !okB {
			return nil
		}
		before := len(l.g.sockets[idA].streamsOut)
		l.g.unjoin(l.g.sockets[idA], l.g.sockets[idB])
		if l.cfg.stats != nil {
			after := len(l.g.sockets[idA].streamsOut)
			for i := 0; i < before-after; i++ {
				l.cfg.stats.streamStopped()
			}
		}
		return nil
	})
}

// startAcceptLoop starts exactly one accept goroutine per net.Listener,
// feeding completed Accept() calls into the loop over acceptCh. Accept()
// itself blocks in the Go runtime's netpoller, which — like gaio's WaitIO —
// parks without spinning.
func (c *Context) startAcceptLoop(ln net.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listenersStarted[ln] {
		return
	}
	c.listenersStarted[ln] = true
	c.eg.Go(func() error {
		for {
			conn, err := ln.Accept()
			select {
			case c.acceptCh <- acceptEvent{ln: ln, conn: conn, err: err}:
			case <-c.ctx.Done():
				if conn != nil {
					_ = conn.Close()
				}
				return nil
			}
			if err != nil {
				return nil
			}
		}
	})
}

// submit sends fn to the loop goroutine and blocks until it has been
// applied, so callers observe the mutation as atomic without a shared lock
// — see the graph type's doc comment in graph.go.
func (c *Context) submit(fn func(l *loopState) error) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- command{fn: fn, reply: reply}:
	case <-c.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// run is the event loop, merging three sources of work on one goroutine:
// application mutation commands, accepted connections, and gaio I/O
// completions. No branch of this select spins — WaitIO blocks on
// epoll/kqueue, Accept() blocks in the netpoller, and the command/accept
// channels block until there's something to do.
func (c *Context) run() error {
	l := &loopState{g: c.g, w: c.w, cfg: c.cfg}

	results := make(chan []gaio.OpResult)
	ioErr := make(chan error, 1)
	go func() {
		for {
			r, err := c.w.WaitIO()
			if err != nil {
				select {
				case ioErr <- err:
				default:
				}
				return
			}
			select {
			case results <- r:
			case <-c.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case cmd := <-c.cmds:
			cmd.reply <- cmd.fn(l)
		case ev := <-c.acceptCh:
			l.handleAccept(ev)
		case rs := <-results:
			for _, r := range rs {
				switch r.Context.(ioCtx).kind {
				case ioRead:
					l.handleReadResult(r)
				case ioWrite:
					l.handleWriteResult(r)
				}
			}
		case err := <-ioErr:
			return err
		}
	}
}
