package duplex

import "net"

const defaultReadChunkSize = 4096 // matches xtaci-kcptun/std.Copy's bufSize

// Option configures a Context at construction time.
type Option func(*config)

type config struct {
	readChunkSize int
	acceptBacklog int
	stats         *Stats
	onError       func(conn net.Conn, err error)
}

func defaultConfig() *config {
	return &config{
		readChunkSize: defaultReadChunkSize,
		acceptBacklog: 64,
	}
}

// WithReadChunkSize overrides the per-pump read buffer size. Larger values
// trade memory for fewer round trips through the loop on bulk transfers.
func WithReadChunkSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.readChunkSize = n
		}
	}
}

// WithAcceptBacklog sets how many pending accepted connections may queue
// between a listener's accept goroutine and the loop before that goroutine
// blocks. A small backlog is deliberate backpressure, not a correctness
// knob.
func WithAcceptBacklog(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.acceptBacklog = n
		}
	}
}

// WithStats attaches a Stats collector (see stats.go) to the Context so
// every pump/flush/reap updates its counters.
func WithStats(s *Stats) Option {
	return func(c *config) {
		c.stats = s
	}
}

// WithErrorHandler attaches a callback invoked from the loop goroutine
// whenever a managed socket hits a fatal I/O error or a Transform panics.
// err carries a stack trace (see errors.go's use of github.com/pkg/errors),
// and conn identifies the offending endpoint; fn must not block or call back
// into the Context. Without this option, faults are silently absorbed into
// the close-ready/reap cycle, matching kcptun's checkError pattern of
// surfacing the wrapped error rather than discarding it.
func WithErrorHandler(fn func(conn net.Conn, err error)) Option {
	return func(c *config) {
		c.onError = fn
	}
}
