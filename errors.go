// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package duplex

import "github.com/pkg/errors"

// Sentinel errors surfaced to API callers. Everything else (transient I/O,
// peer EOF, fatal socket errors) is absorbed into the close-ready/reap cycle
// and never reaches the application.
var (
	// ErrClosed is returned by Join, JoinListener and Unjoin once the
	// context has been closed or its parent context canceled.
	ErrClosed = errors.New("duplex: context closed")
	// ErrNilConn is returned when Join/Unjoin is called with a nil socket.
	ErrNilConn = errors.New("duplex: nil connection")
	// ErrDoubleStop marks a programmer error: a Join Stream's stop() was
	// invoked twice. This fails loudly rather than being absorbed, since it
	// indicates a bug in the graph bookkeeping, not a runtime condition an
	// application can hit.
	ErrDoubleStop = errors.New("duplex: stream stopped twice")
)

// transformPanic wraps a recovered panic from a user Transform so it carries
// a stack trace through the loop's recover path: transform faults are
// isolated to the offending stream rather than crashing the whole loop.
func transformPanic(r interface{}) error {
	return errors.Wrapf(errors.Errorf("%v", r), "duplex: transform panicked")
}
