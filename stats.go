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

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Stats holds process-wide atomic counters for a Context's join graph, in
// the style of xtaci-kcptun/std.SnmpLogger: cheap to update on the loop's
// hot path, periodically flushed to a CSV file by LogPeriodic.
type Stats struct {
	SocketsAdopted  uint64
	SocketsReaped   uint64
	StreamsCreated  uint64
	StreamsStopped  uint64
	ChunksForwarded uint64
	BytesForwarded  uint64
	WriteBufferHigh uint64 // high-water mark, in bytes, across all sinks
	TransformFaults uint64
}

// NewStats returns a zeroed Stats collector ready to pass to WithStats.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) socketAdopted()  { atomic.AddUint64(&s.SocketsAdopted, 1) }
func (s *Stats) socketReaped()   { atomic.AddUint64(&s.SocketsReaped, 1) }
func (s *Stats) streamCreated()  { atomic.AddUint64(&s.StreamsCreated, 1) }
func (s *Stats) streamStopped()  { atomic.AddUint64(&s.StreamsStopped, 1) }
func (s *Stats) transformFault() { atomic.AddUint64(&s.TransformFaults, 1) }

func (s *Stats) forwarded(n int) {
	atomic.AddUint64(&s.ChunksForwarded, 1)
	atomic.AddUint64(&s.BytesForwarded, uint64(n))
}

func (s *Stats) bufferGrewTo(n int) {
	for {
		old := atomic.LoadUint64(&s.WriteBufferHigh)
		if uint64(n) <= old {
			return
		}
		if atomic.CompareAndSwapUint64(&s.WriteBufferHigh, old, uint64(n)) {
			return
		}
	}
}

func (s *Stats) header() []string {
	return []string{
		"SocketsAdopted", "SocketsReaped", "StreamsCreated", "StreamsStopped",
		"ChunksForwarded", "BytesForwarded", "WriteBufferHigh", "TransformFaults",
	}
}

func (s *Stats) row() []string {
	return []string{
		fmt.Sprint(atomic.LoadUint64(&s.SocketsAdopted)),
		fmt.Sprint(atomic.LoadUint64(&s.SocketsReaped)),
		fmt.Sprint(atomic.LoadUint64(&s.StreamsCreated)),
		fmt.Sprint(atomic.LoadUint64(&s.StreamsStopped)),
		fmt.Sprint(atomic.LoadUint64(&s.ChunksForwarded)),
		fmt.Sprint(atomic.LoadUint64(&s.BytesForwarded)),
		fmt.Sprint(atomic.LoadUint64(&s.WriteBufferHigh)),
		fmt.Sprint(atomic.LoadUint64(&s.TransformFaults)),
	}
}

// LogPeriodic appends one CSV row of counters to path every interval, until
// done is closed. It mirrors xtaci-kcptun/std.SnmpLogger's "split path into
// dirname and time-formatted filename" behavior so log rotation works the
// same way in long-running relays.
func (s *Stats) LogPeriodic(path string, interval time.Duration, done <-chan struct{}) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			logdir, logfile := filepath.Split(path)
			f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				continue
			}
			w := csv.NewWriter(f)
			if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
				_ = w.Write(append([]string{"Unix"}, s.header()...))
			}
			_ = w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, s.row()...))
			w.Flush()
			f.Close()
		}
	}
}
