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

package transform

import "github.com/golang/snappy"

// Compress returns a transform that snappy-encodes each chunk
// independently (block format, not the streaming frame format), adapted
// from xtaci-kcptun/std/comp.go's net.Conn-wrapping stream codec to a pure
// per-chunk function, since a Join Stream's transform slot is chunk-oriented
// rather than stream-oriented.
//
// Pairing Compress on one stream's source with Decompress on its sink's
// inbound transform requires both sides to agree on chunk boundaries:
// Compress is meant to be used on a Join Stream whose peer runs an
// equivalent Decompress, not as a generic stream codec.
func Compress() Func {
	return func(b []byte) []byte {
		return snappy.Encode(nil, b)
	}
}

// Decompress is the inverse of Compress. A malformed chunk panics so the
// loop's recover path (see loop.go's applyTransform) isolates the
// offending stream instead of silently forwarding garbage.
func Decompress() Func {
	return func(b []byte) []byte {
		out, err := snappy.Decode(nil, b)
		if err != nil {
			panic(err)
		}
		return out
	}
}
