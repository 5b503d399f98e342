/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package corehttpd

// asyncResult is one completed out-of-core operation (fastcgi round trip,
// pks/openpgp worker call) on its way back to the loop goroutine. slotIdx
// and gen together identify the slot it belongs to; gen guards against the
// slot having been closed and recycled for a different connection while the
// goroutine was still running.
type asyncResult struct {
	slotIdx int
	gen     int
	header  []byte
	body    []byte
	err     error
}

// Async hands a request off to fn, run on its own goroutine, and resumes
// the connection with whatever fn returns once it completes. The core
// drains results once per loop iteration (drainAsync), so fn never touches
// slot/connection state directly: it only returns bytes.
//
// Exactly one of Respond*/Detach/Close/Async must be called per request.
func (r *Request) Async(fn func() (header, body []byte, err error)) {
	r.s.awaiting = true
	r.s.state = stateSending
	_ = r.c.mux.SetInterest(r.s.fd, interestNone)

	r.c.asyncInFlight.Add(1)
	idx, gen := r.s.idx, r.s.gen

	go func() {
		h, b, err := fn()
		r.c.asyncResults <- asyncResult{slotIdx: idx, gen: gen, header: h, body: b, err: err}
	}()
}

// drainAsync applies every asyncResult queued since the last iteration. It
// never blocks: a closed channel or an empty one both return immediately.
func (c *CoreContext) drainAsync() {
	for {
		select {
		case res := <-c.asyncResults:
			c.completeAsync(res)
		default:
			return
		}
	}
}

func (c *CoreContext) completeAsync(res asyncResult) {
	c.asyncInFlight.Add(-1)

	s := &c.tbl.slots[res.slotIdx]
	if s.gen != res.gen || !s.awaiting {
		// the connection this result was meant for is gone; drop it.
		return
	}
	s.awaiting = false

	if res.err != nil {
		resp := []byte("HTTP/1.0 502 Bad Gateway\r\nConnection: close\r\n\r\n")
		s.keepAlive = false
		l := c.logger()
		if l != nil {
			l.Warning("async request failed", res.err)
		}
		_ = c.beginSend(s, mappedBody{data: resp}, 0, int64(len(resp)))
		c.trySend(s)
		return
	}

	full := append(append([]byte(nil), res.header...), res.body...)
	_ = c.beginSend(s, mappedBody{data: full}, 0, int64(len(full)))
	c.trySend(s)
}

// hasAsyncWork reports whether any slot is waiting on a goroutine, used by
// the loop to cap its poll timeout so a completion is never left sitting in
// asyncResults longer than the cap.
func (c *CoreContext) hasAsyncWork() bool {
	return c.asyncInFlight.Load() > 0
}
