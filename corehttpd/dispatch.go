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

import (
	"io"
	"os"
	"time"
)

// Request is the exported view of a slot's parsed head handed to a
// RequestHandler (staticfile, fastcgi, pks all implement one), keeping the
// connection table's internal slot type unexported.
type Request struct {
	c *CoreContext
	s *slot
}

func (r *Request) Method() string        { return r.s.req.method }
func (r *Request) RawURL() string        { return r.s.req.rawURL }
func (r *Request) DecodedURL() string    { return r.s.req.decodedURL }
func (r *Request) Host() string          { return r.s.req.host }
func (r *Request) UserAgent() string     { return r.s.req.userAgent }
func (r *Request) Referer() string       { return r.s.req.referer }
func (r *Request) AcceptEncoding() string{ return r.s.req.acceptEncode }
func (r *Request) IfModifiedSince() time.Time { return r.s.req.ifModSince }
func (r *Request) HasRange() bool        { return r.s.req.gotRange }
func (r *Request) RangeFirst() int64     { return r.s.req.firstByteIdx }
func (r *Request) RangeLast() int64      { return r.s.req.lastByteIdx }
func (r *Request) ContentLength() int64  { return r.s.req.contentLength }
func (r *Request) Authorization() string { return r.s.req.authorization }
func (r *Request) RemoteAddr() string {
	if r.s.conn == nil {
		return ""
	}
	return r.s.conn.RemoteAddr().String()
}

// KeepAlive reports the protocol-implied default; SetKeepAlive lets a
// handler override it (e.g. "Connection: close" on an error response).
func (r *Request) KeepAlive() bool     { return r.s.keepAlive }
func (r *Request) SetKeepAlive(v bool) { r.s.keepAlive = v }

// SetShouldLinger marks the response as one that should enter a lingering
// close rather than a naked close once it finishes: an error status on a
// connection that is otherwise keeping alive, where the peer may still be
// mid-write and a bare close() risks it seeing an RST.
func (r *Request) SetShouldLinger(v bool) { r.s.shouldLinger = v }

// RespondBytes serves a canned in-memory response, used for error pages and
// small generated bodies (pks lookups, stats).
func (r *Request) RespondBytes(header []byte, body []byte) {
	full := append(append([]byte(nil), header...), body...)
	_ = r.c.beginSend(r.s, mappedBody{data: full}, 0, int64(len(full)))
	r.c.trySend(r.s)
}

// RespondFile serves header followed by byte range [first,last) of an
// io.ReaderAt-backed file, "Range" support.
func (r *Request) RespondFile(header []byte, f io.ReaderAt, first, last int64) {
	hdr := append([]byte(nil), header...)
	r.s.respHeader = hdr
	_ = r.c.beginSend(r.s, mappedBody{reader: f, offset: first}, first, last)

	if len(hdr) > 0 {
		if _, err := r.s.conn.Write(hdr); err != nil {
			r.c.abortSend(r.s)
			return
		}
	}

	r.c.trySend(r.s)
}

// RespondMapped serves header followed by an in-memory mapped byte slice
// (the small-file cache path), spanning [first,last) of data. sourcePath, when
// non-empty, is the file data was mapped from: it lets the send path recover
// from a stale mapping (see CoreContext.staleMmap) by reopening the file
// instead of trusting a region the kernel may have since invalidated.
func (r *Request) RespondMapped(header []byte, data []byte, sourcePath string, first, last int64) {
	hdr := append([]byte(nil), header...)
	if len(hdr) > 0 {
		if _, err := r.s.conn.Write(hdr); err != nil {
			r.c.closeSlot(r.s)
			return
		}
	}
	_ = r.c.beginSend(r.s, mappedBody{data: data, path: sourcePath}, first, last)
	r.c.trySend(r.s)
}

// Detach hands the connection to a CGI/FastCGI/sign child: the core stops
// reading/writing the socket itself and only tracks pid for kill-on-exit.
func (r *Request) Detach(pid int, proc *os.Process, interpose bool) {
	r.s.detachSign = true
	r.s.body = detachedBody{pid: pid}
	r.s.state = stateSending
	r.c.chld.Track(pid, r.s.idx, proc, interpose)
	r.c.stats.cgiCount.Store(int64(r.c.chld.Count()))
	_ = r.c.mux.SetInterest(r.s.fd, interestNone)
}

// Body reads up to ContentLength bytes of the request body: whatever
// arrived already buffered alongside the header block, followed by
// blocking reads of whatever is still outstanding. Handlers that need the
// body (pks.Handler, fastcgi.Handler) call this from inside Async so the
// blocking read never runs on the loop goroutine.
func (r *Request) Body() ([]byte, error) {
	want := r.s.req.contentLength
	if want <= 0 {
		return nil, nil
	}

	headEnd := findHeaderEnd(r.s.readBuf[:r.s.readIdx])
	have := r.s.readBuf[headEnd:r.s.readIdx]

	body := make([]byte, 0, want)
	if int64(len(have)) >= want {
		return append(body, have[:want]...), nil
	}
	body = append(body, have...)

	remaining := want - int64(len(body))
	buf := make([]byte, 32*1024)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		rn, err := r.s.conn.Read(buf[:n])
		if rn > 0 {
			body = append(body, buf[:rn]...)
			remaining -= int64(rn)
		}
		if err != nil {
			return body, err
		}
	}

	return body, nil
}

// Admit runs throttle admission for filename against this request's slot,
// returning false when a saturated group should yield a 503 instead.
func (r *Request) Admit(filename string) bool {
	return r.c.thr.admit(r.s, filename)
}

// Close aborts and releases the connection without sending a response body,
// used when a handler cannot even build an error page (out of memory on the
// error path, etc).
func (r *Request) Close() {
	r.c.closeSlot(r.s)
}

// RequestHandler is invoked once per fully-parsed request head. Exactly one
// of the Respond*/Detach/Close methods must be called before returning.
type RequestHandler func(c *CoreContext, req *Request)

// SetRequestHandler installs the handler invoked on parseComplete. Must be
// called before run() starts accepting connections.
func (c *CoreContext) SetRequestHandler(h RequestHandler) {
	c.handler = h
}
