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
	"net"
	"time"
)

// slotState is one of FREE, READING, {SENDING,PAUSING} or LINGERING.
type slotState uint8

const (
	stateFree slotState = iota
	stateReading
	stateSending
	statePausing
	stateLingering
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateReading:
		return "READING"
	case stateSending:
		return "SENDING"
	case statePausing:
		return "PAUSING"
	case stateLingering:
		return "LINGERING"
	default:
		return "UNKNOWN"
	}
}

// bodySource is the sum type described "Polymorphism": a
// response body is either a memory-mapped (or descriptor-backed) file
// region, or produced by a detached child. Expressing it this way, instead
// of overloading a nil pointer, makes the two cases exhaustive at compile
// time wherever a slot's body is consumed.
type bodySource interface {
	isBodySource()
}

// mappedBody is an in-process file region: either an mmap'd slice (when the
// small-file cache hands one back) or a plain *os.File the send engine reads
// from directly at increasing offsets.
type mappedBody struct {
	data   []byte // non-nil when backed by mmap
	reader io.ReaderAt
	offset int64

	// path is the file data was mapped from, if known. It lets readBody
	// recover from a stale mapping (staleMmap) by reopening the file instead
	// of copying out of a region the kernel may have since invalidated.
	path string
}

func (mappedBody) isBodySource() {}

// detachedBody means a CGI/FastCGI/sign child owns the I/O; the core only
// tracks the child's pid for kill-on-exit and throttle accounting of bytes
// the child reports back.
type detachedBody struct {
	pid int
}

func (detachedBody) isBodySource() {}

// requestHead holds the fields the header parser fills in once the scanner
// reports COMPLETE.
type requestHead struct {
	method    string
	rawURL    string
	decodedURL string
	version   string // "1.0" or "1.1"

	host          string
	referer       string
	userAgent     string
	accept        string
	acceptEncode  string
	acceptLang    string
	cookie        string
	contentType   string
	contentLength int64
	authorization string
	ifModSince    time.Time
	xForwardedFor string

	gotRange      bool
	firstByteIdx  int64
	lastByteIdx   int64 // inclusive, -1 means "to end"

	keepAliveDefault bool
}

// slot is ConnectionSlot: the lifecycle owner of one client
// exchange. Exactly one of {FREE}, {READING}, {SENDING,PAUSING},
// {LINGERING} describes it at any time.
type slot struct {
	idx   int
	state slotState

	conn net.Conn
	fd   int // raw descriptor, cached at accept time for the multiplexer

	readBuf    []byte
	readIdx    int // bytes filled
	checkedIdx int // parse cursor
	parse      parseState

	req  requestHead
	body bodySource

	respHeader    []byte
	respHeaderLen int

	nextByteIndex int64
	endByteIndex  int64
	bytesSent     int64
	initialOffset int64

	tnums     []int // throttle group membership (indices into throttleSet.groups)
	maxLimit  int64 // bytes/sec ceiling, tightened by throttle admission
	minLimit  int64
	sentThisPeriod int64 // bytes written since the last THROTTLE_TIME tick

	activeAt  time.Time
	startedAt time.Time

	wakeupTimer timerHandle
	lingerTimer timerHandle

	wouldblockDelay time.Duration

	keepAlive   bool
	shouldLinger bool
	gotRange    bool
	detachSign  bool
	logDone     bool

	// awaiting marks a slot whose response is being produced by a
	// goroutine outside the loop (fastcgi round trip, pks/openpgp worker
	// call) rather than by a forked child or an in-process body. gen
	// guards against a result for a since-recycled slot being applied to
	// the wrong, newer connection.
	awaiting bool
	gen      int

	nextFree int // free-list link; -1 terminates the chain
}

func (s *slot) reset() {
	s.state = stateFree
	s.conn = nil
	s.fd = -1
	s.readIdx = 0
	s.checkedIdx = 0
	s.parse = parseFirstWord
	s.req = requestHead{}
	s.body = nil
	s.respHeader = nil
	s.respHeaderLen = 0
	s.nextByteIndex = 0
	s.endByteIndex = 0
	s.bytesSent = 0
	s.initialOffset = 0
	s.tnums = s.tnums[:0]
	s.maxLimit = 0
	s.minLimit = 0
	s.sentThisPeriod = 0
	s.wakeupTimer = noTimer
	s.lingerTimer = noTimer
	s.wouldblockDelay = 0
	s.keepAlive = false
	s.shouldLinger = false
	s.gotRange = false
	s.detachSign = false
	s.logDone = false
	s.awaiting = false
}

// growReadBuf appends capacity up to cfg.ReadBufCap, returning false when the
// cap would be exceeded.
func (s *slot) growReadBuf(grow, cap int) bool {
	want := len(s.readBuf) + grow
	if want > cap {
		want = cap
	}
	if want <= len(s.readBuf) {
		return false
	}
	n := make([]byte, want)
	copy(n, s.readBuf[:s.readIdx])
	s.readBuf = n
	return true
}
