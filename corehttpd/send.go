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
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// sendChunkCap bounds a single write regardless of throttle allowance, so one
// fast connection cannot monopolize a loop iteration.
const sendChunkCap = 64 * 1024

// coastMinWakeup is the floor on a throttle-coast pause: max(coast, 0.5s).
const coastMinWakeup = 500 * time.Millisecond

// closeWriter is the subset of net.Conn that supports a TCP/Unix half-close,
// satisfied by *net.TCPConn and *net.UnixConn. Lingering close shuts down the
// write half before draining, so the peer sees a clean FIN instead of racing
// a full close against its own in-flight bytes.
type closeWriter interface {
	CloseWrite() error
}

// beginSend moves s from READING to SENDING, registering write interest with
// the multiplexer and computing the byte range to serve.
func (c *CoreContext) beginSend(s *slot, body bodySource, start, end int64) error {
	s.body = body
	s.nextByteIndex = start
	s.initialOffset = start
	s.endByteIndex = end
	s.bytesSent = 0
	s.sentThisPeriod = 0
	s.state = stateSending
	s.activeAt = time.Now()

	if err := c.mux.SetInterest(s.fd, interestWrite); err != nil {
		return err
	}

	return nil
}

// trySend is invoked once per main-loop iteration for every slot the
// multiplexer reports as write-ready. It writes
// at most one throttle- and chunk-bounded slice, then either stays SENDING,
// moves to PAUSING (throttle exhausted this period), or moves to LINGERING
// (response complete).
func (c *CoreContext) trySend(s *slot) {
	if s.state != stateSending || s.awaiting {
		return
	}

	remaining := s.endByteIndex - s.nextByteIndex
	if remaining <= 0 {
		c.finishSend(s)
		return
	}

	want := remaining
	if want > sendChunkCap {
		want = sendChunkCap
	}

	if s.maxLimit > 0 {
		allow := s.maxLimit - s.sentThisPeriod
		if allow <= 0 {
			c.pauseSend(s)
			return
		}
		if want > allow {
			want = allow
		}
		// max_bytes: a single write never exceeds a quarter-second of this
		// connection's quota, so one big buffer can't blow the whole
		// period's allowance in one write() before the throttle tick has a
		// chance to redistribute shares.
		if maxBytes := s.maxLimit / 4; maxBytes > 0 && want > maxBytes {
			want = maxBytes
		}
	}

	buf := make([]byte, want)
	n, terr := c.readBody(s, buf)
	truncated := false
	if n > 0 {
		wn, werr := s.conn.Write(buf[:n])
		if wn > 0 {
			s.nextByteIndex += int64(wn)
			s.bytesSent += int64(wn)
			s.sentThisPeriod += int64(wn)
			s.activeAt = time.Now()
			c.thr.credit(s, int64(wn))
		}

		if werr != nil {
			if isWouldBlock(werr) {
				c.scheduleWouldBlock(s)
				return
			}
			c.abortSend(s)
			return
		}

		if wn < len(buf[:n]) {
			c.scheduleWouldBlock(s)
			return
		}

		c.decayWouldBlock(s)
	}

	if terr != nil && terr != io.EOF {
		c.abortSend(s)
		return
	}

	// A body source that ran dry (EOF) before reaching end_byte_index means
	// the response was truncated relative to what the headers promised
	// (content-length or a declared range): the peer must not see this
	// treated as a clean keep-alive boundary.
	if terr == io.EOF && s.nextByteIndex < s.endByteIndex {
		truncated = true
		s.nextByteIndex = s.endByteIndex
	}

	if s.nextByteIndex >= s.endByteIndex {
		if truncated {
			s.shouldLinger = true
		}
		c.finishSend(s)
		return
	}

	// Throttle coast guard: independent of the would-block back-off above,
	// this reacts to the rate policy rather than the socket. If this
	// connection's lifetime average has outrun its share, pause for exactly
	// as long as it takes that average to fall back under max_limit instead
	// of waiting for the next THROTTLE_TIME tick.
	if s.maxLimit > 0 {
		elapsed := time.Since(s.startedAt).Seconds()
		if elapsed >= 1 {
			if rate := float64(s.bytesSent) / elapsed; rate > float64(s.maxLimit) {
				coastSeconds := float64(s.bytesSent)/float64(s.maxLimit) - elapsed
				c.pauseForCoast(s, time.Duration(coastSeconds*float64(time.Second)))
			}
		}
	}
}

// readBody pulls up to len(buf) bytes from s.body at s.nextByteIndex. A
// detachedBody has no bytes of its own to offer here: the child writes
// directly to the connection, so the send engine only watches for its exit.
func (c *CoreContext) readBody(s *slot, buf []byte) (int, error) {
	switch b := s.body.(type) {
	case mappedBody:
		if b.data != nil {
			if c.staleMmap.Load() && b.path != "" {
				return c.readMappedFallback(s, b, buf)
			}
			off := s.nextByteIndex - s.initialOffset
			if off >= int64(len(b.data)) {
				return 0, io.EOF
			}
			n := copy(buf, b.data[off:])
			return n, nil
		}
		if b.reader != nil {
			n, err := b.reader.ReadAt(buf, s.nextByteIndex)
			return n, err
		}
		return 0, io.EOF
	case detachedBody:
		return 0, nil
	default:
		return 0, io.EOF
	}
}

// readMappedFallback serves bytes for a mapped body whose mapping a SIGBUS
// has flagged stale: instead of trusting b.data, it reopens b.path and reads
// the same byte range directly, at the cost of one open+read per write while
// staleMmap stays set. A fresh mapping is never attempted here; the next
// request for this path re-enters the small-file cache on its own.
func (c *CoreContext) readMappedFallback(s *slot, b mappedBody, buf []byte) (int, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.ReadAt(buf, s.nextByteIndex)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (c *CoreContext) pauseSend(s *slot) {
	s.state = statePausing
	_ = c.mux.SetInterest(s.fd, interestNone)
}

// pauseForCoast enters PAUSING the way the throttle coast guard requires: the
// wakeup is scheduled at max(coast, 0.5s) instead of waiting for the next
// THROTTLE_TIME tick, so a connection that outran its share pauses for
// exactly as long as it takes its lifetime average to fall back in line.
func (c *CoreContext) pauseForCoast(s *slot, coast time.Duration) {
	c.pauseSend(s)

	if coast < coastMinWakeup {
		coast = coastMinWakeup
	}

	idx := s.idx
	s.wakeupTimer = c.tmr.Create(time.Now(), coast, func(time.Time) {
		c.tbl.Each(func(cand *slot) {
			if cand.idx == idx && cand.state == statePausing {
				c.resumeSend(cand)
			}
		})
	})
}

// resumeSend is called either from the periodic throttle tick (loop.go) once
// the new period's allowance has been recomputed, or from a coast-pause
// wakeup timer.
func (c *CoreContext) resumeSend(s *slot) {
	if s.state != statePausing {
		return
	}
	c.tmr.Cancel(s.wakeupTimer)
	s.wakeupTimer = noTimer
	s.sentThisPeriod = 0
	s.state = stateSending
	_ = c.mux.SetInterest(s.fd, interestWrite)
}

// scheduleWouldBlock backs off additively: each occurrence grows the delay by
// a fixed minimum step (rather than doubling), capped at IdleSendTimeLimit.
// trySend's successful-write path decays it back down by the same step, so a
// connection that keeps blocking climbs the backoff while one that recovers
// eases off it just as gradually.
func (c *CoreContext) scheduleWouldBlock(s *slot) {
	step := c.cfg.MinWouldblockDelay.Time()
	s.wouldblockDelay += step
	if ceil := c.cfg.IdleSendTimeLimit.Time(); ceil > 0 && s.wouldblockDelay > ceil {
		s.wouldblockDelay = ceil
	}
	// write interest is already registered; the multiplexer will wake the
	// loop as soon as the socket drains, so no timer is strictly required,
	// but a backoff timer also guards against a missed edge-triggered
	// notification on platforms that need one.
	idx := s.idx
	s.wakeupTimer = c.tmr.Create(time.Now(), s.wouldblockDelay, func(time.Time) {
		c.tbl.Each(func(cand *slot) {
			if cand.idx == idx && cand.state == stateSending {
				c.trySend(cand)
			}
		})
	})
}

// decayWouldBlock eases the adaptive backoff down by one minimum step after
// every write that completes without blocking.
func (c *CoreContext) decayWouldBlock(s *slot) {
	step := c.cfg.MinWouldblockDelay.Time()
	if s.wouldblockDelay <= step {
		s.wouldblockDelay = 0
		return
	}
	s.wouldblockDelay -= step
}

func (c *CoreContext) finishSend(s *slot) {
	c.tmr.Cancel(s.wakeupTimer)
	s.wakeupTimer = noTimer
	s.body = nil
	c.beginLinger(s)
}

func (c *CoreContext) abortSend(s *slot) {
	c.tmr.Cancel(s.wakeupTimer)
	s.wakeupTimer = noTimer
	c.closeSlot(s)
}

// beginLinger moves s out of SENDING. Plain keep-alive reuse (the common
// case) just returns the slot to READING to await the next pipelined
// request; should_linger instead drains a genuine Apache-style lingering
// close, since a naked close() here would risk the peer seeing an RST on
// bytes it hasn't read yet (a truncated body, or an error response the peer
// might still be mid-write on).
func (c *CoreContext) beginLinger(s *slot) {
	if !s.keepAlive {
		s.shouldLinger = false
		c.closeSlot(s)
		return
	}

	if !s.shouldLinger {
		c.returnToReading(s)
		return
	}

	s.state = stateLingering

	if cw, ok := s.conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	_ = c.mux.SetInterest(s.fd, interestRead)

	idx := s.idx
	s.lingerTimer = c.tmr.Create(time.Now(), c.cfg.LingerTime.Time(), func(time.Time) {
		c.tbl.Each(func(cand *slot) {
			if cand.idx == idx && cand.state == stateLingering {
				c.closeSlot(cand)
			}
		})
	})
}

// returnToReading parks a keep-alive connection back at the top of the
// request-parsing state machine, awaiting the next pipelined request. This
// is a plain reuse of the slot, distinct from LINGERING: nothing is
// discarded, the read buffer's leftover bytes (if any) are the start of the
// next request.
func (c *CoreContext) returnToReading(s *slot) {
	s.state = stateReading
	s.shouldLinger = false
	s.parse = parseFirstWord
	s.req = requestHead{}
	s.checkedIdx = s.readIdx
	_ = c.mux.SetInterest(s.fd, interestRead)
}

// handleLingerRead discards one readiness event's worth of bytes from a
// connection in LINGERING. Nothing read here is ever interpreted as a
// request: should_linger means the peer is not to be trusted to start a
// clean new one on this socket. EOF, a real read error, or the linger timer
// firing all lead to the same real close.
func (c *CoreContext) handleLingerRead(s *slot) {
	var buf [4096]byte
	n, err := s.conn.Read(buf[:])
	if n == 0 && err == nil {
		return
	}
	if err != nil && isWouldBlock(err) {
		return
	}
	c.closeSlot(s)
}

// closeSlot tears down the connection and returns s to the free list.
func (c *CoreContext) closeSlot(s *slot) {
	c.tmr.Cancel(s.wakeupTimer)
	c.tmr.Cancel(s.lingerTimer)
	c.mux.Remove(s.fd)
	c.thr.release(s)

	if s.conn != nil {
		_ = s.conn.Close()
	}

	c.tbl.Release(s)
	c.stats.numConnects.Store(int64(c.tbl.Len()))
}

func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
