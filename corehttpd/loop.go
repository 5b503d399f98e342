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
	"time"
)

// asyncPollCap bounds how long the loop can sleep in mux.Wait while any
// slot is awaiting an out-of-core result, since nothing registers that
// channel with the multiplexer itself.
const asyncPollCap = 200 * time.Millisecond

// acceptCookie/listenCookie distinguish listener readiness events from slot
// readiness events in the multiplexer's cookie space: listeners are
// registered at negative cookies, slots at their non-negative table index.
func listenCookie(i int) int { return -(i + 1) }

func isListenCookie(c int) (int, bool) {
	if c < 0 {
		return -(c + 1), true
	}
	return 0, false
}

// run is the main loop: wait for readiness or the nearest
// timer deadline, drain signals, fire due timers, dispatch ready
// descriptors, then sweep idle connections on its own interval. It returns
// once dying is observed and every slot has drained.
func (c *CoreContext) run() error {
	idleNext := time.Now().Add(c.cfg.IdleSweepInterval.Time())
	occasionalNext := time.Now().Add(c.cfg.OccasionalTime.Time())
	throttleNext := time.Now().Add(c.cfg.ThrottleTime.Time())

	for {
		if c.dying.Load() {
			return c.drainAndExit()
		}

		if c.stopping.Load() && c.tbl.Len() == 0 {
			return c.drainAndExit()
		}

		now := time.Now()
		timeout := c.nextTimeout(now, idleNext, occasionalNext, throttleNext)
		if c.hasAsyncWork() && timeout > asyncPollCap {
			timeout = asyncPollCap
		}

		ready, err := c.mux.Wait(timeout)
		if err != nil {
			return err
		}

		c.handleSignals()
		c.drainAsync()

		now = time.Now()
		c.tmr.RunDue(now)

		for _, r := range ready {
			c.dispatchReady(r)
		}

		if c.reload.Load() {
			c.reload.Store(false)
			// log sink reopen is the caller's responsibility (server.go),
			// surfaced through the same atomic the HUP handler sets.
		}

		if !now.Before(idleNext) {
			c.sweepIdle(now)
			idleNext = now.Add(c.cfg.IdleSweepInterval.Time())
		}

		if !now.Before(occasionalNext) {
			c.stats.occasionalTicks.Add(1)
			c.reapChildren()
			occasionalNext = now.Add(c.cfg.OccasionalTime.Time())
		}

		if !now.Before(throttleNext) {
			c.runThrottleTick()
			throttleNext = now.Add(c.cfg.ThrottleTime.Time())
		}
	}
}

func (c *CoreContext) nextTimeout(now, idleNext, occasionalNext, throttleNext time.Time) time.Duration {
	deadline := idleNext
	if occasionalNext.Before(deadline) {
		deadline = occasionalNext
	}
	if throttleNext.Before(deadline) {
		deadline = throttleNext
	}
	if d, ok := c.tmr.NextDeadline(); ok && d.Before(deadline) {
		deadline = d
	}

	wait := deadline.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (c *CoreContext) dispatchReady(r readyFD) {
	if li, ok := isListenCookie(r.cookie); ok {
		if r.readable {
			c.acceptOne(li)
		}
		return
	}

	if r.cookie < 0 || r.cookie >= len(c.tbl.slots) {
		return
	}
	s := &c.tbl.slots[r.cookie]

	switch s.state {
	case stateReading:
		if r.readable {
			c.handleRead(s)
		}
	case stateLingering:
		if r.readable {
			c.handleLingerRead(s)
		}
	case stateSending:
		if r.writable {
			c.trySend(s)
		}
	}
}

// acceptOne accepts a single pending connection on listener li. When the
// table is full the connection is accepted and closed immediately rather
// than left to back up the kernel accept queue; there is no queueing.
func (c *CoreContext) acceptOne(li int) {
	if li < 0 || li >= len(c.lstn) {
		return
	}

	conn, err := c.lstn[li].ln.Accept()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			l := c.logger()
			if l != nil {
				l.Warning("accept failed", err)
			}
		}
		return
	}

	s := c.tbl.Acquire()
	if s == nil {
		_ = conn.Close()
		return
	}

	fd, err := connFD(conn)
	if err != nil {
		c.tbl.Release(s)
		_ = conn.Close()
		return
	}

	s.conn = conn
	s.fd = fd
	s.state = stateReading
	s.parse = parseFirstWord
	s.readIdx = 0
	s.checkedIdx = 0
	s.startedAt = time.Now()
	s.activeAt = s.startedAt

	bufCap := c.cfg.ReadBufCap
	grow := c.cfg.ReadBufGrow
	if grow <= 0 {
		grow = bufCap
	}
	s.growReadBuf(grow, bufCap)

	if err := c.mux.Add(s.fd, interestRead, s.idx); err != nil {
		c.closeSlot(s)
		return
	}

	c.stats.numConnects.Store(int64(c.tbl.Len()))
}

// handleRead pulls newly-available bytes into s.readBuf and advances the
// header scanner. On parseComplete it dispatches the request;
// on parseBogus it emits 400; past ReadBufCap without completion it emits
// 400 as well).
func (c *CoreContext) handleRead(s *slot) {
	if s.readIdx == len(s.readBuf) {
		grow := c.cfg.ReadBufGrow
		if grow <= 0 {
			grow = c.cfg.ReadBufCap
		}
		if !s.growReadBuf(grow, c.cfg.ReadBufCap) {
			c.rejectRequest(s, "request exceeds read buffer cap")
			return
		}
	}

	n, err := s.conn.Read(s.readBuf[s.readIdx:])
	if n > 0 {
		from := s.checkedIdx
		s.readIdx += n
		s.parse = scanRequest(s.parse, s.readBuf, from, s.readIdx)
		s.checkedIdx = s.readIdx
		s.activeAt = time.Now()
	}

	switch s.parse {
	case parseComplete:
		c.dispatchRequest(s)
		return
	case parseBogus:
		c.rejectRequest(s, "malformed request line or headers")
		return
	}

	if err != nil {
		if err == io.EOF {
			c.closeSlot(s)
			return
		}
		if !isWouldBlock(err) {
			c.closeSlot(s)
			return
		}
	}
}

// dispatchRequest parses the completed header block, decides keep-alive and
// range handling, and hands off to the response path. Static-file and
// CGI/FastCGI resolution live in staticfile/fastcgi (domain stack); here we
// only record the parsed head and flip state, leaving a hook for the caller
// (server.go wires a RequestHandler) to attach a body and call beginSend.
func (c *CoreContext) dispatchRequest(s *slot) {
	head, err := parseHeaders(s.readBuf[:s.checkedIdx])
	if err != nil {
		c.rejectRequest(s, "malformed request line or headers")
		return
	}

	s.req = head
	s.keepAlive = head.keepAliveDefault
	s.gotRange = head.gotRange

	if c.handler != nil {
		c.handler(c, &Request{c: c, s: s})
		return
	}

	c.rejectRequest(s, "no request handler installed")
}

func (c *CoreContext) rejectRequest(s *slot, reason string) {
	resp := []byte("HTTP/1.0 400 Bad Request\r\nConnection: close\r\n\r\n")
	s.keepAlive = false

	l := c.logger()
	if l != nil {
		l.Info("rejecting request", reason)
	}

	_ = c.beginSend(s, mappedBody{data: resp}, 0, int64(len(resp)))
	c.trySend(s)
}

// sweepIdle closes any slot that has exceeded its configured idle time limit
//: READING/LINGERING slots beyond IdleReadTimeLimit, SENDING
// slots beyond IdleSendTimeLimit.
func (c *CoreContext) sweepIdle(now time.Time) {
	c.tbl.Each(func(s *slot) {
		switch s.state {
		case stateReading, stateLingering:
			if c.cfg.IdleReadTimeLimit > 0 && now.Sub(s.activeAt) > c.cfg.IdleReadTimeLimit.Time() {
				c.closeSlot(s)
			}
		case stateSending, statePausing:
			if c.cfg.IdleSendTimeLimit > 0 && now.Sub(s.activeAt) > c.cfg.IdleSendTimeLimit.Time() {
				c.closeSlot(s)
			}
		}
	})
}

// runThrottleTick re-evaluates every throttle group's smoothed rate and
// redistributes fair-share limits, resuming any PAUSING slot with a fresh
// period allowance.
func (c *CoreContext) runThrottleTick() {
	anySending := func(idx int) bool {
		found := false
		c.tbl.Each(func(s *slot) {
			if s.state == stateSending || s.state == statePausing {
				for _, n := range s.tnums {
					if n == idx {
						found = true
					}
				}
			}
		})
		return found
	}

	warn := func(g *throttle) {
		l := c.logger()
		if l != nil {
			l.Warning("throttle rate out of configured band", nil)
		}
	}

	c.thr.updatePeriodic(c.cfg.ThrottleTime.Time().Seconds(), anySending, warn)
	c.thr.redistribute(c.tbl)

	c.tbl.Each(func(s *slot) {
		if s.state == statePausing {
			c.resumeSend(s)
		}
	})
}

// drainAndExit runs the shutdown sequence described:
// stop accepting, let in-flight slots finish or be cut off, terminate then
// kill children, close listeners.
func (c *CoreContext) drainAndExit() error {
	for _, l := range c.lstn {
		_ = l.ln.Close()
	}

	if c.dying.Load() {
		c.tbl.Each(func(s *slot) {
			c.closeSlot(s)
		})
	}

	c.chld.TerminateAll()
	time.Sleep(200 * time.Millisecond)
	c.chld.KillAll()

	return nil
}
