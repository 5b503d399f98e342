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
	"syscall"

	"thttpgpd/internal/selfpipe"
)

// signalPlane is the control-plane side of the engine: TERM/INT stop
// immediately, HUP reopens the log, USR1 asks for a graceful drain, USR2
// emits stats, ALRM is the watchdog, CHLD triggers a reap pass, and BUS flags
// a stale-mmap condition.
type signalPlane struct {
	watch *selfpipe.Watcher
}

func newSignalPlane() *signalPlane {
	return &signalPlane{
		watch: selfpipe.New(
			syscall.SIGTERM, syscall.SIGINT,
			syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2,
			syscall.SIGALRM, syscall.SIGCHLD, syscall.SIGBUS,
		),
	}
}

func (p *signalPlane) notify() <-chan struct{} { return p.watch.Notify() }

func (p *signalPlane) stop() { p.watch.Stop() }

// handleSignals drains pending signals and applies each to c's atomic
// flags or triggers the matching action. It never touches the connection
// table/throttle array/timer wheel directly except through the same
// methods the main loop itself calls between iterations.
func (c *CoreContext) handleSignals() {
	if c.sig == nil {
		return
	}

	for _, s := range c.sig.watch.Drain() {
		switch s {
		case syscall.SIGTERM, syscall.SIGINT:
			c.dying.Store(true)
		case syscall.SIGHUP:
			c.reload.Store(true)
		case syscall.SIGUSR1:
			c.stopping.Store(true)
		case syscall.SIGUSR2:
			c.emitStats()
		case syscall.SIGALRM:
			c.checkWatchdog()
		case syscall.SIGCHLD:
			c.reapChildren()
		case syscall.SIGBUS:
			// Stale NFS mmap: the legacy design just flags it so the
			// offending slot's send path can fall back to a plain read
			// instead of dereferencing a now-invalid mapping.
			c.staleMmap.Store(true)
		}
	}
}

func (c *CoreContext) emitStats() {
	l := c.logger()
	if l == nil {
		return
	}
	l.Info("stats", map[string]any{
		"num_connects": c.NumConnects(),
		"cgi_count":    c.CGICount(),
	})
}

func (c *CoreContext) checkWatchdog() {
	prev := c.watchdogFed.Load()
	cur := c.stats.occasionalTicks.Load()
	if cur == prev {
		// the OCCASIONAL timer hasn't fired since the last watchdog check:
		// the loop is wedged. Fatal logs and aborts the process.
		l := c.logger()
		if l != nil {
			l.Fatal("watchdog: main loop appears deadlocked, aborting", nil)
		}
	}
	c.watchdogFed.Store(cur)
}

func (c *CoreContext) reapChildren() {
	c.chld.Reap(func(rec *childRecord) {
		c.tbl.Each(func(s *slot) {
			if s.idx == rec.slotIdx {
				if db, ok := s.body.(detachedBody); ok && db.pid == rec.pid {
					s.body = nil
				}
			}
		})
	})
}
