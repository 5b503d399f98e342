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

// Package corehttpd implements the event-driven connection engine: the
// non-blocking accept/read/send/linger state machine, the connection table,
// the throttle engine, the timer wheel, the child-process supervisor and the
// request-parsing state machine that drives reads.
//
// Everything that used to live at file scope in the C original is carried
// here as explicit fields of CoreContext, threaded through every method
// instead of referenced as package globals.
package corehttpd

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	liblog "thttpgpd/logger"
)

// watchdogPeriodMultiple sets how many OCCASIONAL ticks the watchdog alarm
// waits for before checking the loop has kept moving: the alarm fires every
// OccasionalTime*3, giving the loop two missed ticks of slack before a wedge
// is declared.
const watchdogPeriodMultiple = 3

// CoreContext is the single owner of the connection table, the throttle
// array, the timer wheel and the child table. Signal handlers never touch
// these fields directly: they only flip the atomic flags below, and the main
// loop (loop.go) observes them between ticks.
type CoreContext struct {
	cfg *ServerConfig
	log liblog.FuncLog
	ctx context.Context
	cnl context.CancelFunc

	mux     multiplexer
	tmr     *timerWheel
	tbl     *connTable
	thr     *throttleSet
	chld    *childTable
	sig     *signalPlane
	lstn    []listener
	stats   coreStats
	handler RequestHandler

	// asyncResults carries completed out-of-core work (fastcgi round trips,
	// pks/openpgp worker results) back to the loop goroutine. Nothing other
	// than the loop ever reads it or touches the slot table on its behalf.
	asyncResults chan asyncResult
	asyncInFlight atomic.Int64

	// reload is set by the HUP handler and cleared at the top of the next
	// loop iteration once the log sink has been reopened.
	reload atomic.Bool
	// stopping is set by the USR1 handler: stop accepting, drain in-flight
	// slots, then exit the loop once num_connects reaches zero.
	stopping atomic.Bool
	// dying is set by TERM/INT: close everything immediately.
	dying atomic.Bool
	// watchdogFed is touched by the OCCASIONAL timer; the ALRM handler
	// compares it against the previous tick to detect a wedged loop.
	watchdogFed atomic.Int64
	// staleMmap is set by the BUS handler: a mapped body region faulted,
	// so the send path must fall back to a plain read of the underlying
	// file instead of trusting the mapping again.
	staleMmap atomic.Bool

	// alarmTimer re-arms itself every watchdogPeriodMultiple*OccasionalTime,
	// delivering the process its own SIGALRM so checkWatchdog has something
	// to actually run on.
	alarmTimer *time.Timer
}

type coreStats struct {
	numConnects    atomic.Int64
	cgiCount       atomic.Int64
	childReapDrift atomic.Int64
	// occasionalTicks counts OCCASIONAL timer firings, used by the
	// watchdog to detect a main loop that stopped iterating.
	occasionalTicks atomic.Int64
}

// NewCoreContext builds the engine state for one Server according to cfg.
// It does not start accepting connections; call Server.Listen for that.
func NewCoreContext(parent context.Context, cfg *ServerConfig, log liblog.FuncLog) *CoreContext {
	if parent == nil {
		parent = context.Background()
	}

	ctx, cnl := context.WithCancel(parent)

	c := &CoreContext{
		cfg: cfg,
		log: log,
		ctx: ctx,
		cnl: cnl,
	}

	c.tmr = newTimerWheel()
	c.tbl = newConnTable(cfg.MaxConnects)
	c.thr = newThrottleSet(cfg.Throttles)
	c.chld = newChildTable(cfg.CGILimit, cfg.PidMin, cfg.PidMax)
	c.sig = newSignalPlane()
	c.asyncResults = make(chan asyncResult, 256)

	c.armWatchdog()

	return c
}

// armWatchdog schedules the process's own SIGALRM one watchdog period out,
// and re-schedules itself every time it fires. checkWatchdog (signals.go)
// does the actual deadlock check when that signal is drained; this is only
// the thing that makes SIGALRM arrive in the first place.
func (c *CoreContext) armWatchdog() {
	period := c.cfg.OccasionalTime.Time() * watchdogPeriodMultiple
	if period <= 0 {
		return
	}
	c.alarmTimer = time.AfterFunc(period, func() {
		_ = syscall.Kill(os.Getpid(), syscall.SIGALRM)
		c.armWatchdog()
	})
}

// Shutdown stops watching signals and cancels the context derived from the
// parent passed to NewCoreContext. It does not itself close listeners or
// in-flight slots; Server.Shutdown sequences that first.
func (c *CoreContext) Shutdown() {
	if c.alarmTimer != nil {
		c.alarmTimer.Stop()
	}
	if c.sig != nil {
		c.sig.stop()
	}
	if c.cnl != nil {
		c.cnl()
	}
}

func (c *CoreContext) logger() liblog.Logger {
	if c.log == nil {
		return nil
	}
	return c.log()
}

// NumConnects reports the count of non-FREE slots, exposed for the stats
// endpoint and for tests asserting the table invariant.
func (c *CoreContext) NumConnects() int64 {
	return c.stats.numConnects.Load()
}

// CGICount reports the number of outstanding CGI/FastCGI/sign children.
func (c *CoreContext) CGICount() int64 {
	return c.stats.cgiCount.Load()
}

// ThrottleRate reports the sum of every throttle group's current
// EMA-smoothed send rate, in bytes/sec, satisfying metrics.Source.
func (c *CoreContext) ThrottleRate() float64 {
	if c.thr == nil {
		return 0
	}
	return c.thr.aggregateRate()
}
