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
	"os"
	"syscall"
)

// childRecord maps a spawned child's pid to the slot that spawned it.
// It is a non-owning reference: the slot still
// owns its own lifecycle, the child table only needs it to know who to
// clear on exit and who to kill at shutdown.
type childRecord struct {
	pid       int
	slotIdx   int
	proc      *os.Process
	interpose bool // cgi-interpose child: exit over-counts cgi_count
}

// childTable is the pid-indexed table of outstanding CGI/FastCGI/sign
// children, bounded by cgiLimit concurrent children.
type childTable struct {
	pidMin, pidMax int
	entries        map[int]*childRecord
	cgiLimit       int
	cgiCount       int
}

func newChildTable(cgiLimit, pidMin, pidMax int) *childTable {
	if pidMax <= pidMin {
		pidMax = pidMin + 1
	}
	return &childTable{
		pidMin:   pidMin,
		pidMax:   pidMax,
		entries:  make(map[int]*childRecord),
		cgiLimit: cgiLimit,
	}
}

// CanSpawn reports whether another child may be launched under cgiLimit.
func (c *childTable) CanSpawn() bool {
	return c.cgiLimit <= 0 || c.cgiCount < c.cgiLimit
}

// Track records a just-spawned child. Called by the slot immediately after
// fork/exec succeeds, before the scheduler has any chance to deliver the
// child's exit notification for this pid.
func (c *childTable) Track(pid, slotIdx int, proc *os.Process, interpose bool) {
	c.entries[pid] = &childRecord{pid: pid, slotIdx: slotIdx, proc: proc, interpose: interpose}
	c.cgiCount++
}

// Reap drains exited children with a non-blocking wait, clearing the table
// entry for each reaped pid. A benign race exists: a child
// may exit before the parent recorded its pid, so a reap for an untracked
// pid is tolerated silently rather than treated as an error.
func (c *childTable) Reap(onExit func(rec *childRecord)) {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		rec, ok := c.entries[pid]
		if !ok {
			// Untracked: either a grandchild we don't manage, or the
			// known race where exit raced the parent's Track call.
			// cgi_count is not decremented for an untracked pid, which
			// over-counts cgi-interpose children on exit; we do not
			// silently "fix" it by guessing which count it belonged to.
			continue
		}

		delete(c.entries, pid)
		c.cgiCount--
		if rec.interpose {
			// interposed children close their own pipes; exit here is
			// expected to race a matching close on the producer side.
		}

		if onExit != nil {
			onExit(rec)
		}
	}
}

// TerminateAll sends a gentle termination to every tracked child; the
// caller is expected to wait out a grace period and then call KillAll.
func (c *childTable) TerminateAll() {
	for _, rec := range c.entries {
		if rec.proc != nil {
			_ = rec.proc.Signal(syscall.SIGTERM)
		}
	}
}

func (c *childTable) KillAll() {
	for _, rec := range c.entries {
		if rec.proc != nil {
			_ = rec.proc.Signal(syscall.SIGKILL)
		}
	}
}

// Count reports the number of currently tracked children.
func (c *childTable) Count() int {
	return c.cgiCount
}
