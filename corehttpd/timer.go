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
	"container/heap"
	"time"
)

// timerHandle is an arena index into timerWheel.items, not a back-pointer,
// avoiding a cyclic reference from the timer back to its owning slot.
// Cancellation sets a slot's handle back to noTimer; a cancelled entry is
// left in the heap as a tombstone and skipped when it is eventually popped.
type timerHandle int

const noTimer timerHandle = -1

type timerCallback func(now time.Time)

type timerEntry struct {
	handle    timerHandle
	deadline  time.Time
	cb        timerCallback
	cancelled bool
	seq       int64 // tie-breaker so equal deadlines fire in creation order
	heapIdx   int
}

// timerWheel is a priority-ordered set of timers keyed by deadline.
// Create/Cancel are O(log n); RunDue fires callbacks in non-decreasing
// deadline order.
type timerWheel struct {
	items []*timerEntry
	byIdx map[timerHandle]*timerEntry
	next  timerHandle
	seq   int64
}

func newTimerWheel() *timerWheel {
	return &timerWheel{
		byIdx: make(map[timerHandle]*timerEntry),
	}
}

// heap.Interface over *timerEntry, ordered by deadline then seq.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// Create schedules cb to run at now+delay, returning a handle usable with
// Cancel. It never blocks.
func (w *timerWheel) Create(now time.Time, delay time.Duration, cb timerCallback) timerHandle {
	w.seq++
	e := &timerEntry{
		deadline: now.Add(delay),
		cb:       cb,
		seq:      w.seq,
	}

	w.next++
	h := w.next
	e.handle = h
	w.byIdx[h] = e

	heap.Push((*timerHeap)(&w.items), e)

	return h
}

// Cancel prevents a not-yet-fired timer's callback from running. Safe to
// call with noTimer or an already-fired handle.
func (w *timerWheel) Cancel(h timerHandle) {
	if h == noTimer {
		return
	}
	if e, ok := w.byIdx[h]; ok {
		e.cancelled = true
		delete(w.byIdx, h)
	}
}

// NextDeadline returns the time the main loop should wake by, and whether
// any timer is pending at all.
func (w *timerWheel) NextDeadline() (time.Time, bool) {
	for len(w.items) > 0 {
		top := w.items[0]
		if top.cancelled {
			heap.Pop((*timerHeap)(&w.items))
			continue
		}
		return top.deadline, true
	}
	return time.Time{}, false
}

// RunDue fires every timer whose deadline is <= now, in non-decreasing
// deadline order.
func (w *timerWheel) RunDue(now time.Time) {
	for len(w.items) > 0 {
		top := w.items[0]
		if top.cancelled {
			heap.Pop((*timerHeap)(&w.items))
			continue
		}
		if top.deadline.After(now) {
			return
		}
		heap.Pop((*timerHeap)(&w.items))
		if top.cancelled {
			continue
		}
		delete(w.byIdx, top.handle)
		top.cb(now)
	}
}
