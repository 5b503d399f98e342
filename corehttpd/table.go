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

// connTable is a fixed-capacity array of slots with a free-list. It is
// exclusively owned by the main task; no lock is required since nothing
// else ever touches it concurrently.
type connTable struct {
	slots    []slot
	freeHead int // -1 when exhausted
	inUse    int
}

func newConnTable(capacity int) *connTable {
	if capacity <= 0 {
		capacity = 1
	}

	t := &connTable{
		slots: make([]slot, capacity),
	}

	for i := range t.slots {
		t.slots[i].idx = i
		t.slots[i].nextFree = i + 1
		t.slots[i].fd = -1
		t.slots[i].wakeupTimer = noTimer
		t.slots[i].lingerTimer = noTimer
	}
	t.slots[capacity-1].nextFree = -1
	t.freeHead = 0

	return t
}

// Acquire pops a slot off the head of the free-list, or returns nil when the
// table is full.
func (t *connTable) Acquire() *slot {
	if t.freeHead == -1 {
		return nil
	}

	s := &t.slots[t.freeHead]
	t.freeHead = s.nextFree
	s.state = stateReading
	s.gen++
	t.inUse++

	return s
}

// Release returns a slot to FREE and pushes it back onto the free-list.
func (t *connTable) Release(s *slot) {
	if s.state == stateFree {
		return
	}
	s.reset()
	s.nextFree = t.freeHead
	t.freeHead = s.idx
	t.inUse--
}

// Len reports the count of non-FREE slots, which must equal the number of
// connections currently tracked by the server.
func (t *connTable) Len() int {
	return t.inUse
}

// Each applies fn to every non-FREE slot, skipping FREE ones, in index
// order. Used by the idle sweep and by the fair-share
// redistribution pass.
func (t *connTable) Each(fn func(s *slot)) {
	for i := range t.slots {
		if t.slots[i].state != stateFree {
			fn(&t.slots[i])
		}
	}
}

// freeListLen walks the free-list and counts it, used by property tests to
// assert it "visits exactly the FREE slots once".
func (t *connTable) freeListLen() int {
	n := 0
	for i := t.freeHead; i != -1; i = t.slots[i].nextFree {
		n++
		if n > len(t.slots) {
			// defensive: a cycle would otherwise loop forever in a test
			break
		}
	}
	return n
}
