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

import "path"

// throttle is one rate-limit group. Pattern
// matching uses the stdlib path.Match, which already implements the POSIX
// shell glob grammar the throttle file's patterns are written in — no pack
// library adds anything over it here (see DESIGN.md).
type throttle struct {
	pattern   string
	maxLimit  int64
	minLimit  int64
	rate      float64
	bytesSinceAvg int64
	numSending int
}

const throttleNoLimit int64 = -1

// throttleSet is the fixed throttle array.
type throttleSet struct {
	groups []throttle
}

// aggregateRate sums the EMA-smoothed rate of every group, used by the
// stats endpoint and the USR2 dump; it is not a physical quantity (a byte
// can count toward more than one group) but tracks load well enough for a
// single gauge.
func (ts *throttleSet) aggregateRate() float64 {
	var total float64
	for _, g := range ts.groups {
		total += g.rate
	}
	return total
}

func newThrottleSet(cfg []ThrottleConfig) *throttleSet {
	ts := &throttleSet{groups: make([]throttle, len(cfg))}
	for i, c := range cfg {
		min := c.MinLimit
		if min == 0 {
			min = throttleNoLimit
		}
		ts.groups[i] = throttle{
			pattern:  c.Pattern,
			maxLimit: c.MaxLimit,
			minLimit: min,
		}
	}
	return ts
}

// maxGroupsPerConnection bounds the per-connection membership array, per
// "up to a fixed per-connection cap".
const maxGroupsPerConnection = 8

// admit scans throttles in declaration order against filename, matching
// On success it records membership on s and tightens
// s.maxLimit/s.minLimit; on a saturated group it returns false (caller emits
// 503) without mutating membership already recorded for earlier groups in
// this call.
func (ts *throttleSet) admit(s *slot, filename string) bool {
	s.maxLimit = 0
	s.minLimit = 0

	matched := 0
	for i := range ts.groups {
		if matched >= maxGroupsPerConnection {
			break
		}

		g := &ts.groups[i]
		ok, err := path.Match(g.pattern, filename)
		if err != nil || !ok {
			continue
		}

		if g.rate > float64(2*g.maxLimit) || (g.minLimit != throttleNoLimit && g.rate < float64(g.minLimit)) {
			ts.release(s)
			return false
		}

		g.numSending++
		s.tnums = append(s.tnums, i)
		matched++
	}

	ts.recomputeLimits(s)
	return true
}

// recomputeLimits derives s.maxLimit as the min over joined groups of
// group.max_limit/group.num_sending, and s.minLimit as the max over joined
// groups of group.min_limit.
func (ts *throttleSet) recomputeLimits(s *slot) {
	var (
		max int64 = 0
		min int64 = 0
		any bool
	)

	for _, idx := range s.tnums {
		g := &ts.groups[idx]

		share := g.maxLimit
		if g.numSending > 0 {
			share = g.maxLimit / int64(g.numSending)
		}

		if !any || share < max {
			max = share
		}
		if g.minLimit != throttleNoLimit && g.minLimit > min {
			min = g.minLimit
		}
		any = true
	}

	if any {
		s.maxLimit = max
		s.minLimit = min
	} else {
		s.maxLimit = 0 // unlimited
		s.minLimit = 0
	}
}

// release decrements num_sending for each group s joined, on connection
// clear.
func (ts *throttleSet) release(s *slot) {
	for _, idx := range s.tnums {
		if ts.groups[idx].numSending > 0 {
			ts.groups[idx].numSending--
		}
	}
	s.tnums = s.tnums[:0]
}

// credit adds n bytes sent to every group s belongs to, feeding the EMA
// accumulator.
func (ts *throttleSet) credit(s *slot, n int64) {
	for _, idx := range s.tnums {
		ts.groups[idx].bytesSinceAvg += n
	}
}

// updatePeriodic runs every THROTTLE_TIME seconds: EMA-style
// smoothing of rate, reset of the accumulator, and a logged warning when
// rate is out of band while any connection is sending.
func (ts *throttleSet) updatePeriodic(throttleTimeSeconds float64, anySending func(groupIdx int) bool, warn func(g *throttle)) {
	for i := range ts.groups {
		g := &ts.groups[i]
		g.rate = (2*g.rate + float64(g.bytesSinceAvg)/throttleTimeSeconds) / 3
		g.bytesSinceAvg = 0

		if warn != nil && anySending(i) {
			if g.rate > float64(g.maxLimit) || (g.minLimit != throttleNoLimit && g.rate < float64(g.minLimit)) {
				warn(g)
			}
		}
	}
}

// redistribute recomputes max_limit for every currently SENDING/PAUSING
// slot after a periodic update.
func (ts *throttleSet) redistribute(t *connTable) {
	t.Each(func(s *slot) {
		if s.state == stateSending || s.state == statePausing {
			if len(s.tnums) > 0 {
				ts.recomputeLimits(s)
			}
		}
	})
}
