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

import "time"

// interest is the read/write registration a descriptor holds with the
// multiplexer. invariant: "the multiplexer holds the conn
// descriptor with interest perpendicular to state (READ in
// READING/LINGERING, WRITE in SENDING, none in PAUSING)".
type interest uint8

const (
	interestNone interest = 0
	interestRead interest = 1 << iota
	interestWrite
)

// readyFD is one descriptor the multiplexer reports as ready on a Wait call.
type readyFD struct {
	cookie   int // the slot index registered at Add time
	readable bool
	writable bool
}

// multiplexer wraps the OS readiness-notification facility
//: add/remove a descriptor with a
// read/write interest and an opaque per-fd cookie; iterate ready
// descriptors. Implementations: muxPoll (unix.Poll, all unix targets).
type multiplexer interface {
	Add(fd int, want interest, cookie int) error
	SetInterest(fd int, want interest) error
	Remove(fd int)
	Wait(timeout time.Duration) ([]readyFD, error)
	Close() error
}
