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

// Package selfpipe provides a signal-to-channel bridge so that signal
// handling never touches shared engine state directly. Go's os/signal already runs handlers on their
// own goroutine rather than in true async-signal context, but the engine
// still wants signal delivery folded into the same readiness-wait tick as
// socket I/O and timers, so notifications are drained at the top of each
// main-loop iteration instead of being acted on from the delivery
// goroutine.
package selfpipe

import (
	"os"
	"os/signal"
	"sync"
)

// Watcher multiplexes a fixed set of os.Signal values onto a single
// buffered channel, coalescing bursts (the channel never blocks the
// delivery goroutine) the same way a self-pipe coalesces repeated writes
// when the reader hasn't drained it yet.
type Watcher struct {
	mu      sync.Mutex
	ch      chan os.Signal
	pending map[os.Signal]bool
	notify  chan struct{}
}

// New starts watching sigs and returns a Watcher. Call Stop to release the
// underlying os/signal registration.
func New(sigs ...os.Signal) *Watcher {
	w := &Watcher{
		ch:      make(chan os.Signal, 64),
		pending: make(map[os.Signal]bool, len(sigs)),
		notify:  make(chan struct{}, 1),
	}

	signal.Notify(w.ch, sigs...)

	go w.pump()

	return w
}

func (w *Watcher) pump() {
	for s := range w.ch {
		w.mu.Lock()
		w.pending[s] = true
		w.mu.Unlock()

		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// Notify returns a channel that is signalled (non-blockingly) whenever at
// least one pending signal is waiting to be drained. The main loop selects
// on this alongside its readiness wait.
func (w *Watcher) Notify() <-chan struct{} {
	return w.notify
}

// Drain returns and clears the set of signals observed since the last
// Drain call.
func (w *Watcher) Drain() []os.Signal {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]os.Signal, 0, len(w.pending))
	for s := range w.pending {
		out = append(out, s)
		delete(w.pending, s)
	}
	return out
}

// Stop releases the os/signal registration and closes the delivery channel
// so the pump goroutine terminates.
func (w *Watcher) Stop() {
	signal.Stop(w.ch)
	close(w.ch)
}
