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

//go:build unix

package corehttpd

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// muxPoll implements multiplexer on top of unix.Poll, the lowest common
// denominator readiness call available via golang.org/x/sys/unix across
// linux/darwin/bsd targets"). The registration table is kept
// in a plain map and rebuilt into a []unix.PollFd on every Wait; the
// connection table is bounded (ServerConfig.MaxConnects), so this is O(n)
// per tick over a small n rather than the syscall-per-mutation overhead of
// emulating epoll_ctl by hand without cgo.
type muxPoll struct {
	mu      sync.Mutex
	fds     map[int]*pollReg
}

type pollReg struct {
	want   interest
	cookie int
}

func newMultiplexer() (multiplexer, error) {
	return &muxPoll{fds: make(map[int]*pollReg)}, nil
}

func (m *muxPoll) Add(fd int, want interest, cookie int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fds[fd] = &pollReg{want: want, cookie: cookie}
	return nil
}

func (m *muxPoll) SetInterest(fd int, want interest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.fds[fd]; ok {
		r.want = want
	}
	return nil
}

func (m *muxPoll) Remove(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fds, fd)
}

func (m *muxPoll) Wait(timeout time.Duration) ([]readyFD, error) {
	m.mu.Lock()
	pfds := make([]unix.PollFd, 0, len(m.fds))
	cookies := make([]int, 0, len(m.fds))
	for fd, r := range m.fds {
		var ev int16
		if r.want&interestRead != 0 {
			ev |= unix.POLLIN
		}
		if r.want&interestWrite != 0 {
			ev |= unix.POLLOUT
		}
		if ev == 0 {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: ev})
		cookies = append(cookies, r.cookie)
	}
	m.mu.Unlock()

	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}

	n, err := unix.Poll(pfds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]readyFD, 0, n)
	for i, p := range pfds {
		if p.Revents == 0 {
			continue
		}
		out = append(out, readyFD{
			cookie:   cookies[i],
			readable: p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			writable: p.Revents&(unix.POLLOUT|unix.POLLERR) != 0,
		})
	}

	return out, nil
}

func (m *muxPoll) Close() error {
	return nil
}
