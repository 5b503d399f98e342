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
	"fmt"
	"net"
	"syscall"
)

// connFD extracts the raw descriptor from a net.Conn so it can be registered
// with the readiness multiplexer directly. Go's net package only exposes this through SyscallConn, which
// is why the multiplexer operates on a plain int rather than on net.Conn
// itself.
func connFD(conn net.Conn) (int, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return -1, fmt.Errorf("corehttpd: connection type %T does not expose a raw fd", conn)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	ctrlErr := raw.Control(func(p uintptr) {
		fd = int(p)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}

	return fd, nil
}

// listenerFD extracts the raw descriptor from a net.Listener the same way
// connFD does for net.Conn.
func listenerFD(ln net.Listener) (int, error) {
	sc, ok := ln.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return -1, fmt.Errorf("corehttpd: listener type %T does not expose a raw fd", ln)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	ctrlErr := raw.Control(func(p uintptr) {
		fd = int(p)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}

	return fd, nil
}
