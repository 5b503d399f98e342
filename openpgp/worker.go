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

package openpgp

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"

	liberr "thttpgpd/errors"
)

// WorkerEnv is the fixed environment contract an interposed sign worker is
// started with: a read end carrying the response body to sign, a write end
// the worker sends the signed (or rejected) result back on, a snapshot of
// the connection the response belongs to (used to decide whether signing
// applies, e.g. via SignExcludePattern), and the option bitfield in force
// for the server that accepted the connection.
type WorkerEnv struct {
	ReadFD            uintptr
	WriteFD           uintptr
	ConnectionSnapshot string
	OptionFlags       uint32
}

const (
	envReadFD  = "THTTPGPD_SIGN_READ_FD"
	envWriteFD = "THTTPGPD_SIGN_WRITE_FD"
	envSnap    = "THTTPGPD_SIGN_CONN_SNAPSHOT"
	envOpts    = "THTTPGPD_SIGN_OPTION_FLAGS"
)

// Spawn starts self (re-executed as "thttpgpd sign-worker") with a pipe
// pair inherited as extra file descriptors 3 and 4, matching the
// read_fd/write_fd/connection_snapshot/option_flags contract: the worker
// reads the unsigned body from fd 3, and writes back either the signed
// multipart/msigned body or a passthrough of the original on fd 4 (a key
// configuration error must not make the response vanish).
//
// The caller is expected to write the body to bodyWr and close it, read the
// result from resultRd, and hand the returned pid/proc to Request.Detach so
// the core's child supervisor reaps it like any other CGI child.
func Spawn(snapshot string, optionFlags uint32) (proc *os.Process, bodyWr *os.File, resultRd *os.File, err liberr.Error) {
	exePath, lookErr := os.Executable()
	if lookErr != nil {
		return nil, nil, nil, ErrorSign.Error(lookErr)
	}

	inRd, inWr, pipeErr := os.Pipe()
	if pipeErr != nil {
		return nil, nil, nil, ErrorSign.Error(pipeErr)
	}
	outRd, outWr, pipeErr := os.Pipe()
	if pipeErr != nil {
		_ = inRd.Close()
		_ = inWr.Close()
		return nil, nil, nil, ErrorSign.Error(pipeErr)
	}

	cmd := exec.Command(exePath, "sign-worker")
	cmd.ExtraFiles = []*os.File{inRd, outWr}
	cmd.Env = append(os.Environ(),
		envReadFD+"=3",
		envWriteFD+"=4",
		envSnap+"="+snapshot,
		envOpts+"="+strconv.FormatUint(uint64(optionFlags), 10),
	)
	cmd.Stderr = os.Stderr

	if startErr := cmd.Start(); startErr != nil {
		_ = inRd.Close()
		_ = inWr.Close()
		_ = outRd.Close()
		_ = outWr.Close()
		return nil, nil, nil, ErrorSign.Error(startErr)
	}

	// The parent's copies of the child's ends are no longer needed once
	// the child has inherited them.
	_ = inRd.Close()
	_ = outWr.Close()

	return cmd.Process, inWr, outRd, nil
}

// RunWorker is the interposed worker's entry point, invoked by
// "thttpgpd sign-worker": it reads the unsigned body to completion from
// fd 3, signs it with e, and writes the wrapped multipart/msigned result
// (or, if no signing key is configured, the original body unchanged) to
// fd 4. It never returns an error to its caller: a worker that cannot sign
// still must not swallow the response.
func RunWorker(e *Engine, contentType string) error {
	in := os.NewFile(3, "sign-in")
	out := os.NewFile(4, "sign-out")
	defer func() { _ = out.Close() }()

	body, readErr := readAll(in)
	if readErr != nil {
		return readErr
	}

	if e == nil {
		_, werr := out.Write(body)
		return werr
	}

	_, wrapped, signErr := e.WrapSigned(contentType, body)
	if signErr != nil {
		_, werr := out.Write(body)
		return werr
	}

	_, werr := out.Write(wrapped)
	return werr
}

func readAll(f *os.File) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return buf, err
		}
	}
}
