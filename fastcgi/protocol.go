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

// Package fastcgi speaks just enough of the FastCGI record protocol to
// proxy a single request to a responder role upstream (php-fpm and
// equivalents), the way the legacy daemon's fcgi_address option did.
package fastcgi

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	version1         uint8 = 1
	roleResponder    uint16 = 1
	maxRecordContent       = 65528 // keep a multiple of 8 so padding is zero
)

type recordType uint8

const (
	typeBeginRequest recordType = 1
	typeAbortRequest recordType = 2
	typeEndRequest   recordType = 3
	typeParams       recordType = 4
	typeStdin        recordType = 5
	typeStdout       recordType = 6
	typeStderr       recordType = 7
)

var errBadVersion = errors.New("fastcgi: unsupported protocol version in response header")

// recordHeader is the fixed 8-byte FastCGI record header.
type recordHeader struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

var zeroPad [8]byte

// writeRecord frames content as a single record of typ, splitting into
// maxRecordContent-sized chunks if content is larger (a zero-length write
// closes the stream, per the protocol's end-of-stream convention).
func writeRecord(w io.Writer, reqID uint16, typ recordType, content []byte) error {
	if len(content) == 0 {
		return writeOneRecord(w, reqID, typ, nil)
	}
	for len(content) > 0 {
		n := len(content)
		if n > maxRecordContent {
			n = maxRecordContent
		}
		if err := writeOneRecord(w, reqID, typ, content[:n]); err != nil {
			return err
		}
		content = content[n:]
	}
	return nil
}

func writeOneRecord(w io.Writer, reqID uint16, typ recordType, content []byte) error {
	pad := uint8(-len(content) & 7)
	h := recordHeader{
		Version:       version1,
		Type:          uint8(typ),
		RequestID:     reqID,
		ContentLength: uint16(len(content)),
		PaddingLength: pad,
	}
	if err := binary.Write(w, binary.BigEndian, h); err != nil {
		return err
	}
	if len(content) > 0 {
		if _, err := w.Write(content); err != nil {
			return err
		}
	}
	if pad > 0 {
		if _, err := w.Write(zeroPad[:pad]); err != nil {
			return err
		}
	}
	return nil
}

// writeBeginRequest starts a responder-role request; keepConn is always
// false, a new TCP/unix connection is dialed per request.
func writeBeginRequest(w io.Writer, reqID uint16) error {
	body := [8]byte{byte(roleResponder >> 8), byte(roleResponder), 0}
	return writeOneRecord(w, reqID, typeBeginRequest, body[:])
}

// writeParams encodes pairs as FCGI_PARAMS name/value records, using the
// short (1-byte) or long (4-byte) length encoding per the protocol's rule:
// lengths <=127 fit in one byte, the high bit otherwise marks a 4-byte
// length with bit 31 set.
func writeParams(w io.Writer, reqID uint16, pairs map[string]string) error {
	var buf bytes.Buffer
	for k, v := range pairs {
		writeParamSize(&buf, len(k))
		writeParamSize(&buf, len(v))
		buf.WriteString(k)
		buf.WriteString(v)
	}
	if err := writeRecord(w, reqID, typeParams, buf.Bytes()); err != nil {
		return err
	}
	return writeRecord(w, reqID, typeParams, nil)
}

func writeParamSize(buf *bytes.Buffer, n int) {
	if n <= 127 {
		buf.WriteByte(byte(n))
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n)|1<<31)
	buf.Write(b[:])
}

// readResponse drains records from r until EndRequest, copying Stdout
// content to stdout and Stderr content to stderr. It is the mirror of
// writeParams/writeBeginRequest: a blocking, synchronous round trip over
// one already-established connection.
func readResponse(r io.Reader, stdout, stderr *bytes.Buffer) error {
	br := bufio.NewReaderSize(r, 4096)
	for {
		var h recordHeader
		if err := binary.Read(br, binary.BigEndian, &h); err != nil {
			return err
		}
		if h.Version != version1 {
			return errBadVersion
		}

		n := int(h.ContentLength) + int(h.PaddingLength)
		content := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(br, content); err != nil {
				return err
			}
		}
		payload := content[:h.ContentLength]

		switch recordType(h.Type) {
		case typeStdout:
			stdout.Write(payload)
		case typeStderr:
			stderr.Write(payload)
		case typeEndRequest:
			return nil
		default:
			// GetValuesResult/UnknownType and anything else this client
			// never asks for: ignore rather than fail the request over it.
		}
	}
}
