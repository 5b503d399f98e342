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

package fastcgi

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	liberr "thttpgpd/errors"
)

// Client dials one upstream FastCGI responder per request; the legacy
// design never pools or multiplexes connections to fcgi_address, so neither
// does this one.
type Client struct {
	Network string // "tcp" or "unix"
	Address string
	Dialer  net.Dialer
	Timeout time.Duration
}

// NewClient builds a Client from a dial target shaped like corehttpd's
// listener addresses: "unix:/path/to.sock" or "host:port".
func NewClient(target string, timeout time.Duration) *Client {
	network, address := "tcp", target
	if rest, ok := strings.CutPrefix(target, "unix:"); ok {
		network, address = "unix", rest
	}
	return &Client{Network: network, Address: address, Timeout: timeout}
}

// Response is the buffered result of one round trip: status, header lines
// (as received, CGI-style, before any HTTP status-line translation) and the
// full response body.
type Response struct {
	Status  int
	Header  map[string]string
	Body    []byte
	Stderr  []byte
}

// RoundTrip dials, sends params and body as one responder-role request, and
// blocks until the upstream sends EndRequest. There is no streaming: the
// whole response is buffered, matching how the core's bodySource expects a
// byte range it can serve via beginSend once RoundTrip returns.
func (c *Client) RoundTrip(ctx context.Context, params map[string]string, body []byte) (*Response, liberr.Error) {
	conn, err := c.Dialer.DialContext(ctx, c.Network, c.Address)
	if err != nil {
		return nil, ErrorDial.Error(err)
	}
	defer func() { _ = conn.Close() }()

	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}

	const reqID uint16 = 1

	if err = writeBeginRequest(conn, reqID); err != nil {
		return nil, ErrorRoundTrip.Error(err)
	}
	if err = writeParams(conn, reqID, params); err != nil {
		return nil, ErrorRoundTrip.Error(err)
	}
	if err = writeRecord(conn, reqID, typeStdin, body); err != nil {
		return nil, ErrorRoundTrip.Error(err)
	}
	if len(body) > 0 {
		if err = writeRecord(conn, reqID, typeStdin, nil); err != nil {
			return nil, ErrorRoundTrip.Error(err)
		}
	}

	var stdout, stderr bytes.Buffer
	if err = readResponse(conn, &stdout, &stderr); err != nil {
		return nil, ErrorRoundTrip.Error(err)
	}

	return parseCGIResponse(stdout.Bytes(), stderr.Bytes())
}

// parseCGIResponse splits a CGI-style response (an optional Status header,
// other headers, blank line, body) the way the upstream responder is
// expected to emit it.
func parseCGIResponse(raw, stderr []byte) (*Response, liberr.Error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(raw, sep)
	sepLen := 4
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(raw, sep)
		sepLen = 2
	}
	if idx < 0 {
		return nil, ErrorResponseMalformed.Error(nil)
	}

	head := string(raw[:idx])
	resp := &Response{Status: 200, Header: map[string]string{}, Body: raw[idx+sepLen:], Stderr: stderr}

	for _, line := range strings.Split(strings.ReplaceAll(head, "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		resp.Header[k] = v

		if strings.EqualFold(k, "Status") {
			if n, convErr := strconv.Atoi(strings.Fields(v)[0]); convErr == nil {
				resp.Status = n
			}
		}
	}

	return resp, nil
}
