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
	"bytes"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	errMalformedRequest  = errors.New("malformed request line")
	errUnsupportedMethod = errors.New("unsupported method")
)

// parseState is the progression through the request-line + headers scan.
type parseState uint8

const (
	parseFirstWord parseState = iota
	parseFirstWS
	parseSecondWord
	parseSecondWS
	parseThirdWord
	parseThirdWS
	parseLine
	parseLF
	parseCR
	parseCRLF
	parseCRLFCR
	parseComplete
	parseBogus
)

func isSpaceOrTab(b byte) bool { return b == ' ' || b == '\t' }

// scanStep advances parse over one new byte. It is byte-at-a-time by design:
// feeding any prefix of a valid request yields a non-complete, non-bogus
// state until the terminal byte arrives.
func scanStep(state parseState, b byte) parseState {
	switch state {
	case parseFirstWord:
		if isSpaceOrTab(b) {
			return parseFirstWS
		}
		if b == '\r' || b == '\n' {
			return parseBogus
		}
		return parseFirstWord

	case parseFirstWS:
		if isSpaceOrTab(b) {
			return parseFirstWS
		}
		if b == '\r' || b == '\n' {
			return parseBogus
		}
		return parseSecondWord

	case parseSecondWord:
		if isSpaceOrTab(b) {
			return parseSecondWS
		}
		if b == '\r' || b == '\n' {
			return parseBogus
		}
		return parseSecondWord

	case parseSecondWS:
		if isSpaceOrTab(b) {
			return parseSecondWS
		}
		// HTTP/0.9 requests have no third word, but we only support 1.0/1.1,
		// so a CR/LF here without a version is bogus.
		if b == '\r' || b == '\n' {
			return parseBogus
		}
		return parseThirdWord

	case parseThirdWord:
		if isSpaceOrTab(b) {
			return parseThirdWS
		}
		if b == '\r' {
			return parseCR
		}
		if b == '\n' {
			return parseLF
		}
		return parseThirdWord

	case parseThirdWS, parseLine:
		if b == '\r' {
			return parseCR
		}
		if b == '\n' {
			return parseLF
		}
		return parseLine

	case parseLF:
		// a line terminated by bare LF; a second bare LF completes the
		// request head, otherwise keep scanning the next header line.
		if b == '\n' {
			return parseComplete
		}
		if b == '\r' {
			return parseCR
		}
		return parseLine

	case parseCR:
		if b == '\n' {
			return parseCRLF
		}
		// lone CR not followed by LF: treat as a fresh header byte.
		return parseLine

	case parseCRLF:
		if b == '\r' {
			return parseCRLFCR
		}
		if b == '\n' {
			return parseComplete
		}
		return parseLine

	case parseCRLFCR:
		if b == '\n' {
			return parseComplete
		}
		return parseLine

	case parseBogus:
		return parseBogus

	default:
		return parseBogus
	}
}

// scanRequest advances state over buf[from:to], returning the resulting
// state. Used by handleRead to resume scanning only the newly-read bytes.
func scanRequest(state parseState, buf []byte, from, to int) parseState {
	for i := from; i < to; i++ {
		state = scanStep(state, buf[i])
		if state == parseComplete || state == parseBogus {
			return state
		}
	}
	return state
}

// findHeaderEnd returns the offset just past the blank line terminating
// the request head, matching whichever of CRLFCRLF/LFLF the client sent.
// If no blank line is found, len(buf) is returned: the caller then has no
// buffered body bytes to hand back before reading more from the socket.
func findHeaderEnd(buf []byte) int {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return len(buf)
}

// parseHeaders fills in a requestHead from a complete request head
// (request-line + headers, up to but excluding the blank line). Returns a
// non-nil error on an unsupported method or malformed request line.
func parseHeaders(raw []byte) (requestHead, error) {
	var h requestHead

	text := string(raw)
	lines := splitLines(text)
	if len(lines) == 0 {
		return h, errMalformedRequest
	}

	fields := strings.Fields(lines[0])
	if len(fields) != 3 {
		return h, errMalformedRequest
	}

	h.method = fields[0]
	switch h.method {
	case "GET", "HEAD", "POST":
	default:
		return h, errUnsupportedMethod
	}

	h.rawURL = fields[1]
	if u, err := url.PathUnescape(fields[1]); err == nil {
		h.decodedURL = u
	} else {
		h.decodedURL = fields[1]
	}

	h.version = versionFromProtocol(fields[2])
	if h.version == "" {
		return h, errMalformedRequest
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := splitHeaderLine(line)
		if !ok {
			continue
		}

		switch strings.ToLower(k) {
		case "host":
			h.host = v
		case "referer":
			h.referer = v
		case "user-agent":
			h.userAgent = v
		case "accept":
			h.accept = v
		case "accept-encoding":
			h.acceptEncode = v
		case "accept-language":
			h.acceptLang = v
		case "cookie":
			h.cookie = v
		case "content-type":
			h.contentType = v
		case "content-length":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				h.contentLength = n
			}
		case "authorization":
			h.authorization = v
		case "if-modified-since":
			if t, err := time.Parse(time.RFC1123, v); err == nil {
				h.ifModSince = t
			}
		case "x-forwarded-for":
			h.xForwardedFor = v
		case "range":
			if first, last, ok := parseRangeHeader(v); ok {
				h.gotRange = true
				h.firstByteIdx = first
				h.lastByteIdx = last
			}
		}
	}

	h.keepAliveDefault = h.version == "1.1"

	return h, nil
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func splitHeaderLine(line string) (key, val string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return line[:i], strings.TrimSpace(line[i+1:]), true
}

func versionFromProtocol(proto string) string {
	switch proto {
	case "HTTP/1.0":
		return "1.0"
	case "HTTP/1.1":
		return "1.1"
	default:
		return ""
	}
}

// parseRangeHeader parses a "bytes=first-last" Range value; a missing last
// means "to end of file", signalled by last == -1.
func parseRangeHeader(v string) (first, last int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(v, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(v, prefix)
	spec = strings.SplitN(spec, ",", 2)[0]

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	f, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, false
	}

	if strings.TrimSpace(parts[1]) == "" {
		return f, -1, true
	}

	l, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return f, l, true
}
