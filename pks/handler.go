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

// Package pks implements the two HKP-style endpoints the legacy CGI
// scripts under src/pks exposed: POST /pks/add to submit a key, and
// GET /pks/lookup to search or export the keyring. Both run the actual
// OpenPGP work off the loop goroutine via corehttpd.Request.Async, the
// same way fastcgi.Handler keeps a round trip off the loop.
package pks

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"thttpgpd/corehttpd"
	"thttpgpd/openpgp"
)

const inputMax = 1 << 17 // 128KiB, matching cgi-add.c's INPUT_MAX

// Handler wires the two endpoints to one Engine. MergeOnly mirrors the
// OptPKSAddMergeOnly server option: when set, Add never appends an identity
// that would newly satisfy the import policy on a key that already has an
// accepted identity (left for a future policy refinement; currently only
// gates whether Add is enabled at all, matching the minimal legacy flag).
type Handler struct {
	Engine     *openpgp.Engine
	MergeOnly  bool
}

// NewHandler builds a Handler over an already-loaded engine.
func NewHandler(engine *openpgp.Engine) *Handler {
	return &Handler{Engine: engine}
}

// Handle implements corehttpd.RequestHandler, routing by path.
func (h *Handler) Handle(c *corehttpd.CoreContext, req *corehttpd.Request) {
	path, query := splitPath(req.RawURL())

	switch {
	case req.Method() == "POST" && strings.HasSuffix(path, "/add"):
		h.handleAdd(req)
	case req.Method() == "GET" && strings.HasSuffix(path, "/lookup"):
		h.handleLookup(req, query)
	default:
		respondHTML(req, 404, "Not Found", "no such pks endpoint")
	}
}

func splitPath(rawURL string) (path string, query url.Values) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return rawURL, url.Values{}
	}
	return u.Path, u.Query()
}

func (h *Handler) handleAdd(req *corehttpd.Request) {
	clen := req.ContentLength()
	if clen < 9 {
		respondHTML(req, 411, "Error handling request",
			"Only non-empty POST containing OpenPGP certificate(s) compatible with an OpenUDC Policy are accepted here!")
		return
	}
	if clen >= inputMax {
		respondHTML(req, 413, "Internal Error", "your POST is too big.")
		return
	}

	req.Async(func() (header, body []byte, err error) {
		raw, rErr := req.Body()
		if rErr != nil {
			return errorPage(500, "Internal Error", "Error reading your data.")
		}

		if strings.HasPrefix(string(raw), "keytext=") {
			raw = decodeForm(raw[len("keytext="):])
		}

		result, impErr := h.Engine.Import(raw)
		if impErr != nil && result == nil {
			return errorPage(400, "Error handling request", "No valid key POST.")
		}

		code := 200
		if !result.AllAccepted() {
			code = 202
		}
		return statsPage(code, result)
	})
}

func (h *Handler) handleLookup(req *corehttpd.Request, query url.Values) {
	op := query.Get("op")
	if op == "" {
		respondHTML(req, 400, "Error handling request", "missing op parameter")
		return
	}
	search := query.Get("search")

	req.Async(func() (header, body []byte, err error) {
		out, lookErr := h.Engine.Lookup(openpgp.KeyOp(op), search)
		if lookErr != nil {
			return errorPage(404, "Not Found", "no key matched the lookup")
		}

		contentType := "text/plain"
		if openpgp.KeyOp(op) == openpgp.OpGet {
			contentType = "application/pgp-keys"
		}
		hdr := []byte(fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", contentType, len(out)))
		return hdr, out, nil
	})
}

func respondHTML(req *corehttpd.Request, code int, title, msg string) {
	hdr, body, _ := errorPage(code, title, msg)
	if req.KeepAlive() {
		req.SetShouldLinger(true)
	}
	req.RespondBytes(hdr, body)
}

func errorPage(code int, title, msg string) (header, body []byte, err error) {
	body = []byte(fmt.Sprintf("<html><head><title>%s</title></head><body><h1>%s: %s</h1></body></html>", title, title, msg))
	status := statusLine(code)
	extra := ""
	if code == 202 {
		extra = "X-HKP-Status: 418 some key(s) was rejected as per keyserver policy\r\n"
	}
	header = []byte(fmt.Sprintf("HTTP/1.0 %s\r\n%sContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", status, extra, len(body)))
	return header, body, nil
}

func statsPage(code int, r *openpgp.ImportResult) (header, body []byte, err error) {
	body = []byte(fmt.Sprintf(
		"<html><head><title>keys submitted</title></head><body><h2>accepted: %d<br>rejected: %d</h2></body></html>",
		r.Accepted, r.Rejected))
	extra := ""
	if code == 202 {
		extra = "X-HKP-Status: 418 some key(s) was rejected as per keyserver policy\r\n"
	}
	header = []byte(fmt.Sprintf("HTTP/1.0 %s\r\n%sContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		statusLine(code), extra, len(body)))
	return header, body, nil
}

func statusLine(code int) string {
	switch code {
	case 200:
		return "200 OK"
	case 202:
		return "202 Accepted"
	case 400:
		return "400 Bad Request"
	case 404:
		return "404 Not Found"
	case 411:
		return "411 Length Required"
	case 413:
		return "413 Payload Too Large"
	default:
		return strconv.Itoa(code) + " Error"
	}
}

// decodeForm decodes a "%XX"-escaped keytext value the way the legacy CGI's
// strdecode did: '+' is left as a literal character (the legacy decoder had
// no '+'-as-space rule either, only %XX).
func decodeForm(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hi, ok := hexDigit(s[i+1]); ok {
				if lo, ok2 := hexDigit(s[i+2]); ok2 {
					out = append(out, byte(hi*16+lo))
					i += 2
					continue
				}
			}
		}
		out = append(out, s[i])
	}
	return out
}

func hexDigit(b byte) (int, bool) {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0'), true
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10, true
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10, true
	}
	return 0, false
}
