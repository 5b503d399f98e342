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

// Package staticfile resolves a request path against a document root and
// serves the result: index-file substitution for directories, a small-file
// mmap cache for anything at or under the legacy threshold, and a plain
// io.ReaderAt hand-off to the core's send path for everything larger. It
// never touches the connection table or the multiplexer: it is handed a
// corehttpd.Request and either responds or declines.
package staticfile

import (
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"thttpgpd/corehttpd"
	"thttpgpd/openpgp"
)

// Handler serves files rooted at DocRoot.
type Handler struct {
	DocRoot    string
	IndexNames []string
	cache      *MapCache

	// SignEngine, when non-nil, routes eligible responses through the
	// interposed sign worker (see openpgp.Spawn). SignExcludePattern is a
	// path.Match pattern; paths it matches are served unsigned regardless
	// of SignEngine.
	SignEngine         *openpgp.Engine
	SignExcludePattern string
}

// NewHandler builds a Handler rooted at docRoot, using the legacy default
// index file names when indexNames is empty.
func NewHandler(docRoot string, indexNames ...string) *Handler {
	if len(indexNames) == 0 {
		indexNames = []string{"index.html", "index.htm"}
	}
	return &Handler{DocRoot: docRoot, IndexNames: indexNames, cache: NewMapCache()}
}

// signable reports whether urlPath should be routed through the sign
// worker: a signing key must be configured, the whole file must be asked
// for (range/partial responses are never re-signed), and the path must not
// match SignExcludePattern.
func (h *Handler) signable(urlPath string, ranged bool) bool {
	if h.SignEngine == nil || ranged || !h.SignEngine.CanSign() {
		return false
	}
	if h.SignExcludePattern == "" {
		return true
	}
	matched, err := path.Match(h.SignExcludePattern, urlPath)
	return err == nil && !matched
}

// Handle implements corehttpd.RequestHandler.
func (h *Handler) Handle(c *corehttpd.CoreContext, req *corehttpd.Request) {
	if req.Method() != "GET" && req.Method() != "HEAD" {
		respondError(req, 405, "Method Not Allowed")
		return
	}

	urlPath := req.DecodedURL()
	if i := strings.IndexByte(urlPath, '?'); i >= 0 {
		urlPath = urlPath[:i]
	}

	resolved, ok := resolve(h.DocRoot, urlPath)
	if !ok {
		respondError(req, 403, "Forbidden")
		return
	}

	if !req.Admit(resolved) {
		respondError(req, 503, "Service Unavailable")
		return
	}

	fi, err := os.Stat(resolved)
	if err != nil {
		respondError(req, 404, "Not Found")
		return
	}

	if fi.IsDir() {
		for _, name := range h.IndexNames {
			cand := filepath.Join(resolved, name)
			if cfi, cerr := os.Stat(cand); cerr == nil && !cfi.IsDir() {
				h.serveFile(req, urlPath, cand, cfi)
				return
			}
		}
		respondError(req, 403, "Forbidden")
		return
	}

	h.serveFile(req, urlPath, resolved, fi)
}

func (h *Handler) serveFile(req *corehttpd.Request, urlPath, path string, fi os.FileInfo) {
	size := fi.Size()
	first, last := int64(0), size
	status := 200

	if req.HasRange() {
		first = req.RangeFirst()
		last = req.RangeLast()
		if last < 0 || last > size {
			last = size
		}
		if first < 0 || first >= size || first > last {
			respondError(req, 416, "Range Not Satisfiable")
			return
		}
		status = 206
	}

	if !req.IfModifiedSince().IsZero() && !fi.ModTime().After(req.IfModifiedSince().Add(time.Second)) {
		req.RespondBytes(buildHeader(304, "", 0, 0, 0, fi.ModTime(), false), nil)
		return
	}

	ct := ContentType(path)

	if h.signable(urlPath, status == 206) {
		h.serveSigned(req, path, ct, fi.ModTime())
		return
	}

	if data, ok := h.cache.Get(path, fi); ok {
		hdr := buildHeader(status, ct, first, last, size, fi.ModTime(), status == 206)
		req.RespondMapped(hdr, data, path, first, last)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		respondError(req, 500, "Internal Server Error")
		return
	}

	hdr := buildHeader(status, ct, first, last, size, fi.ModTime(), status == 206)
	req.RespondFile(hdr, f, first, last)
}

// serveSigned runs the whole file body through the interposed sign worker
// and responds with the wrapped multipart/msigned body. It always reads the
// complete file rather than honoring Range: a signature covers the whole
// representation, so a partial body can never be independently signed.
func (h *Handler) serveSigned(req *corehttpd.Request, path, contentType string, modTime time.Time) {
	req.Async(func() (header, body []byte, err error) {
		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			return buildHeader(500, "text/html; charset=utf-8", 0, 0, 0, time.Now(), false), nil, nil
		}

		proc, bodyWr, resultRd, serr := openpgp.Spawn("", 0)
		if serr != nil {
			return buildHeader(500, "text/html; charset=utf-8", 0, 0, 0, time.Now(), false), nil, nil
		}

		if _, werr := bodyWr.Write(raw); werr != nil {
			_ = bodyWr.Close()
			_ = resultRd.Close()
			_ = proc.Kill()
			return nil, nil, werr
		}
		_ = bodyWr.Close()

		wrapped, rerr := io.ReadAll(resultRd)
		_ = resultRd.Close()
		_, _ = proc.Wait()
		if rerr != nil {
			return nil, nil, rerr
		}

		boundary, _ := openpgp.ExtractBoundary(wrapped)
		ct := "multipart/msigned; boundary=\"" + boundary + "\""
		hdr := buildHeader(200, ct, 0, int64(len(wrapped)), int64(len(wrapped)), modTime, false)
		return hdr, wrapped, nil
	})
}

func buildHeader(status int, contentType string, first, last, total int64, modTime time.Time, ranged bool) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(statusLine(status))
	b.WriteString("\r\n")
	if contentType != "" {
		b.WriteString("Content-Type: " + contentType + "\r\n")
	}
	if ranged {
		b.WriteString("Content-Range: bytes " + itoa64(first) + "-" + itoa64(last-1) + "/" + itoa64(total) + "\r\n")
	}
	b.WriteString("Content-Length: " + itoa64(last-first) + "\r\n")
	b.WriteString("Last-Modified: " + modTime.UTC().Format(time.RFC1123) + "\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

func respondError(req *corehttpd.Request, status int, msg string) {
	body := []byte("<html><head><title>" + msg + "</title></head><body><h1>" + msg + "</h1></body></html>")
	hdr := buildHeader(status, "text/html; charset=utf-8", 0, int64(len(body)), int64(len(body)), time.Now(), false)
	if req.KeepAlive() {
		req.SetShouldLinger(true)
	}
	req.RespondBytes(hdr, body)
}

// resolve joins docRoot with the decoded request path, rejecting anything
// that escapes docRoot after cleaning (the legacy "dotdot" check, done here
// with filepath.Clean instead of a hand-rolled scanner since the stdlib
// path cleaner already implements exactly this normalization).
func resolve(docRoot, urlPath string) (string, bool) {
	unescaped, err := url.PathUnescape(urlPath)
	if err != nil {
		unescaped = urlPath
	}

	clean := filepath.Clean("/" + unescaped)
	full := filepath.Join(docRoot, clean)

	root := filepath.Clean(docRoot)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func statusLine(code int) string {
	switch code {
	case 200:
		return "200 OK"
	case 206:
		return "206 Partial Content"
	case 304:
		return "304 Not Modified"
	case 403:
		return "403 Forbidden"
	case 404:
		return "404 Not Found"
	case 405:
		return "405 Method Not Allowed"
	case 416:
		return "416 Range Not Satisfiable"
	case 500:
		return "500 Internal Server Error"
	case 503:
		return "503 Service Unavailable"
	default:
		return itoa64(int64(code)) + " Error"
	}
}

func itoa64(n int64) string {
	if n < 0 {
		return "*"
	}
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
