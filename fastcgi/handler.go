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
	"context"
	"fmt"
	"strings"
	"time"

	"thttpgpd/corehttpd"
)

// Handler dispatches a matched request to a FastCGI responder upstream,
// the in-process replacement for the legacy daemon's fork+exec CGI path
// when fcgi_address is configured instead of (or alongside) cgi_pattern.
type Handler struct {
	Client     *Client
	ScriptRoot string // SCRIPT_FILENAME / DOCUMENT_ROOT base, cosmetic only
	Timeout    time.Duration
}

// NewHandler builds a Handler dialing target ("host:port" or "unix:/path").
func NewHandler(target, scriptRoot string, timeout time.Duration) *Handler {
	return &Handler{
		Client:     NewClient(target, timeout),
		ScriptRoot: scriptRoot,
		Timeout:    timeout,
	}
}

// Handle implements corehttpd.RequestHandler. It never blocks the loop: the
// round trip runs on its own goroutine via Request.Async, and the result is
// applied to the connection once the loop drains it.
func (h *Handler) Handle(c *corehttpd.CoreContext, req *corehttpd.Request) {
	params := h.buildParams(req)
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout())

	req.Async(func() (header, body []byte, err error) {
		defer cancel()

		resp, lerr := h.Client.RoundTrip(ctx, params, nil)
		if lerr != nil {
			return nil, nil, lerr
		}

		var b strings.Builder
		fmt.Fprintf(&b, "HTTP/1.0 %d %s\r\n", resp.Status, statusText(resp.Status))
		for k, v := range resp.Header {
			if strings.EqualFold(k, "Status") {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
		b.WriteString("\r\n")

		return []byte(b.String()), resp.Body, nil
	})
}

func (h *Handler) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return 30 * time.Second
}

// buildParams fills the CGI/1.1 variable set a FastCGI responder expects,
// mirroring what the legacy daemon's CGI fork path set as environment
// variables before exec.
func (h *Handler) buildParams(req *corehttpd.Request) map[string]string {
	p := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"SERVER_SOFTWARE":   "thttpgpd",
		"REQUEST_METHOD":    req.Method(),
		"REQUEST_URI":       req.RawURL(),
		"SCRIPT_NAME":       req.DecodedURL(),
		"QUERY_STRING":      queryString(req.RawURL()),
		"REMOTE_ADDR":       req.RemoteAddr(),
		"HTTP_HOST":         req.Host(),
		"HTTP_USER_AGENT":   req.UserAgent(),
		"HTTP_REFERER":      req.Referer(),
		"HTTP_ACCEPT_ENCODING": req.AcceptEncoding(),
		"CONTENT_LENGTH":    fmt.Sprintf("%d", req.ContentLength()),
	}
	if h.ScriptRoot != "" {
		p["DOCUMENT_ROOT"] = h.ScriptRoot
		p["SCRIPT_FILENAME"] = h.ScriptRoot + req.DecodedURL()
	}
	if auth := req.Authorization(); auth != "" {
		p["HTTP_AUTHORIZATION"] = auth
	}
	return p
}

func queryString(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[i+1:]
	}
	return ""
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "OK"
	}
}
