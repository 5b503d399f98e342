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

package main

import (
	"path"
	"strings"

	"thttpgpd/corehttpd"
	"thttpgpd/fastcgi"
	"thttpgpd/openpgp"
	"thttpgpd/pks"
	"thttpgpd/staticfile"
)

// router dispatches a completed request head to pks, fastcgi or
// staticfile, matching start_request's outcome-by-pattern logic from the
// legacy main loop: the HKP endpoints win first (they live at a fixed
// path prefix), then a configured FastCGI pattern, then everything else is
// a static-file lookup.
type router struct {
	pks        *pks.Handler
	fastcgi    *fastcgi.Handler
	static     *staticfile.Handler
	cgiPattern string
}

func newRouter(site SiteConfig, pksHandler *pks.Handler, fcgi *fastcgi.Handler, signEngine *openpgp.Engine) *router {
	static := staticfile.NewHandler(site.DocRoot)
	static.SignEngine = signEngine
	static.SignExcludePattern = site.SignExcludePattern

	return &router{
		pks:        pksHandler,
		fastcgi:    fcgi,
		static:     static,
		cgiPattern: site.CGIPattern,
	}
}

func (r *router) Handle(c *corehttpd.CoreContext, req *corehttpd.Request) {
	p := requestPath(req.RawURL())

	if r.pks != nil && strings.HasPrefix(p, "/pks/") {
		r.pks.Handle(c, req)
		return
	}

	if r.fastcgi != nil && r.cgiPattern != "" {
		if ok, _ := path.Match(r.cgiPattern, p); ok {
			r.fastcgi.Handle(c, req)
			return
		}
	}

	r.static.Handle(c, req)
}

func requestPath(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
