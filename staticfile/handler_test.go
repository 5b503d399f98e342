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

package staticfile_test

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	cryptopgp "golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"

	"thttpgpd/openpgp"
	"thttpgpd/staticfile"
)

// testSigningEntity generates a throwaway signing entity directly, since
// Handler only needs something that satisfies openpgp.Engine.CanSign().
func testSigningEntity() (*cryptopgp.Entity, error) {
	return cryptopgp.NewEntity("test", "", "test@example.com", &packet.Config{RSABits: 1024})
}

func hasRootPrefix(full, root string) bool {
	clean := filepath.Clean(root)
	return len(full) > len(clean) && full[:len(clean)+1] == clean+string(filepath.Separator)
}

var _ = Describe("resolve", func() {
	// resolve cleans the request path against a synthetic "/" before joining
	// it to docRoot, so a traversal attempt is neutralized (clamped back to
	// "/") rather than ever reaching docRoot's parent: every case here must
	// stay contained, never escape.
	It("keeps every request path contained under docRoot", func() {
		root := "/srv/www"
		cases := []string{
			"/index.html",
			"/sub/dir/file.txt",
			"/../../etc/passwd",
			"/..%2f..%2fetc/passwd",
			"/",
		}

		for _, urlPath := range cases {
			got, ok := staticfile.Resolve(root, urlPath)
			Expect(ok).To(BeTrue(), "resolve(%q) should be contained, not rejected", urlPath)
			Expect(filepath.Clean(root) == got || hasRootPrefix(got, root)).To(BeTrue(),
				"resolve(%q) = %q escapes root %q", urlPath, got, root)
		}
	})
})

var _ = Describe("Handler.signable", func() {
	It("is false with no SignEngine configured", func() {
		h := &staticfile.Handler{}
		Expect(h.Signable("/file.html", false)).To(BeFalse())
	})

	It("gates on range, engine presence, and the exclude pattern", func() {
		h := &staticfile.Handler{}
		ent, err := testSigningEntity()
		Expect(err).NotTo(HaveOccurred())
		h.SignEngine = openpgp.NewEngine(nil, ent)

		Expect(h.Signable("/file.html", false)).To(BeTrue(), "whole-file request with a configured signer")
		Expect(h.Signable("/file.html", true)).To(BeFalse(), "ranged (partial) request")

		h.SignExcludePattern = "/public/*"
		Expect(h.Signable("/public/notice.txt", false)).To(BeFalse(), "must honor SignExcludePattern")
		Expect(h.Signable("/private/notice.txt", false)).To(BeTrue(), "still applies outside the excluded pattern")
	})

	It("is false when the engine has no signing key", func() {
		h := &staticfile.Handler{SignEngine: openpgp.NewEngine(nil, nil)}
		Expect(h.Signable("/file.html", false)).To(BeFalse())
	})
})

var _ = Describe("ContentType", func() {
	It("falls back to the legacy table for OpenPGP extensions", func() {
		Expect(staticfile.ContentType("signature.asc")).To(Equal("application/pgp-signature"))
		Expect(staticfile.ContentType("key.pgp")).To(Equal("application/pgp-encrypted"))
		Expect(staticfile.ContentType("archive.unknownext12345")).To(Equal("application/octet-stream"))
	})
})

var _ = Describe("statusLine", func() {
	It("renders known and unknown codes", func() {
		Expect(staticfile.StatusLine(200)).To(Equal("200 OK"))
		Expect(staticfile.StatusLine(999)).To(Equal("999 Error"))
	})
})

var _ = Describe("itoa64", func() {
	It("formats non-negative integers and flags negatives", func() {
		cases := map[int64]string{0: "0", 42: "42", 1000000: "1000000", -1: "*"}
		for n, want := range cases {
			Expect(staticfile.Itoa64(n)).To(Equal(want))
		}
	})
})
