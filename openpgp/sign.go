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
	"bytes"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/openpgp"

	liberr "thttpgpd/errors"
)

// boundaryCharset is the alphabet a multipart/msigned boundary is drawn
// from; the draw deliberately avoids the low half of the alphabet to keep
// the boundary visually distinct from base64 body content it wraps.
const boundaryCharset = "GHIJKLMNOPQRSTUVghijklmnopqrstuv"

// NewBoundary returns a 9-character multipart boundary drawn from
// boundaryCharset, matching the signed-response wrapper's wire format.
func NewBoundary() (string, liberr.Error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", ErrorSign.Error(err)
	}

	out := make([]byte, 9)
	for i, b := range buf {
		out[i] = boundaryCharset[int(b)%len(boundaryCharset)]
	}
	return string(out), nil
}

// ExtractBoundary recovers the boundary WrapSigned generated from the wire
// bytes it produced, for a caller (the interposed worker's parent) that
// never saw the boundary directly because it only round-trips body bytes
// through the worker's pipe.
func ExtractBoundary(wrapped []byte) (string, bool) {
	if !bytes.HasPrefix(wrapped, []byte("--")) {
		return "", false
	}
	rest := wrapped[2:]
	end := bytes.IndexByte(rest, '\r')
	if end < 0 {
		end = bytes.IndexByte(rest, '\n')
	}
	if end <= 0 {
		return "", false
	}
	return string(rest[:end]), true
}

// CanSign reports whether a signing key is configured, letting callers skip
// routing a response through the sign worker entirely when it would only
// come back unchanged.
func (e *Engine) CanSign() bool {
	return e.signer != nil
}

// Sign produces a detached, armored OpenPGP signature over body using the
// engine's configured signing key.
func (e *Engine) Sign(body []byte) ([]byte, liberr.Error) {
	if e.signer == nil {
		return nil, ErrorSignKeyMissing.Error(nil)
	}

	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, e.signer, bytes.NewReader(body), nil); err != nil {
		return nil, ErrorSign.Error(err)
	}
	return buf.Bytes(), nil
}

// WrapSigned builds a multipart/msigned body: the original content part
// followed by the detached-signature part, joined by a freshly generated
// boundary, and returns the boundary alongside the wrapped bytes so the
// caller can set the Content-Type parameter.
func (e *Engine) WrapSigned(contentType string, body []byte) (boundary string, wrapped []byte, err liberr.Error) {
	sig, sErr := e.Sign(body)
	if sErr != nil {
		return "", nil, sErr
	}

	boundary, err = NewBoundary()
	if err != nil {
		return "", nil, err
	}

	var buf bytes.Buffer
	_, _ = io.WriteString(&buf, "--"+boundary+"\r\n")
	_, _ = io.WriteString(&buf, "Content-Type: "+contentType+"\r\n\r\n")
	buf.Write(body)
	_, _ = io.WriteString(&buf, "\r\n--"+boundary+"\r\n")
	_, _ = io.WriteString(&buf, "Content-Type: application/pgp-signature\r\n\r\n")
	buf.Write(sig)
	_, _ = io.WriteString(&buf, "\r\n--"+boundary+"--\r\n")

	return boundary, buf.Bytes(), nil
}
