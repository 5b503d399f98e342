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

package pks

import "thttpgpd/errors"

const (
	ErrorBodyTooSmall errors.CodeError = iota + errors.MinPkgPKS
	ErrorBodyTooLarge
	ErrorBodyRead
	ErrorNoValidKey
	ErrorMissingOp
)

func init() {
	errors.RegisterIdFctMessage(ErrorBodyTooSmall, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case errors.UnknownError:
		return ""
	case ErrorBodyTooSmall:
		return "only a non-empty POST containing OpenPGP certificate(s) is accepted here"
	case ErrorBodyTooLarge:
		return "POST body is too big"
	case ErrorBodyRead:
		return "error reading POST body"
	case ErrorNoValidKey:
		return "no valid key in POST"
	case ErrorMissingOp:
		return "missing or unsupported op parameter"
	}

	return ""
}
