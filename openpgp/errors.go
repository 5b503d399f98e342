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

import "thttpgpd/errors"

const (
	ErrorKeyringLoad errors.CodeError = iota + errors.MinPkgOpenPGP
	ErrorKeyringSave
	ErrorImportDecode
	ErrorImportRejected
	ErrorSignKeyMissing
	ErrorSign
	ErrorLookupNotFound
)

func init() {
	errors.RegisterIdFctMessage(ErrorKeyringLoad, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case errors.UnknownError:
		return ""
	case ErrorKeyringLoad:
		return "cannot load keyring"
	case ErrorKeyringSave:
		return "cannot save keyring"
	case ErrorImportDecode:
		return "submitted key material could not be decoded"
	case ErrorImportRejected:
		return "no submitted key satisfied the import policy"
	case ErrorSignKeyMissing:
		return "no signing key configured"
	case ErrorSign:
		return "signing operation failed"
	case ErrorLookupNotFound:
		return "no key matched the lookup"
	}

	return ""
}
