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
	"fmt"

	"github.com/go-playground/validator/v10"

	"thttpgpd/errors"
)

const (
	ErrorConfigValidate errors.CodeError = iota + errors.MinPkgCoreHttpd
	ErrorListen
	ErrorAccept
	ErrorTableFull
	ErrorRequestTooLarge
	ErrorRequestMalformed
	ErrorMuxInit
	ErrorMuxRegister
	ErrorChildSpawn
)

func init() {
	errors.RegisterIdFctMessage(ErrorConfigValidate, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case errors.UnknownError:
		return ""
	case ErrorConfigValidate:
		return "core httpd config seems to be not valid"
	case ErrorListen:
		return "cannot bind listener"
	case ErrorAccept:
		return "cannot accept connection"
	case ErrorTableFull:
		return "connection table is full"
	case ErrorRequestTooLarge:
		return "request header exceeds read buffer cap"
	case ErrorRequestMalformed:
		return "request line or headers are malformed"
	case ErrorMuxInit:
		return "cannot initialize readiness multiplexer"
	case ErrorMuxRegister:
		return "cannot register descriptor with readiness multiplexer"
	case ErrorChildSpawn:
		return "cannot spawn cgi/fastcgi/sign child"
	}

	return ""
}

func validationFieldError(e validator.FieldError) error {
	return fmt.Errorf("config field '%s' is not validated by constraint '%s'", e.Field(), e.ActualTag())
}
