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

// Package xerr is the error taxonomy shared by every component of the
// supervisor. It extends the standard error interface with a numeric
// CodeError classification and parent chaining, the way github.com/nabbar's
// errors package does, trimmed to the operations the supervisor actually
// needs.
package xerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// CodeError is a numeric error classification, one per failure mode named
// in the supervisor's error taxonomy.
type CodeError uint16

const (
	UnknownError CodeError = iota
	ConfigurationError
	StoreNotAvailable
	SSLError
	DuplicateProcess
	UnknownProcess
	ChildExitedAlready
)

func (c CodeError) Uint16() uint16 {
	return uint16(c)
}

func (c CodeError) String() string {
	switch c {
	case ConfigurationError:
		return "configuration error"
	case StoreNotAvailable:
		return "store not available"
	case SSLError:
		return "tls error"
	case DuplicateProcess:
		return "duplicate process"
	case UnknownProcess:
		return "unknown process"
	case ChildExitedAlready:
		return "child exited already"
	default:
		return "unknown error"
	}
}

// Error extends the standard error with a code and a parent chain, so a
// caller can ask "is this, or is this caused by, a ConfigurationError"
// without string matching.
type Error interface {
	error

	IsCode(code CodeError) bool
	HasCode(code CodeError) bool
	GetCode() CodeError

	Add(parent ...error)
	HasParent() bool
	GetParent() []error

	Unwrap() []error
}

type xe struct {
	code CodeError
	msg  string
	p    []Error
	file string
	line int
}

func frame() (string, int) {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "", 0
	}
	if i := strings.LastIndex(file, "/"); i >= 0 {
		file = file[i+1:]
	}
	return file, line
}

// New builds an Error with the given code, message and optional parents.
func New(code CodeError, message string, parent ...error) Error {
	f, l := frame()
	e := &xe{code: code, msg: message, file: f, line: l}
	e.Add(parent...)
	return e
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code CodeError, pattern string, args ...any) Error {
	f, l := frame()
	return &xe{code: code, msg: fmt.Sprintf(pattern, args...), file: f, line: l}
}

// Make wraps a plain error into an Error, returning it unchanged if it
// already is one.
func Make(e error) Error {
	if e == nil {
		return nil
	}
	var xerr Error
	if errors.As(e, &xerr) {
		return xerr
	}
	f, l := frame()
	return &xe{code: UnknownError, msg: e.Error(), file: f, line: l}
}

// Is reports whether e is (or wraps, via errors.As) an xerr.Error.
func Is(e error) bool {
	var xerr Error
	return errors.As(e, &xerr)
}

// Has reports whether e, or any of its parents, carries the given code.
func Has(e error, code CodeError) bool {
	var xerr Error
	if !errors.As(e, &xerr) {
		return false
	}
	return xerr.HasCode(code)
}

func (e *xe) Add(parent ...error) {
	for _, p := range parent {
		if p == nil {
			continue
		}
		e.p = append(e.p, Make(p))
	}
}

func (e *xe) IsCode(code CodeError) bool {
	return e.code == code
}

func (e *xe) HasCode(code CodeError) bool {
	if e.IsCode(code) {
		return true
	}
	for _, p := range e.p {
		if p.HasCode(code) {
			return true
		}
	}
	return false
}

func (e *xe) GetCode() CodeError {
	return e.code
}

func (e *xe) HasParent() bool {
	return len(e.p) > 0
}

func (e *xe) GetParent() []error {
	res := make([]error, 0, len(e.p))
	for _, p := range e.p {
		res = append(res, p)
	}
	return res
}

func (e *xe) Unwrap() []error {
	return e.GetParent()
}

func (e *xe) Error() string {
	var b strings.Builder

	if e.file != "" {
		b.WriteString(fmt.Sprintf("[%d] %s (%s:%d)", e.code.Uint16(), e.msg, e.file, e.line))
	} else {
		b.WriteString(fmt.Sprintf("[%d] %s", e.code.Uint16(), e.msg))
	}

	for _, p := range e.p {
		b.WriteString(": ")
		b.WriteString(p.Error())
	}

	return b.String()
}
