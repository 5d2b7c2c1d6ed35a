/***********************************************************************************************************************
 *
 *   MIT License
 *
 *   Copyright (c) 2021 Nicolas JUHEL
 *
 *   Permission is hereby granted, free of charge, to any person obtaining a copy
 *   of this software and associated documentation files (the "Software"), to deal
 *   in the Software without restriction, including without limitation the rights
 *   to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 *   copies of the Software, and to permit persons to whom the Software is
 *   furnished to do so, subject to the following conditions:
 *
 *   The above copyright notice and this permission notice shall be included in all
 *   copies or substantial portions of the Software.
 *
 *   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 *   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 *   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 *   AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 *   LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 *   OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 *   SOFTWARE.
 *
 *
 **********************************************************************************************************************/

package logx

import (
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

type StdWriter uint8

const (
	StdOut StdWriter = iota
	StdErr
)

// HookStandard writes entries to stdout or stderr, colorized unless disabled.
type HookStandard interface {
	logrus.Hook
	io.Writer
}

type hookStd struct {
	mu     sync.Mutex
	kind   StdWriter
	level  []logrus.Level
	out    io.Writer
	opt    Options
	format logrus.Formatter
}

// NewHookStandard builds a stdout/stderr hook for the given set of levels.
func NewHookStandard(opt Options, s StdWriter, lvls []logrus.Level, format logrus.Formatter) HookStandard {
	h := &hookStd{
		kind:   s,
		level:  lvls,
		opt:    opt,
		format: format,
	}

	if opt.DisableColor {
		color.NoColor = true
	}

	switch s {
	case StdErr:
		h.out = colorable.NewColorableStderr()
	default:
		h.out = colorable.NewColorableStdout()
	}

	return h
}

func (h *hookStd) Levels() []logrus.Level {
	return h.level
}

func (h *hookStd) filterKey(entry *logrus.Entry) {
	if h.opt.DisableStack {
		delete(entry.Data, FieldStack)
	}
	if h.opt.DisableTimestamp {
		delete(entry.Data, FieldTime)
	}
	if !h.opt.EnableTrace {
		delete(entry.Data, FieldCaller)
		delete(entry.Data, FieldFile)
		delete(entry.Data, FieldLine)
	}
}

func (h *hookStd) Fire(entry *logrus.Entry) error {
	h.filterKey(entry)

	var (
		p   []byte
		err error
	)

	if h.format != nil {
		p, err = h.format.Format(entry)
	} else {
		p, err = entry.Bytes()
	}
	if err != nil {
		return err
	}

	_, err = h.Write(p)
	return err
}

func (h *hookStd) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.out == nil {
		return os.Stdout.Write(p)
	}
	return h.out.Write(p)
}
