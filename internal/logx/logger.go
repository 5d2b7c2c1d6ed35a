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

	"github.com/sirupsen/logrus"
)

// Logger is the handle every component receives at construction.
// It never exposes the underlying *logrus.Logger so call sites stay on the
// Entry builder instead of reaching for package-level logging.
type Logger interface {
	SetLevel(lvl Level)
	Level() Level

	Entry(lvl Level, msg string) *Entry
	Panic(msg string) *Entry
	Fatal(msg string) *Entry
	Error(msg string) *Entry
	Warn(msg string) *Entry
	Info(msg string) *Entry
	Debug(msg string) *Entry

	AddFileHook(opt OptionsFile) error
	Close() error
}

type logger struct {
	std   *logrus.Logger
	level Level
	files []HookFile
}

// New builds a Logger with stdout (info and below) / stderr (warn and
// above) hooks already registered. Call AddFileHook to also append entries
// to a file.
func New(lvl Level, opt Options) Logger {
	std := logrus.New()
	std.SetOutput(io.Discard)
	std.SetLevel(lvl.Logrus())

	format := &logrus.JSONFormatter{}

	std.AddHook(NewHookStandard(opt, StdOut, []logrus.Level{
		logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel,
	}, format))
	std.AddHook(NewHookStandard(opt, StdErr, []logrus.Level{
		logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel,
	}, format))

	return &logger{std: std, level: lvl}
}

func (l *logger) SetLevel(lvl Level) {
	l.level = lvl
	l.std.SetLevel(lvl.Logrus())
}

func (l *logger) Level() Level {
	return l.level
}

func (l *logger) Entry(lvl Level, msg string) *Entry {
	return &Entry{
		log:     func() *logrus.Logger { return l.std },
		Level:   lvl,
		Message: msg,
		Fields:  NewFields(),
	}
}

func (l *logger) Panic(msg string) *Entry { return l.Entry(PanicLevel, msg) }
func (l *logger) Fatal(msg string) *Entry { return l.Entry(FatalLevel, msg) }
func (l *logger) Error(msg string) *Entry { return l.Entry(ErrorLevel, msg) }
func (l *logger) Warn(msg string) *Entry  { return l.Entry(WarnLevel, msg) }
func (l *logger) Info(msg string) *Entry  { return l.Entry(InfoLevel, msg) }
func (l *logger) Debug(msg string) *Entry { return l.Entry(DebugLevel, msg) }

// AddFileHook attaches an append-only file route (the file is not rotated)
// and keeps it for Close.
func (l *logger) AddFileHook(opt OptionsFile) error {
	lvls := make([]logrus.Level, 0, len(opt.LogLevel))
	if len(opt.LogLevel) == 0 {
		lvls = logrus.AllLevels
	} else {
		for _, s := range opt.LogLevel {
			lvls = append(lvls, GetLevelString(s).Logrus())
		}
	}

	h, err := NewHookFile(opt, &logrus.JSONFormatter{}, lvls)
	if err != nil {
		return err
	}

	l.std.AddHook(h)
	l.files = append(l.files, h)
	return nil
}

func (l *logger) Close() error {
	var err error
	for _, f := range l.files {
		if e := f.Close(); e != nil {
			err = e
		}
	}
	return err
}
