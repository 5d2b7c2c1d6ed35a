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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HookFile appends entries to one file; the file is not rotated. When
// opt.EnableAccessLog is set, Fire writes only entry.Message verbatim (one
// line) instead of the structured record.
type HookFile interface {
	logrus.Hook
	Close() error
}

type hookFile struct {
	mu     sync.Mutex
	opt    OptionsFile
	level  []logrus.Level
	format logrus.Formatter
	file   *os.File
	synced time.Time
}

func isAccessLog(opt OptionsFile) bool {
	return opt.EnableAccessLog
}

// NewHookFile opens (creating parent directories if requested) the target
// file and returns a hook ready to receive entries.
func NewHookFile(opt OptionsFile, format logrus.Formatter, levels []logrus.Level) (HookFile, error) {
	h := &hookFile{
		opt:    opt,
		level:  levels,
		format: format,
	}

	if err := h.openCreate(); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *hookFile) openCreate() error {
	if h.opt.CreatePath {
		dir := filepath.Dir(h.opt.Filepath)
		mode := h.opt.PathMode
		if mode == 0 {
			mode = 0755
		}
		if err := os.MkdirAll(dir, mode); err != nil {
			return err
		}
	}

	flags := os.O_APPEND | os.O_WRONLY
	if h.opt.Create {
		flags |= os.O_CREATE
	}

	mode := h.opt.FileMode
	if mode == 0 {
		mode = 0644
	}

	f, err := os.OpenFile(h.opt.Filepath, flags, mode)
	if err != nil {
		return err
	}

	h.file = f
	h.synced = time.Now()
	return nil
}

func (h *hookFile) Levels() []logrus.Level {
	return h.level
}

func (h *hookFile) filterKey(entry *logrus.Entry) {
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

func (h *hookFile) Fire(entry *logrus.Entry) error {
	if isAccessLog(h.opt) {
		return h.write([]byte(entry.Message + "\n"))
	}

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

	return h.write(p)
}

func (h *hookFile) write(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		if err := h.openCreate(); err != nil {
			return err
		}
	}

	if _, err := h.file.Write(p); err != nil {
		// reopen once on a stale/removed file handle and retry
		if err = h.openCreate(); err != nil {
			return err
		}
		if _, err = h.file.Write(p); err != nil {
			return err
		}
	}

	if time.Since(h.synced) > 30*time.Second {
		_ = h.file.Sync()
		h.synced = time.Now()
	}

	return nil
}

func (h *hookFile) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return nil
	}

	_ = h.file.Sync()
	err := h.file.Close()
	h.file = nil
	return err
}
