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

// Package logrelay turns arbitrary byte chunks read from a child's stdout
// or stderr into complete, newline-delimited records, splitting any line
// that exceeds MaxLength into safe segments rather than ever buffering an
// unbounded amount of data for a line that never ends.
package logrelay

import (
	"strings"

	"github.com/caldavsupervisor/core/internal/logx"
)

// MaxLength is the hard cap, in bytes, on an emitted record.
const MaxLength = 1024

// ContinuedSuffix is appended to every segment of an over-long line except
// the last.
const ContinuedSuffix = " (truncated, continued)"

// Sink receives one emitted record at a time, already segmented and
// truncation-suffixed as needed. The production Sink logs through logx;
// tests substitute a slice-collecting Sink to assert exact output.
type Sink func(child, line string)

// Relay is a strictly sequential per-child line splitter: one Relay per
// child, fed from a single goroutine that reads that child's stdout or
// stderr, so records are always delivered in arrival order.
type Relay struct {
	name string
	sink Sink

	buf      strings.Builder
	exceeded bool
}

// New builds a Relay tagging every emitted record with name and logging it
// through log at Info level.
func New(name string, log logx.Logger) *Relay {
	return NewWithSink(name, func(child, line string) {
		if log != nil {
			log.Info(line).FieldAdd(logx.FieldChild, child).Log()
		}
	})
}

// NewWithSink builds a Relay emitting through an arbitrary Sink.
func NewWithSink(name string, sink Sink) *Relay {
	return &Relay{name: name, sink: sink}
}

// Write implements io.Writer so a Relay can be handed directly to
// exec.Cmd.Stdout / Stderr through an io.Pipe, or fed by hand in tests.
func (r *Relay) Write(p []byte) (int, error) {
	r.Feed(p)
	return len(p), nil
}

// Feed consumes one chunk of child output, emitting every complete line it
// contains (including the carried-over buffer from a previous chunk).
func (r *Relay) Feed(chunk []byte) {
	data := r.buf.String() + string(chunk)
	r.buf.Reset()

	lines := strings.Split(data, "\n")
	// The last element is either empty (chunk ended in \n) or a partial
	// line to carry over to the next Feed call.
	last := lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	for _, line := range lines {
		if len(line) > MaxLength {
			r.emitExceeded(line)
			r.exceeded = false
		} else if r.exceeded {
			r.emitExceeded(line)
			r.exceeded = false
		} else {
			r.emit(line)
		}
	}

	if len(last) > MaxLength {
		r.emitExceeded(last)
		r.exceeded = true
	} else {
		r.buf.WriteString(last)
	}
}

// Flush emits whatever remains buffered as a final, unterminated record.
// Call it once the child's stdout/stderr pipe is closed (EOF) so the last
// partial line is not silently dropped.
func (r *Relay) Flush() {
	if r.buf.Len() == 0 {
		return
	}
	line := r.buf.String()
	r.buf.Reset()
	if len(line) > MaxLength {
		r.emitExceeded(line)
	} else if r.exceeded {
		r.emitExceeded(line)
		r.exceeded = false
	} else {
		r.emit(line)
	}
}

func (r *Relay) emit(line string) {
	if r.sink != nil {
		r.sink(r.name, line)
	}
}

func (r *Relay) emitExceeded(line string) {
	for _, seg := range segment(line) {
		r.emit(seg)
	}
}

// segment splits line into ceil(len/MaxLength) pieces no longer than
// MaxLength, appending ContinuedSuffix to every piece but the last.
func segment(line string) []string {
	n := len(line) / MaxLength
	if len(line)%MaxLength != 0 {
		n++
	}

	segs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		start := i * MaxLength
		end := start + MaxLength
		if end > len(line) {
			end = len(line)
		}
		s := line[start:end]
		if i < n-1 {
			s += ContinuedSuffix
		}
		segs = append(segs, s)
	}
	return segs
}
