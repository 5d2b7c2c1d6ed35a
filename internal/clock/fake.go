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

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock used by the process monitor, dispatcher
// and memory-enforcer test suites to assert exact scheduling without
// sleeping in real time; back-off and stagger tests need exact delays
// between callbacks.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeEntry
	seq     int
}

type fakeEntry struct {
	at       time.Time
	seq      int
	fn       func()
	canceled bool
	fired    bool
}

// NewFake builds a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(delay time.Duration, fn func()) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	e := &fakeEntry{at: f.now.Add(delay), seq: f.seq, fn: fn}
	f.pending = append(f.pending, e)
	return e
}

// Advance moves the clock forward by d, firing (in scheduling order for
// ties) every callback whose deadline falls at or before the new instant.
// Callbacks scheduled by a firing callback wait for the next Advance;
// call Advance(0) to flush zero-delay reschedules.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	due := f.dueLocked()
	f.mu.Unlock()

	for _, e := range due {
		e.fn()
	}
}

func (f *Fake) dueLocked() []*fakeEntry {
	sort.SliceStable(f.pending, func(i, j int) bool {
		if f.pending[i].at.Equal(f.pending[j].at) {
			return f.pending[i].seq < f.pending[j].seq
		}
		return f.pending[i].at.Before(f.pending[j].at)
	})

	var due []*fakeEntry
	var rest []*fakeEntry
	for _, e := range f.pending {
		if e.canceled {
			continue
		}
		if !e.at.After(f.now) {
			e.fired = true
			due = append(due, e)
		} else {
			rest = append(rest, e)
		}
	}
	f.pending = rest
	return due
}

func (e *fakeEntry) Cancel() {
	e.canceled = true
}

func (e *fakeEntry) Active() bool {
	return !e.canceled && !e.fired
}
