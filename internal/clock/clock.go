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

// Package clock is the monotonic scheduler every timing decision in the
// supervisor goes through: restart back-off, staggered start, the
// SIGTERM->SIGKILL grace window, and the memory-limit poll. A single Clock
// is constructed once at startup and handed to every component that needs
// to schedule or cancel a one-shot callback.
package clock

import (
	"sync"
	"time"
)

// Handle is returned by Clock.After. Cancel is idempotent; Active reports
// whether the callback has neither fired nor been canceled yet.
type Handle interface {
	Cancel()
	Active() bool
}

// Clock schedules delayed callbacks on monotonic time. It never observes
// wall-clock time, so NTP adjustments and leap seconds cannot perturb a
// pending restart delay or kill-timer.
type Clock interface {
	// After schedules fn to run after delay. fn runs on its own goroutine;
	// callers needing serialized access to shared state must do their own
	// locking (the components in this module all do).
	After(delay time.Duration, fn func()) Handle

	// Now returns the monotonic instant used for lifetime calculations
	// (e.g. "did this child live at least RestartThreshold").
	Now() time.Time
}

type realClock struct{}

// New returns a Clock backed by time.AfterFunc.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(delay time.Duration, fn func()) Handle {
	h := &handle{}
	h.timer = time.AfterFunc(delay, func() {
		h.mu.Lock()
		if h.canceled {
			h.mu.Unlock()
			return
		}
		h.fired = true
		h.mu.Unlock()
		fn()
	})
	return h
}

type handle struct {
	mu       sync.Mutex
	timer    *time.Timer
	canceled bool
	fired    bool
}

func (h *handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled || h.fired {
		return
	}
	h.canceled = true
	h.timer.Stop()
}

func (h *handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.canceled && !h.fired
}
