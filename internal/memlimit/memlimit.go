/*
 * MIT License
 *
 * Copyright (c) 2021 Nicolas JUHEL
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

// Package memlimit enforces per-child memory ceilings: on every tick it reads
// each monitored child's resident (and, unless resident_only, virtual)
// memory size and asks the process monitor to terminate any child over
// its configured ceiling, relying on the monitor's restart logic to bring it back.
// It never measures or terminates the master itself.
package memlimit

import (
	"context"
	"time"

	"github.com/caldavsupervisor/core/internal/logx"
	"github.com/nabbar/golib/server/runner/ticker"
)

// Reader reads a process's memory footprint. The production
// implementation is backed by gopsutil; tests substitute a fake.
type Reader interface {
	// Sizes returns the resident set size and virtual size, in bytes, of
	// the process identified by pid.
	Sizes(pid int32) (rss, vsz uint64, err error)
}

// Terminator is asked to stop a child once it has exceeded its memory
// ceiling. The production wiring is internal/monitor.Monitor.Stop.
type Terminator interface {
	Stop(name string) error
}

// Targets enumerates the currently-monitored children and their OS PIDs,
// read fresh on every tick so a child that has restarted under a new PID
// since the last poll is measured correctly.
type Targets func() map[string]int32

// Enforcer polls monitored children and terminates any over its limit.
type Enforcer struct {
	reader       Reader
	targets      Targets
	terminate    Terminator
	limitBytes   uint64
	residentOnly bool
	log          logx.Logger

	tick ticker.Ticker
}

// New builds an Enforcer polling every period, terminating any child whose
// measured size exceeds limitBytes. When residentOnly is true only RSS is
// measured; otherwise the larger of RSS and VSZ is used.
func New(period time.Duration, limitBytes uint64, residentOnly bool, reader Reader, targets Targets, terminate Terminator, log logx.Logger) *Enforcer {
	e := &Enforcer{
		reader:       reader,
		targets:      targets,
		terminate:    terminate,
		limitBytes:   limitBytes,
		residentOnly: residentOnly,
		log:          log,
	}
	e.tick = ticker.New(period, func(ctx context.Context, _ *time.Ticker) error {
		e.Poll()
		return nil
	})
	return e
}

// Start begins periodic polling.
func (e *Enforcer) Start(ctx context.Context) error {
	return e.tick.Start(ctx)
}

// Stop halts periodic polling. It does not affect any already-measured
// children.
func (e *Enforcer) Stop(ctx context.Context) error {
	return e.tick.Stop(ctx)
}

// Poll runs one measurement pass over every current target, synchronously.
// It is exported directly so tests can drive it without waiting on a real
// ticker interval.
func (e *Enforcer) Poll() {
	if e.limitBytes == 0 {
		return
	}
	for name, pid := range e.targets() {
		rss, vsz, err := e.reader.Sizes(pid)
		if err != nil {
			if e.log != nil {
				e.log.Warn("failed to read child memory size").
					FieldAdd("name", name).FieldAdd("pid", pid).ErrorAdd(true, err).Log()
			}
			continue
		}

		// VSZ already contains every resident page, so the non-resident
		// mode takes the larger of the two figures rather than their sum.
		measured := rss
		if !e.residentOnly && vsz > measured {
			measured = vsz
		}

		if measured <= e.limitBytes {
			continue
		}

		if e.log != nil {
			e.log.Warn("child exceeded its memory limit, terminating").
				FieldAdd("name", name).
				FieldAdd("measured_bytes", measured).
				FieldAdd("limit_bytes", e.limitBytes).
				Log()
		}
		_ = e.terminate.Stop(name)
	}
}
