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

// Package sequencer runs an ordered list of start-time Steps, threading
// each Step's outcome into the next Step's matching continuation. It
// keeps the semantics of CalendarServer's Stepper / PreProcessingService
// pair (stepWithResult / stepWithFailure running the database
// lock/upgrade/unlock chain before the main service is admitted), recast
// as an explicit Outcome sum type instead of Deferred callback chaining.
package sequencer

import "context"

// Outcome is the result threaded between Steps: exactly one of Value or
// Err is meaningful, mirroring the source's single Deferred result that is
// either a plain value or a Failure.
type Outcome struct {
	Value any
	Err   error
}

// Ok builds a successful Outcome.
func Ok(v any) Outcome { return Outcome{Value: v} }

// Failed builds a failed Outcome.
func Failed(err error) Outcome { return Outcome{Err: err} }

// IsFailure reports whether o represents a failure.
func (o Outcome) IsFailure() bool { return o.Err != nil }

// Step is one unit in the sequencer. OnSuccess runs when the previous
// step succeeded; OnFailure runs when it failed and is given the chance
// to recover (producing an Ok Outcome re-enters the success lane for
// every subsequent step).
type Step interface {
	OnSuccess(ctx context.Context, prev Outcome) Outcome
	OnFailure(ctx context.Context, prev Outcome) Outcome
}

// StepFuncs adapts two plain functions into a Step without requiring a
// named type per step, the way the source adapts a bound method pair.
type StepFuncs struct {
	Success func(ctx context.Context, prev Outcome) Outcome
	Failure func(ctx context.Context, prev Outcome) Outcome
}

func (s StepFuncs) OnSuccess(ctx context.Context, prev Outcome) Outcome {
	if s.Success == nil {
		return prev
	}
	return s.Success(ctx, prev)
}

func (s StepFuncs) OnFailure(ctx context.Context, prev Outcome) Outcome {
	if s.Failure == nil {
		return prev
	}
	return s.Failure(ctx, prev)
}

// Sequencer runs its Steps strictly serially, in registration order; step
// i+1 never begins before step i's Outcome is materialized.
type Sequencer struct {
	steps []Step
}

// New builds an empty Sequencer.
func New() *Sequencer {
	return &Sequencer{}
}

// Add appends a Step, returning the Sequencer so calls can be chained the
// way PreProcessingService.addStep does.
func (s *Sequencer) Add(step Step) *Sequencer {
	s.steps = append(s.steps, step)
	return s
}

// Run executes every Step in order starting from an implicit Ok(nil), and
// returns the last Step's Outcome.
func (s *Sequencer) Run(ctx context.Context) Outcome {
	out := Ok(nil)
	for _, step := range s.steps {
		if out.IsFailure() {
			out = step.OnFailure(ctx, out)
		} else {
			out = step.OnSuccess(ctx, out)
		}
	}
	return out
}
