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

// Package monitor is the process supervisor every worker (and, in
// Combined mode, every ancillary service) runs under. It keeps the
// semantics of CalendarServer's DelayedStartupProcessMonitor: processes are added and
// started in insertion order with a staggered delay between spawns,
// stopped in reverse insertion order, and restarted on exit with an
// exponential back-off that resets once a child has lived past a
// liveness threshold.
package monitor

import (
	"sync"
	"time"

	"github.com/caldavsupervisor/core/internal/clock"
	"github.com/caldavsupervisor/core/internal/logrelay"
	"github.com/caldavsupervisor/core/internal/logx"
	"github.com/caldavsupervisor/core/internal/xerr"
	"github.com/hashicorp/go-multierror"
)

// State is a child's position in its lifecycle.
type State uint8

const (
	NotStarted State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "not-started"
	}
}

// Default timing constants, named for CalendarServer's class attributes of
// the same values.
const (
	DefaultThreshold       = time.Second
	DefaultKillTime        = 5 * time.Second
	DefaultMinRestartDelay = time.Second
	DefaultMaxRestartDelay = time.Hour
)

// Spawner starts one child process and returns a live Handle for it. The
// Monitor never calls os/exec directly so tests can substitute a fake.
type Spawner interface {
	Spawn(rec *Record) (Handle, error)
}

// Handle is a running child process, as returned by Spawner.Spawn.
type Handle interface {
	// Signal delivers sig (e.g. syscall.SIGTERM) to the child. Returning
	// an error because the process has already exited is not itself an
	// error the caller needs to act on.
	Signal(sig Signal) error
	// Stdout and Stderr are attached to per-child Relays by reallyStart.
	Stdout() ReadCloserLike
	Stderr() ReadCloserLike
}

// Signal is a thin alias so this package does not import syscall directly,
// keeping it buildable on non-Unix hosts for the parts that don't spawn.
type Signal = int

// ReadCloserLike is the minimal surface Relay.Feed-over-io.Copy needs.
type ReadCloserLike interface {
	Read(p []byte) (int, error)
	Close() error
}

// Dispatcher is notified as children transition so the FD dispatcher can track which
// worker sockets are live.
type Dispatcher interface {
	OnChildStart(name string)
	OnChildStop(name string)
}

// ProcessObject late-binds a child's argv and extra file descriptors,
// mirroring the source's process-object abstraction (SimpleProcessObject
// for ordinary argv, a richer object for workers carrying inherited FDs).
type ProcessObject interface {
	Name() string
	CommandLine() []string
	ExtraFDs() map[int]string
}

// Record is one monitored child's bookkeeping.
type Record struct {
	Name string
	Proc ProcessObject
	Env  map[string]string
	UID  *int
	GID  *int

	mu          sync.Mutex
	state       State
	currentDelay time.Duration
	startedAt   time.Time
	restartTimer clock.Handle
	killTimer    clock.Handle
	handle       Handle
	relayOut     *logrelay.Relay
	relayErr     *logrelay.Relay
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Monitor supervises the child process table. One Monitor instance is shared by
// every process the supervisor manages in a given role.
type Monitor struct {
	clk     clock.Clock
	log     logx.Logger
	spawner Spawner
	dispatch Dispatcher

	killTime  time.Duration
	threshold time.Duration
	minDelay  time.Duration
	maxDelay  time.Duration
	stagger   time.Duration

	mu            sync.Mutex
	order         []string
	records       map[string]*Record
	running       bool
	stopping      bool
	pendingStarts int
	doneCh        map[string]chan struct{}
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

func WithKillTime(d time.Duration) Option        { return func(m *Monitor) { m.killTime = d } }
func WithThreshold(d time.Duration) Option        { return func(m *Monitor) { m.threshold = d } }
func WithRestartDelays(min, max time.Duration) Option {
	return func(m *Monitor) { m.minDelay = min; m.maxDelay = max }
}
func WithStagger(d time.Duration) Option { return func(m *Monitor) { m.stagger = d } }
func WithDispatcher(d Dispatcher) Option { return func(m *Monitor) { m.dispatch = d } }

// New builds a Monitor. spawner does the actual os/exec work; clk schedules
// every delay (staggered start, restart back-off, kill-timer escalation).
func New(clk clock.Clock, log logx.Logger, spawner Spawner, opts ...Option) *Monitor {
	m := &Monitor{
		clk:       clk,
		log:       log,
		spawner:   spawner,
		killTime:  DefaultKillTime,
		threshold: DefaultThreshold,
		minDelay:  DefaultMinRestartDelay,
		maxDelay:  DefaultMaxRestartDelay,
		records:   make(map[string]*Record),
		doneCh:    make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add registers a new record. If one of that name is already registered,
// it returns a DuplicateProcess xerr. If the monitor's StartService has
// already run, the child is started immediately (still subject to
// staggering), matching addProcessObject's "if self.running" check.
func (m *Monitor) Add(proc ProcessObject, env map[string]string, uid, gid *int) error {
	name := proc.Name()

	m.mu.Lock()
	if _, ok := m.records[name]; ok {
		m.mu.Unlock()
		return xerr.Newf(xerr.DuplicateProcess, "process %q already registered", name)
	}
	rec := &Record{
		Name:         name,
		Proc:         proc,
		Env:          env,
		UID:          uid,
		GID:          gid,
		state:        NotStarted,
		currentDelay: m.minDelay,
	}
	m.records[name] = rec
	m.order = append(m.order, name)
	running := m.running
	m.mu.Unlock()

	if running {
		m.startProcess(name)
	}
	return nil
}

// StartService starts every registered child in insertion order, each
// subject to the staggered-start delay.
func (m *Monitor) StartService() {
	m.mu.Lock()
	m.running = true
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range names {
		m.startProcess(name)
	}
}

// startProcess schedules reallyStart after stagger*pendingStarts, fanning
// bursts of simultaneous adds out over time instead of forking them all at
// once.
func (m *Monitor) startProcess(name string) {
	m.mu.Lock()
	interval := m.stagger * time.Duration(m.pendingStarts)
	m.pendingStarts++
	m.mu.Unlock()

	m.clk.After(interval, func() {
		m.mu.Lock()
		m.pendingStarts--
		m.mu.Unlock()
		m.reallyStart(name)
	})
}

// reallyStart performs the actual spawn: it builds argv via the process
// object (permitting late-bound extra FDs), attaches a log relay to each
// output stream, and transitions the record to Running.
func (m *Monitor) reallyStart(name string) {
	m.mu.Lock()
	rec, ok := m.records[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.state == Running || rec.state == Starting {
		rec.mu.Unlock()
		return
	}
	rec.state = Starting
	rec.mu.Unlock()

	rec.startedAt = m.clk.Now()

	h, err := m.spawner.Spawn(rec)
	if err != nil {
		if m.log != nil {
			m.log.Error("failed to start process").FieldAdd("name", name).ErrorAdd(true, err).Log()
		}
		m.scheduleRestart(name)
		return
	}

	rec.mu.Lock()
	rec.handle = h
	rec.state = Running
	if h.Stdout() != nil {
		rec.relayOut = logrelay.New(name, m.log)
		go relayCopy(rec.relayOut, h.Stdout())
	}
	if h.Stderr() != nil {
		rec.relayErr = logrelay.New(name, m.log)
		go relayCopy(rec.relayErr, h.Stderr())
	}
	rec.mu.Unlock()

	if m.dispatch != nil {
		m.dispatch.OnChildStart(name)
	}
}

func relayCopy(r *logrelay.Relay, src ReadCloserLike) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			r.Feed(buf[:n])
		}
		if err != nil {
			r.Flush()
			return
		}
	}
}

// Stop signals SIGTERM to the named child and schedules a SIGKILL after
// KillTime unless it exits first.
func (m *Monitor) Stop(name string) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	m.mu.Unlock()
	if !ok {
		return xerr.Newf(xerr.UnknownProcess, "unrecognized process name: %s", name)
	}

	rec.mu.Lock()
	h := rec.handle
	if h == nil {
		rec.mu.Unlock()
		return nil
	}
	rec.state = Stopping
	rec.mu.Unlock()

	if err := h.Signal(SigTERM); err != nil {
		return xerr.Make(err)
	}

	killTimer := m.clk.After(m.killTime, func() {
		rec.mu.Lock()
		h := rec.handle
		rec.mu.Unlock()
		if h != nil {
			_ = h.Signal(SigKILL)
		}
	})
	rec.mu.Lock()
	rec.killTimer = killTimer
	rec.mu.Unlock()
	return nil
}

// SigTERM and SigKILL are defined here (rather than imported from syscall)
// so Spawner implementations on any platform can compare against them.
const (
	SigTERM Signal = 15
	SigKILL Signal = 9
)

// ProcessEnded is called by a Spawner implementation's reaper when a
// child's process has exited. It cancels any pending SIGKILL, tells the
// dispatcher the worker is gone, computes the next restart delay from the
// child's lifetime, and either reschedules a start or — if stop_service is
// underway — signals that this child's shutdown is complete.
func (m *Monitor) ProcessEnded(name string) {
	m.mu.Lock()
	rec, ok := m.records[name]
	stopping := m.stopping
	running := m.running
	m.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.killTimer != nil {
		rec.killTimer.Cancel()
		rec.killTimer = nil
	}
	rec.handle = nil
	if rec.relayOut != nil {
		rec.relayOut.Flush()
	}
	if rec.relayErr != nil {
		rec.relayErr.Flush()
	}
	lifetime := m.clk.Now().Sub(rec.startedAt)

	var nextDelay time.Duration
	if lifetime < m.threshold {
		nextDelay = rec.currentDelay
		rec.currentDelay *= 2
		if rec.currentDelay > m.maxDelay {
			rec.currentDelay = m.maxDelay
		}
	} else {
		nextDelay = 0
		rec.currentDelay = m.minDelay
	}
	rec.state = Stopped
	rec.mu.Unlock()

	if m.dispatch != nil {
		m.dispatch.OnChildStop(name)
	}

	m.mu.Lock()
	_, stillRegistered := m.records[name]
	m.mu.Unlock()

	if running && stillRegistered && !stopping {
		timer := m.clk.After(nextDelay, func() { m.startProcess(name) })
		rec.mu.Lock()
		rec.restartTimer = timer
		rec.mu.Unlock()
	}

	if stopping {
		m.mu.Lock()
		ch, ok := m.doneCh[name]
		m.mu.Unlock()
		if ok {
			close(ch)
		}
	}
}

// StopService stops every child in reverse insertion order and blocks
// until every one of them has reported ProcessEnded. Any error raised
// signaling an individual child is aggregated rather than abandoning the
// rest of the shutdown sequence; the result is nil if every child was
// signaled cleanly.
func (m *Monitor) StopService() error {
	var errs *multierror.Error

	m.mu.Lock()
	m.stopping = true
	m.running = false
	names := append([]string(nil), m.order...)
	recs := make(map[string]*Record, len(names))
	m.doneCh = make(map[string]chan struct{}, len(names))
	for _, name := range names {
		m.doneCh[name] = make(chan struct{})
		recs[name] = m.records[name]
	}
	m.mu.Unlock()

	for _, name := range names {
		rec, ok := recs[name]
		if !ok || rec == nil {
			continue
		}
		rec.mu.Lock()
		rt := rec.restartTimer
		rec.restartTimer = nil
		rec.mu.Unlock()
		if rt != nil {
			rt.Cancel()
		}
	}

	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		rec := recs[name]
		if rec == nil || rec.State() == NotStarted || rec.State() == Stopped {
			m.mu.Lock()
			if ch, ok := m.doneCh[name]; ok {
				close(ch)
			}
			m.mu.Unlock()
			continue
		}
		if err := m.Stop(name); err != nil {
			errs = multierror.Append(errs, xerr.New(xerr.UnknownError, "stopping "+name, err))
		}
	}

	for _, name := range names {
		m.mu.Lock()
		ch := m.doneCh[name]
		m.mu.Unlock()
		if ch != nil {
			<-ch
		}
	}

	return errs.ErrorOrNil()
}

// scheduleRestart is used when a spawn attempt itself fails (the child
// never reached Running, so ProcessEnded is never called for it).
func (m *Monitor) scheduleRestart(name string) {
	m.mu.Lock()
	rec, ok := m.records[name]
	running := m.running
	stopping := m.stopping
	m.mu.Unlock()
	if !ok || !running || stopping {
		return
	}

	rec.mu.Lock()
	rec.currentDelay *= 2
	if rec.currentDelay > m.maxDelay {
		rec.currentDelay = m.maxDelay
	}
	delay := rec.currentDelay
	rec.mu.Unlock()

	timer := m.clk.After(delay, func() { m.startProcess(name) })
	rec.mu.Lock()
	rec.restartTimer = timer
	rec.mu.Unlock()
}

// SignalAll sends sig to every running child whose name starts with
// prefix (or every running child, if prefix is empty).
func (m *Monitor) SignalAll(sig Signal, prefix string) {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range names {
		if prefix != "" && !hasPrefix(name, prefix) {
			continue
		}
		rec, ok := m.records[name]
		if !ok {
			continue
		}
		rec.mu.Lock()
		h := rec.handle
		rec.mu.Unlock()
		if h != nil {
			_ = h.Signal(sig)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Handle returns the live Handle for name, or nil if it is not currently
// Running. Used by callers (the memory-limit enforcer) that need to reach
// through to process-specific details, such as a PID, that this package
// deliberately keeps out of the Handle interface's core contract.
func (m *Monitor) Handle(name string) Handle {
	m.mu.Lock()
	rec, ok := m.records[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.handle
}

// Records returns a snapshot of every registered record's name and state,
// for diagnostics and tests.
func (m *Monitor) Records() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.records))
	for name, rec := range m.records {
		out[name] = rec.State()
	}
	return out
}
