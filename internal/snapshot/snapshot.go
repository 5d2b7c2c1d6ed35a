/*
MIT License

Copyright (c) 2019 Nicolas JUHEL

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package snapshot holds the supervisor's resolved configuration as an
// immutable value object plus a single Reload entry point, so no component
// ever reaches for a mutable package-global config.
package snapshot

import (
	"sync"
	"time"
)

// ListenerSpec describes one listening socket the dispatcher must own.
type ListenerSpec struct {
	Family   string
	Address  string
	Backlog  int
	Protocol string // "tcp" or "ssl"
}

// WorkerSpec describes one entry of the process table.
type WorkerSpec struct {
	Name string
	UID  *int
	GID  *int

	// LogID is this worker's integer slot identity, used in PID
	// filenames and as the dispatcher's selection key.
	LogID int

	// BindAddresses are passed through to the worker unchanged; the
	// worker itself never opens a listener in socket-passing mode, but
	// the value still identifies which virtual hosts it serves in
	// logging and in classic inherited-FD mode.
	BindAddresses []string
}

// Config is the fully resolved, immutable configuration snapshot consumed
// by every component. A new Config is built by the CLI/config
// loader and handed to Manager.Reload. Components do not mutate it, with
// one exception: the Combined-mode master writes the bound control address
// back into ControlTCPAddr.
type Config struct {
	ProcessType string

	// ConfigPath is the file this snapshot was resolved from, re-passed
	// to every spawned worker as its own --config argument.
	ConfigPath string

	ControlSocketPath string
	ControlTCPAddr    string
	ControlGID        int

	Listeners []ListenerSpec
	Workers   []WorkerSpec

	MinRestartDelay time.Duration
	MaxRestartDelay time.Duration
	RestartThreshold time.Duration
	KillTime        time.Duration
	StaggerInterval time.Duration

	MaxAccepts  int
	MaxRequests int

	MemLimitBytes  uint64
	MemLimitPeriod time.Duration
	ResidentOnly   bool

	// FDLimit caps each worker's RLIMIT_NOFILE; 0 inherits the master's.
	FDLimit uint64

	// DisablingProgram, when set to an executable path, is invoked if a
	// startup step reports the store unusable, so the init system can
	// unload the job instead of restart-looping it.
	DisablingProgram string

	User  string
	Group string

	PIDFile    string
	ProbePorts []int

	// LogID is only meaningful in a Slave: the slot identity this worker
	// was spawned to fill.
	LogID int
}

// Observer is notified after a successful Reload with both the previous
// and the newly installed configuration. It returns an error to veto
// nothing — Reload has already committed — but to report a problem
// applying the new values.
type Observer func(previous, current *Config) error

// Manager owns the current Config and the ordered list of reload
// observers.
type Manager struct {
	mu        sync.RWMutex
	current   *Config
	observers []Observer
}

// NewManager builds a Manager already holding the initial configuration.
func NewManager(initial *Config) *Manager {
	return &Manager{current: initial}
}

// RegisterObserver appends an observer, called in registration order on
// every subsequent Reload.
func (m *Manager) RegisterObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Current returns the active configuration snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reload installs cfg as current and runs every registered observer in
// order with the previous and new snapshot. The first observer error is
// returned; remaining observers still run so a partial reload does not
// leave some components on the stale config.
func (m *Manager) Reload(cfg *Config) error {
	m.mu.Lock()
	prev := m.current
	m.current = cfg
	obs := make([]Observer, len(m.observers))
	copy(obs, m.observers)
	m.mu.Unlock()

	var first error
	for _, o := range obs {
		if err := o(prev, cfg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
