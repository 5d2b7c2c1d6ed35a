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

package monitor_test

import (
	"sync"
	"time"

	"github.com/caldavsupervisor/core/internal/clock"
	"github.com/caldavsupervisor/core/internal/monitor"
	"github.com/caldavsupervisor/core/internal/xerr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type simpleProcess struct {
	name string
	argv []string
}

func (p simpleProcess) Name() string                 { return p.name }
func (p simpleProcess) CommandLine() []string        { return p.argv }
func (p simpleProcess) ExtraFDs() map[int]string     { return nil }

type fakeHandle struct {
	name   string
	owner  *fakeSpawner
	mu     sync.Mutex
	signals []monitor.Signal
}

func (h *fakeHandle) Signal(sig monitor.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	h.owner.recordSignalOrder(h.name)
	return nil
}
func (h *fakeHandle) Stdout() monitor.ReadCloserLike { return nil }
func (h *fakeHandle) Stderr() monitor.ReadCloserLike { return nil }

func (h *fakeHandle) sent() []monitor.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]monitor.Signal(nil), h.signals...)
}

type fakeSpawner struct {
	mu           sync.Mutex
	starts       []string
	startedAt    map[string]time.Time
	handles      map[string]*fakeHandle
	clk          clock.Clock
	failNext     map[string]bool
	signalOrder  []string
}

func (s *fakeSpawner) recordSignalOrder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalOrder = append(s.signalOrder, name)
}

func (s *fakeSpawner) firstSignalOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signalOrder...)
}

func newFakeSpawner(clk clock.Clock) *fakeSpawner {
	return &fakeSpawner{
		startedAt: make(map[string]time.Time),
		handles:   make(map[string]*fakeHandle),
		clk:       clk,
		failNext:  make(map[string]bool),
	}
}

func (s *fakeSpawner) Spawn(rec *monitor.Record) (monitor.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext[rec.Name] {
		delete(s.failNext, rec.Name)
		return nil, xerr.New(xerr.UnknownError, "spawn failed")
	}
	s.starts = append(s.starts, rec.Name)
	s.startedAt[rec.Name] = s.clk.Now()
	h := &fakeHandle{name: rec.Name, owner: s}
	s.handles[rec.Name] = h
	return h, nil
}

func (s *fakeSpawner) handleFor(name string) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[name]
}

func (s *fakeSpawner) startOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.starts...)
}

func (s *fakeSpawner) startTimeOf(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt[name]
}

var _ = Describe("Monitor", func() {
	var clk *clock.Fake
	var spawner *fakeSpawner
	var epoch time.Time

	BeforeEach(func() {
		epoch = time.Unix(0, 0)
		clk = clock.NewFake(epoch)
		spawner = newFakeSpawner(clk)
	})

	It("starts processes A, B, C in that order, reallyStart times 0.5s apart", func() {
		m := monitor.New(clk, nil, spawner, monitor.WithStagger(500*time.Millisecond))
		Expect(m.Add(simpleProcess{name: "A"}, nil, nil, nil)).To(Succeed())
		Expect(m.Add(simpleProcess{name: "B"}, nil, nil, nil)).To(Succeed())
		Expect(m.Add(simpleProcess{name: "C"}, nil, nil, nil)).To(Succeed())

		m.StartService()

		clk.Advance(0)
		Expect(spawner.startOrder()).To(Equal([]string{"A"}))

		clk.Advance(500 * time.Millisecond)
		Expect(spawner.startOrder()).To(Equal([]string{"A", "B"}))

		clk.Advance(500 * time.Millisecond)
		Expect(spawner.startOrder()).To(Equal([]string{"A", "B", "C"}))

		Expect(spawner.startTimeOf("A")).To(Equal(epoch))
		Expect(spawner.startTimeOf("B")).To(Equal(epoch.Add(500 * time.Millisecond)))
		Expect(spawner.startTimeOf("C")).To(Equal(epoch.Add(time.Second)))
	})

	It("rejects a duplicate name", func() {
		m := monitor.New(clk, nil, spawner)
		Expect(m.Add(simpleProcess{name: "a"}, nil, nil, nil)).To(Succeed())
		err := m.Add(simpleProcess{name: "a"}, nil, nil, nil)
		Expect(err).To(HaveOccurred())
		Expect(xerr.Has(err, xerr.DuplicateProcess)).To(BeTrue())
	})

	It("reports UnknownProcess when stopping an unregistered name", func() {
		m := monitor.New(clk, nil, spawner)
		err := m.Stop("ghost")
		Expect(xerr.Has(err, xerr.UnknownProcess)).To(BeTrue())
	})

	It("stops children in reverse insertion order", func() {
		m := monitor.New(clk, nil, spawner)
		Expect(m.Add(simpleProcess{name: "a"}, nil, nil, nil)).To(Succeed())
		Expect(m.Add(simpleProcess{name: "b"}, nil, nil, nil)).To(Succeed())
		Expect(m.Add(simpleProcess{name: "c"}, nil, nil, nil)).To(Succeed())
		m.StartService()
		clk.Advance(0)

		stopDone := make(chan struct{})
		go func() {
			m.StopService()
			close(stopDone)
		}()

		// StopService signals every child (synchronously, in reverse
		// insertion order) before it ever blocks on a child's exit.
		Eventually(func() []string { return spawner.firstSignalOrder() }, time.Second).
			Should(Equal([]string{"c", "b", "a"}))

		m.ProcessEnded("c")
		m.ProcessEnded("b")
		m.ProcessEnded("a")

		Eventually(stopDone, time.Second).Should(BeClosed())
	})

	It("re-schedules a child that keeps dying at 0.1s at delays 1,2,4,8,8", func() {
		m := monitor.New(clk, nil, spawner,
			monitor.WithThreshold(time.Second),
			monitor.WithRestartDelays(time.Second, 8*time.Second))
		Expect(m.Add(simpleProcess{name: "a"}, nil, nil, nil)).To(Succeed())
		m.StartService()
		clk.Advance(0)
		Expect(spawner.startOrder()).To(HaveLen(1))

		wantDelays := []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
		}
		for i, want := range wantDelays {
			clk.Advance(100 * time.Millisecond) // dies at +0.1s, well inside the 1s threshold
			m.ProcessEnded("a")

			clk.Advance(want - time.Millisecond)
			Expect(spawner.startOrder()).To(HaveLen(i + 1), "not yet due")

			clk.Advance(time.Millisecond)
			// ProcessEnded reschedules through startProcess (for staggering
			// parity with a fresh start), which re-arms a second, zero-delay
			// timer for the actual reallyStart; flush it.
			clk.Advance(0)
			Expect(spawner.startOrder()).To(HaveLen(i + 2), "due at delay %s", want)
		}
	})

	It("escalates to SIGKILL after kill_time if the child has not exited", func() {
		m := monitor.New(clk, nil, spawner, monitor.WithKillTime(5*time.Second))
		Expect(m.Add(simpleProcess{name: "a"}, nil, nil, nil)).To(Succeed())
		m.StartService()
		clk.Advance(0)

		Expect(m.Stop("a")).To(Succeed())
		h := spawner.handleFor("a")
		Expect(h.sent()).To(Equal([]monitor.Signal{monitor.SigTERM}))

		clk.Advance(4999 * time.Millisecond)
		Expect(h.sent()).To(Equal([]monitor.Signal{monitor.SigTERM}))

		clk.Advance(1 * time.Millisecond)
		Expect(h.sent()).To(Equal([]monitor.Signal{monitor.SigTERM, monitor.SigKILL}))
	})

	It("cancels the pending SIGKILL once the child exits on its own", func() {
		m := monitor.New(clk, nil, spawner, monitor.WithKillTime(5*time.Second))
		Expect(m.Add(simpleProcess{name: "a"}, nil, nil, nil)).To(Succeed())
		m.StartService()
		clk.Advance(0)

		Expect(m.Stop("a")).To(Succeed())
		h := spawner.handleFor("a")
		Expect(h.sent()).To(Equal([]monitor.Signal{monitor.SigTERM}))

		clk.Advance(time.Second)
		m.ProcessEnded("a")

		clk.Advance(10 * time.Second)
		Expect(h.sent()).To(Equal([]monitor.Signal{monitor.SigTERM}))
	})

	It("signals only running children whose name matches the prefix", func() {
		m := monitor.New(clk, nil, spawner)
		Expect(m.Add(simpleProcess{name: "worker-1"}, nil, nil, nil)).To(Succeed())
		Expect(m.Add(simpleProcess{name: "worker-2"}, nil, nil, nil)).To(Succeed())
		Expect(m.Add(simpleProcess{name: "other"}, nil, nil, nil)).To(Succeed())
		m.StartService()
		clk.Advance(0)

		m.SignalAll(monitor.SigTERM, "worker-")

		Expect(spawner.handleFor("worker-1").sent()).To(Equal([]monitor.Signal{monitor.SigTERM}))
		Expect(spawner.handleFor("worker-2").sent()).To(Equal([]monitor.Signal{monitor.SigTERM}))
		Expect(spawner.handleFor("other").sent()).To(BeEmpty())
	})
})
