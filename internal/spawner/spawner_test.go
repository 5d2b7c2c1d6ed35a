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

package spawner_test

import (
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caldavsupervisor/core/internal/dispatch"
	"github.com/caldavsupervisor/core/internal/monitor"
	"github.com/caldavsupervisor/core/internal/snapshot"
	"github.com/caldavsupervisor/core/internal/spawner"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func baseConfig() spawner.Config {
	return spawner.Config{
		SupervisorExe:  "/usr/sbin/caldavd",
		PluginName:     "caldav",
		ConfigPath:     "/etc/caldavd/caldavd.plist",
		PIDFilePattern: "/var/run/caldavd/caldavd-instance-%d.pid",
		ControlAddr:    "127.0.0.1:62311",
	}
}

var _ = Describe("Builder", func() {
	It("builds classic inherited-FD argv without a dispatcher", func() {
		b := spawner.New(baseConfig(), nil)

		proc, err := b.Build(snapshot.WorkerSpec{
			Name:          "worker-1",
			LogID:         1,
			BindAddresses: []string{"127.0.0.1:8008", "127.0.0.1:8443"},
		})
		Expect(err).NotTo(HaveOccurred())

		argv := proc.CommandLine()
		joined := strings.Join(argv, " ")
		Expect(joined).To(ContainSubstring("/usr/sbin/caldavd caldav"))
		Expect(joined).To(ContainSubstring("ProcessType=Slave"))
		Expect(joined).To(ContainSubstring("BindAddresses=127.0.0.1:8008,127.0.0.1:8443"))
		Expect(joined).To(ContainSubstring("PIDFile=/var/run/caldavd/caldavd-instance-1.pid"))
		Expect(joined).To(ContainSubstring("LogID=1"))
		Expect(joined).To(ContainSubstring("ControlPort=127.0.0.1:62311"))
		Expect(proc.ExtraFDs()).To(BeEmpty())
	})

	It("refuses MetaFD mode without a dispatcher", func() {
		cfg := baseConfig()
		cfg.UseMetaFD = true
		b := spawner.New(cfg, nil)

		_, err := b.Build(snapshot.WorkerSpec{Name: "worker-1", LogID: 1})
		Expect(err).To(HaveOccurred())
	})

	It("requests a dispatcher socketpair and declares a MetaFD in MetaFD mode", func() {
		cfg := baseConfig()
		cfg.UseMetaFD = true
		d := dispatch.New(4)
		b := spawner.New(cfg, d)

		proc, err := b.Build(snapshot.WorkerSpec{Name: "worker-1", LogID: 1})
		Expect(err).NotTo(HaveOccurred())

		joined := strings.Join(proc.CommandLine(), " ")
		Expect(joined).To(ContainSubstring("MetaFD=3"))
		Expect(proc.ExtraFDs()).To(HaveKeyWithValue(3, "w"))
	})
})

var _ = Describe("BuildEnv", func() {
	It("always forwards the required variables, even when empty", func() {
		env := spawner.BuildEnv([]string{"PATH=/usr/bin", "HOME=/root"})

		joined := strings.Join(env, " ")
		Expect(joined).To(ContainSubstring("PATH=/usr/bin"))
		Expect(joined).To(ContainSubstring("PYTHONPATH="))
		Expect(joined).NotTo(ContainSubstring("HOME="))
	})

	It("forwards optional variables only when present", func() {
		env := spawner.BuildEnv([]string{"PATH=/usr/bin", "KRB5_KTNAME=/etc/krb5.keytab"})

		joined := strings.Join(env, " ")
		Expect(joined).To(ContainSubstring("KRB5_KTNAME=/etc/krb5.keytab"))
		Expect(joined).NotTo(ContainSubstring("ORACLE_HOME"))
	})
})

var _ = Describe("ExecSpawner", func() {
	It("spawns a real child, delivers SIGTERM, and reports exit via OnExit", func() {
		var mu sync.Mutex
		var exited string
		done := make(chan struct{})

		s := &spawner.ExecSpawner{
			Env: []string{"PATH=/usr/bin:/bin"},
			OnExit: func(name string) {
				mu.Lock()
				exited = name
				mu.Unlock()
				close(done)
			},
		}

		rec := &monitor.Record{
			Name: "sleeper",
			Proc: stubProcess{argv: []string{"/bin/sh", "-c", "trap 'exit 0' TERM; while true; do sleep 0.05; done"}},
		}

		h, err := s.Spawn(rec)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Signal(monitor.SigTERM)).To(Succeed())

		Eventually(done, 2*time.Second).Should(BeClosed())
		mu.Lock()
		defer mu.Unlock()
		Expect(exited).To(Equal("sleeper"))
	})

	It("tolerates signaling a process that has already exited", func() {
		done := make(chan struct{})
		s := &spawner.ExecSpawner{
			OnExit: func(string) { close(done) },
		}
		rec := &monitor.Record{
			Name: "quick",
			Proc: stubProcess{argv: []string{"/bin/sh", "-c", "exit 0"}},
		}

		h, err := s.Spawn(rec)
		Expect(err).NotTo(HaveOccurred())
		Eventually(done, 2*time.Second).Should(BeClosed())

		err = h.Signal(monitor.Signal(syscall.SIGTERM))
		Expect(err).NotTo(HaveOccurred())
	})
})

type stubProcess struct {
	argv []string
}

func (p stubProcess) Name() string            { return "stub" }
func (p stubProcess) CommandLine() []string    { return p.argv }
func (p stubProcess) ExtraFDs() map[int]string { return nil }
