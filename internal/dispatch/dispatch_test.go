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

package dispatch

import (
	"net"
	"os"
	"time"

	"github.com/caldavsupervisor/core/internal/xerr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Dispatcher", func() {
	It("refuses to open a TLS listener when no TLS context is configured", func() {
		d := New(4)
		_, err := d.AddListener("tcp", "127.0.0.1:0", TagTLS, false)
		Expect(err).To(HaveOccurred())
		Expect(xerr.Has(err, xerr.ConfigurationError)).To(BeTrue())
	})

	It("opens a plain listener without requiring TLS", func() {
		d := New(4)
		l, err := d.AddListener("tcp", "127.0.0.1:0", TagPlain, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(l.Tag).To(Equal(TagPlain))
		_ = l.ln.Close()
	})

	It("selects the eligible worker with the lowest outstanding count", func() {
		d := New(4)
		w1 := &WorkerSlot{ID: 1, active: true}
		w2 := &WorkerSlot{ID: 2, active: true}
		d.workers[1] = w1
		d.workers[2] = w2
		d.order = []int{1, 2}

		// Both start at outstanding 0; the first dispatch may go to
		// either, but once one has outstanding 1 the next selection must
		// go to the other.
		first := d.selectWorker()
		Expect(first).ToNot(BeNil())
		first.mu.Lock()
		first.outstanding = 1
		first.lastDispatch = time.Now()
		first.mu.Unlock()

		second := d.selectWorker()
		Expect(second).ToNot(BeNil())
		Expect(second.ID).ToNot(Equal(first.ID))

		_, o1 := w1.snapshot()
		_, o2 := w2.snapshot()
		Expect([]int{o1, o2}).To(ConsistOf(0, 1))
	})

	It("breaks a tied outstanding count by least-recently-dispatched", func() {
		d := New(4)
		older := &WorkerSlot{ID: 1, active: true, lastDispatch: time.Unix(0, 0)}
		newer := &WorkerSlot{ID: 2, active: true, lastDispatch: time.Unix(100, 0)}
		d.workers[1] = older
		d.workers[2] = newer
		d.order = []int{1, 2}

		got := d.selectWorker()
		Expect(got.ID).To(Equal(older.ID))
	})

	It("excludes a worker over max_requests until it drains to the low-water mark", func() {
		w := &WorkerSlot{ID: 1, active: true, maxRequests: 10, lowWater: 7, outstanding: 10}
		Expect(w.eligible()).To(BeFalse())

		w.outstanding = 8
		Expect(w.eligible()).To(BeFalse())

		w.outstanding = 7
		Expect(w.eligible()).To(BeTrue())
	})

	It("excludes an inactive worker regardless of load", func() {
		w := &WorkerSlot{ID: 1, active: false}
		Expect(w.eligible()).To(BeFalse())
	})

	It("reports no active worker until one is started, and wakes on Start", func() {
		d := New(4)
		w := &WorkerSlot{ID: 1}
		d.workers[1] = w
		d.order = []int{1}

		Expect(d.hasActiveWorker()).To(BeFalse())
		d.StartWorker(1)
		Expect(d.hasActiveWorker()).To(BeTrue())

		select {
		case <-d.notify:
		default:
			Fail("expected StartWorker to wake a deferred accept loop")
		}
	})

	It("passes a file descriptor across a socketpair via SCM_RIGHTS and the worker can ack it back", func() {
		d := New(4)
		childEnd, err := d.AddSocket(1, 8)
		Expect(err).ToNot(HaveOccurred())
		defer childEnd.Close()

		w := d.Worker(1)
		Expect(w).ToNot(BeNil())

		// Stand in for an accepted connection's underlying fd with a
		// pipe: its write end is what the "worker" should receive, and
		// we confirm identity by writing through the received copy and
		// reading it back on the original read end.
		pr, pw, err := os.Pipe()
		Expect(err).ToNot(HaveOccurred())
		defer pr.Close()
		defer pw.Close()

		Expect(sendFD(w.masterEnd, []byte{byte(TagPlain)}, int(pw.Fd()))).To(Succeed())

		childConn, err := net.FileConn(childEnd)
		Expect(err).ToNot(HaveOccurred())
		defer childConn.Close()
		childUC := childConn.(*net.UnixConn)

		data, fd, err := recvFD(childUC)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal([]byte{byte(TagPlain)}))
		Expect(fd).To(BeNumerically(">=", 0))

		received := os.NewFile(uintptr(fd), "received-write-end")
		defer received.Close()

		_, err = received.Write([]byte("hello"))
		Expect(err).ToNot(HaveOccurred())

		buf := make([]byte, 5)
		_, err = pr.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(buf)).To(Equal("hello"))

		Expect(SendAck(childUC, AckAccepted)).To(Succeed())
		ackBuf := make([]byte, 1)
		n, err := w.masterEnd.Read(ackBuf)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(ackBuf[0]).To(Equal(AckAccepted))
	})
})
