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

package control_test

import (
	"net"
	"sync"
	"time"

	"github.com/caldavsupervisor/core/internal/control"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Router", func() {
	var ln net.Listener

	BeforeEach(func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		_ = ln.Close()
	})

	It("dispatches frames on the log route to the registered appender", func() {
		var mu sync.Mutex
		var got [][]byte

		r := control.NewRouter(nil)
		r.Register(control.RouteLog, control.NewLogRouteFactory(func(p []byte) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, append([]byte(nil), p...))
			return nil
		}))

		stop := make(chan struct{})
		go func() { _ = r.Serve(ln, stop) }()
		defer close(stop)

		conn, err := net.Dial("tcp", ln.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		Expect(control.WriteFrame(conn, control.Frame{Route: control.RouteLog, Payload: []byte("entry-1")})).To(Succeed())
		Expect(control.WriteFrame(conn, control.Frame{Route: control.RouteLog, Payload: []byte("entry-2")})).To(Succeed())

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(got)
		}, time.Second).Should(Equal(2))

		mu.Lock()
		defer mu.Unlock()
		Expect(string(got[0])).To(Equal("entry-1"))
		Expect(string(got[1])).To(Equal("entry-2"))
	})

	It("closes the connection on an unknown route", func() {
		r := control.NewRouter(nil)

		stop := make(chan struct{})
		go func() { _ = r.Serve(ln, stop) }()
		defer close(stop)

		conn, err := net.Dial("tcp", ln.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		Expect(control.WriteFrame(conn, control.Frame{Route: "bogus", Payload: []byte("x")})).To(Succeed())

		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err = conn.Read(buf)
		Expect(err).To(HaveOccurred())
	})

	It("dispatches ready/claim/ack/nack on the queue route to the Coordinator", func() {
		var mu sync.Mutex
		var readies, claims, acks, nacks []uint64

		coord := &fakeCoordinator{
			ready: func(_ uuid.UUID, id uint64) error { mu.Lock(); readies = append(readies, id); mu.Unlock(); return nil },
			claim: func(_ uuid.UUID, id uint64) error { mu.Lock(); claims = append(claims, id); mu.Unlock(); return nil },
			ack:   func(_ uuid.UUID, id uint64) error { mu.Lock(); acks = append(acks, id); mu.Unlock(); return nil },
			nack:  func(_ uuid.UUID, id uint64) error { mu.Lock(); nacks = append(nacks, id); mu.Unlock(); return nil },
		}

		r := control.NewRouter(nil)
		r.Register(control.RouteQueue, control.NewQueueRouteFactory(coord))

		stop := make(chan struct{})
		go func() { _ = r.Serve(ln, stop) }()
		defer close(stop)

		conn, err := net.Dial("tcp", ln.Addr().String())
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		Expect(control.Ready(conn, 3)).To(Succeed())
		Expect(control.WriteFrame(conn, control.Frame{Route: control.RouteQueue, Payload: []byte(`{"command":"claim","work_id":7}`)})).To(Succeed())
		Expect(control.WriteFrame(conn, control.Frame{Route: control.RouteQueue, Payload: []byte(`{"command":"ack","work_id":7}`)})).To(Succeed())
		Expect(control.WriteFrame(conn, control.Frame{Route: control.RouteQueue, Payload: []byte(`{"command":"nack","work_id":8}`)})).To(Succeed())

		Eventually(func() []uint64 {
			mu.Lock()
			defer mu.Unlock()
			return acks
		}, time.Second).Should(Equal([]uint64{7}))

		mu.Lock()
		defer mu.Unlock()
		Expect(readies).To(Equal([]uint64{3}))
		Expect(claims).To(Equal([]uint64{7}))
		Expect(nacks).To(Equal([]uint64{8}))
	})
})

type fakeCoordinator struct {
	ready func(uuid.UUID, uint64) error
	claim func(uuid.UUID, uint64) error
	ack   func(uuid.UUID, uint64) error
	nack  func(uuid.UUID, uint64) error
}

func (f *fakeCoordinator) OnReady(s uuid.UUID, id uint64) error {
	if f.ready == nil {
		return nil
	}
	return f.ready(s, id)
}
func (f *fakeCoordinator) OnClaim(s uuid.UUID, id uint64) error { return f.claim(s, id) }
func (f *fakeCoordinator) OnAck(s uuid.UUID, id uint64) error   { return f.ack(s, id) }
func (f *fakeCoordinator) OnNack(s uuid.UUID, id uint64) error  { return f.nack(s, id) }
