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

// Package dispatch holds the accept side of every listening socket in the
// master and hands accepted connections to workers over SCM_RIGHTS-bearing
// datagram socketpairs, the way nydus-snapshotter's supervisor package
// passes a daemon's saved file descriptor across a process boundary.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/caldavsupervisor/core/internal/xerr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// Tag is the one-byte protocol discriminator sent alongside a passed FD so
// the worker knows whether to wrap the connection in TLS.
type Tag byte

const (
	TagPlain Tag = 'T'
	TagTLS   Tag = 'S'
)

// Ack bytes a worker writes back on master_end: '+' once it has taken
// the connection into service, '-' when it rejected or closed the
// connection without servicing it. Either one drains the outstanding
// count for that worker.
const (
	AckAccepted byte = '+'
	AckClosed   byte = '-'
)

// DefaultLowWaterRatio is the fraction of max_requests at which a worker
// that was excluded from selection for being over capacity becomes
// eligible again (75% of the cap).
const DefaultLowWaterRatio = 0.75

// Listener is one registered listening socket.
type Listener struct {
	Tag     Tag
	Backlog int
	ln      net.Listener
}

// WorkerSlot is one worker's dispatch bookkeeping: the master side of its
// SCM_RIGHTS socketpair, whether it is eligible for selection, and its
// outstanding (dispatched-but-not-yet-acknowledged) FD count.
type WorkerSlot struct {
	ID          int
	maxRequests int
	lowWater    int

	mu           sync.Mutex
	masterEnd    *net.UnixConn
	active       bool
	outstanding  int
	overCap      bool
	lastDispatch time.Time
}

func (w *WorkerSlot) snapshot() (active bool, outstanding int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active, w.outstanding
}

// Snapshot is the exported form of snapshot, used by metrics collection
// outside this package.
func (w *WorkerSlot) Snapshot() (active bool, outstanding int) {
	return w.snapshot()
}

// Start marks the worker Active, eligible to receive dispatched FDs.
func (w *WorkerSlot) Start() {
	w.mu.Lock()
	w.active = true
	w.mu.Unlock()
}

// Stop marks the worker inactive; the dispatcher stops selecting it.
func (w *WorkerSlot) Stop() {
	w.mu.Lock()
	w.active = false
	w.mu.Unlock()
}

// eligible reports whether w can currently receive a dispatched FD: it
// must be Active and not over cap. Once its outstanding count reaches
// max_requests it stays excluded until the count drains to the low-water
// mark.
func (w *WorkerSlot) eligible() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return false
	}
	if w.maxRequests <= 0 {
		return true
	}
	if w.outstanding >= w.maxRequests {
		w.overCap = true
	} else if w.outstanding <= w.lowWater {
		w.overCap = false
	}
	return !w.overCap
}

// Dispatcher hands accepted connection FDs to workers. One Dispatcher holds every
// listener and every worker socketpair for a Combined or Single-mode
// master.
type Dispatcher struct {
	mu        sync.Mutex
	listeners []*Listener
	workers   map[int]*WorkerSlot
	order     []int

	notify chan struct{}
	sem    *semaphore.Weighted
}

// New builds a Dispatcher. maxAccepts bounds the number of concurrently
// in-flight accept-to-dispatch operations across every listener (the
// global admission cap, here expressed as a concurrency
// limit rather than a literal tick count).
func New(maxAccepts int64) *Dispatcher {
	if maxAccepts <= 0 {
		maxAccepts = 1
	}
	return &Dispatcher{
		workers: make(map[int]*WorkerSlot),
		notify:  make(chan struct{}, 1),
		sem:     semaphore.NewWeighted(maxAccepts),
	}
}

// AddListener opens and listens on address, tagging every connection it
// accepts with tag so workers know whether to negotiate TLS. It refuses to
// create an S-tagged listener if allowTLS is false, per the protocol tag
// discipline invariant.
func (d *Dispatcher) AddListener(network, address string, tag Tag, allowTLS bool) (*Listener, error) {
	if tag == TagTLS && !allowTLS {
		return nil, xerr.New(xerr.ConfigurationError, "refusing to open a TLS listener without a configured TLS context")
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, xerr.Make(err)
	}
	l := &Listener{Tag: tag, ln: ln}

	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()

	return l, nil
}

// AddSocket creates a SOCK_DGRAM socketpair for worker slotID. master_end
// is kept inside the Dispatcher; child_end is returned as an *os.File for
// the caller (the spawner) to place in the worker inherited FD table at a known
// number.
func (d *Dispatcher) AddSocket(slotID, maxRequests int) (childEnd *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, xerr.Make(err)
	}

	masterFile := os.NewFile(uintptr(fds[0]), fmt.Sprintf("dispatch-master-%d", slotID))
	masterConn, err := net.FileConn(masterFile)
	if err != nil {
		_ = masterFile.Close()
		_ = unix.Close(fds[1])
		return nil, xerr.Make(err)
	}
	_ = masterFile.Close()

	uc, ok := masterConn.(*net.UnixConn)
	if !ok {
		_ = masterConn.Close()
		_ = unix.Close(fds[1])
		return nil, xerr.New(xerr.UnknownError, "dispatch socketpair did not yield a unix datagram conn")
	}

	low := int(float64(maxRequests) * DefaultLowWaterRatio)
	slot := &WorkerSlot{ID: slotID, masterEnd: uc, maxRequests: maxRequests, lowWater: low}

	d.mu.Lock()
	d.workers[slotID] = slot
	d.order = append(d.order, slotID)
	d.mu.Unlock()

	return os.NewFile(uintptr(fds[1]), fmt.Sprintf("dispatch-child-%d", slotID)), nil
}

// Worker returns the registered WorkerSlot for id, or nil.
func (d *Dispatcher) Worker(id int) *WorkerSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workers[id]
}

// WorkerIDs returns every registered worker slot id, in registration
// order, for callers (metrics collection) that need to enumerate them.
func (d *Dispatcher) WorkerIDs() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.order...)
}

// StartWorker/StopWorker toggle a slot's eligibility and, for Start, wake
// any listener that deferred accepting because no worker was Active.
func (d *Dispatcher) StartWorker(id int) {
	if w := d.Worker(id); w != nil {
		w.Start()
		d.wake()
	}
}

func (d *Dispatcher) StopWorker(id int) {
	if w := d.Worker(id); w != nil {
		w.Stop()
	}
}

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// hasActiveWorker reports whether at least one registered worker is
// currently eligible, gating the deferred-accept backpressure behavior.
func (d *Dispatcher) hasActiveWorker() bool {
	d.mu.Lock()
	ids := append([]int(nil), d.order...)
	d.mu.Unlock()
	for _, id := range ids {
		if w := d.Worker(id); w != nil && w.eligible() {
			return true
		}
	}
	return false
}

// selectWorker picks the eligible worker with the lowest outstanding
// count, breaking ties by least-recently-dispatched (oldest lastDispatch
// first).
func (d *Dispatcher) selectWorker() *WorkerSlot {
	d.mu.Lock()
	ids := append([]int(nil), d.order...)
	d.mu.Unlock()

	var best *WorkerSlot
	var bestOutstanding int
	var bestTime time.Time

	for _, id := range ids {
		w := d.Worker(id)
		if w == nil || !w.eligible() {
			continue
		}
		_, outstanding := w.snapshot()
		w.mu.Lock()
		last := w.lastDispatch
		w.mu.Unlock()

		if best == nil || outstanding < bestOutstanding || (outstanding == bestOutstanding && last.Before(bestTime)) {
			best = w
			bestOutstanding = outstanding
			bestTime = last
		}
	}
	return best
}

// Serve runs the accept loop for every registered listener and the
// acknowledgement-read loop for every registered worker until ctx is
// canceled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	listeners := append([]*Listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, l := range listeners {
		l := l
		g.Go(func() error { return d.acceptLoop(ctx, l) })
	}

	d.mu.Lock()
	ids := append([]int(nil), d.order...)
	d.mu.Unlock()
	for _, id := range ids {
		w := d.Worker(id)
		g.Go(func() error { return d.ackLoop(ctx, w) })
	}

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		for _, l := range d.listeners {
			_ = l.ln.Close()
		}
		for _, w := range d.workers {
			_ = w.masterEnd.Close()
		}
		d.mu.Unlock()
	}()

	return g.Wait()
}

// acceptLoop accepts connections on l and dispatches each one. When no
// worker is Active it defers: it does not call Accept again until a
// worker becomes Active, letting the kernel's backlog apply backpressure.
func (d *Dispatcher) acceptLoop(ctx context.Context, l *Listener) error {
	for {
		if !d.hasActiveWorker() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.notify:
				continue
			}
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}

		conn, err := l.ln.Accept()
		if err != nil {
			d.sem.Release(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return xerr.Make(err)
			}
		}

		go func() {
			defer d.sem.Release(1)
			d.handleAccept(conn, l.Tag)
		}()
	}
}

// handleAccept extracts conn's underlying file descriptor, selects a
// target worker, and sends the FD across that worker's socketpair via
// SCM_RIGHTS, closing the master's copy once sent.
func (d *Dispatcher) handleAccept(conn net.Conn, tag Tag) {
	f, err := fileFromConn(conn)
	_ = conn.Close() // the duplicate held by f keeps the descriptor alive
	if err != nil {
		return
	}
	defer f.Close()

	w := d.selectWorker()
	if w == nil {
		return
	}

	if err := sendFD(w.masterEnd, []byte{byte(tag)}, int(f.Fd())); err != nil {
		return
	}

	w.mu.Lock()
	w.outstanding++
	w.lastDispatch = time.Now()
	w.mu.Unlock()
}

// ackLoop reads one-byte acknowledgement datagrams from w's master_end and
// decrements its outstanding count.
func (d *Dispatcher) ackLoop(ctx context.Context, w *WorkerSlot) error {
	if w == nil {
		return nil
	}
	buf := make([]byte, 1)
	for {
		n, err := w.masterEnd.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return xerr.Make(err)
			}
		}
		if n == 0 {
			continue
		}

		w.mu.Lock()
		if w.outstanding > 0 {
			w.outstanding--
		}
		w.mu.Unlock()
	}
}

func fileFromConn(conn net.Conn) (*os.File, error) {
	type fileConn interface {
		File() (*os.File, error)
	}
	fc, ok := conn.(fileConn)
	if !ok {
		return nil, xerr.New(xerr.UnknownError, "listener connection does not expose its file descriptor")
	}
	return fc.File()
}

// sendFD writes data on uc with fd attached as ancillary SCM_RIGHTS data,
// the datagram-socket FD-passing primitive this whole package exists to
// wrap.
func sendFD(uc *net.UnixConn, data []byte, fd int) error {
	oob := unix.UnixRights(fd)
	_, _, err := uc.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return xerr.Make(err)
	}
	return nil
}

// recvFD reads one datagram off uc and returns its payload plus the first
// passed file descriptor, if any. Used by the worker side (the spawned
// process) to pull an accepted connection back out of its MetaFD.
func recvFD(uc *net.UnixConn) (data []byte, fd int, err error) {
	buf := make([]byte, 64)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, rerr := uc.ReadMsgUnix(buf, oob)
	if rerr != nil {
		return nil, -1, xerr.Make(rerr)
	}

	scms, perr := unix.ParseSocketControlMessage(oob[:oobn])
	if perr != nil {
		return nil, -1, xerr.Make(perr)
	}
	if len(scms) == 0 {
		return buf[:n], -1, nil
	}
	fds, rerr := unix.ParseUnixRights(&scms[0])
	if rerr != nil || len(fds) == 0 {
		return buf[:n], -1, nil
	}
	return buf[:n], fds[0], nil
}

// RecvFD is the exported form of recvFD, used by a worker process reading
// its own MetaFD.
func RecvFD(uc *net.UnixConn) ([]byte, int, error) { return recvFD(uc) }

// SendAck writes a one-byte acknowledgement datagram back to the master on
// uc, used by a worker after it has finished (or declined) an accepted
// connection.
func SendAck(uc *net.UnixConn, ack byte) error {
	_, err := uc.Write([]byte{ack})
	return xerr.Make(err)
}
