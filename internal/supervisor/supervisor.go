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

// Package supervisor is the master orchestrator: it selects a process
// type, wires the clock, control channel, dispatcher, monitor, enforcer
// and spawner together accordingly, and owns the top-level signal and
// stale-socket housekeeping around them.
package supervisor

import (
	"context"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/caldavsupervisor/core/internal/clock"
	"github.com/caldavsupervisor/core/internal/control"
	"github.com/caldavsupervisor/core/internal/dispatch"
	"github.com/caldavsupervisor/core/internal/logx"
	"github.com/caldavsupervisor/core/internal/memlimit"
	"github.com/caldavsupervisor/core/internal/monitor"
	"github.com/caldavsupervisor/core/internal/sequencer"
	"github.com/caldavsupervisor/core/internal/snapshot"
	"github.com/caldavsupervisor/core/internal/spawner"
	"github.com/caldavsupervisor/core/internal/xerr"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ProcessType selects which of the deployment modes this process runs.
type ProcessType string

const (
	TypeCombined ProcessType = "Combined"
	TypeSingle   ProcessType = "Single"
	TypeSlave    ProcessType = "Slave"
	TypeUtility  ProcessType = "Utility"
	TypeAgent    ProcessType = "Agent"
	TypeDPS      ProcessType = "DPS"
)

// WorkerServiceFactory builds the request-handling service for one
// accepted connection. Request handling is an external collaborator;
// this package never implements HTTP itself.
type WorkerServiceFactory func(conn net.Conn, tls bool) error

// Orchestrator wires the whole core together. One instance per process.
type Orchestrator struct {
	cfg     *snapshot.Config
	log     logx.Logger
	clk     clock.Clock
	factory WorkerServiceFactory

	dispatcher *dispatch.Dispatcher
	mon        *monitor.Monitor
	router     *control.Router
	enforcer   *memlimit.Enforcer

	slotOf map[string]int
	hooks  StoreHooks
}

// New builds an Orchestrator. factory may be nil for Combined/Slave
// deployments that never call into request handling directly from this
// process (Combined hands connections to workers; Slave's own factory use
// is still exercised if supplied).
func New(cfg *snapshot.Config, log logx.Logger, clk clock.Clock, factory WorkerServiceFactory) *Orchestrator {
	return &Orchestrator{cfg: cfg, log: log, clk: clk, factory: factory, slotOf: make(map[string]int)}
}

// Run selects a mode by cfg.ProcessType and blocks until ctx is canceled
// or the mode's single-shot work completes.
func (o *Orchestrator) Run(ctx context.Context) error {
	switch ProcessType(o.cfg.ProcessType) {
	case TypeCombined:
		return o.runCombined(ctx)
	case TypeSingle:
		return o.runSingle(ctx)
	case TypeSlave:
		return o.runSlave(ctx)
	case TypeUtility, TypeAgent, TypeDPS:
		return o.runUtility(ctx)
	default:
		return xerr.Newf(xerr.ConfigurationError, "Unknown server type: %q", o.cfg.ProcessType)
	}
}

// runCombined wires the full master: stale-socket cleanup, the
// dispatcher's listeners and worker sockets, the control channel's
// log/queue routes, the memory enforcer, and the process monitor's
// staggered startup.
func (o *Orchestrator) runCombined(ctx context.Context) error {
	o.staleSocketCleanup()

	o.dispatcher = dispatch.New(int64(o.cfg.MaxAccepts))
	for _, l := range o.cfg.Listeners {
		tag := dispatch.TagPlain
		allowTLS := false
		if l.Protocol == "ssl" {
			tag = dispatch.TagTLS
			allowTLS = true
		}
		if _, err := o.dispatcher.AddListener(l.Family, l.Address, tag, allowTLS); err != nil {
			return err
		}
	}

	o.router = control.NewRouter(o.log)
	o.router.Register(control.RouteLog, control.NewLogRouteFactory(func(payload []byte) error {
		if o.log != nil {
			o.log.Info(string(payload)).FieldAdd("access", true).Log()
		}
		return nil
	}))
	o.router.Register(control.RouteQueue, control.NewQueueRouteFactory(newWorkCoordinator(o.log)))

	if err := o.serveControl(ctx); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return xerr.Make(err)
	}
	builder := spawner.New(spawner.Config{
		SupervisorExe:  exe,
		PluginName:     "caldav",
		ConfigPath:     o.cfg.ConfigPath,
		PIDFilePattern: o.cfg.PIDFile + "-instance-%d.pid",
		ControlAddr:    o.cfg.ControlTCPAddr,
		UseMetaFD:      true,
		MaxRequests:    o.cfg.MaxRequests,
	}, o.dispatcher)

	execSpawner := &spawner.ExecSpawner{Env: spawner.BuildEnv(os.Environ()), FDLimit: o.cfg.FDLimit}
	o.mon = monitor.New(o.clk, o.log, execSpawner,
		monitor.WithKillTime(o.cfg.KillTime),
		monitor.WithThreshold(o.cfg.RestartThreshold),
		monitor.WithRestartDelays(o.cfg.MinRestartDelay, o.cfg.MaxRestartDelay),
		monitor.WithStagger(o.cfg.StaggerInterval),
		monitor.WithDispatcher(o.dispatcherAdapter()),
	)
	execSpawner.OnExit = o.mon.ProcessEnded

	for _, w := range o.cfg.Workers {
		proc, err := builder.Build(w)
		if err != nil {
			return err
		}
		o.slotOf[w.Name] = w.LogID
		if err := o.mon.Add(proc, nil, w.UID, w.GID); err != nil {
			return err
		}
	}

	if o.cfg.MemLimitBytes > 0 {
		o.enforcer = memlimit.New(o.cfg.MemLimitPeriod, o.cfg.MemLimitBytes, o.cfg.ResidentOnly,
			&memlimit.GopsutilReader{}, o.targets, o.mon, o.log)
		o.enforcer.Start(ctx)
	}

	o.mon.StartService()

	o.registerSignalHandlers(ctx)
	o.watchControlDir(ctx)

	go func() {
		_ = o.dispatcher.Serve(ctx)
	}()

	<-ctx.Done()

	if o.enforcer != nil {
		_ = o.enforcer.Stop(context.Background())
	}
	return o.mon.StopService()
}

// runSingle wires the request-handling service in-process, without a
// subprocess table.
func (o *Orchestrator) runSingle(ctx context.Context) error {
	if o.factory == nil {
		return xerr.New(xerr.ConfigurationError, "Single mode requires a worker service factory")
	}
	for _, l := range o.cfg.Listeners {
		ln, err := net.Listen(l.Family, l.Address)
		if err != nil {
			return xerr.Make(err)
		}
		tls := l.Protocol == "ssl"
		go func(ln net.Listener) {
			<-ctx.Done()
			_ = ln.Close()
		}(ln)
		go func(ln net.Listener, tls bool) {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				go func() { _ = o.factory(conn, tls) }()
			}
		}(ln, tls)
	}
	<-ctx.Done()
	return nil
}

// runSlave is the worker-side counterpart: it dials the control
// channel back to the master, announces readiness on the queue route, and
// pulls accepted connections off its inherited MetaFD, handing each to the
// injected WorkerServiceFactory.
func (o *Orchestrator) runSlave(ctx context.Context) error {
	metaConn, err := net.FileConn(os.NewFile(uintptr(spawner.InheritedFDBase), "meta"))
	if err != nil {
		return xerr.Make(err)
	}
	uc, ok := metaConn.(*net.UnixConn)
	if !ok {
		return xerr.New(xerr.UnknownError, "MetaFD did not yield a unix datagram conn")
	}

	if o.cfg.ControlTCPAddr != "" {
		ctl, err := control.DialWithBackoff(ctx, o.clk, "tcp", o.cfg.ControlTCPAddr,
			o.cfg.MinRestartDelay, o.cfg.MaxRestartDelay)
		if err == nil {
			_ = control.Ready(ctl, uint64(o.cfg.LogID))
			defer ctl.Close()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, fd, err := dispatch.RecvFD(uc)
		if err != nil {
			return xerr.Make(err)
		}
		if fd < 0 || len(data) == 0 {
			continue
		}

		f := os.NewFile(uintptr(fd), "accepted")
		conn, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			_ = dispatch.SendAck(uc, dispatch.AckClosed)
			continue
		}

		tls := dispatch.Tag(data[0]) == dispatch.TagTLS
		if o.factory != nil {
			go func() {
				_ = o.factory(conn, tls)
				_ = dispatch.SendAck(uc, dispatch.AckAccepted)
			}()
		} else {
			_ = conn.Close()
			_ = dispatch.SendAck(uc, dispatch.AckClosed)
		}
	}
}

// StoreHooks are the startup-step bodies the store (an external
// collaborator) supplies: lock acquisition, schema and data upgrades, and
// lock release. A nil hook is a pass-through, so a deployment without a
// given step still runs the full sequence.
type StoreHooks struct {
	AcquireLock   func(ctx context.Context) error
	UpgradeSchema func(ctx context.Context) error
	UpgradeData   func(ctx context.Context) error
	ReleaseLock   func(ctx context.Context) error
}

// SetStoreHooks installs the step bodies run by Utility/Agent/DPS modes.
func (o *Orchestrator) SetStoreHooks(h StoreHooks) {
	o.hooks = h
}

// runUtility runs a single step-sequencer pass (database lock
// acquisition, schema upgrade, data upgrade, lock release) and returns
// without ever opening a listener. Utility, Agent and DPS all take this
// path. A failure in any step skips the remaining upgrade steps but still
// releases the lock; the failure itself is preserved as the pass's
// outcome.
func (o *Orchestrator) runUtility(ctx context.Context) error {
	seq := sequencer.New().
		Add(storeStep(o.hooks.AcquireLock)).
		Add(storeStep(o.hooks.UpgradeSchema)).
		Add(storeStep(o.hooks.UpgradeData)).
		Add(releaseStep(o.hooks.ReleaseLock))

	outcome := seq.Run(ctx)
	if outcome.IsFailure() {
		if xerr.Has(outcome.Err, xerr.StoreNotAvailable) {
			o.disableService()
		}
		return xerr.Make(outcome.Err)
	}
	return nil
}

// storeStep lifts one hook into a sequencer Step: the hook runs only on
// the success lane, and a prior failure passes through untouched so the
// release step at the end of the chain still sees it.
func storeStep(fn func(ctx context.Context) error) sequencer.Step {
	return sequencer.StepFuncs{
		Success: func(ctx context.Context, prev sequencer.Outcome) sequencer.Outcome {
			if fn == nil {
				return prev
			}
			if err := fn(ctx); err != nil {
				return sequencer.Failed(err)
			}
			return prev
		},
	}
}

// releaseStep runs the lock release on both lanes: a failed upgrade must
// still give the lock back, and the original failure stays the outcome.
func releaseStep(fn func(ctx context.Context) error) sequencer.Step {
	run := func(ctx context.Context) error {
		if fn == nil {
			return nil
		}
		return fn(ctx)
	}
	return sequencer.StepFuncs{
		Success: func(ctx context.Context, prev sequencer.Outcome) sequencer.Outcome {
			if err := run(ctx); err != nil {
				return sequencer.Failed(err)
			}
			return prev
		},
		Failure: func(ctx context.Context, prev sequencer.Outcome) sequencer.Outcome {
			_ = run(ctx)
			return prev
		},
	}
}

// disableService invokes the configured external disabling program (if it
// exists and is executable) and then waits a minute, so the supervising
// init system observes the disable before this process exits and does not
// restart-loop a job whose store is unusable.
func (o *Orchestrator) disableService() {
	prog := o.cfg.DisablingProgram
	if prog == "" {
		return
	}
	fi, err := os.Stat(prog)
	if err != nil || fi.Mode()&0o111 == 0 {
		return
	}
	if err := exec.Command(prog).Run(); err != nil && o.log != nil {
		o.log.Error("disabling program failed").FieldAdd("path", prog).ErrorAdd(true, err).Log()
	}

	waited := make(chan struct{})
	o.clk.After(60*time.Second, func() { close(waited) })
	<-waited
}

func (o *Orchestrator) targets() map[string]int32 {
	out := make(map[string]int32)
	for name, st := range o.mon.Records() {
		if st != monitor.Running {
			continue
		}
		h := o.mon.Handle(name)
		if h == nil {
			continue
		}
		if pider, ok := h.(interface{ Pid() int }); ok {
			out[name] = int32(pider.Pid())
		}
	}
	return out
}

type dispatcherAdapter struct {
	d      *dispatch.Dispatcher
	slotOf map[string]int
}

func (a *dispatcherAdapter) OnChildStart(name string) {
	if id, ok := a.slotOf[name]; ok {
		a.d.StartWorker(id)
	}
}

func (a *dispatcherAdapter) OnChildStop(name string) {
	if id, ok := a.slotOf[name]; ok {
		a.d.StopWorker(id)
	}
}

func (o *Orchestrator) dispatcherAdapter() monitor.Dispatcher {
	return &dispatcherAdapter{d: o.dispatcher, slotOf: o.slotOf}
}

// serveControl binds the control-channel listener and starts the router
// on it. A configured ControlSocketPath wins: the socket file is made
// group-owned with mode 0660 right after bind. Otherwise a loopback TCP
// listener is used and the bound address is written back into the live
// configuration so the spawner advertises the real port to workers.
func (o *Orchestrator) serveControl(ctx context.Context) error {
	var (
		ln  net.Listener
		err error
	)

	switch {
	case o.cfg.ControlSocketPath != "":
		ln, err = net.Listen("unix", o.cfg.ControlSocketPath)
		if err != nil {
			return xerr.Make(err)
		}
		if err := os.Chmod(o.cfg.ControlSocketPath, 0o660); err != nil {
			_ = ln.Close()
			return xerr.Make(err)
		}
		if o.cfg.ControlGID > 0 {
			if err := os.Chown(o.cfg.ControlSocketPath, -1, o.cfg.ControlGID); err != nil {
				_ = ln.Close()
				return xerr.Make(err)
			}
		}
	default:
		addr := o.cfg.ControlTCPAddr
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return xerr.Make(err)
		}
		o.cfg.ControlTCPAddr = ln.Addr().String()
	}

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
		_ = ln.Close()
	}()
	go func() {
		if err := o.router.Serve(ln, stop); err != nil && o.log != nil {
			o.log.Error("control: listener failed").ErrorAdd(true, err).Log()
		}
	}()
	return nil
}

// workCoordinator is the master-side queue-route state: which slot each
// connected session announced, and which session currently holds each
// advertised work id. Ack and nack both release the claim; a nack leaves
// the id eligible for a later claim by any worker.
type workCoordinator struct {
	log logx.Logger

	mu     sync.Mutex
	slots  map[uuid.UUID]uint64
	claims map[uint64]uuid.UUID
}

func newWorkCoordinator(log logx.Logger) *workCoordinator {
	return &workCoordinator{
		log:    log,
		slots:  make(map[uuid.UUID]uint64),
		claims: make(map[uint64]uuid.UUID),
	}
}

func (w *workCoordinator) OnReady(session uuid.UUID, slot uint64) error {
	w.mu.Lock()
	w.slots[session] = slot
	w.mu.Unlock()
	if w.log != nil {
		w.log.Debug("queue: worker announced ready").FieldAdd("slot", slot).Log()
	}
	return nil
}

func (w *workCoordinator) OnClaim(session uuid.UUID, workID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if holder, ok := w.claims[workID]; ok && holder != session {
		return xerr.Newf(xerr.UnknownError, "work %d already claimed", workID)
	}
	w.claims[workID] = session
	return nil
}

func (w *workCoordinator) OnAck(session uuid.UUID, workID uint64) error {
	return w.release(session, workID, false)
}

func (w *workCoordinator) OnNack(session uuid.UUID, workID uint64) error {
	return w.release(session, workID, true)
}

func (w *workCoordinator) release(session uuid.UUID, workID uint64, requeued bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	holder, ok := w.claims[workID]
	if !ok || holder != session {
		return xerr.Newf(xerr.UnknownError, "work %d not claimed by this session", workID)
	}
	delete(w.claims, workID)
	if requeued && w.log != nil {
		w.log.Warn("queue: work item rejected, requeued").FieldAdd("work_id", workID).Log()
	}
	return nil
}

// staleSocketCleanup removes any Unix-domain socket file at a configured
// path that does not represent a live listening endpoint, probed by
// attempting to connect. If every probe fails, the file is unlinked.
func (o *Orchestrator) staleSocketCleanup() {
	if o.cfg.ControlSocketPath == "" {
		return
	}
	probeAndUnlink(o.cfg.ControlSocketPath)
}

func probeAndUnlink(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return
	}
	_ = os.Remove(path)
}

// watchControlDir re-runs stale-socket cleanup whenever the control
// socket's directory changes, so a crash-and-respawn cycle that leaves a
// stale socket file behind is cleaned up without waiting for the next
// full restart.
func (o *Orchestrator) watchControlDir(ctx context.Context) {
	if o.cfg.ControlSocketPath == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	dir := filepath.Dir(o.cfg.ControlSocketPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove) != 0 {
					o.staleSocketCleanup()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// registerSignalHandlers starts a goroutine that re-execs the master on
// SIGHUP (preserving the PID file per the original's combined-mode
// handshake) and lets SIGINT/SIGTERM fall through to ctx cancellation via
// the caller's own signal.NotifyContext.
func (o *Orchestrator) registerSignalHandlers(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case <-ch:
				if err := o.ReExec(); err != nil && o.log != nil {
					o.log.Error("re-exec on SIGHUP failed").ErrorAdd(true, err).Log()
				}
			}
		}
	}()
}

// ReExec replaces the current process image with a fresh copy of itself,
// preserving argv (and therefore --config and any -o overrides, such as
// PIDFile) so the new master loads the same configuration, per the
// original's combined-mode SIGHUP handshake.
func (o *Orchestrator) ReExec() error {
	exe, err := os.Executable()
	if err != nil {
		return xerr.Make(err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// Metrics returns a prometheus.Collector exposing per-worker outstanding
// gauges and per-process lifecycle state, registered by the caller.
func (o *Orchestrator) Metrics() prometheus.Collector {
	return &metricsCollector{o: o}
}

type metricsCollector struct {
	o  *Orchestrator
	mu sync.Mutex
}

var (
	outstandingDesc = prometheus.NewDesc(
		"caldavsupervisor_worker_outstanding",
		"Accepted connections dispatched to a worker but not yet acknowledged drained.",
		[]string{"worker"}, nil,
	)
	stateDesc = prometheus.NewDesc(
		"caldavsupervisor_process_state",
		"Current lifecycle state of a monitored child process (0=NotStarted..4=Stopped).",
		[]string{"process"}, nil,
	)
)

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- outstandingDesc
	ch <- stateDesc
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.o.dispatcher != nil {
		for _, id := range c.o.dispatcher.WorkerIDs() {
			w := c.o.dispatcher.Worker(id)
			if w == nil {
				continue
			}
			_, outstanding := w.Snapshot()
			ch <- prometheus.MustNewConstMetric(outstandingDesc, prometheus.GaugeValue,
				float64(outstanding), nameFor(id))
		}
	}

	if c.o.mon != nil {
		for name, st := range c.o.mon.Records() {
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, float64(st), name)
		}
	}
}

func nameFor(id int) string {
	return "slot-" + strconv.Itoa(id)
}
