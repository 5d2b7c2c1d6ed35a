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

// Package spawner builds each worker's argv, environment and inherited
// file-descriptor table, asks the dispatcher for that worker's socketpair
// end, and hands the result to the monitor as a ProcessObject. It also supplies
// the monitor.Spawner implementation that actually forks and execs the
// worker, since the two concerns (describing a worker, and running one)
// share the same FD-table bookkeeping.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/caldavsupervisor/core/internal/dispatch"
	"github.com/caldavsupervisor/core/internal/monitor"
	"github.com/caldavsupervisor/core/internal/snapshot"
	"github.com/caldavsupervisor/core/internal/xerr"
	"golang.org/x/sys/unix"
)

// requiredEnv is always forwarded to a spawned worker, even if empty in
// the master's own environment; optionalEnv is forwarded only when
// present. No other variable leaks to a child.
var (
	requiredEnv = []string{
		"PATH", "PYTHONPATH", "LD_LIBRARY_PATH", "LD_PRELOAD",
		"DYLD_LIBRARY_PATH", "DYLD_INSERT_LIBRARIES",
	}
	optionalEnv = []string{
		"PYTHONHASHSEED", "KRB5_KTNAME", "ORACLE_HOME",
		"VERSIONER_PYTHON_PREFER_32_BIT",
	}
)

// BuildEnv filters environ (ordinarily os.Environ()) down to the fixed
// whitelist a worker is allowed to inherit.
func BuildEnv(environ []string) []string {
	have := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			have[kv[:i]] = kv[i+1:]
		}
	}

	out := make([]string, 0, len(requiredEnv)+len(optionalEnv))
	for _, name := range requiredEnv {
		out = append(out, name+"="+have[name])
	}
	for _, name := range optionalEnv {
		if v, ok := have[name]; ok {
			out = append(out, name+"="+v)
		}
	}
	return out
}

// InheritedFDBase is the first file descriptor number available to a
// spawned child beyond stdin/stdout/stderr; extra FDs (a worker's MetaFD,
// or classic inherited listeners) are assigned sequentially from here.
const InheritedFDBase = 3

// Config carries the pieces of the process table that are common to
// every worker and do not vary per slot.
type Config struct {
	Interpreter        string // e.g. "/usr/bin/python3"; "" for a native binary
	SupervisorExe      string
	PluginName         string
	ConfigPath         string
	PIDFilePattern     string // e.g. "/var/run/caldavd-instance-%d.pid"
	ControlAddr        string
	UseMetaFD          bool // true selects the dispatcher's socket-passing mode
	InheritListenerFDs []int
	InheritSSLFDs      []int

	// MaxRequests caps each worker's outstanding dispatched connections;
	// 0 means uncapped.
	MaxRequests int
}

// Builder constructs monitor.ProcessObject values for each configured
// worker, requesting a dispatcher socketpair per worker along the way.
type Builder struct {
	cfg  Config
	disp *dispatch.Dispatcher
}

// New builds a Builder. disp is consulted for each worker's MetaFD when
// cfg.UseMetaFD is set.
func New(cfg Config, disp *dispatch.Dispatcher) *Builder {
	return &Builder{cfg: cfg, disp: disp}
}

// workerProcess is the monitor.ProcessObject for one worker slot: argv
// and extra FDs are computed lazily in CommandLine/ExtraFDs so a late-
// bound MetaFD (assigned only once the dispatcher has room for it) is
// still picked up correctly.
type workerProcess struct {
	name     string
	builder  *Builder
	spec     snapshot.WorkerSpec
	metaFile *os.File
}

func (p *workerProcess) Name() string { return p.name }

func (p *workerProcess) CommandLine() []string {
	cfg := p.builder.cfg
	argv := make([]string, 0, 12)
	if cfg.Interpreter != "" {
		argv = append(argv, cfg.Interpreter)
	}
	argv = append(argv, cfg.SupervisorExe, cfg.PluginName)
	if cfg.ConfigPath != "" {
		argv = append(argv, "--config", cfg.ConfigPath)
	}
	argv = append(argv, "-o", "ProcessType=Slave")
	if len(p.spec.BindAddresses) > 0 {
		argv = append(argv, "-o", "BindAddresses="+strings.Join(p.spec.BindAddresses, ","))
	}
	argv = append(argv, "-o", fmt.Sprintf("PIDFile=%s", fmt.Sprintf(cfg.PIDFilePattern, p.spec.LogID)))
	argv = append(argv, "-o", fmt.Sprintf("LogID=%d", p.spec.LogID))
	if cfg.ControlAddr != "" {
		argv = append(argv, "-o", "ControlPort="+cfg.ControlAddr)
	}

	if cfg.UseMetaFD {
		argv = append(argv, "-o", fmt.Sprintf("MetaFD=%d", InheritedFDBase))
	} else {
		if len(cfg.InheritListenerFDs) > 0 {
			argv = append(argv, "-o", "InheritFDs="+joinInts(cfg.InheritListenerFDs))
		}
		if len(cfg.InheritSSLFDs) > 0 {
			argv = append(argv, "-o", "InheritSSLFDs="+joinInts(cfg.InheritSSLFDs))
		}
	}

	return argv
}

func (p *workerProcess) ExtraFDs() map[int]string {
	fds := make(map[int]string)
	if p.builder.cfg.UseMetaFD && p.metaFile != nil {
		fds[InheritedFDBase] = "w"
	}
	return fds
}

func joinInts(vals []int) string {
	s := make([]string, len(vals))
	for i, v := range vals {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, ",")
}

// Build requests a dispatcher socketpair (when the builder's config uses
// MetaFD mode) for spec and returns the monitor.ProcessObject the monitor
// should register. The socketpair is keyed by spec.LogID; its child end is
// kept in the process object for fd InheritedFDBase, the MetaFD number the
// argv declares.
func (b *Builder) Build(spec snapshot.WorkerSpec) (monitor.ProcessObject, error) {
	p := &workerProcess{name: spec.Name, builder: b, spec: spec}

	if b.cfg.UseMetaFD {
		if b.disp == nil {
			return nil, xerr.New(xerr.ConfigurationError, "socket-passing mode requires a dispatcher")
		}
		f, err := b.disp.AddSocket(spec.LogID, b.cfg.MaxRequests)
		if err != nil {
			return nil, err
		}
		p.metaFile = f
	}

	return p, nil
}

// ExecSpawner is the production monitor.Spawner: it forks and execs each
// worker, placing its MetaFD socket at fd InheritedFDBase as the argv
// declares. The classic inherited listener FD numbers named in the argv
// are not passed by Spawn.
type ExecSpawner struct {
	Env []string

	// FDLimit, when non-zero, caps each child's RLIMIT_NOFILE right
	// after it starts. Only the file-descriptor limit is applied; other
	// rlimits are inherited unchanged.
	FDLimit uint64

	// OnExit is called from a reaper goroutine once a spawned child's
	// Wait returns, so the caller can forward the event to
	// monitor.Monitor.ProcessEnded. Required for restart tracking to
	// work at all; Spawn panics-free but does nothing useful without it.
	OnExit func(name string)
}

// Spawn implements monitor.Spawner.
func (s *ExecSpawner) Spawn(rec *monitor.Record) (monitor.Handle, error) {
	argv := rec.Proc.CommandLine()
	if len(argv) == 0 {
		return nil, xerr.Newf(xerr.ConfigurationError, "process %q has an empty command line", rec.Name)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = s.Env
	if len(rec.Env) > 0 {
		for k, v := range rec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if rec.UID != nil || rec.GID != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credentialFrom(rec.UID, rec.GID)}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, xerr.Make(err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, xerr.Make(err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	extraFDs := rec.Proc.ExtraFDs()
	if wp, ok := rec.Proc.(*workerProcess); ok && wp.metaFile != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, wp.metaFile)
	}
	_ = extraFDs // the declared numbers are an argv-level contract; cmd.ExtraFiles assigns them sequentially from fd 3

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, xerr.Make(err)
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()

	if s.FDLimit > 0 && cmd.Process != nil {
		lim := unix.Rlimit{Cur: s.FDLimit, Max: s.FDLimit}
		_ = unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_NOFILE, &lim, nil)
	}

	h := &execHandle{cmd: cmd, stdout: stdoutR, stderr: stderrR}

	if s.OnExit != nil {
		name := rec.Name
		go func() {
			_ = h.Wait()
			s.OnExit(name)
		}()
	}

	return h, nil
}

func credentialFrom(uid, gid *int) *syscall.Credential {
	c := &syscall.Credential{}
	if uid != nil {
		c.Uid = uint32(*uid)
	}
	if gid != nil {
		c.Gid = uint32(*gid)
	}
	return c
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
}

func (h *execHandle) Signal(sig monitor.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Signal(syscall.Signal(sig))
	if err != nil && err == os.ErrProcessDone {
		return nil
	}
	return err
}

func (h *execHandle) Stdout() monitor.ReadCloserLike { return h.stdout }
func (h *execHandle) Stderr() monitor.ReadCloserLike { return h.stderr }

// Pid returns the child's process id. Not part of monitor.Handle — the
// memory-limit enforcer type-asserts for it instead, keeping the core
// lifecycle contract free of spawner-specific detail.
func (h *execHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Wait blocks until the child exits and returns its exit error, if any.
// The caller (normally a reaper goroutine started alongside Spawn) is
// expected to call monitor.Monitor.ProcessEnded once this returns.
func (h *execHandle) Wait() error {
	return h.cmd.Wait()
}
