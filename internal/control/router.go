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

package control

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/caldavsupervisor/core/internal/logx"
)

// Handler processes every frame delivered to one connection after the
// route has been resolved from that connection's first frame.
type Handler interface {
	HandleFrame(Frame) error
	Close()
}

// Factory builds a per-connection Handler when a peer opens conn on a
// registered route.
type Factory func(conn net.Conn) Handler

// Router multiplexes accepted connections by the route named in each
// connection's first frame. Unknown routes are closed immediately; a peer
// that never sends a recognizable first frame is dropped.
type Router struct {
	log logx.Logger

	mu     sync.RWMutex
	routes map[string]Factory
}

// NewRouter builds an empty Router.
func NewRouter(log logx.Logger) *Router {
	return &Router{log: log, routes: make(map[string]Factory)}
}

// Register adds or replaces the factory for route.
func (r *Router) Register(route string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route] = f
}

func (r *Router) factory(route string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.routes[route]
	return f, ok
}

// Serve accepts connections from ln until it is closed or the error
// channel selects stop. Each connection is handled on its own goroutine so
// one misbehaving peer cannot block the others.
func (r *Router) Serve(ln net.Listener, stop <-chan struct{}) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return err
			}
		}
		go r.handle(conn)
	}
}

func (r *Router) handle(conn net.Conn) {
	br := bufio.NewReader(conn)

	first, err := ReadFrame(br)
	if err != nil {
		_ = conn.Close()
		return
	}

	factory, ok := r.factory(first.Route)
	if !ok {
		if r.log != nil {
			r.log.Warn("control: unknown route, closing connection").FieldAdd("route", first.Route).Log()
		}
		_ = conn.Close()
		return
	}

	h := factory(conn)
	defer h.Close()

	if err := h.HandleFrame(first); err != nil {
		return
	}

	for {
		f, err := ReadFrame(br)
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF && r.log != nil {
				r.log.Warn("control: route connection read failed").FieldAdd("route", first.Route).ErrorAdd(true, err).Log()
			}
			return
		}
		if err := h.HandleFrame(f); err != nil {
			return
		}
	}
}
