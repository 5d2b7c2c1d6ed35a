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
	"net"
	"sync"
)

// RouteLog is the built-in "log" route name: workers push access-log
// entries, the master hands each payload verbatim to an AccessLogAppender.
const RouteLog = "log"

// AccessLogAppender receives one verbatim access-log payload per call. The
// Combined-mode master's appender logs each payload at Info level through
// its logx.Logger with an "access" field; no file is written for this route
// and nothing is rotated. Tests substitute a slice-collecting appender.
type AccessLogAppender func(payload []byte) error

// NewLogRouteFactory builds a Factory for RouteLog appending every payload
// through appendFn. A failing append tears down the instance for that
// connection only; if the peer disappears mid-route, the master
// continues.
func NewLogRouteFactory(appendFn AccessLogAppender) Factory {
	return func(conn net.Conn) Handler {
		return &logRouteHandler{conn: conn, appendFn: appendFn}
	}
}

type logRouteHandler struct {
	conn     net.Conn
	appendFn AccessLogAppender

	mu sync.Mutex
}

func (h *logRouteHandler) HandleFrame(f Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appendFn(f.Payload)
}

func (h *logRouteHandler) Close() {
	_ = h.conn.Close()
}
