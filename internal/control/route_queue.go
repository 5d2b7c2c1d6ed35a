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
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
)

// RouteQueue is the built-in "queue" route name: bidirectional work-queue
// coordination between the master (coordinator) and N workers.
const RouteQueue = "queue"

// QueueCommand names the AMP-style verbs carried on the queue route.
type QueueCommand string

const (
	CmdReady   QueueCommand = "ready"
	CmdEnqueue QueueCommand = "enqueue"
	CmdClaim   QueueCommand = "claim"
	CmdAck     QueueCommand = "ack"
	CmdNack    QueueCommand = "nack"
)

// QueueMessage is the JSON payload of one queue-route frame. WorkID
// doubles as the worker's slot id on a "ready" message, the only command
// that does not name a work item.
type QueueMessage struct {
	Command QueueCommand `json:"command"`
	WorkID  uint64       `json:"work_id"`
}

// Coordinator is the master-side callback set invoked as workers announce
// themselves and claim, acknowledge or reject work advertised on the queue
// route. SessionID identifies the worker connection (assigned by
// NewQueueRouteFactory with a fresh uuid at connection time) so the
// coordinator can track per-worker claims without relying on the OS
// connection identity.
type Coordinator interface {
	OnReady(session uuid.UUID, slot uint64) error
	OnClaim(session uuid.UUID, workID uint64) error
	OnAck(session uuid.UUID, workID uint64) error
	OnNack(session uuid.UUID, workID uint64) error
}

// Announce encodes an "enqueue" message the coordinator writes to every
// worker connection to advertise newly available work.
func Announce(conn io.Writer, workID uint64) error {
	p, err := json.Marshal(QueueMessage{Command: CmdEnqueue, WorkID: workID})
	if err != nil {
		return err
	}
	return WriteFrame(conn, Frame{Route: RouteQueue, Payload: p})
}

// Ready encodes the "ready" message a worker sends as its first frame
// after dialing back, declaring the queue route and its slot id in one
// step.
func Ready(conn io.Writer, slot uint64) error {
	p, err := json.Marshal(QueueMessage{Command: CmdReady, WorkID: slot})
	if err != nil {
		return err
	}
	return WriteFrame(conn, Frame{Route: RouteQueue, Payload: p})
}

// NewQueueRouteFactory builds a Factory for RouteQueue. Each accepted
// connection is assigned a fresh session id so the Coordinator can
// distinguish workers without depending on OS-level connection identity.
func NewQueueRouteFactory(c Coordinator) Factory {
	return func(conn net.Conn) Handler {
		return &queueRouteHandler{conn: conn, coord: c, session: uuid.New()}
	}
}

type queueRouteHandler struct {
	conn    net.Conn
	coord   Coordinator
	session uuid.UUID

	mu sync.Mutex
}

func (h *queueRouteHandler) HandleFrame(f Frame) error {
	var m QueueMessage
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch m.Command {
	case CmdReady:
		return h.coord.OnReady(h.session, m.WorkID)
	case CmdClaim:
		return h.coord.OnClaim(h.session, m.WorkID)
	case CmdAck:
		return h.coord.OnAck(h.session, m.WorkID)
	case CmdNack:
		return h.coord.OnNack(h.session, m.WorkID)
	default:
		return fmt.Errorf("control: queue route received unexpected command %q", m.Command)
	}
}

func (h *queueRouteHandler) Close() {
	_ = h.conn.Close()
}
