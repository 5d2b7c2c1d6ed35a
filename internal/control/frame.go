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

// Package control is the master/worker multiplexed control channel: a
// length-prefixed, route-tagged record stream carried over a Unix-domain
// (or loopback TCP) stream connection. Two routes ship with it ("log" and
// "queue"); additional routes can be registered the same way.
package control

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxRouteLen bounds the route tag WriteFrame accepts. ReadFrame does not
// check it; the one-byte length field limits a received tag to 255 bytes.
const MaxRouteLen = 64

// MaxPayloadLen bounds a single frame's body as ReadFrame reads it (the
// route-length byte, the route and the payload together); WriteFrame does
// not check it.
const MaxPayloadLen = 16 << 20

// Frame is one record on the control channel.
type Frame struct {
	Route   string
	Payload []byte
}

// WriteFrame encodes f as: uint32 total-length (route-len byte + route +
// payload), uint8 route-length, route bytes, payload bytes.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Route) == 0 || len(f.Route) > MaxRouteLen {
		return fmt.Errorf("control: invalid route length %d", len(f.Route))
	}

	body := make([]byte, 1+len(f.Route)+len(f.Payload))
	body[0] = byte(len(f.Route))
	copy(body[1:], f.Route)
	copy(body[1+len(f.Route):], f.Payload)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame decodes one Frame from r. It returns io.EOF unaltered when the
// peer closes the connection cleanly between frames.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return Frame{}, fmt.Errorf("control: empty frame")
	}
	if n > MaxPayloadLen {
		return Frame{}, fmt.Errorf("control: frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	rl := int(body[0])
	if 1+rl > len(body) {
		return Frame{}, fmt.Errorf("control: route length %d overruns frame", rl)
	}

	return Frame{
		Route:   string(body[1 : 1+rl]),
		Payload: body[1+rl:],
	}, nil
}
