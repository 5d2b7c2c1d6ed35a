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

package memlimit_test

import (
	"sync"

	"github.com/caldavsupervisor/core/internal/memlimit"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeReader struct {
	sizes map[int32][2]uint64 // pid -> [rss, vsz]
}

func (f *fakeReader) Sizes(pid int32) (uint64, uint64, error) {
	s := f.sizes[pid]
	return s[0], s[1], nil
}

type fakeTerminator struct {
	mu      sync.Mutex
	stopped []string
}

func (t *fakeTerminator) Stop(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = append(t.stopped, name)
	return nil
}

func (t *fakeTerminator) stoppedNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.stopped...)
}

var _ = Describe("Enforcer", func() {
	It("terminates a child whose RSS alone exceeds the limit in resident_only mode", func() {
		reader := &fakeReader{sizes: map[int32][2]uint64{
			1: {200, 50}, // rss=200 over a limit of 100; vsz ignored
		}}
		term := &fakeTerminator{}
		e := memlimit.New(0, 100, true, reader,
			func() map[string]int32 { return map[string]int32{"worker-1": 1} },
			term, nil)

		e.Poll()

		Expect(term.stoppedNames()).To(Equal([]string{"worker-1"}))
	})

	It("takes the larger of RSS and VSZ when resident_only is false", func() {
		reader := &fakeReader{sizes: map[int32][2]uint64{
			1: {60, 160}, // rss alone is under 100, vsz is over
		}}
		term := &fakeTerminator{}
		e := memlimit.New(0, 100, false, reader,
			func() map[string]int32 { return map[string]int32{"worker-1": 1} },
			term, nil)

		e.Poll()

		Expect(term.stoppedNames()).To(Equal([]string{"worker-1"}))
	})

	It("leaves a child alone when it is at or under the limit", func() {
		reader := &fakeReader{sizes: map[int32][2]uint64{
			1: {50, 10},
		}}
		term := &fakeTerminator{}
		e := memlimit.New(0, 100, true, reader,
			func() map[string]int32 { return map[string]int32{"worker-1": 1} },
			term, nil)

		e.Poll()

		Expect(term.stoppedNames()).To(BeEmpty())
	})

	It("does nothing when no limit is configured", func() {
		reader := &fakeReader{sizes: map[int32][2]uint64{1: {1 << 40, 1 << 40}}}
		term := &fakeTerminator{}
		e := memlimit.New(0, 0, true, reader,
			func() map[string]int32 { return map[string]int32{"worker-1": 1} },
			term, nil)

		e.Poll()

		Expect(term.stoppedNames()).To(BeEmpty())
	})
})
