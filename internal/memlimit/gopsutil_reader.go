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

package memlimit

import (
	"github.com/caldavsupervisor/core/internal/xerr"
	"github.com/shirou/gopsutil/v3/process"
)

// GopsutilReader is the production Reader, backed by gopsutil's per-OS
// /proc (or platform-native) process inspection.
type GopsutilReader struct{}

// Sizes reads pid's resident set size and virtual memory size via
// gopsutil's process.MemoryInfo.
func (GopsutilReader) Sizes(pid int32) (rss, vsz uint64, err error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return 0, 0, xerr.Make(err)
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, xerr.Make(err)
	}
	return info.RSS, info.VMS, nil
}
