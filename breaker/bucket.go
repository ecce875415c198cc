// MIT License
//
// Copyright (c) 2025-2026 FleetKV Team
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package breaker

import (
	"sync"
	"time"
)

// bucket holds counts of successes and failures within a specific time frame.
type bucket struct {
	succ  uint64
	fail  uint64
	start int64 // start time of bucket (unix nano)
}

func (b *bucket) reset(startTime int64) {
	b.succ = 0
	b.fail = 0
	b.start = startTime
}

// bucketWindow manages a ring of buckets tracking successes and failures
// over a rolling time window.
type bucketWindow struct {
	bucketDur   time.Duration
	num         int
	clock       func() time.Time
	windowNanos int64

	mu         sync.Mutex
	buf        []bucket
	cursor     int   // current bucket index
	lastUpdate int64 // last time we advanced buckets
}

func newBuckets(window time.Duration, n int, clock func() time.Time) *bucketWindow {
	if n < 1 {
		n = 1
	}
	bucketDur := window / time.Duration(n)
	if bucketDur <= 0 {
		bucketDur = time.Nanosecond
	}

	now := clock().UnixNano()
	bw := &bucketWindow{
		bucketDur:   bucketDur,
		num:         n,
		clock:       clock,
		windowNanos: window.Nanoseconds(),
		buf:         make([]bucket, n),
		cursor:      0,
		lastUpdate:  now,
	}

	for i := range bw.buf {
		bw.buf[i].reset(now)
	}
	return bw
}

// advanceLocked rotates the ring so stale buckets outside the window never
// contribute to the totals.
func (bw *bucketWindow) advanceLocked(now int64) {
	if now < bw.lastUpdate+bw.bucketDur.Nanoseconds() {
		return // still within current bucket
	}

	elapsed := now - bw.lastUpdate
	if elapsed >= bw.windowNanos {
		bw.hardResetLocked(now)
		return
	}

	steps := min(int(elapsed/bw.bucketDur.Nanoseconds()), bw.num-1)
	for i := range steps {
		bw.cursor = (bw.cursor + 1) % bw.num
		bucketStartTime := bw.lastUpdate + int64(i+1)*bw.bucketDur.Nanoseconds()
		bw.buf[bw.cursor].reset(bucketStartTime)
	}

	bw.lastUpdate = now
}

func (bw *bucketWindow) hardResetLocked(now int64) {
	for i := range bw.buf {
		bw.buf[i].reset(now)
	}
	bw.cursor = 0
	bw.lastUpdate = now
}

func (bw *bucketWindow) addSuccess(n uint64) {
	bw.mu.Lock()
	bw.advanceLocked(bw.clock().UnixNano())
	bw.buf[bw.cursor].succ += n
	bw.mu.Unlock()
}

func (bw *bucketWindow) addFailure(n uint64) {
	bw.mu.Lock()
	bw.advanceLocked(bw.clock().UnixNano())
	bw.buf[bw.cursor].fail += n
	bw.mu.Unlock()
}

func (bw *bucketWindow) totals() (succ, fail uint64) {
	bw.mu.Lock()
	bw.advanceLocked(bw.clock().UnixNano())
	for i := 0; i < bw.num; i++ {
		b := bw.buf[i]
		succ += b.succ
		fail += b.fail
	}
	bw.mu.Unlock()
	return
}

func (bw *bucketWindow) reset() {
	bw.mu.Lock()
	now := bw.clock().UnixNano()
	for i := range bw.buf {
		bw.buf[i].reset(now)
	}
	bw.cursor = 0
	bw.lastUpdate = now
	bw.mu.Unlock()
}
