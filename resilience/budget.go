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

package resilience

import (
	"sync"
	"time"
)

// budgetBucket holds request and retry counts within one time slice.
type budgetBucket struct {
	requests uint64
	retries  uint64
	start    int64 // unix nano
}

func (b *budgetBucket) reset(startTime int64) {
	b.requests = 0
	b.retries = 0
	b.start = startTime
}

// Budget tracks requests versus retries for one logical upstream inside a
// rolling time window and decides whether one more retry stays within the
// configured ratio. Eviction is time based: buckets that slid out of the
// window never contribute to the ratio.
type Budget struct {
	maxRetryPct float64
	bucketDur   time.Duration
	num         int
	clock       func() time.Time
	windowNanos int64

	mu         sync.Mutex
	buf        []budgetBucket
	cursor     int
	lastUpdate int64
}

// NewBudget creates a retry budget over the given rolling window.
// maxRetryPct is the highest tolerated retries/requests ratio, e.g. 0.2.
func NewBudget(window time.Duration, buckets int, maxRetryPct float64, clock func() time.Time) *Budget {
	if buckets < 1 {
		buckets = 1
	}
	if clock == nil {
		clock = time.Now
	}
	bucketDur := window / time.Duration(buckets)
	if bucketDur <= 0 {
		bucketDur = time.Nanosecond
	}

	now := clock().UnixNano()
	b := &Budget{
		maxRetryPct: maxRetryPct,
		bucketDur:   bucketDur,
		num:         buckets,
		clock:       clock,
		windowNanos: window.Nanoseconds(),
		buf:         make([]budgetBucket, buckets),
		lastUpdate:  now,
	}
	for i := range b.buf {
		b.buf[i].reset(now)
	}
	return b
}

// RecordRequest accounts one attempt against the upstream. Every attempt
// counts, including the attempts that are themselves retries.
func (b *Budget) RecordRequest() {
	b.mu.Lock()
	b.advanceLocked(b.clock().UnixNano())
	b.buf[b.cursor].requests++
	b.mu.Unlock()
}

// RecordRetry accounts one granted retry.
func (b *Budget) RecordRetry() {
	b.mu.Lock()
	b.advanceLocked(b.clock().UnixNano())
	b.buf[b.cursor].retries++
	b.mu.Unlock()
}

// CanRetry reports whether granting one more retry keeps the window ratio
// at or below the configured maximum. The check runs before the retry is
// granted; a retry that would breach the ratio is suppressed and the
// original failure propagates.
func (b *Budget) CanRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(b.clock().UnixNano())

	var requests, retries uint64
	for i := 0; i < b.num; i++ {
		requests += b.buf[i].requests
		retries += b.buf[i].retries
	}

	total := requests
	if total == 0 {
		total = 1
	}
	return float64(retries+1)/float64(total) <= b.maxRetryPct
}

// Snapshot returns the request and retry counts currently inside the window.
func (b *Budget) Snapshot() (requests, retries uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(b.clock().UnixNano())
	for i := 0; i < b.num; i++ {
		requests += b.buf[i].requests
		retries += b.buf[i].retries
	}
	return requests, retries
}

func (b *Budget) advanceLocked(now int64) {
	if now < b.lastUpdate+b.bucketDur.Nanoseconds() {
		return
	}

	elapsed := now - b.lastUpdate
	if elapsed >= b.windowNanos {
		for i := range b.buf {
			b.buf[i].reset(now)
		}
		b.cursor = 0
		b.lastUpdate = now
		return
	}

	steps := min(int(elapsed/b.bucketDur.Nanoseconds()), b.num-1)
	for i := range steps {
		b.cursor = (b.cursor + 1) % b.num
		b.buf[b.cursor].reset(b.lastUpdate + int64(i+1)*b.bucketDur.Nanoseconds())
	}
	b.lastUpdate = now
}
