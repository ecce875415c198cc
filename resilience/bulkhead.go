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
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// bulkhead caps in-flight calls to one upstream so its slowness cannot
// starve resources needed by calls to other upstreams.
type bulkhead struct {
	sem     *semaphore.Weighted
	maxWait time.Duration
}

func newBulkhead(maxConcurrent int64, maxWait time.Duration) *bulkhead {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &bulkhead{
		sem:     semaphore.NewWeighted(maxConcurrent),
		maxWait: maxWait,
	}
}

// acquire claims one in-flight slot, waiting up to maxWait when configured.
// It returns ErrBulkheadFull when no slot frees up in time.
func (b *bulkhead) acquire(ctx context.Context) error {
	if b.maxWait <= 0 {
		if b.sem.TryAcquire(1) {
			return nil
		}
		return ErrBulkheadFull
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.maxWait)
	defer cancel()
	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBulkheadFull
	}
	return nil
}

func (b *bulkhead) release() {
	b.sem.Release(1)
}
