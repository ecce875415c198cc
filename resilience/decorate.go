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

	"github.com/flowchartsman/retry"

	"github.com/tochemey/fleetkv/breaker"
	"github.com/tochemey/fleetkv/kv"
)

// UnitOfWork is an arbitrary call crossing a process boundary.
type UnitOfWork func(ctx context.Context) (any, error)

// Fallback produces a degraded result from the failure that triggered it.
type Fallback func(ctx context.Context, cause error) (any, error)

// Decorate wraps work with the upstream's full resilience stack, composed
// outside-in: deadline pre-check, retry-budget accounting, circuit breaker,
// budgeted retry, bulkhead, fallback. Use it for idempotent operations only;
// side-effecting calls go through DecorateWithoutRetry.
func (r *Registry) Decorate(upstream string, work UnitOfWork, fallback Fallback) UnitOfWork {
	return r.decorate(upstream, work, fallback, true)
}

// DecorateWithoutRetry wraps work like Decorate but skips the retry stage,
// for non-idempotent operations whose duplicate execution would not be safe.
// Circuit breaker, bulkhead and fallback still apply.
func (r *Registry) DecorateWithoutRetry(upstream string, work UnitOfWork, fallback Fallback) UnitOfWork {
	return r.decorate(upstream, work, fallback, false)
}

// DecorateFunc is the typed front of Registry.Decorate for call sites that
// want to keep their result type.
func DecorateFunc[T any](r *Registry, upstream string, work func(ctx context.Context) (T, error), fallback func(ctx context.Context, cause error) (T, error)) func(ctx context.Context) (T, error) {
	var fb Fallback
	if fallback != nil {
		fb = func(ctx context.Context, cause error) (any, error) {
			return fallback(ctx, cause)
		}
	}
	decorated := r.Decorate(upstream, func(ctx context.Context) (any, error) {
		return work(ctx)
	}, fb)

	return func(ctx context.Context) (T, error) {
		value, err := decorated(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		result, _ := value.(T)
		return result, nil
	}
}

func (r *Registry) decorate(upstream string, work UnitOfWork, fallback Fallback, withRetry bool) UnitOfWork {
	return func(ctx context.Context) (any, error) {
		// A call whose ambient deadline already elapsed is doomed: fail
		// before touching the budget, the breaker or the backend.
		if deadline, ok := ctx.Deadline(); ok && !deadline.After(r.opts.clock()) {
			return nil, kv.ErrDeadlineExceeded
		}

		inst := r.instance(upstream)
		r.metrics.incCalls(ctx, upstream)
		inst.budget.RecordRequest()

		allowed, probe := inst.breaker.TryAllow()
		if !allowed {
			r.metrics.incBreakerRejections(ctx, upstream)
			return r.resolve(ctx, fallback, upstream, breaker.ErrOpen)
		}
		if probe {
			// release only a slot this call actually took: a closed-state
			// admission handing one back would free a probe it never held
			defer inst.breaker.Release()
		}

		var value any
		var err error
		if withRetry {
			value, err = r.runWithRetry(ctx, inst, work)
		} else {
			value, err = r.runOnce(ctx, inst, work)
		}

		if err != nil {
			inst.breaker.OnFailure()
			r.metrics.incFailures(ctx, upstream)
			return r.resolve(ctx, fallback, upstream, err)
		}
		inst.breaker.OnSuccess()
		return value, nil
	}
}

// runOnce executes work behind the upstream's bulkhead.
func (r *Registry) runOnce(ctx context.Context, inst *instance, work UnitOfWork) (any, error) {
	if err := inst.bulkhead.acquire(ctx); err != nil {
		r.metrics.incBulkheadRejections(ctx, inst.name)
		return nil, err
	}
	defer inst.bulkhead.release()
	return work(ctx)
}

// runWithRetry executes work behind the bulkhead, retrying transport
// failures while the upstream's retry policy and the retry budget both
// permit it. A retry suppressed by the budget propagates the original
// failure tagged with ErrRetryBudgetExhausted.
func (r *Registry) runWithRetry(ctx context.Context, inst *instance, work UnitOfWork) (any, error) {
	var value any
	attempt := 0
	retrier := retry.NewRetrier(inst.retryAttempts, inst.initialDelay, inst.maxDelay)

	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		if attempt > 0 {
			// this attempt is a granted retry
			inst.budget.RecordRequest()
			inst.budget.RecordRetry()
			r.metrics.incRetries(ctx, inst.name)
		}
		attempt++

		result, err := r.runOnce(ctx, inst, work)
		if err != nil {
			if !r.opts.retryable(err) {
				return retry.Stop(err)
			}
			if !inst.budget.CanRetry() {
				r.metrics.incRetriesSuppressed(ctx, inst.name)
				return retry.Stop(&budgetExhaustedError{cause: err})
			}
			return err
		}
		value = result
		return nil
	})
	return value, err
}

// resolve routes a failure to the caller's fallback when one is configured.
func (r *Registry) resolve(ctx context.Context, fallback Fallback, upstream string, cause error) (any, error) {
	if fallback == nil {
		return nil, cause
	}
	r.opts.logger.Debugf("upstream=%s falling back: %v", upstream, cause)
	return fallback(ctx, cause)
}
