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

// Package resilience decorates units of work crossing a process boundary
// with circuit-breaking, budget-limited retry, concurrency bulkheads,
// deadline pre-checks and fallbacks. One named set of primitives exists per
// logical upstream ("consul", "configserver", "keycloak", ...), created
// lazily on first use and kept for the process lifetime.
package resilience

import (
	"errors"
	"time"

	"github.com/tochemey/fleetkv/breaker"
	"github.com/tochemey/fleetkv/internal/locker"
	"github.com/tochemey/fleetkv/internal/xsync"
	"github.com/tochemey/fleetkv/kv"
)

// instance bundles the per-upstream resilience primitives.
type instance struct {
	name          string
	breaker       *breaker.CircuitBreaker
	budget        *Budget
	bulkhead      *bulkhead
	retryAttempts int
	initialDelay  time.Duration
	maxDelay      time.Duration
}

// Registry holds the per-upstream resilience instances. It is an explicit,
// injectable object rather than ambient global state so tests can construct
// isolated registries instead of sharing mutable singletons. Instances are
// created lazily on first use and never destroyed before process shutdown.
type Registry struct {
	_         locker.NoCopy
	opts      *options
	instances *xsync.Map[string, *instance]
	metrics   *instruments
}

// NewRegistry creates a resilience registry with the given options.
func NewRegistry(opts ...Option) *Registry {
	o := defaultRegistryOptions()
	for _, opt := range opts {
		opt(o)
	}

	registry := &Registry{
		opts:      o,
		instances: xsync.NewMap[string, *instance](),
	}

	if o.metrics {
		instruments, err := newInstruments()
		if err != nil {
			o.logger.Warnf("resilience metrics disabled: %v", err)
		} else {
			registry.metrics = instruments
		}
	}
	return registry
}

// Breaker returns the circuit breaker of the given upstream, creating the
// upstream's instance when absent.
func (r *Registry) Breaker(upstream string) *breaker.CircuitBreaker {
	return r.instance(upstream).breaker
}

// Budget returns the retry budget of the given upstream, creating the
// upstream's instance when absent.
func (r *Registry) Budget(upstream string) *Budget {
	return r.instance(upstream).budget
}

// Upstreams returns the names of the upstreams seen so far.
func (r *Registry) Upstreams() []string {
	return r.instances.Keys()
}

// instance returns the upstream's primitives, lazily creating them with an
// insert-if-absent so concurrent first calls converge on one instance.
func (r *Registry) instance(upstream string) *instance {
	if existing, ok := r.instances.Get(upstream); ok {
		return existing
	}

	created := r.newInstance(upstream)
	actual, loaded := r.instances.GetOrSet(upstream, created)
	if !loaded {
		r.opts.logger.Debugf("created resilience instance for upstream=%s", upstream)
	}
	return actual
}

func (r *Registry) newInstance(upstream string) *instance {
	o := r.opts
	settings := o.upstreams[upstream]

	maxRetryPct := o.maxRetryPct
	if settings.MaxRetryPercentage > 0 {
		maxRetryPct = settings.MaxRetryPercentage
	}
	retryAttempts := o.retryAttempts
	if settings.RetryAttempts > 0 {
		retryAttempts = settings.RetryAttempts
	}
	maxConcurrent := o.maxConcurrentCalls
	if settings.MaxConcurrentCalls > 0 {
		maxConcurrent = settings.MaxConcurrentCalls
	}
	bulkheadMaxWait := o.bulkheadMaxWait
	if settings.BulkheadMaxWait > 0 {
		bulkheadMaxWait = settings.BulkheadMaxWait
	}

	breakerOpts := make([]breaker.Option, 0, len(o.breakerOpts)+len(settings.Breaker)+1)
	breakerOpts = append(breakerOpts, breaker.WithClock(o.clock))
	breakerOpts = append(breakerOpts, o.breakerOpts...)
	breakerOpts = append(breakerOpts, settings.Breaker...)

	return &instance{
		name:          upstream,
		breaker:       breaker.New(breakerOpts...),
		budget:        NewBudget(o.budgetWindow, o.budgetBuckets, maxRetryPct, o.clock),
		bulkhead:      newBulkhead(maxConcurrent, bulkheadMaxWait),
		retryAttempts: retryAttempts,
		initialDelay:  o.retryInitialDelay,
		maxDelay:      o.retryMaxDelay,
	}
}

// defaultRetryable treats only transport-level backend failures as
// retryable. CAS conflicts, lock contention and transaction rollbacks are
// business outcomes and must surface to the caller untouched.
func defaultRetryable(err error) bool {
	return errors.Is(err, kv.ErrBackendUnavailable)
}
