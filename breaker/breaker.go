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

// Package breaker implements a three-state circuit breaker over a bucketed
// rolling window. The breaker exposes both a convenience Execute wrapper and
// a low-level probe API (TryAllow/OnSuccess/OnFailure/Release) so callers
// composing it with other decorators can drive the state machine directly.
package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tochemey/fleetkv/internal/locker"
)

// CircuitBreaker is a thread-safe circuit breaker implementation.
type CircuitBreaker struct {
	_         locker.NoCopy
	state     int32 // atomic
	openUntil int64 // unix nano when Open ends

	opts *options

	buckets *bucketWindow
	mu      sync.Mutex // guards transitions

	// half-open semaphore
	semCh chan struct{}

	lastFailure atomic.Uint64 // unix nano
	lastSuccess atomic.Uint64 // unix nano
}

// New constructs a circuit breaker, applying defaults for invalid options.
func New(opts ...Option) *CircuitBreaker {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}
	o.Sanitize()
	return newBreaker(o)
}

// NewWithValidation constructs a circuit breaker and returns an error
// when the provided options are invalid.
func NewWithValidation(opts ...Option) (*CircuitBreaker, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return newBreaker(o), nil
}

func newBreaker(o *options) *CircuitBreaker {
	return &CircuitBreaker{
		state:   int32(Closed),
		opts:    o,
		buckets: newBuckets(o.window, o.buckets, o.clock),
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() State { return State(atomic.LoadInt32(&b.state)) }

// Execute runs fn if allowed. If the breaker rejects the call, it returns
// ErrOpen without invoking fn.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	allowed, probe := b.TryAllow()
	if !allowed {
		return nil, ErrOpen
	}
	if probe {
		defer b.Release()
	}

	value, err := fn(ctx)
	if err != nil {
		b.OnFailure()
		return nil, err
	}
	b.OnSuccess()
	return value, nil
}

// TryAllow reports whether a call is permitted at this moment. probe reports
// whether the admission took a half-open probe slot; only then must the
// caller pair the call with Release. Admitted callers signal the outcome
// through OnSuccess or OnFailure either way.
func (b *CircuitBreaker) TryAllow() (allowed bool, probe bool) {
	now := b.opts.clock()
	s := b.State()
	if s == Closed {
		return true, false
	}

	if s == Open {
		if now.UnixNano() >= atomic.LoadInt64(&b.openUntil) {
			b.toHalfOpen()
			// fallthrough to half-open handling
		} else {
			return false, false
		}
	}
	// Half-open: enforce the probe semaphore
	b.ensureSem()
	select {
	case b.semCh <- struct{}{}:
		return true, true
	default:
		return false, false
	}
}

// Release hands back a half-open probe slot taken by TryAllow. Callers that
// were admitted without a slot must not call it: draining a slot they never
// took would let an extra probe through.
func (b *CircuitBreaker) Release() {
	if b.semCh != nil {
		select {
		case <-b.semCh:
		default:
		}
	}
}

// OnSuccess records a successful call.
func (b *CircuitBreaker) OnSuccess() {
	b.buckets.addSuccess(1)
	b.lastSuccess.Store(uint64(b.opts.clock().UnixNano()))
	if b.State() == HalfOpen {
		b.evaluateHalfOpen()
	} else {
		b.evaluate()
	}
}

// OnFailure records a failed call.
func (b *CircuitBreaker) OnFailure() {
	b.buckets.addFailure(1)
	b.lastFailure.Store(uint64(b.opts.clock().UnixNano()))
	if b.State() == HalfOpen {
		b.evaluateHalfOpen()
	} else {
		b.evaluate()
	}
}

// evaluate checks in Closed state for an Open transition.
func (b *CircuitBreaker) evaluate() {
	m := b.Metrics()
	if m.Total < uint64(b.opts.minRequests) {
		return
	}
	if m.FailureRate >= b.opts.failureRate {
		b.toOpen()
	}
}

// evaluateHalfOpen handles stricter recovery rules: the breaker only closes
// once enough probe samples have been collected without tripping the rate.
func (b *CircuitBreaker) evaluateHalfOpen() {
	m := b.Metrics()
	if m.Total < uint64(b.opts.minRequests) {
		return
	}
	if m.FailureRate >= b.opts.failureRate {
		b.toOpen()
		return
	}
	b.toClosed()
}

// Metrics builds a snapshot of the rolling counts.
func (b *CircuitBreaker) Metrics() Metrics {
	succ, fail := b.buckets.totals()
	m := Metrics{
		State:     b.State(),
		Successes: succ,
		Failures:  fail,
		Total:     succ + fail,
		Window:    b.opts.window,
	}
	if m.Total > 0 {
		m.FailureRate = float64(m.Failures) / float64(m.Total)
	}
	if lf := b.lastFailure.Load(); lf > 0 {
		m.LastFailure = time.Unix(0, int64(lf))
	}
	if ls := b.lastSuccess.Load(); ls > 0 {
		m.LastSuccess = time.Unix(0, int64(ls))
	}
	return m
}

// ensureSem initializes the half-open semaphore lazily.
func (b *CircuitBreaker) ensureSem() {
	if b.semCh != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.semCh != nil {
		return
	}
	maxCalls := b.opts.halfOpenMaxCalls
	if maxCalls <= 0 {
		maxCalls = 1
	}
	b.semCh = make(chan struct{}, maxCalls)
}

// resetSemLocked replaces the half-open semaphore with a fresh, empty channel
// of the given capacity. Caller must hold b.mu.
func (b *CircuitBreaker) resetSemLocked(newCap int) {
	if newCap <= 0 {
		b.semCh = nil
		return
	}
	b.semCh = make(chan struct{}, newCap)
}

// transitionTo attempts to transition from the current state to the target
// state. It returns false if the breaker is already in the target state.
func (b *CircuitBreaker) transitionTo(targetState State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	currentState := State(atomic.LoadInt32(&b.state))
	if currentState == targetState {
		return false
	}

	switch targetState {
	case Open:
		until := b.opts.clock().Add(b.opts.openTimeout).UnixNano()
		atomic.StoreInt64(&b.openUntil, until)
		// while open, reject everything; clear the half-open semaphore
		b.resetSemLocked(0)
	case HalfOpen:
		// reset window so probes evaluate fresh
		b.buckets.reset()
		maxCalls := b.opts.halfOpenMaxCalls
		if maxCalls <= 0 {
			maxCalls = 1
		}
		b.resetSemLocked(maxCalls)
	case Closed:
		b.buckets.reset()
		b.resetSemLocked(0)
	}

	atomic.StoreInt32(&b.state, int32(targetState))
	return true
}

func (b *CircuitBreaker) toOpen()     { b.transitionTo(Open) }
func (b *CircuitBreaker) toHalfOpen() { b.transitionTo(HalfOpen) }
func (b *CircuitBreaker) toClosed()   { b.transitionTo(Closed) }
