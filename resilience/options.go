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
	"time"

	"github.com/tochemey/fleetkv/breaker"
	"github.com/tochemey/fleetkv/log"
)

const (
	// DefaultBudgetWindow is the default rolling window of the retry budget.
	DefaultBudgetWindow = 10 * time.Second
	// DefaultBudgetBuckets is the default bucket count of the retry budget window.
	DefaultBudgetBuckets = 10
	// DefaultMaxRetryPercentage is the default cap on retries as a fraction
	// of total traffic.
	DefaultMaxRetryPercentage = 0.20
	// DefaultRetryAttempts is the default number of transport retries after
	// the initial attempt.
	DefaultRetryAttempts = 3
	// DefaultRetryInitialDelay is the default delay before the first retry.
	DefaultRetryInitialDelay = 100 * time.Millisecond
	// DefaultRetryMaxDelay is the default upper bound of the retry backoff.
	DefaultRetryMaxDelay = time.Second
	// DefaultMaxConcurrentCalls is the default bulkhead size per upstream.
	DefaultMaxConcurrentCalls = 64
)

// UpstreamSettings overrides the registry defaults for one logical upstream.
// Zero values keep the registry default.
type UpstreamSettings struct {
	// MaxRetryPercentage caps retries as a fraction of total traffic.
	MaxRetryPercentage float64
	// RetryAttempts is the number of transport retries after the initial attempt.
	RetryAttempts int
	// MaxConcurrentCalls is the bulkhead size.
	MaxConcurrentCalls int64
	// BulkheadMaxWait is how long a call may wait for a bulkhead slot.
	BulkheadMaxWait time.Duration
	// Breaker configures the upstream's circuit breaker.
	Breaker []breaker.Option
}

// options configures a Registry.
type options struct {
	logger             log.Logger
	budgetWindow       time.Duration
	budgetBuckets      int
	maxRetryPct        float64
	retryAttempts      int
	retryInitialDelay  time.Duration
	retryMaxDelay      time.Duration
	maxConcurrentCalls int64
	bulkheadMaxWait    time.Duration
	breakerOpts        []breaker.Option
	upstreams          map[string]UpstreamSettings
	retryable          func(error) bool
	clock              func() time.Time
	metrics            bool
}

func defaultRegistryOptions() *options {
	return &options{
		logger:             log.DefaultLogger,
		budgetWindow:       DefaultBudgetWindow,
		budgetBuckets:      DefaultBudgetBuckets,
		maxRetryPct:        DefaultMaxRetryPercentage,
		retryAttempts:      DefaultRetryAttempts,
		retryInitialDelay:  DefaultRetryInitialDelay,
		retryMaxDelay:      DefaultRetryMaxDelay,
		maxConcurrentCalls: DefaultMaxConcurrentCalls,
		upstreams:          make(map[string]UpstreamSettings),
		retryable:          defaultRetryable,
		clock:              time.Now,
	}
}

// Option configures a Registry at creation time.
type Option func(*options)

// WithLogger sets the registry logger.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBudgetWindow sets the rolling window and bucket count of every
// upstream's retry budget.
func WithBudgetWindow(window time.Duration, buckets int) Option {
	return func(o *options) { o.budgetWindow, o.budgetBuckets = window, buckets }
}

// WithMaxRetryPercentage caps retries as a fraction of total traffic,
// globally. Per-upstream overrides win.
func WithMaxRetryPercentage(pct float64) Option {
	return func(o *options) { o.maxRetryPct = pct }
}

// WithRetry configures the default transport retry policy: the number of
// retries after the initial attempt and the backoff bounds.
func WithRetry(attempts int, initialDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = attempts
		o.retryInitialDelay = initialDelay
		o.retryMaxDelay = maxDelay
	}
}

// WithMaxConcurrentCalls sets the default bulkhead size per upstream.
func WithMaxConcurrentCalls(n int64) Option {
	return func(o *options) { o.maxConcurrentCalls = n }
}

// WithBulkheadMaxWait sets how long a call may wait for a bulkhead slot
// before being rejected. Zero rejects immediately.
func WithBulkheadMaxWait(d time.Duration) Option {
	return func(o *options) { o.bulkheadMaxWait = d }
}

// WithBreakerOptions sets the default circuit breaker configuration applied
// to every upstream.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(o *options) { o.breakerOpts = opts }
}

// WithUpstreamSettings overrides the defaults for one logical upstream.
func WithUpstreamSettings(upstream string, settings UpstreamSettings) Option {
	return func(o *options) { o.upstreams[upstream] = settings }
}

// WithRetryableClassifier replaces the predicate deciding whether an error
// is eligible for a transport retry.
func WithRetryableClassifier(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// WithClock sets a custom clock, useful in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithMetrics enables OpenTelemetry instruments on the registry.
func WithMetrics() Option {
	return func(o *options) { o.metrics = true }
}
