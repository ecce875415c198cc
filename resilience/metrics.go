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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/tochemey/fleetkv/resilience"

// instruments holds the OpenTelemetry counters emitted by a Registry.
type instruments struct {
	calls              metric.Int64Counter
	failures           metric.Int64Counter
	retries            metric.Int64Counter
	retriesSuppressed  metric.Int64Counter
	breakerRejections  metric.Int64Counter
	bulkheadRejections metric.Int64Counter
}

func newInstruments() (*instruments, error) {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	calls, err := meter.Int64Counter("resilience.calls",
		metric.WithDescription("Total decorated calls per upstream"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("resilience.failures",
		metric.WithDescription("Decorated calls that failed after all stages"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("resilience.retries",
		metric.WithDescription("Transport retries granted by the retry budget"))
	if err != nil {
		return nil, err
	}
	suppressed, err := meter.Int64Counter("resilience.retries_suppressed",
		metric.WithDescription("Retries suppressed by the retry budget"))
	if err != nil {
		return nil, err
	}
	breakerRejections, err := meter.Int64Counter("resilience.breaker_rejections",
		metric.WithDescription("Calls short-circuited by an open circuit breaker"))
	if err != nil {
		return nil, err
	}
	bulkheadRejections, err := meter.Int64Counter("resilience.bulkhead_rejections",
		metric.WithDescription("Calls rejected by the bulkhead"))
	if err != nil {
		return nil, err
	}

	return &instruments{
		calls:              calls,
		failures:           failures,
		retries:            retries,
		retriesSuppressed:  suppressed,
		breakerRejections:  breakerRejections,
		bulkheadRejections: bulkheadRejections,
	}, nil
}

func (m *instruments) add(ctx context.Context, counter metric.Int64Counter, upstream string) {
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("upstream", upstream)))
}

func (m *instruments) incCalls(ctx context.Context, upstream string) {
	if m != nil {
		m.add(ctx, m.calls, upstream)
	}
}

func (m *instruments) incFailures(ctx context.Context, upstream string) {
	if m != nil {
		m.add(ctx, m.failures, upstream)
	}
}

func (m *instruments) incRetries(ctx context.Context, upstream string) {
	if m != nil {
		m.add(ctx, m.retries, upstream)
	}
}

func (m *instruments) incRetriesSuppressed(ctx context.Context, upstream string) {
	if m != nil {
		m.add(ctx, m.retriesSuppressed, upstream)
	}
}

func (m *instruments) incBreakerRejections(ctx context.Context, upstream string) {
	if m != nil {
		m.add(ctx, m.breakerRejections, upstream)
	}
}

func (m *instruments) incBulkheadRejections(ctx context.Context, upstream string) {
	if m != nil {
		m.add(ctx, m.bulkheadRejections, upstream)
	}
}
