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
	"errors"
	"fmt"
)

var (
	// ErrBulkheadFull is returned when the per-upstream concurrency limit
	// rejects a call.
	ErrBulkheadFull = errors.New("bulkhead concurrency limit reached")

	// ErrRetryBudgetExhausted tags a failure whose retry was suppressed by
	// the retry budget. It never replaces the original failure; use
	// errors.Unwrap (or errors.As on the concrete error) to reach it.
	ErrRetryBudgetExhausted = errors.New("retry suppressed by retry budget")
)

// budgetExhaustedError propagates the original failure while matching
// ErrRetryBudgetExhausted under errors.Is.
type budgetExhaustedError struct {
	cause error
}

func (e *budgetExhaustedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRetryBudgetExhausted, e.cause)
}

func (e *budgetExhaustedError) Unwrap() error { return e.cause }

func (e *budgetExhaustedError) Is(target error) bool {
	return target == ErrRetryBudgetExhausted
}
