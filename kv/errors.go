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

package kv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConcurrentModification is returned when a CAS-guarded write or
	// delete finds the stored index no longer matches the expected one.
	// Callers decide whether to re-fetch and retry at the business level;
	// this layer never auto-retries a stale CAS.
	ErrConcurrentModification = errors.New("concurrent modification: stored index does not match expected version")

	// ErrLockContention is returned when a lock is already held. Contention
	// is reported immediately, never queued.
	ErrLockContention = errors.New("lock is already held")

	// ErrDeadlineExceeded is returned when the ambient per-request deadline
	// elapsed before the call was dispatched.
	ErrDeadlineExceeded = errors.New("deadline exceeded before dispatch")

	// ErrBackendUnavailable wraps transport or connection failures talking
	// to the backend. It is eligible for circuit-breaking and budgeted retry.
	ErrBackendUnavailable = errors.New("kv backend unavailable")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("kv store is closed")

	// ErrEmptyKeySegment is returned when a key path contains an empty segment.
	ErrEmptyKeySegment = errors.New("key path contains an empty segment")
)

// TxnFailedError reports a rolled-back transaction batch with one entry per
// violated operation. The per-index detail is preserved so callers can tell
// which precondition failed, not just that the batch did.
type TxnFailedError struct {
	Errors []TxnError
}

func (e *TxnFailedError) Error() string {
	var sb strings.Builder
	sb.WriteString("transaction rolled back")
	for i := range e.Errors {
		sb.WriteString(fmt.Sprintf("; op[%d]: %s", e.Errors[i].OpIndex, e.Errors[i].What))
	}
	return sb.String()
}
