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

// Package kv defines the portable key/value store contract implemented by
// the backend adapters, together with the entry model, the transaction
// operation types and the query/write option builders. Nothing in this
// package touches a wire; it is the boundary the rest of the service
// programs against.
package kv

import (
	"context"
	"time"
)

// WatchHandler receives change notifications from a prefix watch.
//
// Callbacks are invoked from the watch goroutine; implementations that
// block will stall subsequent notifications for the same prefix.
type WatchHandler interface {
	// OnPut is called when a key under the watched prefix is created or
	// updated. The entry carries the final value and index.
	OnPut(entry *Entry)
	// OnDelete is called when a key under the watched prefix is removed.
	// index is the backend index at deletion time.
	OnDelete(key string, index uint64)
	// OnError is called whenever the watch loop hits a backend error. The
	// loop backs off and keeps going; OnError is the caller's signal that
	// the watch is degraded, never a termination notice.
	OnError(err error)
}

// Store is the portable contract against the distributed key/value backend.
//
// All blocking methods honor ctx for cancellation and deadline propagation.
// Implementations are safe for concurrent use.
type Store interface {
	// Put writes value under key. A CAS-guarded write (WithCAS) fails with
	// ErrConcurrentModification when the stored index no longer matches.
	Put(ctx context.Context, key string, value []byte, opts ...WriteOption) error

	// Get returns the entry stored under key, or nil when the key is
	// absent. Absence is a normal empty result, never an error.
	Get(ctx context.Context, key string, opts ...QueryOption) (*Entry, error)

	// Delete removes key and reports whether a key was actually removed.
	// CAS semantics as for Put, including the retry-safety opt-in: without
	// WithRetrySafe a lost response is surfaced, never replayed.
	Delete(ctx context.Context, key string, opts ...WriteOption) (bool, error)

	// List returns the entries whose key starts with prefix in ascending
	// lexicographic key order. When fromKey is non-empty the output starts
	// strictly after that key, which makes it an exclusive pagination
	// cursor stable under concurrent writers. limit <= 0 means unbounded.
	List(ctx context.Context, prefix string, limit int, fromKey string, opts ...QueryOption) ([]*Entry, error)

	// Txn submits the batch atomically and returns one success flag per
	// input operation, in input order. When any operation violates its
	// precondition the whole batch is rolled back, every flag is false and
	// the error is a *TxnFailedError carrying per-index detail. The batch
	// is never replayed on a transport failure unless the caller marked it
	// WithRetrySafe: a replay of a committed batch would fail its guards
	// and misreport the commit as a rollback.
	Txn(ctx context.Context, ops []Operation, opts ...WriteOption) ([]bool, error)

	// WatchPrefix starts a background long-poll loop notifying handler of
	// changes under prefix. Starting a watch on an already watched prefix
	// is a no-op with a warning. The loop runs until UnwatchPrefix or
	// Close.
	WatchPrefix(prefix string, handler WatchHandler) error

	// UnwatchPrefix cancels the watch on prefix and reports whether one
	// was active. Cancellation is cooperative: the in-flight blocking
	// query unwinds within its wait bound.
	UnwatchPrefix(prefix string) bool

	// AcquireLock attempts to win the lock at lockKey without blocking.
	// It either returns an opaque lock id or fails with ErrLockContention.
	// The lock is liveness-bound: it expires with its session after ttl
	// unless released first.
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error)

	// ReleaseLock releases the lock held under lockID and reports whether
	// the release fully succeeded. On partial failure the session TTL is
	// the safety net against the lock being silently held forever.
	ReleaseLock(ctx context.Context, lockKey string, lockID string) (bool, error)

	// PutEphemeral writes a liveness-bound key: the value disappears
	// automatically if the owning session is not refreshed within ttl.
	// It returns the owning session id.
	PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error)

	// Close stops every watch loop and session keepalive and releases the
	// underlying transport resources.
	Close() error
}
