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

import "time"

// Consistency selects the read consistency mode of a query.
type Consistency int

const (
	// ConsistencyDefault uses the backend's default mode.
	ConsistencyDefault Consistency = iota
	// ConsistencyStrong forces a linearizable read from the leader.
	ConsistencyStrong
	// ConsistencyStale allows any server to answer, trading staleness
	// for availability.
	ConsistencyStale
)

// QueryOptions carries the recognized per-query backend parameters.
type QueryOptions struct {
	// Datacenter targets a specific backend datacenter.
	Datacenter string
	// Consistency selects the read consistency mode.
	Consistency Consistency
	// Index, together with Wait, turns the query into a blocking read that
	// holds until the data changes past the given index or the wait elapses.
	Index uint64
	// Wait bounds a blocking read.
	Wait time.Duration
	// Filter is a backend-side filter expression applied to the result set.
	Filter string
	// Cached allows the backend agent to answer from its local cache.
	Cached bool
	// Token is the ACL token for this call, overriding the store default.
	Token string
	// Timeout bounds this call independently of the ambient deadline.
	Timeout time.Duration
}

// QueryOption configures a QueryOptions.
type QueryOption func(*QueryOptions)

// NewQueryOptions builds QueryOptions from the given options.
func NewQueryOptions(opts ...QueryOption) *QueryOptions {
	q := new(QueryOptions)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// WithDatacenter targets the given backend datacenter.
func WithDatacenter(dc string) QueryOption {
	return func(q *QueryOptions) { q.Datacenter = dc }
}

// WithConsistency selects the read consistency mode.
func WithConsistency(c Consistency) QueryOption {
	return func(q *QueryOptions) { q.Consistency = c }
}

// WithBlocking turns the query into a blocking read past the given index,
// bounded by wait.
func WithBlocking(index uint64, wait time.Duration) QueryOption {
	return func(q *QueryOptions) { q.Index, q.Wait = index, wait }
}

// WithFilter applies a backend-side filter expression.
func WithFilter(expr string) QueryOption {
	return func(q *QueryOptions) { q.Filter = expr }
}

// WithCached allows the backend agent to answer from its local cache.
func WithCached() QueryOption {
	return func(q *QueryOptions) { q.Cached = true }
}

// WithQueryToken sets the ACL token for this call.
func WithQueryToken(token string) QueryOption {
	return func(q *QueryOptions) { q.Token = token }
}

// WithQueryTimeout bounds this call independently of the ambient deadline.
func WithQueryTimeout(d time.Duration) QueryOption {
	return func(q *QueryOptions) { q.Timeout = d }
}

// WriteOptions carries the recognized per-write backend parameters.
type WriteOptions struct {
	// Datacenter targets a specific backend datacenter.
	Datacenter string
	// Token is the ACL token for this call, overriding the store default.
	Token string
	// Timeout bounds this call independently of the ambient deadline.
	Timeout time.Duration
	// Recurse applies the delete to every key under the prefix.
	Recurse bool
	// CAS, when non-nil, makes the write conditional on the stored
	// ModifyIndex still matching.
	CAS *uint64
	// RetrySafe marks the write as idempotent from the caller's point of
	// view, making it eligible for budgeted transport retries. Writes are
	// never retried without this.
	RetrySafe bool
}

// WriteOption configures a WriteOptions.
type WriteOption func(*WriteOptions)

// NewWriteOptions builds WriteOptions from the given options.
func NewWriteOptions(opts ...WriteOption) *WriteOptions {
	w := new(WriteOptions)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WithWriteDatacenter targets the given backend datacenter.
func WithWriteDatacenter(dc string) WriteOption {
	return func(w *WriteOptions) { w.Datacenter = dc }
}

// WithWriteToken sets the ACL token for this call.
func WithWriteToken(token string) WriteOption {
	return func(w *WriteOptions) { w.Token = token }
}

// WithWriteTimeout bounds this call independently of the ambient deadline.
func WithWriteTimeout(d time.Duration) WriteOption {
	return func(w *WriteOptions) { w.Timeout = d }
}

// WithRecurse applies a delete to every key under the prefix.
func WithRecurse() WriteOption {
	return func(w *WriteOptions) { w.Recurse = true }
}

// WithCAS guards the write with the expected ModifyIndex. The write fails
// with ErrConcurrentModification when the stored index no longer matches.
func WithCAS(expected uint64) WriteOption {
	return func(w *WriteOptions) { w.CAS = &expected }
}

// WithRetrySafe marks the write as idempotent and eligible for budgeted
// transport retries.
func WithRetrySafe() WriteOption {
	return func(w *WriteOptions) { w.RetrySafe = true }
}
