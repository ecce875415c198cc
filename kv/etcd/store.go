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

// Package etcd implements the key/value store contract on top of an etcd
// cluster. The portable CAS token maps onto etcd's ModRevision: a guarded
// write compares the stored revision inside a transaction, and a zero token
// asserts the key does not exist yet. Locks and ephemeral keys are backed
// by leases instead of sessions; the lock id is the lease id in hex.
//
// etcd has no per-entry flags; SetOp.Flags and Entry.Flags are not carried
// by this backend.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"

	"github.com/tochemey/fleetkv/fallback"
	"github.com/tochemey/fleetkv/internal/xsync"
	"github.com/tochemey/fleetkv/kv"
	"github.com/tochemey/fleetkv/log"
	"github.com/tochemey/fleetkv/resilience"
)

// Store is the etcd-backed implementation of kv.Store.
type Store struct {
	config   *Config
	client   *clientv3.Client
	registry *resilience.Registry
	cache    *fallback.Cache
	logger   log.Logger

	watchers   *xsync.Map[string, *watcher]
	keepalives *xsync.Map[string, *keepalive]

	closed *atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

// enforce compilation error
var _ kv.Store = (*Store)(nil)

// NewStore creates a store connected to the configured etcd cluster.
func NewStore(config *Config) (*Store, error) {
	config.Sanitize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
		Username:    config.Username,
		Password:    config.Password,
		TLS:         config.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to etcd: %v", kv.ErrBackendUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		config:     config,
		client:     client,
		registry:   config.Resilience,
		cache:      config.Fallback,
		logger:     config.Logger,
		watchers:   xsync.NewMap[string, *watcher](),
		keepalives: xsync.NewMap[string, *keepalive](),
		closed:     atomic.NewBool(false),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// entry maps an etcd key/value onto the portable entry model.
func entry(pair *mvccpb.KeyValue) *kv.Entry {
	e := &kv.Entry{
		Key:         string(pair.Key),
		Value:       pair.Value,
		CreateIndex: uint64(pair.CreateRevision),
		ModifyIndex: uint64(pair.ModRevision),
	}
	if pair.Lease != 0 {
		e.Session = leaseString(clientv3.LeaseID(pair.Lease))
		e.LockIndex = 1
	}
	return e
}

// wrapErr classifies a client error. Context unwinds pass through; every
// other failure is a transport problem eligible for breaking and retry.
func wrapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", kv.ErrBackendUnavailable, err)
}

// casCompare builds the transaction guard for a CAS token: a zero token
// asserts the key does not exist, any other token asserts the stored
// revision still matches.
func casCompare(key string, cas uint64) clientv3.Cmp {
	if cas == 0 {
		return clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	}
	return clientv3.Compare(clientv3.ModRevision(key), "=", int64(cas))
}

func (s *Store) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == 0 {
		timeout = s.config.Timeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Put writes value under key. With kv.WithCAS the write runs inside a
// transaction guarded on the stored revision.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...kv.WriteOption) error {
	if s.closed.Load() {
		return kv.ErrStoreClosed
	}
	w := kv.NewWriteOptions(opts...)

	work := func(ctx context.Context) (any, error) {
		ctx, cancel := s.callContext(ctx, w.Timeout)
		defer cancel()

		if w.CAS == nil {
			_, err := s.client.Put(ctx, key, string(value))
			return nil, wrapErr(ctx, err)
		}

		resp, err := s.client.Txn(ctx).
			If(casCompare(key, *w.CAS)).
			Then(clientv3.OpPut(key, string(value))).
			Commit()
		if err != nil {
			return nil, wrapErr(ctx, err)
		}
		if !resp.Succeeded {
			return nil, kv.ErrConcurrentModification
		}
		return nil, nil
	}

	var decorated resilience.UnitOfWork
	if w.RetrySafe {
		decorated = s.registry.Decorate(Upstream, work, nil)
	} else {
		decorated = s.registry.DecorateWithoutRetry(Upstream, work, nil)
	}
	_, err := decorated(ctx)
	return err
}

// Get returns the entry stored under key, or nil when the key is absent.
// With a fallback cache configured, the last good value is recorded on
// every hit and served back when the cluster cannot be reached.
func (s *Store) Get(ctx context.Context, key string, opts ...kv.QueryOption) (*kv.Entry, error) {
	if s.closed.Load() {
		return nil, kv.ErrStoreClosed
	}
	q := kv.NewQueryOptions(opts...)

	readOpts := make([]clientv3.OpOption, 0, 1)
	if q.Consistency == kv.ConsistencyStale {
		readOpts = append(readOpts, clientv3.WithSerializable())
	}

	return resilience.DecorateFunc(s.registry, Upstream, func(ctx context.Context) (*kv.Entry, error) {
		ctx, cancel := s.callContext(ctx, q.Timeout)
		defer cancel()

		resp, err := s.client.Get(ctx, key, readOpts...)
		if err != nil {
			return nil, wrapErr(ctx, err)
		}
		if len(resp.Kvs) == 0 {
			return nil, nil
		}
		e := entry(resp.Kvs[0])
		s.cacheEntry(key, e)
		return e, nil
	}, s.cachedEntry(key))(ctx)
}

// cacheEntry records the last good value read for key.
func (s *Store) cacheEntry(key string, e *kv.Entry) {
	if s.cache == nil || e == nil {
		return
	}
	if err := s.cache.Store(key, e.Value); err != nil {
		s.logger.Warnf("failed to cache value for key=%s: %v", key, err)
	}
}

// cachedEntry builds the read fallback serving the last good value for
// key. The served entry is a degraded read: it carries the value only, no
// revisions, so it cannot seed a CAS.
func (s *Store) cachedEntry(key string) func(ctx context.Context, cause error) (*kv.Entry, error) {
	if s.cache == nil {
		return nil
	}
	serve := fallback.Serve(s.cache, key)
	return func(ctx context.Context, cause error) (*kv.Entry, error) {
		value, err := serve(ctx, cause)
		if err != nil {
			return nil, err
		}
		raw, _ := value.([]byte)
		return &kv.Entry{Key: key, Value: raw}, nil
	}
}

// Delete removes key and reports whether a key was actually removed. A
// transport failure is surfaced, not replayed: a replay after a half-applied
// attempt would see zero deletions and misreport the removal.
func (s *Store) Delete(ctx context.Context, key string, opts ...kv.WriteOption) (bool, error) {
	if s.closed.Load() {
		return false, kv.ErrStoreClosed
	}
	w := kv.NewWriteOptions(opts...)

	work := func(ctx context.Context) (any, error) {
		ctx, cancel := s.callContext(ctx, w.Timeout)
		defer cancel()

		if w.CAS != nil {
			resp, err := s.client.Txn(ctx).
				If(casCompare(key, *w.CAS)).
				Then(clientv3.OpDelete(key)).
				Commit()
			if err != nil {
				return nil, wrapErr(ctx, err)
			}
			if !resp.Succeeded {
				return nil, kv.ErrConcurrentModification
			}
			return true, nil
		}

		deleteOpts := make([]clientv3.OpOption, 0, 1)
		if w.Recurse {
			deleteOpts = append(deleteOpts, clientv3.WithPrefix())
		}
		resp, err := s.client.Delete(ctx, key, deleteOpts...)
		if err != nil {
			return nil, wrapErr(ctx, err)
		}
		return resp.Deleted > 0, nil
	}

	var decorated resilience.UnitOfWork
	if w.RetrySafe {
		decorated = s.registry.Decorate(Upstream, work, nil)
	} else {
		decorated = s.registry.DecorateWithoutRetry(Upstream, work, nil)
	}
	result, err := decorated(ctx)
	if err != nil {
		return false, err
	}
	removed, _ := result.(bool)
	return removed, nil
}

// List returns the entries under prefix in ascending key order. fromKey is
// an exclusive cursor resolved server-side through a range read, so a page
// walk stays stable under concurrent writers.
func (s *Store) List(ctx context.Context, prefix string, limit int, fromKey string, opts ...kv.QueryOption) ([]*kv.Entry, error) {
	if s.closed.Load() {
		return nil, kv.ErrStoreClosed
	}
	q := kv.NewQueryOptions(opts...)

	start := listStart(prefix, fromKey)
	rangeEnd := clientv3.GetPrefixRangeEnd(prefix)

	readOpts := []clientv3.OpOption{
		clientv3.WithRange(rangeEnd),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	}
	if limit > 0 {
		readOpts = append(readOpts, clientv3.WithLimit(int64(limit)))
	}
	if q.Consistency == kv.ConsistencyStale {
		readOpts = append(readOpts, clientv3.WithSerializable())
	}

	return resilience.DecorateFunc(s.registry, Upstream, func(ctx context.Context) ([]*kv.Entry, error) {
		ctx, cancel := s.callContext(ctx, q.Timeout)
		defer cancel()

		resp, err := s.client.Get(ctx, start, readOpts...)
		if err != nil {
			return nil, wrapErr(ctx, err)
		}
		entries := make([]*kv.Entry, 0, len(resp.Kvs))
		for _, pair := range resp.Kvs {
			entries = append(entries, entry(pair))
		}
		return entries, nil
	}, nil)(ctx)
}

// Txn submits ops as a single atomic transaction. Every CAS guard becomes
// a revision compare; when any guard fails the batch is rolled back, every
// flag is false and the error carries the per-operation detail read back
// from the failed revisions.
//
// A lost response is ambiguous: the batch may have committed. A blind
// replay would fail its revision compares and report a rollback for writes
// that landed, so the transaction is never retried unless the caller marked
// it kv.WithRetrySafe.
func (s *Store) Txn(ctx context.Context, ops []kv.Operation, opts ...kv.WriteOption) ([]bool, error) {
	if s.closed.Load() {
		return nil, kv.ErrStoreClosed
	}
	if len(ops) == 0 {
		return nil, nil
	}
	w := kv.NewWriteOptions(opts...)

	cmps := make([]clientv3.Cmp, 0, len(ops))
	thens := make([]clientv3.Op, 0, len(ops))
	elses := make([]clientv3.Op, 0, len(ops))
	guarded := make([]int, 0, len(ops))

	for i, op := range ops {
		switch o := op.(type) {
		case *kv.SetOp:
			if o.CAS != nil {
				cmps = append(cmps, casCompare(o.Key, *o.CAS))
				elses = append(elses, clientv3.OpGet(o.Key))
				guarded = append(guarded, i)
			}
			thens = append(thens, clientv3.OpPut(o.Key, string(o.Value)))
		case *kv.DeleteOp:
			if o.CAS != nil {
				cmps = append(cmps, casCompare(o.Key, *o.CAS))
				elses = append(elses, clientv3.OpGet(o.Key))
				guarded = append(guarded, i)
			}
			if o.Recurse {
				thens = append(thens, clientv3.OpDelete(o.Key, clientv3.WithPrefix()))
			} else {
				thens = append(thens, clientv3.OpDelete(o.Key))
			}
		default:
			return nil, fmt.Errorf("transaction operation %d has unsupported type %T", i, op)
		}
	}

	work := func(ctx context.Context) (any, error) {
		ctx, cancel := s.callContext(ctx, w.Timeout)
		defer cancel()

		resp, err := s.client.Txn(ctx).If(cmps...).Then(thens...).Else(elses...).Commit()
		if err != nil {
			return nil, wrapErr(ctx, err)
		}
		if !resp.Succeeded {
			return nil, s.txnFailure(ops, guarded, resp)
		}
		flags := make([]bool, len(ops))
		for i := range flags {
			flags[i] = true
		}
		return flags, nil
	}

	var decorated resilience.UnitOfWork
	if w.RetrySafe {
		decorated = s.registry.Decorate(Upstream, work, nil)
	} else {
		decorated = s.registry.DecorateWithoutRetry(Upstream, work, nil)
	}
	result, err := decorated(ctx)
	if err != nil {
		var failed *kv.TxnFailedError
		if errors.As(err, &failed) {
			return make([]bool, len(ops)), err
		}
		return nil, err
	}
	flags, _ := result.([]bool)
	return flags, nil
}

// txnFailure reconstructs per-operation detail for a rolled-back batch from
// the Else branch reads: each guarded key is re-read and its actual revision
// compared against the expected token.
func (s *Store) txnFailure(ops []kv.Operation, guarded []int, resp *clientv3.TxnResponse) error {
	failed := &kv.TxnFailedError{}
	for gi, opIndex := range guarded {
		var expected uint64
		switch o := ops[opIndex].(type) {
		case *kv.SetOp:
			expected = *o.CAS
		case *kv.DeleteOp:
			expected = *o.CAS
		}

		var actual uint64
		if gi < len(resp.Responses) {
			if rr := resp.Responses[gi].GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
				actual = uint64(rr.Kvs[0].ModRevision)
			}
		}
		if actual != expected {
			failed.Errors = append(failed.Errors, kv.TxnError{
				OpIndex: opIndex,
				What:    fmt.Sprintf("revision mismatch: expected %d, found %d", expected, actual),
			})
		}
	}
	if len(failed.Errors) == 0 {
		failed.Errors = append(failed.Errors, kv.TxnError{What: "transaction guard failed"})
	}
	return failed
}

// listStart resolves the first key of a page read: the smallest key
// strictly greater than the exclusive cursor, clamped to the prefix so a
// cursor below the prefix cannot pull in out-of-prefix keys.
func listStart(prefix, fromKey string) string {
	if fromKey == "" {
		return prefix
	}
	start := fromKey + "\x00"
	if start < prefix {
		return prefix
	}
	return start
}

func leaseString(id clientv3.LeaseID) string {
	return strconv.FormatInt(int64(id), 16)
}

func parseLease(lockID string) (clientv3.LeaseID, error) {
	id, err := strconv.ParseInt(lockID, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid lock id %q: %w", lockID, err)
	}
	return clientv3.LeaseID(id), nil
}

// Close stops every watch loop and lease keepalive and closes the client.
// Close is idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.watchers.Range(func(_ string, w *watcher) {
		w.stop()
	})
	s.watchers.Reset()
	s.keepalives.Range(func(_ string, k *keepalive) {
		k.stop()
	})
	s.keepalives.Reset()

	return s.client.Close()
}
