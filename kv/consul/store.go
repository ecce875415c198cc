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

// Package consul implements the key/value store contract on top of the
// Consul agent HTTP API. The adapter speaks the agent's wire protocol
// directly so the full surface the contract needs is under its control:
// check-and-set writes, atomic transactions, session-backed locks and
// ephemeral keys, and index-based blocking queries for watches.
//
// Every remote call crosses the store's resilience registry. Reads go
// through the retrying decorator; mutations are only retried when the
// caller opted in with kv.WithRetrySafe.
package consul

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"go.uber.org/atomic"

	"github.com/tochemey/fleetkv/fallback"
	"github.com/tochemey/fleetkv/internal/httpc"
	"github.com/tochemey/fleetkv/internal/xsync"
	"github.com/tochemey/fleetkv/kv"
	"github.com/tochemey/fleetkv/log"
	"github.com/tochemey/fleetkv/resilience"
)

// Store is the Consul-backed implementation of kv.Store.
type Store struct {
	config *Config
	// client serves plain requests; watchClient has no response header
	// timeout so long polls can hold up to the agent's wait bound.
	client      *http.Client
	watchClient *http.Client

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

// NewStore creates a store talking to the configured Consul agent. The
// given config is sanitized and validated; no connection is attempted
// until the first call.
func NewStore(config *Config) (*Store, error) {
	config.Sanitize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		config:      config,
		client:      httpc.New(config.TLS, config.Timeout),
		watchClient: httpc.New(config.TLS, 0),
		registry:    config.Resilience,
		cache:       config.Fallback,
		logger:      config.Logger,
		watchers:    xsync.NewMap[string, *watcher](),
		keepalives:  xsync.NewMap[string, *keepalive](),
		closed:      atomic.NewBool(false),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Put writes value under key. With kv.WithCAS the write is rejected with
// kv.ErrConcurrentModification when the stored index moved.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...kv.WriteOption) error {
	if s.closed.Load() {
		return kv.ErrStoreClosed
	}
	w := kv.NewWriteOptions(opts...)

	params := writeParams(w)
	if w.CAS != nil {
		params.Set("cas", strconv.FormatUint(*w.CAS, 10))
	}

	work := func(ctx context.Context) (any, error) {
		ok, err := s.kvPut(ctx, key, value, params, w.Token, w.Timeout)
		if err != nil {
			return nil, err
		}
		if !ok {
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
// every hit and served back when the agent cannot be reached.
func (s *Store) Get(ctx context.Context, key string, opts ...kv.QueryOption) (*kv.Entry, error) {
	if s.closed.Load() {
		return nil, kv.ErrStoreClosed
	}
	q := kv.NewQueryOptions(opts...)
	q.Datacenter = s.datacenter(q.Datacenter)

	entry, err := resilience.DecorateFunc(s.registry, Upstream, func(ctx context.Context) (*kv.Entry, error) {
		entry, err := s.kvGet(ctx, key, q)
		if err != nil {
			return nil, err
		}
		s.cacheEntry(key, entry)
		return entry, nil
	}, s.cachedEntry(key))(ctx)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// cacheEntry records the last good value read for key.
func (s *Store) cacheEntry(key string, entry *kv.Entry) {
	if s.cache == nil || entry == nil {
		return
	}
	if err := s.cache.Store(key, entry.Value); err != nil {
		s.logger.Warnf("failed to cache value for key=%s: %v", key, err)
	}
}

// cachedEntry builds the read fallback serving the last good value for
// key. The served entry is a degraded read: it carries the value only, no
// indexes, so it cannot seed a CAS.
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
// recursive delete reports whether the prefix held any key. A transport
// failure is surfaced, not replayed: a replay after a half-applied attempt
// would re-probe an already-deleted key and misreport the removal.
func (s *Store) Delete(ctx context.Context, key string, opts ...kv.WriteOption) (bool, error) {
	if s.closed.Load() {
		return false, kv.ErrStoreClosed
	}
	w := kv.NewWriteOptions(opts...)
	params := writeParams(w)

	switch {
	case w.CAS != nil:
		params.Set("cas", strconv.FormatUint(*w.CAS, 10))
	case w.Recurse:
		params.Set("recurse", "true")
	}

	work := func(ctx context.Context) (any, error) {
		existed := true
		if w.CAS == nil {
			// The agent's delete verdict does not distinguish an absent key
			// from a removed one, so probe first. The probe is advisory: a
			// concurrent writer can still race it.
			q := &kv.QueryOptions{Datacenter: w.Datacenter, Token: w.Token, Timeout: w.Timeout}
			if w.Recurse {
				entries, _, err := s.kvList(ctx, s.client, key, q)
				if err != nil {
					return nil, err
				}
				existed = len(entries) > 0
			} else {
				entry, err := s.kvGet(ctx, key, q)
				if err != nil {
					return nil, err
				}
				existed = entry != nil
			}
		}

		ok, err := s.kvDelete(ctx, key, params, w.Token, w.Timeout)
		if err != nil {
			return nil, err
		}
		if w.CAS != nil && !ok {
			return nil, kv.ErrConcurrentModification
		}
		return ok && existed, nil
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
// an exclusive cursor; limit <= 0 means unbounded.
func (s *Store) List(ctx context.Context, prefix string, limit int, fromKey string, opts ...kv.QueryOption) ([]*kv.Entry, error) {
	if s.closed.Load() {
		return nil, kv.ErrStoreClosed
	}
	q := kv.NewQueryOptions(opts...)
	q.Datacenter = s.datacenter(q.Datacenter)

	timeout := q.Timeout
	if timeout == 0 {
		timeout = s.config.Timeout
	}

	entries, err := resilience.DecorateFunc(s.registry, Upstream, func(ctx context.Context) ([]*kv.Entry, error) {
		ctx, cancel := callContext(ctx, timeout)
		defer cancel()
		entries, _, err := s.kvList(ctx, s.client, prefix, q)
		return entries, err
	}, nil)(ctx)
	if err != nil {
		return nil, err
	}
	return paginate(entries, limit, fromKey), nil
}

// paginate applies the exclusive fromKey cursor and the limit to entries,
// which the agent already returns sorted by key. The sort is re-asserted
// cheaply so pagination stays correct even against a permissive fake.
func paginate(entries []*kv.Entry, limit int, fromKey string) []*kv.Entry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	if fromKey != "" {
		cut := sort.Search(len(entries), func(i int) bool { return entries[i].Key > fromKey })
		entries = entries[cut:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// datacenter resolves the per-call datacenter against the store default.
func (s *Store) datacenter(dc string) string {
	if dc == "" {
		return s.config.Datacenter
	}
	return dc
}

// writeParams renders the write options shared by every KV write.
func writeParams(w *kv.WriteOptions) url.Values {
	params := url.Values{}
	if w.Datacenter != "" {
		params.Set("dc", w.Datacenter)
	}
	return params
}

// Close stops every watch loop and session keepalive and releases the
// transports. Close is idempotent.
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

	s.client.CloseIdleConnections()
	s.watchClient.CloseIdleConnections()
	return nil
}
