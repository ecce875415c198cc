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

package consul

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tochemey/fleetkv/fallback"
	"github.com/tochemey/fleetkv/kv"
)

func TestPutGet(t *testing.T) {
	t.Run("With round trip", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "apps/billing/kv/features/limit", []byte("100")))

		entry, err := store.Get(ctx, "apps/billing/kv/features/limit")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, "apps/billing/kv/features/limit", entry.Key)
		assert.Equal(t, []byte("100"), entry.Value)
		assert.NotZero(t, entry.ModifyIndex)
	})
	t.Run("With absent key as empty result", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)

		entry, err := store.Get(context.TODO(), "missing")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
	t.Run("With guarded update on current index", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "k", []byte("v1")))
		entry, err := store.Get(ctx, "k")
		require.NoError(t, err)

		require.NoError(t, store.Put(ctx, "k", []byte("v2"), kv.WithCAS(entry.ModifyIndex)))

		updated, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), updated.Value)
	})
	t.Run("With guarded update on stale index", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "k", []byte("v1")))
		entry, err := store.Get(ctx, "k")
		require.NoError(t, err)

		// another writer moves the index
		require.NoError(t, store.Put(ctx, "k", []byte("v2")))

		err = store.Put(ctx, "k", []byte("v3"), kv.WithCAS(entry.ModifyIndex))
		assert.ErrorIs(t, err, kv.ErrConcurrentModification)
	})
	t.Run("With zero index as create guard", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "fresh", []byte("v1"), kv.WithCAS(0)))
		err := store.Put(ctx, "fresh", []byte("v2"), kv.WithCAS(0))
		assert.ErrorIs(t, err, kv.ErrConcurrentModification)
	})
}

func TestDelete(t *testing.T) {
	t.Run("With existing key", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "k", []byte("v")))
		removed, err := store.Delete(ctx, "k")
		require.NoError(t, err)
		assert.True(t, removed)

		entry, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
	t.Run("With absent key", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)

		removed, err := store.Delete(context.TODO(), "missing")
		require.NoError(t, err)
		assert.False(t, removed)
	})
	t.Run("With stale guard", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "k", []byte("v1")))
		entry, err := store.Get(ctx, "k")
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, "k", []byte("v2")))

		_, err = store.Delete(ctx, "k", kv.WithCAS(entry.ModifyIndex))
		assert.ErrorIs(t, err, kv.ErrConcurrentModification)
	})
	t.Run("With lost response surfaced instead of replayed", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "k", []byte("v")))
		entry, err := store.Get(ctx, "k")
		require.NoError(t, err)

		// the delete lands on the agent but its verdict is lost; a replay
		// would find the key gone, fail the guard and misreport the removal.
		// A fresh connection keeps net/http from replaying it on its own.
		store.client.CloseIdleConnections()
		agent.dropResponses(1)
		before := agent.requestCount()

		removed, err := store.Delete(ctx, "k", kv.WithCAS(entry.ModifyIndex))
		require.ErrorIs(t, err, kv.ErrBackendUnavailable)
		assert.False(t, removed)
		assert.Equal(t, 1, agent.requestCount()-before)

		gone, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
	t.Run("With retry-safe opt-in replaying a lost response", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "k", []byte("v")))
		agent.dropResponses(1)

		removed, err := store.Delete(ctx, "k", kv.WithRetrySafe())
		require.NoError(t, err)
		assert.True(t, removed)
	})
	t.Run("With recursive delete", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "tree/a", []byte("1")))
		require.NoError(t, store.Put(ctx, "tree/b", []byte("2")))

		removed, err := store.Delete(ctx, "tree/", kv.WithRecurse())
		require.NoError(t, err)
		assert.True(t, removed)

		entries, err := store.List(ctx, "tree/", 0, "")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestList(t *testing.T) {
	seed := func(t *testing.T) (*fakeAgent, *Store) {
		t.Helper()
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()
		for _, key := range []string{"p/a", "p/b", "p/c", "p/d", "q/x"} {
			require.NoError(t, store.Put(ctx, key, []byte(key)))
		}
		return agent, store
	}

	t.Run("With full prefix", func(t *testing.T) {
		_, store := seed(t)
		entries, err := store.List(context.TODO(), "p/", 0, "")
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, "p/a", entries[0].Key)
		assert.Equal(t, "p/d", entries[3].Key)
	})
	t.Run("With limit", func(t *testing.T) {
		_, store := seed(t)
		entries, err := store.List(context.TODO(), "p/", 2, "")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "p/a", entries[0].Key)
		assert.Equal(t, "p/b", entries[1].Key)
	})
	t.Run("With exclusive cursor", func(t *testing.T) {
		_, store := seed(t)
		entries, err := store.List(context.TODO(), "p/", 2, "p/b")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "p/c", entries[0].Key)
		assert.Equal(t, "p/d", entries[1].Key)
	})
	t.Run("With cursor past the end", func(t *testing.T) {
		_, store := seed(t)
		entries, err := store.List(context.TODO(), "p/", 2, "p/d")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
	t.Run("With empty prefix result", func(t *testing.T) {
		_, store := seed(t)
		entries, err := store.List(context.TODO(), "none/", 0, "")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestTxn(t *testing.T) {
	t.Run("With all operations applied", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		flags, err := store.Txn(ctx, []kv.Operation{
			&kv.SetOp{Key: "a", Value: []byte("1")},
			&kv.SetOp{Key: "b", Value: []byte("2")},
		})
		require.NoError(t, err)
		assert.Equal(t, []bool{true, true}, flags)

		entry, err := store.Get(ctx, "b")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, []byte("2"), entry.Value)
	})
	t.Run("With violated guard rolling back the batch", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "a", []byte("old")))

		flags, err := store.Txn(ctx, []kv.Operation{
			&kv.SetOp{Key: "a", Value: []byte("new"), CAS: kv.Index(999)},
			&kv.SetOp{Key: "b", Value: []byte("2")},
		})

		var failed *kv.TxnFailedError
		require.ErrorAs(t, err, &failed)
		require.Len(t, failed.Errors, 1)
		assert.Equal(t, 0, failed.Errors[0].OpIndex)
		assert.Equal(t, []bool{false, false}, flags)

		// the untouched operation must not have applied
		entry, err := store.Get(ctx, "b")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
	t.Run("With mixed set and delete", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "gone", []byte("x")))
		entry, err := store.Get(ctx, "gone")
		require.NoError(t, err)

		flags, err := store.Txn(ctx, []kv.Operation{
			&kv.SetOp{Key: "kept", Value: []byte("y")},
			&kv.DeleteOp{Key: "gone", CAS: kv.Index(entry.ModifyIndex)},
		})
		require.NoError(t, err)
		assert.Equal(t, []bool{true, true}, flags)

		deleted, err := store.Get(ctx, "gone")
		require.NoError(t, err)
		assert.Nil(t, deleted)
	})
	t.Run("With lost response surfaced instead of replayed", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		// the batch commits on the agent but its verdict is lost; a replay
		// would fail the create guard and misreport the commit as a rollback
		agent.dropResponses(1)
		before := agent.requestCount()

		flags, err := store.Txn(ctx, []kv.Operation{
			&kv.SetOp{Key: "a", Value: []byte("1"), CAS: kv.Index(0)},
		})
		require.ErrorIs(t, err, kv.ErrBackendUnavailable)
		assert.Nil(t, flags)
		assert.Equal(t, 1, agent.requestCount()-before)

		entry, err := store.Get(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, []byte("1"), entry.Value)
	})
	t.Run("With retry-safe opt-in replaying a lost response", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		agent.dropResponses(1)

		flags, err := store.Txn(ctx, []kv.Operation{
			&kv.SetOp{Key: "a", Value: []byte("1")},
		}, kv.WithRetrySafe())
		require.NoError(t, err)
		assert.Equal(t, []bool{true}, flags)

		entry, err := store.Get(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, entry)
	})
	t.Run("With empty batch", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)

		flags, err := store.Txn(context.TODO(), nil)
		require.NoError(t, err)
		assert.Nil(t, flags)
	})
}

func TestLocks(t *testing.T) {
	t.Run("With lock acquired and released", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		lockID, err := store.AcquireLock(ctx, "locks/leader", 10*time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, lockID)

		released, err := store.ReleaseLock(ctx, "locks/leader", lockID)
		require.NoError(t, err)
		assert.True(t, released)
		assert.Zero(t, agent.sessionCount())
	})
	t.Run("With contention reported immediately", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		_, err := store.AcquireLock(ctx, "locks/leader", 10*time.Second)
		require.NoError(t, err)

		_, err = store.AcquireLock(ctx, "locks/leader", 10*time.Second)
		require.ErrorIs(t, err, kv.ErrLockContention)
		// the loser's session must not linger
		assert.Equal(t, 1, agent.sessionCount())
	})
	t.Run("With lock free after release", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		lockID, err := store.AcquireLock(ctx, "locks/leader", 10*time.Second)
		require.NoError(t, err)
		released, err := store.ReleaseLock(ctx, "locks/leader", lockID)
		require.NoError(t, err)
		require.True(t, released)

		_, err = store.AcquireLock(ctx, "locks/leader", 10*time.Second)
		assert.NoError(t, err)
	})
}

func TestPutEphemeral(t *testing.T) {
	agent := newFakeAgent(t)
	store := newTestStore(t, agent)
	ctx := context.TODO()

	sessionID, err := store.PutEphemeral(ctx, "instances/billing-1", []byte(`{"addr":"10.0.0.1"}`), 10*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	entry, err := store.Get(ctx, "instances/billing-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, sessionID, entry.Session)
}

func TestClosedStore(t *testing.T) {
	agent := newFakeAgent(t)
	store := newTestStore(t, agent)
	require.NoError(t, store.Close())

	ctx := context.TODO()
	assert.ErrorIs(t, store.Put(ctx, "k", nil), kv.ErrStoreClosed)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrStoreClosed)
	_, err = store.Delete(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrStoreClosed)
	_, err = store.List(ctx, "k", 0, "")
	assert.ErrorIs(t, err, kv.ErrStoreClosed)
	_, err = store.Txn(ctx, []kv.Operation{&kv.SetOp{Key: "k"}})
	assert.ErrorIs(t, err, kv.ErrStoreClosed)
	_, err = store.AcquireLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, kv.ErrStoreClosed)
	_, err = store.PutEphemeral(ctx, "k", nil, time.Minute)
	assert.ErrorIs(t, err, kv.ErrStoreClosed)
	assert.ErrorIs(t, store.WatchPrefix("k", nil), kv.ErrStoreClosed)
}

func TestBackendUnavailable(t *testing.T) {
	agent := newFakeAgent(t)
	store := newTestStore(t, agent)
	agent.srv.Close()

	_, err := store.Get(context.TODO(), "k")
	assert.ErrorIs(t, err, kv.ErrBackendUnavailable)
}

func TestReadFallback(t *testing.T) {
	newCache := func(t *testing.T) *fallback.Cache {
		t.Helper()
		cache, err := fallback.NewCache(filepath.Join(t.TempDir(), "fallback.db"))
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, cache.Close())
		})
		return cache
	}

	t.Run("With last good value served during an outage", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStoreWithCache(t, agent, newCache(t))
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "k", []byte("v")))
		entry, err := store.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, entry)

		agent.srv.Close()

		cached, err := store.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, "k", cached.Key)
		assert.Equal(t, []byte("v"), cached.Value)
		// a degraded read carries no index to CAS on
		assert.Zero(t, cached.ModifyIndex)
	})
	t.Run("With cold key still failing", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStoreWithCache(t, agent, newCache(t))

		agent.srv.Close()

		_, err := store.Get(context.TODO(), "never-read")
		assert.ErrorIs(t, err, kv.ErrBackendUnavailable)
	})
}
