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

package fallback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...CacheOption) *Cache {
	t.Helper()
	cache, err := NewCache(filepath.Join(t.TempDir(), "fallback.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, cache.Close())
	})
	return cache
}

func TestCache(t *testing.T) {
	t.Run("With store and load", func(t *testing.T) {
		cache := newTestCache(t)
		require.NoError(t, cache.Store("apps/billing/kv/features/limit", []byte("100")))

		value, ok, err := cache.Load("apps/billing/kv/features/limit")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("100"), value)
	})
	t.Run("With absent key", func(t *testing.T) {
		cache := newTestCache(t)
		_, ok, err := cache.Load("missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("With overwrite", func(t *testing.T) {
		cache := newTestCache(t)
		require.NoError(t, cache.Store("k", []byte("v1")))
		require.NoError(t, cache.Store("k", []byte("v2")))

		value, ok, err := cache.Load("k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v2"), value)
	})
	t.Run("With expired value treated as miss", func(t *testing.T) {
		now := time.Unix(1700000000, 0)
		cache := newTestCache(t,
			WithTTL(time.Minute),
			WithClock(func() time.Time { return now }),
		)
		require.NoError(t, cache.Store("k", []byte("stale")))

		now = now.Add(2 * time.Minute)
		_, ok, err := cache.Load("k")
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("With empty value", func(t *testing.T) {
		cache := newTestCache(t)
		require.NoError(t, cache.Store("k", nil))

		value, ok, err := cache.Load("k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Empty(t, value)
	})
}

func TestServe(t *testing.T) {
	t.Run("With cached value served on failure", func(t *testing.T) {
		cache := newTestCache(t)
		require.NoError(t, cache.Store("k", []byte("last-good")))

		fb := Serve(cache, "k")
		value, err := fb(context.TODO(), errors.New("backend down"))
		require.NoError(t, err)
		assert.Equal(t, []byte("last-good"), value)
	})
	t.Run("With miss propagating the cause", func(t *testing.T) {
		cache := newTestCache(t)
		cause := errors.New("backend down")

		fb := Serve(cache, "missing")
		_, err := fb(context.TODO(), cause)
		assert.ErrorIs(t, err, cause)
	})
}
