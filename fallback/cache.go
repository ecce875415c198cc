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

// Package fallback provides a local, persistent last-good-value cache used
// to back resilience fallbacks. The cache is deliberately embedded rather
// than remote: a remote cache would share fate with the very backend the
// fallback protects against.
package fallback

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tochemey/fleetkv/resilience"
)

var bucketName = []byte("fallback")

// Cache is a TTL'd key/value cache persisted in a bbolt file. It is safe
// for concurrent use.
type Cache struct {
	db    *bbolt.DB
	ttl   time.Duration
	clock func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL bounds how long a cached value stays servable. Zero keeps values
// forever.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock sets a custom clock, useful in tests.
func WithClock(clock func() time.Time) CacheOption {
	return func(c *Cache) { c.clock = clock }
}

// NewCache opens (or creates) the cache file at path.
func NewCache(path string, opts ...CacheOption) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback cache: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize fallback cache: %w", err)
	}

	cache := &Cache{
		db:    db,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache, nil
}

// Store persists value under key, stamped with the current time.
func (c *Cache) Store(key string, value []byte) error {
	record := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(record, uint64(c.clock().UnixNano()))
	copy(record[8:], value)

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), record)
	})
}

// Load returns the cached value for key. The boolean reports whether a
// fresh value was found; an expired or absent value is a miss, not an error.
func (c *Cache) Load(key string) ([]byte, bool, error) {
	var value []byte
	var found bool

	err := c.db.View(func(tx *bbolt.Tx) error {
		record := tx.Bucket(bucketName).Get([]byte(key))
		if len(record) < 8 {
			return nil
		}
		if c.ttl > 0 {
			storedAt := time.Unix(0, int64(binary.BigEndian.Uint64(record)))
			if c.clock().Sub(storedAt) > c.ttl {
				return nil
			}
		}
		value = make([]byte, len(record)-8)
		copy(value, record[8:])
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// Close releases the underlying file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Serve builds a resilience fallback that answers with the last cached
// value for key, and propagates the original failure on a cache miss.
func Serve(cache *Cache, key string) resilience.Fallback {
	return func(_ context.Context, cause error) (any, error) {
		value, ok, err := cache.Load(key)
		if err != nil || !ok {
			return nil, cause
		}
		return value, nil
	}
}
