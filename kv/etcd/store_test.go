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

package etcd

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry(t *testing.T) {
	t.Run("With plain pair", func(t *testing.T) {
		e := entry(&mvccpb.KeyValue{
			Key:            []byte("apps/billing/kv/limit"),
			Value:          []byte("100"),
			CreateRevision: 7,
			ModRevision:    12,
		})
		assert.Equal(t, "apps/billing/kv/limit", e.Key)
		assert.Equal(t, []byte("100"), e.Value)
		assert.EqualValues(t, 7, e.CreateIndex)
		assert.EqualValues(t, 12, e.ModifyIndex)
		assert.Empty(t, e.Session)
		assert.Zero(t, e.LockIndex)
	})
	t.Run("With leased pair carrying the session", func(t *testing.T) {
		e := entry(&mvccpb.KeyValue{
			Key:   []byte("locks/leader"),
			Lease: 0x7f3a,
		})
		assert.Equal(t, leaseString(clientv3.LeaseID(0x7f3a)), e.Session)
		assert.EqualValues(t, 1, e.LockIndex)
	})
}

func TestLeaseString(t *testing.T) {
	t.Run("With round trip", func(t *testing.T) {
		id := clientv3.LeaseID(0x694d7e2b8c31)
		parsed, err := parseLease(leaseString(id))
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})
	t.Run("With invalid lock id", func(t *testing.T) {
		_, err := parseLease("not-a-lease")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid lock id")
	})
}

func TestLeaseSeconds(t *testing.T) {
	assert.EqualValues(t, 15, leaseSeconds(15*time.Second))
	assert.EqualValues(t, 2, leaseSeconds(2500*time.Millisecond))
	// etcd rejects a zero TTL grant
	assert.EqualValues(t, 1, leaseSeconds(200*time.Millisecond))
	assert.EqualValues(t, 1, leaseSeconds(0))
}

func TestListStart(t *testing.T) {
	t.Run("With no cursor starting at the prefix", func(t *testing.T) {
		assert.Equal(t, "cfg/", listStart("cfg/", ""))
	})
	t.Run("With cursor resuming right after it", func(t *testing.T) {
		assert.Equal(t, "cfg/b\x00", listStart("cfg/", "cfg/b"))
	})
	t.Run("With cursor below the prefix clamped", func(t *testing.T) {
		assert.Equal(t, "cfg/", listStart("cfg/", "aaa"))
	})
}

func TestCasCompare(t *testing.T) {
	t.Run("With zero token asserting absence", func(t *testing.T) {
		cmp := casCompare("k", 0)
		assert.Equal(t, etcdserverpb.Compare_CREATE, cmp.Target)
	})
	t.Run("With non-zero token asserting the revision", func(t *testing.T) {
		cmp := casCompare("k", 42)
		assert.Equal(t, etcdserverpb.Compare_MOD, cmp.Target)
	})
}

func TestWrapErr(t *testing.T) {
	t.Run("With nil error", func(t *testing.T) {
		assert.NoError(t, wrapErr(context.TODO(), nil))
	})
	t.Run("With cancelled context taking precedence", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.TODO())
		cancel()
		err := wrapErr(ctx, errors.New("rpc error"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConfig(t *testing.T) {
	t.Run("With defaults applied", func(t *testing.T) {
		config := new(Config)
		config.Sanitize()
		require.NoError(t, config.Validate())
		assert.Equal(t, []string{"127.0.0.1:2379"}, config.Endpoints)
		assert.Equal(t, 5*time.Second, config.DialTimeout)
		assert.Equal(t, 10*time.Second, config.Timeout)
		assert.Equal(t, time.Second, config.WatchBackoff)
		assert.Equal(t, 15*time.Second, config.SessionTTL)
		assert.NotNil(t, config.Resilience)
		assert.NotNil(t, config.Logger)
	})
	t.Run("With sub-second session ttl rejected", func(t *testing.T) {
		config := &Config{SessionTTL: 200 * time.Millisecond}
		config.Sanitize()
		err := config.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SessionTTL")
	})
}
