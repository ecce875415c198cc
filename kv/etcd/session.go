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
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tochemey/fleetkv/kv"
)

// leaseSeconds converts a TTL to the whole seconds etcd leases require.
func leaseSeconds(ttl time.Duration) int64 {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// AcquireLock attempts to win the lock at lockKey without blocking. The
// lock key is created under a fresh lease and only when it does not exist
// yet; the returned lock id is the lease id. The lock evaporates with the
// lease after ttl unless released first.
func (s *Store) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	if s.closed.Load() {
		return "", kv.ErrStoreClosed
	}
	if ttl == 0 {
		ttl = s.config.SessionTTL
	}

	work := func(ctx context.Context) (any, error) {
		ctx, cancel := s.callContext(ctx, 0)
		defer cancel()

		grant, err := s.client.Grant(ctx, leaseSeconds(ttl))
		if err != nil {
			return nil, wrapErr(ctx, err)
		}

		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(lockKey), "=", 0)).
			Then(clientv3.OpPut(lockKey, "", clientv3.WithLease(grant.ID))).
			Commit()
		if err != nil {
			s.revokeQuietly(grant.ID)
			return nil, wrapErr(ctx, err)
		}
		if !resp.Succeeded {
			// lost the race; a dangling lease would pin cluster state
			s.revokeQuietly(grant.ID)
			return nil, kv.ErrLockContention
		}
		return leaseString(grant.ID), nil
	}

	result, err := s.registry.DecorateWithoutRetry(Upstream, work, nil)(ctx)
	if err != nil {
		return "", err
	}
	lockID, _ := result.(string)
	return lockID, nil
}

// ReleaseLock revokes the lease behind lockID, which deletes the lock key
// with it. When the revoke fails the release reports false and the lease
// TTL remains the safety net against the lock being held forever.
func (s *Store) ReleaseLock(ctx context.Context, lockKey string, lockID string) (bool, error) {
	if s.closed.Load() {
		return false, kv.ErrStoreClosed
	}
	leaseID, err := parseLease(lockID)
	if err != nil {
		return false, err
	}

	work := func(ctx context.Context) (any, error) {
		ctx, cancel := s.callContext(ctx, 0)
		defer cancel()

		complete := true
		if _, err := s.client.Delete(ctx, lockKey); err != nil {
			s.logger.Warnf("failed to delete lock key=%s: %v", lockKey, err)
			complete = false
		}
		if _, err := s.client.Revoke(ctx, leaseID); err != nil {
			s.logger.Warnf("failed to revoke lock lease=%s: %v", lockID, err)
			complete = false
		}
		return complete, nil
	}

	result, err := s.registry.DecorateWithoutRetry(Upstream, work, nil)(ctx)
	if err != nil {
		return false, err
	}
	complete, _ := result.(bool)
	return complete, nil
}

// PutEphemeral writes a liveness-bound key under a fresh lease and starts
// a keepalive stream refreshing it. The key disappears when the keepalive
// stops or the process dies.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	if s.closed.Load() {
		return "", kv.ErrStoreClosed
	}
	if ttl == 0 {
		ttl = s.config.SessionTTL
	}

	work := func(ctx context.Context) (any, error) {
		ctx, cancel := s.callContext(ctx, 0)
		defer cancel()

		grant, err := s.client.Grant(ctx, leaseSeconds(ttl))
		if err != nil {
			return nil, wrapErr(ctx, err)
		}
		if _, err := s.client.Put(ctx, key, string(value), clientv3.WithLease(grant.ID)); err != nil {
			s.revokeQuietly(grant.ID)
			return nil, wrapErr(ctx, err)
		}
		return grant.ID, nil
	}

	result, err := s.registry.DecorateWithoutRetry(Upstream, work, nil)(ctx)
	if err != nil {
		return "", err
	}
	leaseID, _ := result.(clientv3.LeaseID)

	keeper := s.startKeepalive(key, leaseID)
	if previous, loaded := s.keepalives.GetOrSet(key, keeper); loaded {
		previous.stop()
		s.keepalives.Set(key, keeper)
	}
	return leaseString(leaseID), nil
}

// revokeQuietly best-effort revokes a lease outside the caller's context,
// which may already be cancelled.
func (s *Store) revokeQuietly(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	if _, err := s.client.Revoke(ctx, id); err != nil {
		s.logger.Warnf("failed to revoke lease=%s: %v", leaseString(id), err)
	}
}

// keepalive drains one lease keepalive stream until stopped.
type keepalive struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (k *keepalive) stop() {
	k.cancel()
	<-k.done
}

func (s *Store) startKeepalive(key string, id clientv3.LeaseID) *keepalive {
	ctx, cancel := context.WithCancel(s.ctx)
	keeper := &keepalive{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(keeper.done)

		responses, err := s.client.KeepAlive(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warnf("keepalive for key=%s lease=%s failed to start: %v", key, leaseString(id), err)
			}
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-responses:
				if !ok {
					// the stream closed; the lease will expire on its own
					if ctx.Err() == nil {
						s.logger.Warnf("keepalive for key=%s lease=%s ended", key, leaseString(id))
					}
					return
				}
			}
		}
	}()
	return keeper
}
