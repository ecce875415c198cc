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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tochemey/fleetkv/kv"
)

// sessionBehaviorDelete makes the agent delete every key held by a session
// when the session is invalidated. Both locks and ephemeral keys rely on it.
const sessionBehaviorDelete = "delete"

type sessionCreateRequest struct {
	TTL       string
	Behavior  string
	LockDelay string
}

type sessionCreateResponse struct {
	ID string
}

// sessionCreate registers a new session with the given TTL.
func (s *Store) sessionCreate(ctx context.Context, ttl time.Duration) (string, error) {
	body, err := json.Marshal(sessionCreateRequest{
		TTL:       ttl.String(),
		Behavior:  sessionBehaviorDelete,
		LockDelay: "0s",
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := callContext(ctx, s.config.Timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodPut, sessionPath+"create", url.Values{}, bytes.NewReader(body), "")
	if err != nil {
		return "", err
	}
	resp, err := s.roundTrip(s.client, req)
	if err != nil {
		return "", err
	}
	respBody, err := readBody(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: creating session: status %d: %s", kv.ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var created sessionCreateResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("%w: decoding session: %v", kv.ErrBackendUnavailable, err)
	}
	return created.ID, nil
}

// sessionDestroy invalidates the session, releasing its locks and deleting
// its ephemeral keys.
func (s *Store) sessionDestroy(ctx context.Context, sessionID string) error {
	ctx, cancel := callContext(ctx, s.config.Timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodPut, sessionPath+"destroy/"+sessionID, url.Values{}, nil, "")
	if err != nil {
		return err
	}
	resp, err := s.roundTrip(s.client, req)
	if err != nil {
		return err
	}
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: destroying session: status %d: %s", kv.ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// sessionRenew pushes the session's expiry out by its TTL. A 404 means the
// session already expired.
func (s *Store) sessionRenew(ctx context.Context, sessionID string) error {
	ctx, cancel := callContext(ctx, s.config.Timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodPut, sessionPath+"renew/"+sessionID, url.Values{}, nil, "")
	if err != nil {
		return err
	}
	resp, err := s.roundTrip(s.client, req)
	if err != nil {
		return err
	}
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("session %s expired", sessionID)
	default:
		return fmt.Errorf("%w: renewing session: status %d: %s", kv.ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// AcquireLock attempts to win the lock at lockKey without blocking. The
// returned lock id is the backing session id; the lock evaporates with the
// session after ttl unless released first.
func (s *Store) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	if s.closed.Load() {
		return "", kv.ErrStoreClosed
	}
	if ttl == 0 {
		ttl = s.config.SessionTTL
	}

	work := func(ctx context.Context) (any, error) {
		sessionID, err := s.sessionCreate(ctx, ttl)
		if err != nil {
			return nil, err
		}

		params := url.Values{}
		params.Set("acquire", sessionID)
		won, err := s.kvPut(ctx, lockKey, nil, params, "", 0)
		if err != nil {
			s.destroyQuietly(sessionID)
			return nil, err
		}
		if !won {
			// lost the race; a dangling session would pin agent state
			s.destroyQuietly(sessionID)
			return nil, kv.ErrLockContention
		}
		return sessionID, nil
	}

	result, err := s.registry.DecorateWithoutRetry(Upstream, work, nil)(ctx)
	if err != nil {
		return "", err
	}
	sessionID, _ := result.(string)
	return sessionID, nil
}

// ReleaseLock releases the lock held under lockID and destroys its session.
// When any step fails the release reports false and the session TTL remains
// the safety net against the lock being held forever.
func (s *Store) ReleaseLock(ctx context.Context, lockKey string, lockID string) (bool, error) {
	if s.closed.Load() {
		return false, kv.ErrStoreClosed
	}

	work := func(ctx context.Context) (any, error) {
		complete := true

		params := url.Values{}
		params.Set("release", lockID)
		released, err := s.kvPut(ctx, lockKey, nil, params, "", 0)
		if err != nil || !released {
			s.logger.Warnf("failed to release lock key=%s session=%s: %v", lockKey, lockID, err)
			complete = false
		}

		if _, err := s.kvDelete(ctx, lockKey, url.Values{}, "", 0); err != nil {
			s.logger.Warnf("failed to delete lock key=%s: %v", lockKey, err)
			complete = false
		}

		if err := s.sessionDestroy(ctx, lockID); err != nil {
			s.logger.Warnf("failed to destroy lock session=%s: %v", lockID, err)
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

// PutEphemeral writes a liveness-bound key owned by a fresh session and
// starts a keepalive renewing that session at half its TTL. The key
// disappears when the keepalive stops or the process dies.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	if s.closed.Load() {
		return "", kv.ErrStoreClosed
	}
	if ttl == 0 {
		ttl = s.config.SessionTTL
	}

	work := func(ctx context.Context) (any, error) {
		sessionID, err := s.sessionCreate(ctx, ttl)
		if err != nil {
			return nil, err
		}

		params := url.Values{}
		params.Set("acquire", sessionID)
		ok, err := s.kvPut(ctx, key, value, params, "", 0)
		if err != nil {
			s.destroyQuietly(sessionID)
			return nil, err
		}
		if !ok {
			// another live session owns the key
			s.destroyQuietly(sessionID)
			return nil, kv.ErrLockContention
		}
		return sessionID, nil
	}

	result, err := s.registry.DecorateWithoutRetry(Upstream, work, nil)(ctx)
	if err != nil {
		return "", err
	}
	sessionID, _ := result.(string)

	keeper := s.startKeepalive(key, sessionID, ttl/2)
	if previous, loaded := s.keepalives.GetOrSet(key, keeper); loaded {
		previous.stop()
		s.keepalives.Set(key, keeper)
	}
	return sessionID, nil
}

// destroyQuietly best-effort destroys a session outside the caller's
// context, which may already be cancelled.
func (s *Store) destroyQuietly(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	if err := s.sessionDestroy(ctx, sessionID); err != nil {
		s.logger.Warnf("failed to destroy session=%s: %v", sessionID, err)
	}
}

// keepalive renews one session on a fixed cadence until stopped.
type keepalive struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (k *keepalive) stop() {
	k.cancel()
	<-k.done
}

func (s *Store) startKeepalive(key, sessionID string, interval time.Duration) *keepalive {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(s.ctx)
	keeper := &keepalive{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(keeper.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.sessionRenew(ctx, sessionID); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Warnf("keepalive for key=%s session=%s failed: %v", key, sessionID, err)
				}
			}
		}
	}()
	return keeper
}
