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
	"time"

	"github.com/tochemey/fleetkv/kv"
)

// watcher runs the long-poll loop for one prefix.
type watcher struct {
	prefix  string
	handler kv.WatchHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *watcher) stop() {
	w.cancel()
	<-w.done
}

// WatchPrefix starts a background blocking-query loop notifying handler of
// every change under prefix. Watching an already watched prefix is a no-op
// with a warning. The loop survives backend failures: it reports them
// through handler.OnError, backs off and resumes.
func (s *Store) WatchPrefix(prefix string, handler kv.WatchHandler) error {
	if s.closed.Load() {
		return kv.ErrStoreClosed
	}

	ctx, cancel := context.WithCancel(s.ctx)
	w := &watcher{
		prefix:  prefix,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if _, loaded := s.watchers.GetOrSet(prefix, w); loaded {
		cancel()
		close(w.done)
		s.logger.Warnf("prefix=%s is already watched", prefix)
		return nil
	}

	go s.watchLoop(ctx, w)
	return nil
}

// UnwatchPrefix cancels the watch on prefix and reports whether one was
// active. It returns once the watch goroutine has unwound.
func (s *Store) UnwatchPrefix(prefix string) bool {
	w, loaded := s.watchers.GetAndDelete(prefix)
	if !loaded {
		return false
	}
	w.stop()
	return true
}

// watchLoop long-polls the prefix past the last seen index and diffs each
// snapshot against the previous one. The first iteration is a baseline
// sync: every existing entry is delivered through OnPut.
func (s *Store) watchLoop(ctx context.Context, w *watcher) {
	defer close(w.done)

	var index uint64
	known := make(map[string]uint64)

	for {
		if ctx.Err() != nil {
			return
		}

		q := &kv.QueryOptions{
			Datacenter: s.config.Datacenter,
			Index:      index,
			Wait:       s.config.WaitTime,
		}

		entries, err := s.watchPoll(ctx, w.prefix, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.handler.OnError(err)
			s.pause(ctx, s.config.WatchBackoff)
			continue
		}

		newIndex := q.Index
		// The agent guarantees the index only moves forward within one
		// watch; a smaller index means the backing raft store was reset
		// and the whole snapshot must be re-read from scratch.
		if newIndex < index {
			index = 0
			continue
		}
		if newIndex == index {
			continue
		}

		seen := make(map[string]uint64, len(entries))
		for _, entry := range entries {
			seen[entry.Key] = entry.ModifyIndex
			if previous, ok := known[entry.Key]; !ok || previous != entry.ModifyIndex {
				w.handler.OnPut(entry)
			}
		}
		for key := range known {
			if _, ok := seen[key]; !ok {
				w.handler.OnDelete(key, newIndex)
			}
		}

		known = seen
		index = newIndex
	}
}

// watchPoll issues one blocking list through the resilience registry. The
// retrying decorator is deliberately skipped: the loop is its own retry,
// with OnError visibility and a fixed backoff.
func (s *Store) watchPoll(ctx context.Context, prefix string, q *kv.QueryOptions) ([]*kv.Entry, error) {
	work := func(ctx context.Context) (any, error) {
		entries, newIndex, err := s.kvList(ctx, s.watchClient, prefix, q)
		if err != nil {
			return nil, err
		}
		q.Index = newIndex
		return entries, nil
	}
	result, err := s.registry.DecorateWithoutRetry(Upstream, work, nil)(ctx)
	if err != nil {
		return nil, err
	}
	entries, _ := result.([]*kv.Entry)
	return entries, nil
}

// pause sleeps for d unless ctx unwinds first.
func (s *Store) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
