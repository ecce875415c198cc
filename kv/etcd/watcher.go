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

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tochemey/fleetkv/kv"
)

// watcher runs the watch stream for one prefix.
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

// WatchPrefix starts a background watch stream notifying handler of every
// change under prefix. Watching an already watched prefix is a no-op with
// a warning. The stream survives failures and compactions: it reports them
// through handler.OnError, backs off, re-reads the baseline and resumes.
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

// watchLoop reads the current snapshot as a baseline, delivers it through
// OnPut, then streams changes past the snapshot revision.
func (s *Store) watchLoop(ctx context.Context, w *watcher) {
	defer close(w.done)

	for {
		if ctx.Err() != nil {
			return
		}

		rev, err := s.baseline(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.handler.OnError(err)
			s.pause(ctx, s.config.WatchBackoff)
			continue
		}

		if !s.stream(ctx, w, rev+1) {
			return
		}
		// the stream broke; back off and rebuild from a fresh baseline
		s.pause(ctx, s.config.WatchBackoff)
	}
}

// baseline reads the full snapshot under the prefix and returns its revision.
func (s *Store) baseline(ctx context.Context, w *watcher) (int64, error) {
	ctx, cancel := s.callContext(ctx, 0)
	defer cancel()

	resp, err := s.client.Get(ctx, w.prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return 0, wrapErr(ctx, err)
	}
	for _, pair := range resp.Kvs {
		w.handler.OnPut(entry(pair))
	}
	return resp.Header.Revision, nil
}

// stream consumes the watch channel from rev onward. It returns false when
// the loop should terminate, true when the stream broke and a new baseline
// is needed.
func (s *Store) stream(ctx context.Context, w *watcher, rev int64) bool {
	watchCh := s.client.Watch(ctx, w.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))

	for {
		select {
		case <-ctx.Done():
			return false
		case resp, ok := <-watchCh:
			if !ok {
				return ctx.Err() == nil
			}
			if err := resp.Err(); err != nil {
				w.handler.OnError(wrapErr(ctx, err))
				return ctx.Err() == nil
			}
			for _, event := range resp.Events {
				switch event.Type {
				case mvccpb.PUT:
					w.handler.OnPut(entry(event.Kv))
				case mvccpb.DELETE:
					w.handler.OnDelete(string(event.Kv.Key), uint64(event.Kv.ModRevision))
				}
			}
		}
	}
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
