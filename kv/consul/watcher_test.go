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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tochemey/fleetkv/internal/pause"
	"github.com/tochemey/fleetkv/kv"
)

// watchEvent is one recorded handler notification.
type watchEvent struct {
	kind  string
	key   string
	value string
}

// recordingHandler collects notifications for assertions.
type recordingHandler struct {
	mu     sync.Mutex
	events []watchEvent
	errs   []error
}

func (h *recordingHandler) OnPut(entry *kv.Entry) {
	h.mu.Lock()
	h.events = append(h.events, watchEvent{kind: "put", key: entry.Key, value: string(entry.Value)})
	h.mu.Unlock()
}

func (h *recordingHandler) OnDelete(key string, _ uint64) {
	h.mu.Lock()
	h.events = append(h.events, watchEvent{kind: "delete", key: key})
	h.mu.Unlock()
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() []watchEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]watchEvent(nil), h.events...)
}

// waitFor polls until predicate holds or the deadline lapses.
func waitFor(t *testing.T, predicate func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWatchPrefix(t *testing.T) {
	t.Run("With baseline and live changes", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		require.NoError(t, store.Put(ctx, "cfg/existing", []byte("v0")))

		handler := new(recordingHandler)
		require.NoError(t, store.WatchPrefix("cfg/", handler))

		// the baseline sync delivers pre-existing entries
		waitFor(t, func() bool { return len(handler.snapshot()) >= 1 })
		first := handler.snapshot()[0]
		assert.Equal(t, "put", first.kind)
		assert.Equal(t, "cfg/existing", first.key)

		require.NoError(t, store.Put(ctx, "cfg/added", []byte("v1")))
		waitFor(t, func() bool {
			for _, ev := range handler.snapshot() {
				if ev.kind == "put" && ev.key == "cfg/added" {
					return true
				}
			}
			return false
		})

		_, err := store.Delete(ctx, "cfg/existing")
		require.NoError(t, err)
		waitFor(t, func() bool {
			for _, ev := range handler.snapshot() {
				if ev.kind == "delete" && ev.key == "cfg/existing" {
					return true
				}
			}
			return false
		})
	})
	t.Run("With duplicate watch as warned no-op", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)

		handler := new(recordingHandler)
		require.NoError(t, store.WatchPrefix("cfg/", handler))
		require.NoError(t, store.WatchPrefix("cfg/", handler))
		assert.True(t, store.UnwatchPrefix("cfg/"))
		assert.False(t, store.UnwatchPrefix("cfg/"))
	})
	t.Run("With unwatch stopping notifications", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)
		ctx := context.TODO()

		handler := new(recordingHandler)
		require.NoError(t, store.WatchPrefix("cfg/", handler))
		require.True(t, store.UnwatchPrefix("cfg/"))

		require.NoError(t, store.Put(ctx, "cfg/late", []byte("v")))
		pause.For(150 * time.Millisecond)
		for _, ev := range handler.snapshot() {
			assert.NotEqual(t, "cfg/late", ev.key)
		}
	})
	t.Run("With degraded watch reporting errors and recovering", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)

		handler := new(recordingHandler)
		require.NoError(t, store.WatchPrefix("cfg/", handler))

		// break the transport underneath the watch loop
		agent.srv.CloseClientConnections()

		// the loop keeps polling: a later write still lands
		require.NoError(t, store.Put(context.TODO(), "cfg/after", []byte("v")))
		waitFor(t, func() bool {
			for _, ev := range handler.snapshot() {
				if ev.key == "cfg/after" {
					return true
				}
			}
			return false
		})
	})
	t.Run("With close stopping every watch", func(t *testing.T) {
		agent := newFakeAgent(t)
		store := newTestStore(t, agent)

		handler := new(recordingHandler)
		require.NoError(t, store.WatchPrefix("a/", handler))
		require.NoError(t, store.WatchPrefix("b/", handler))

		require.NoError(t, store.Close())
		assert.False(t, store.UnwatchPrefix("a/"))
	})
}
