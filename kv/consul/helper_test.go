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
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"

	"github.com/tochemey/fleetkv/fallback"
	"github.com/tochemey/fleetkv/log"
	"github.com/tochemey/fleetkv/resilience"
)

// fakePair is one stored key inside the fake agent.
type fakePair struct {
	value       []byte
	createIndex uint64
	modifyIndex uint64
	lockIndex   uint64
	flags       uint64
	session     string
}

// fakeAgent is an in-memory stand-in for the Consul agent HTTP API. It
// implements the slices of the KV, transaction and session endpoints the
// adapter depends on, including blocking queries and CAS verdicts.
type fakeAgent struct {
	mu       sync.Mutex
	data     map[string]*fakePair
	sessions map[string]struct{}
	index    uint64
	requests int
	dropping int

	srv *httptest.Server
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	agent := &fakeAgent{
		data:     make(map[string]*fakePair),
		sessions: make(map[string]struct{}),
		index:    1,
	}

	ports := dynaport.Get(1)
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", ports[0]))
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(agent.handle))
	require.NoError(t, srv.Listener.Close())
	srv.Listener = listener
	srv.Start()

	agent.srv = srv
	t.Cleanup(srv.Close)
	return agent
}

func (a *fakeAgent) address() string {
	return strings.TrimPrefix(a.srv.URL, "http://")
}

// entries returns the stored pairs under prefix in key order.
func (a *fakeAgent) entries(prefix string) []kvPair {
	keys := make([]string, 0, len(a.data))
	for key := range a.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	pairs := make([]kvPair, 0, len(keys))
	for _, key := range keys {
		p := a.data[key]
		pairs = append(pairs, kvPair{
			Key:         key,
			Value:       p.value,
			CreateIndex: p.createIndex,
			ModifyIndex: p.modifyIndex,
			LockIndex:   p.lockIndex,
			Flags:       p.flags,
			Session:     p.session,
		})
	}
	return pairs
}

func (a *fakeAgent) currentIndex() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index
}

// dropResponses makes the agent handle the next n requests normally but
// sever the connection instead of answering, simulating lost responses.
func (a *fakeAgent) dropResponses(n int) {
	a.mu.Lock()
	a.dropping = n
	a.mu.Unlock()
}

// requestCount reports how many requests the agent has seen.
func (a *fakeAgent) requestCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

func (a *fakeAgent) takeDrop() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	if a.dropping == 0 {
		return false
	}
	a.dropping--
	return true
}

func (a *fakeAgent) handle(w http.ResponseWriter, r *http.Request) {
	if a.takeDrop() {
		// apply the request, then lose the response on the wire
		a.route(httptest.NewRecorder(), r)
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		panic("fake agent cannot hijack the connection")
	}
	a.route(w, r)
}

func (a *fakeAgent) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, kvPath):
		a.handleKV(w, r, strings.TrimPrefix(r.URL.Path, kvPath))
	case r.URL.Path == txnPath:
		a.handleTxn(w, r)
	case strings.HasPrefix(r.URL.Path, sessionPath):
		a.handleSession(w, r, strings.TrimPrefix(r.URL.Path, sessionPath))
	default:
		http.NotFound(w, r)
	}
}

func (a *fakeAgent) handleKV(w http.ResponseWriter, r *http.Request, key string) {
	switch r.Method {
	case http.MethodGet:
		a.handleGet(w, r, key)
	case http.MethodPut:
		a.handlePut(w, r, key)
	case http.MethodDelete:
		a.handleDelete(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *fakeAgent) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	query := r.URL.Query()

	// a blocking query holds until the index moves past the given one
	if raw := query.Get("index"); raw != "" {
		reqIndex, _ := strconv.ParseUint(raw, 10, 64)
		wait := 200 * time.Millisecond
		if rawWait := query.Get("wait"); rawWait != "" {
			if parsed, err := time.ParseDuration(rawWait); err == nil {
				wait = parsed
			}
		}
		deadline := time.Now().Add(wait)
		for reqIndex > 0 && a.currentIndex() <= reqIndex && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	w.Header().Set(indexHeader, strconv.FormatUint(a.index, 10))

	if query.Get("recurse") != "" {
		pairs := a.entries(key)
		if len(pairs) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(pairs)
		return
	}

	pairs := a.entries(key)
	for i := range pairs {
		if pairs[i].Key == key {
			_ = json.NewEncoder(w).Encode([]kvPair{pairs[i]})
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (a *fakeAgent) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	query := r.URL.Query()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	existing := a.data[key]

	if raw := query.Get("cas"); raw != "" {
		cas, _ := strconv.ParseUint(raw, 10, 64)
		if cas == 0 && existing != nil {
			fmt.Fprint(w, "false")
			return
		}
		if cas != 0 && (existing == nil || existing.modifyIndex != cas) {
			fmt.Fprint(w, "false")
			return
		}
	}

	if session := query.Get("acquire"); session != "" {
		if _, ok := a.sessions[session]; !ok {
			fmt.Fprint(w, "false")
			return
		}
		if existing != nil && existing.session != "" && existing.session != session {
			fmt.Fprint(w, "false")
			return
		}
		a.storeLocked(key, body, query)
		pair := a.data[key]
		pair.session = session
		pair.lockIndex++
		fmt.Fprint(w, "true")
		return
	}

	if session := query.Get("release"); session != "" {
		if existing == nil || existing.session != session {
			fmt.Fprint(w, "false")
			return
		}
		existing.session = ""
		a.index++
		existing.modifyIndex = a.index
		fmt.Fprint(w, "true")
		return
	}

	a.storeLocked(key, body, query)
	fmt.Fprint(w, "true")
}

func (a *fakeAgent) storeLocked(key string, value []byte, query map[string][]string) {
	a.index++
	pair := a.data[key]
	if pair == nil {
		pair = &fakePair{createIndex: a.index}
		a.data[key] = pair
	}
	pair.value = value
	pair.modifyIndex = a.index
	if raw, ok := query["flags"]; ok && len(raw) > 0 {
		pair.flags, _ = strconv.ParseUint(raw[0], 10, 64)
	}
}

func (a *fakeAgent) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	query := r.URL.Query()

	a.mu.Lock()
	defer a.mu.Unlock()

	if raw := query.Get("cas"); raw != "" {
		cas, _ := strconv.ParseUint(raw, 10, 64)
		existing := a.data[key]
		if existing == nil || existing.modifyIndex != cas {
			fmt.Fprint(w, "false")
			return
		}
		delete(a.data, key)
		a.index++
		fmt.Fprint(w, "true")
		return
	}

	if query.Get("recurse") != "" {
		for stored := range a.data {
			if strings.HasPrefix(stored, key) {
				delete(a.data, stored)
			}
		}
		a.index++
		fmt.Fprint(w, "true")
		return
	}

	delete(a.data, key)
	a.index++
	fmt.Fprint(w, "true")
}

func (a *fakeAgent) handleTxn(w http.ResponseWriter, r *http.Request) {
	var ops []txnOp
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// validate every guard before touching anything
	var failures []txnError
	for i, op := range ops {
		kvOp := op.KV
		existing := a.data[kvOp.Key]
		switch kvOp.Verb {
		case verbCAS:
			if kvOp.Index == 0 && existing != nil {
				failures = append(failures, txnError{OpIndex: i, What: "key exists"})
			}
			if kvOp.Index != 0 && (existing == nil || existing.modifyIndex != kvOp.Index) {
				failures = append(failures, txnError{OpIndex: i, What: "index mismatch"})
			}
		case verbDeleteCAS:
			if existing == nil || existing.modifyIndex != kvOp.Index {
				failures = append(failures, txnError{OpIndex: i, What: "index mismatch"})
			}
		case verbSet, verbDelete, verbDeleteTree:
		default:
			failures = append(failures, txnError{OpIndex: i, What: "unknown verb"})
		}
	}

	if len(failures) > 0 {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(txnResponseBody{Errors: failures})
		return
	}

	a.index++
	var results []txnResult
	for _, op := range ops {
		kvOp := op.KV
		switch kvOp.Verb {
		case verbSet, verbCAS:
			pair := a.data[kvOp.Key]
			if pair == nil {
				pair = &fakePair{createIndex: a.index}
				a.data[kvOp.Key] = pair
			}
			pair.value = kvOp.Value
			pair.flags = kvOp.Flags
			pair.modifyIndex = a.index
			results = append(results, txnResult{KV: &kvPair{
				Key:         kvOp.Key,
				CreateIndex: pair.createIndex,
				ModifyIndex: pair.modifyIndex,
				Flags:       pair.flags,
			}})
		case verbDelete, verbDeleteCAS:
			delete(a.data, kvOp.Key)
		case verbDeleteTree:
			for stored := range a.data {
				if strings.HasPrefix(stored, kvOp.Key) {
					delete(a.data, stored)
				}
			}
		}
	}
	_ = json.NewEncoder(w).Encode(txnResponseBody{Results: results})
}

func (a *fakeAgent) handleSession(w http.ResponseWriter, r *http.Request, action string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case action == "create":
		id := uuid.NewString()
		a.sessions[id] = struct{}{}
		_ = json.NewEncoder(w).Encode(sessionCreateResponse{ID: id})
	case strings.HasPrefix(action, "destroy/"):
		id := strings.TrimPrefix(action, "destroy/")
		delete(a.sessions, id)
		// behavior=delete removes every key the session held
		for key, pair := range a.data {
			if pair.session == id {
				delete(a.data, key)
				a.index++
			}
		}
		fmt.Fprint(w, "true")
	case strings.HasPrefix(action, "renew/"):
		id := strings.TrimPrefix(action, "renew/")
		if _, ok := a.sessions[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "[]")
	default:
		http.NotFound(w, r)
	}
}

// sessionCount reports the live sessions registered with the agent.
func (a *fakeAgent) sessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// newTestStore builds a store wired to the fake agent with quiet logging
// and a permissive retry budget.
func newTestStore(t *testing.T, agent *fakeAgent) *Store {
	t.Helper()
	return newTestStoreWithCache(t, agent, nil)
}

// newTestStoreWithCache is newTestStore with a last-good fallback cache.
func newTestStoreWithCache(t *testing.T, agent *fakeAgent, cache *fallback.Cache) *Store {
	t.Helper()
	store, err := NewStore(&Config{
		Address:      agent.address(),
		Timeout:      2 * time.Second,
		WaitTime:     100 * time.Millisecond,
		WatchBackoff: 10 * time.Millisecond,
		SessionTTL:   10 * time.Second,
		Resilience: resilience.NewRegistry(
			resilience.WithLogger(log.DiscardLogger),
			resilience.WithMaxRetryPercentage(1.0),
			resilience.WithRetry(2, time.Millisecond, 5*time.Millisecond),
		),
		Fallback: cache,
		Logger:   log.DiscardLogger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}
