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
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tochemey/fleetkv/kv"
)

const (
	kvPath      = "/v1/kv/"
	txnPath     = "/v1/txn"
	sessionPath = "/v1/session/"

	tokenHeader = "X-Consul-Token"
	indexHeader = "X-Consul-Index"
)

// kvPair mirrors the agent's KV JSON object. Value is base64 on the wire;
// encoding/json decodes it into raw bytes.
type kvPair struct {
	Key         string
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
	Flags       uint64
	Value       []byte
	Session     string
}

func (p *kvPair) entry() *kv.Entry {
	return &kv.Entry{
		Key:         p.Key,
		Value:       p.Value,
		CreateIndex: p.CreateIndex,
		ModifyIndex: p.ModifyIndex,
		Flags:       p.Flags,
		LockIndex:   p.LockIndex,
		Session:     p.Session,
	}
}

// newRequest builds an agent request. token overrides the store default
// when non-empty.
func (s *Store) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader, token string) (*http.Request, error) {
	u := url.URL{
		Scheme:   s.config.Scheme,
		Host:     s.config.Address,
		Path:     path,
		RawQuery: query.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}

	if token == "" {
		token = s.config.Token
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	return req, nil
}

// roundTrip executes the request, translating transport failures into
// kv.ErrBackendUnavailable so the resilience layer can classify them.
func (s *Store) roundTrip(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, fmt.Errorf("%w: %v", kv.ErrBackendUnavailable, err)
	}
	return resp, nil
}

// readBody drains and closes the response body.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", kv.ErrBackendUnavailable, err)
	}
	return body, nil
}

// queryParams renders the recognized query options into agent parameters.
func queryParams(q *kv.QueryOptions) url.Values {
	params := url.Values{}
	if q == nil {
		return params
	}
	if q.Datacenter != "" {
		params.Set("dc", q.Datacenter)
	}
	switch q.Consistency {
	case kv.ConsistencyStrong:
		params.Set("consistent", "")
	case kv.ConsistencyStale:
		params.Set("stale", "")
	case kv.ConsistencyDefault:
	}
	if q.Index > 0 || q.Wait > 0 {
		params.Set("index", strconv.FormatUint(q.Index, 10))
		params.Set("wait", durationParam(q.Wait))
	}
	if q.Filter != "" {
		params.Set("filter", q.Filter)
	}
	if q.Cached {
		params.Set("cached", "")
	}
	return params
}

// durationParam renders a wait duration the way the agent parses it,
// rounded up to the millisecond.
func durationParam(d time.Duration) string {
	if d <= 0 {
		d = 5 * time.Minute
	}
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10) + "ms"
}

// callContext applies the per-call timeout, when one is set.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

// kvGet fetches a single key. Absence yields (nil, nil).
func (s *Store) kvGet(ctx context.Context, key string, q *kv.QueryOptions) (*kv.Entry, error) {
	var token string
	var timeout time.Duration
	if q != nil {
		token = q.Token
		timeout = q.Timeout
	}
	if timeout == 0 {
		timeout = s.config.Timeout
	}
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodGet, kvPath+key, queryParams(q), nil, token)
	if err != nil {
		return nil, err
	}

	resp, err := s.roundTrip(s.client, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		_, _ = readBody(resp)
		return nil, nil
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d: %s", kv.ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pairs []kvPair
	if err := json.Unmarshal(body, &pairs); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", kv.ErrBackendUnavailable, err)
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	return pairs[0].entry(), nil
}

// kvList fetches every key under prefix together with the response index
// used by blocking queries. client selects the plain or long-poll pool.
func (s *Store) kvList(ctx context.Context, client *http.Client, prefix string, q *kv.QueryOptions) ([]*kv.Entry, uint64, error) {
	params := queryParams(q)
	params.Set("recurse", "true")

	var token string
	if q != nil {
		token = q.Token
	}

	req, err := s.newRequest(ctx, http.MethodGet, kvPath+prefix, params, nil, token)
	if err != nil {
		return nil, 0, err
	}

	resp, err := s.roundTrip(client, req)
	if err != nil {
		return nil, 0, err
	}

	index, _ := strconv.ParseUint(resp.Header.Get(indexHeader), 10, 64)

	if resp.StatusCode == http.StatusNotFound {
		_, _ = readBody(resp)
		return nil, index, nil
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("%w: unexpected status %d: %s", kv.ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pairs []kvPair
	if err := json.Unmarshal(body, &pairs); err != nil {
		return nil, 0, fmt.Errorf("%w: decoding response: %v", kv.ErrBackendUnavailable, err)
	}

	entries := make([]*kv.Entry, 0, len(pairs))
	for i := range pairs {
		entries = append(entries, pairs[i].entry())
	}
	return entries, index, nil
}

// kvPut issues a raw value write with the given parameters and returns the
// agent's boolean verdict.
func (s *Store) kvPut(ctx context.Context, key string, value []byte, params url.Values, token string, timeout time.Duration) (bool, error) {
	if timeout == 0 {
		timeout = s.config.Timeout
	}
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodPut, kvPath+key, params, bytes.NewReader(value), token)
	if err != nil {
		return false, err
	}

	resp, err := s.roundTrip(s.client, req)
	if err != nil {
		return false, err
	}
	body, err := readBody(resp)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: unexpected status %d: %s", kv.ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return parseBool(body), nil
}

// kvDelete issues a delete with the given parameters and returns the
// agent's boolean verdict.
func (s *Store) kvDelete(ctx context.Context, key string, params url.Values, token string, timeout time.Duration) (bool, error) {
	if timeout == 0 {
		timeout = s.config.Timeout
	}
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodDelete, kvPath+key, params, nil, token)
	if err != nil {
		return false, err
	}

	resp, err := s.roundTrip(s.client, req)
	if err != nil {
		return false, err
	}
	body, err := readBody(resp)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: unexpected status %d: %s", kv.ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return parseBool(body), nil
}

func parseBool(body []byte) bool {
	return strings.TrimSpace(string(body)) == "true"
}
