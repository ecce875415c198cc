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

	"github.com/tochemey/fleetkv/kv"
	"github.com/tochemey/fleetkv/resilience"
)

// Transaction verbs of the agent's /v1/txn endpoint.
const (
	verbSet        = "set"
	verbCAS        = "cas"
	verbDelete     = "delete"
	verbDeleteCAS  = "delete-cas"
	verbDeleteTree = "delete-tree"
)

// txnKVOp is one KV operation inside a transaction request.
type txnKVOp struct {
	Verb  string
	Key   string
	Value []byte `json:",omitempty"`
	Flags uint64 `json:",omitempty"`
	Index uint64 `json:",omitempty"`
}

type txnOp struct {
	KV *txnKVOp
}

type txnResult struct {
	KV *kvPair
}

type txnError struct {
	OpIndex int
	What    string
}

type txnResponseBody struct {
	Results []txnResult
	Errors  []txnError
}

// Txn submits ops as a single atomic transaction. On success every flag is
// true; when any precondition fails the agent rolls the whole batch back,
// every flag is false and the error is a *kv.TxnFailedError with the
// per-operation detail.
//
// A transport failure after the request left is ambiguous: the batch may
// have committed with only the verdict lost. A blind replay of a committed
// batch would fail its CAS guards and report a rollback for writes that
// landed, so the transaction is never retried unless the caller marked it
// kv.WithRetrySafe.
func (s *Store) Txn(ctx context.Context, ops []kv.Operation, opts ...kv.WriteOption) ([]bool, error) {
	if s.closed.Load() {
		return nil, kv.ErrStoreClosed
	}
	if len(ops) == 0 {
		return nil, nil
	}
	w := kv.NewWriteOptions(opts...)

	body, err := encodeTxn(ops)
	if err != nil {
		return nil, err
	}

	params := writeParams(w)
	if w.Datacenter == "" && s.config.Datacenter != "" {
		params.Set("dc", s.config.Datacenter)
	}

	work := func(ctx context.Context) (any, error) {
		return s.txnRoundTrip(ctx, body, params, w)
	}

	var decorated resilience.UnitOfWork
	if w.RetrySafe {
		decorated = s.registry.Decorate(Upstream, work, nil)
	} else {
		decorated = s.registry.DecorateWithoutRetry(Upstream, work, nil)
	}
	result, err := decorated(ctx)
	if err != nil {
		return nil, err
	}

	response, _ := result.(*kv.TxnResponse)
	if !response.Success {
		failed := &kv.TxnFailedError{Errors: response.Errors}
		return make([]bool, len(ops)), failed
	}
	return successFlags(len(ops)), nil
}

// encodeTxn translates the portable operations into the agent's wire form.
func encodeTxn(ops []kv.Operation) ([]byte, error) {
	wire := make([]txnOp, 0, len(ops))
	for i, op := range ops {
		switch o := op.(type) {
		case *kv.SetOp:
			kvOp := &txnKVOp{Verb: verbSet, Key: o.Key, Value: o.Value, Flags: o.Flags}
			if o.CAS != nil {
				kvOp.Verb = verbCAS
				kvOp.Index = *o.CAS
			}
			wire = append(wire, txnOp{KV: kvOp})
		case *kv.DeleteOp:
			kvOp := &txnKVOp{Verb: verbDelete, Key: o.Key}
			switch {
			case o.Recurse:
				kvOp.Verb = verbDeleteTree
			case o.CAS != nil:
				kvOp.Verb = verbDeleteCAS
				kvOp.Index = *o.CAS
			}
			wire = append(wire, txnOp{KV: kvOp})
		default:
			return nil, fmt.Errorf("transaction operation %d has unsupported type %T", i, op)
		}
	}
	return json.Marshal(wire)
}

// txnRoundTrip executes the transaction request and parses the outcome. A
// 409 carries the same body shape as a 200 and means the batch was rolled
// back.
func (s *Store) txnRoundTrip(ctx context.Context, body []byte, params url.Values, w *kv.WriteOptions) (*kv.TxnResponse, error) {
	timeout := w.Timeout
	if timeout == 0 {
		timeout = s.config.Timeout
	}
	ctx, cancel := callContext(ctx, timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodPut, txnPath, params, bytes.NewReader(body), w.Token)
	if err != nil {
		return nil, err
	}

	resp, err := s.roundTrip(s.client, req)
	if err != nil {
		return nil, err
	}
	respBody, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
	default:
		return nil, fmt.Errorf("%w: unexpected status %d: %s", kv.ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded txnResponseBody
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding transaction response: %v", kv.ErrBackendUnavailable, err)
	}

	response := &kv.TxnResponse{
		Success: resp.StatusCode == http.StatusOK && len(decoded.Errors) == 0,
	}
	for _, e := range decoded.Errors {
		response.Errors = append(response.Errors, kv.TxnError{OpIndex: e.OpIndex, What: e.What})
	}
	for _, result := range decoded.Results {
		if result.KV == nil {
			continue
		}
		index := result.KV.ModifyIndex
		if index == 0 {
			index = result.KV.CreateIndex
		}
		response.Results = append(response.Results, kv.OpResult{
			Key:         result.KV.Key,
			Success:     true,
			ModifyIndex: index,
		})
	}
	return response, nil
}

func successFlags(n int) []bool {
	flags := make([]bool, n)
	for i := range flags {
		flags[i] = true
	}
	return flags
}
