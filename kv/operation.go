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

package kv

// Operation is one logical mutation inside an atomic transaction batch.
// The set of implementations is closed: SetOp and DeleteOp. Backends switch
// over the concrete type to render the wire verb, so adding a variant is a
// deliberate cross-backend change, not an extension point.
type Operation interface {
	// OpKey returns the key the operation targets.
	OpKey() string
	// HasCAS reports whether the operation carries a compare-and-swap index.
	HasCAS() bool

	sealed()
}

// SetOp writes a value, optionally guarded by a CAS index.
type SetOp struct {
	// Key is the target key path.
	Key string
	// Value is the raw value to store.
	Value []byte
	// Flags is opaque caller-owned metadata stored with the entry.
	Flags uint64
	// CAS, when non-nil, makes the write conditional on the stored
	// ModifyIndex still matching.
	CAS *uint64
}

// DeleteOp removes a key, optionally guarded by a CAS index.
type DeleteOp struct {
	// Key is the target key path.
	Key string
	// CAS, when non-nil, makes the delete conditional on the stored
	// ModifyIndex still matching.
	CAS *uint64
	// Recurse deletes every key under the given prefix.
	Recurse bool
}

var (
	_ Operation = (*SetOp)(nil)
	_ Operation = (*DeleteOp)(nil)
)

// OpKey returns the key the operation targets.
func (o *SetOp) OpKey() string { return o.Key }

// HasCAS reports whether the operation carries a compare-and-swap index.
func (o *SetOp) HasCAS() bool { return o.CAS != nil }

func (o *SetOp) sealed() {}

// OpKey returns the key the operation targets.
func (o *DeleteOp) OpKey() string { return o.Key }

// HasCAS reports whether the operation carries a compare-and-swap index.
func (o *DeleteOp) HasCAS() bool { return o.CAS != nil }

func (o *DeleteOp) sealed() {}

// OpResult describes the outcome of a single transaction operation.
type OpResult struct {
	// Key is the key the operation targeted.
	Key string
	// Success reports whether the operation applied.
	Success bool
	// ModifyIndex is the post-transaction index of the key, when the
	// backend echoes one.
	ModifyIndex uint64
	// Message carries backend detail, if any.
	Message string
}

// TxnError points at a single violated operation inside a failed batch.
type TxnError struct {
	// OpIndex is the zero-based index of the failing operation in the
	// submitted batch.
	OpIndex int
	// What describes the violation.
	What string
}

// TxnResponse is the parsed outcome of an atomic transaction batch.
//
// On Success the backend applied every operation; Results then carries one
// entry per result-producing operation (deletes generally do not echo a
// result) with post-transaction indexes. On failure the whole batch was
// rolled back and Errors carries one TxnError per violated operation.
type TxnResponse struct {
	Success bool
	Results []OpResult
	Errors  []TxnError
}

// Index returns a pointer to v, for building CAS-guarded operations inline.
func Index(v uint64) *uint64 { return &v }
