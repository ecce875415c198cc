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

// Entry represents a single key/value pair as stored by the backend,
// together with the backend-assigned metadata.
//
// ModifyIndex is the compare-and-swap token: a conditional write applies
// atomically if and only if the stored index still matches. Flags is opaque
// metadata owned by higher layers (they use it as a type discriminator when
// reconstructing nested trees from flattened keys); this layer round-trips
// it byte for byte. Value is an uninterpreted byte sequence.
type Entry struct {
	// Key is the full slash-delimited key path.
	Key string
	// Value is the raw stored value. Never assume a text encoding.
	Value []byte
	// CreateIndex is the index at which the key was created.
	CreateIndex uint64
	// ModifyIndex is the index of the last modification, used as the CAS token.
	ModifyIndex uint64
	// Flags carries opaque caller-owned metadata.
	Flags uint64
	// LockIndex is the number of times this key has been locked.
	LockIndex uint64
	// Session is the id of the session owning the key, if any.
	Session string
}

// ValueString returns the value as a string. It is a convenience view for
// callers that know their payload is text, not a storage type.
func (e *Entry) ValueString() string {
	return string(e.Value)
}
