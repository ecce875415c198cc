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

package xsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Run("With set and get", func(t *testing.T) {
		m := NewMap[string, int]()
		m.Set("a", 1)
		m.Set("a", 2)

		value, ok := m.Get("a")
		require.True(t, ok)
		assert.Equal(t, 2, value)

		_, ok = m.Get("missing")
		assert.False(t, ok)
	})
	t.Run("With get-or-set", func(t *testing.T) {
		m := NewMap[string, int]()
		actual, loaded := m.GetOrSet("a", 1)
		assert.False(t, loaded)
		assert.Equal(t, 1, actual)

		actual, loaded = m.GetOrSet("a", 99)
		assert.True(t, loaded)
		assert.Equal(t, 1, actual)
	})
	t.Run("With get-and-delete", func(t *testing.T) {
		m := NewMap[string, int]()
		m.Set("a", 1)

		previous, loaded := m.GetAndDelete("a")
		assert.True(t, loaded)
		assert.Equal(t, 1, previous)
		assert.Zero(t, m.Len())

		_, loaded = m.GetAndDelete("a")
		assert.False(t, loaded)
	})
	t.Run("With delete of absent key", func(t *testing.T) {
		m := NewMap[string, int]()
		m.Delete("missing")
		assert.Zero(t, m.Len())
	})
	t.Run("With range and keys", func(t *testing.T) {
		m := NewMap[string, int]()
		m.Set("a", 1)
		m.Set("b", 2)

		seen := make(map[string]int)
		m.Range(func(k string, v int) { seen[k] = v })
		assert.Equal(t, map[string]int{"a": 1, "b": 2}, seen)
		assert.ElementsMatch(t, []string{"a", "b"}, m.Keys())
	})
	t.Run("With reset", func(t *testing.T) {
		m := NewMap[string, int]()
		m.Set("a", 1)
		m.Set("b", 2)
		m.Reset()
		assert.Zero(t, m.Len())
		assert.Empty(t, m.Keys())
	})
}
