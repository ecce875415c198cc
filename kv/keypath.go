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

import "strings"

// Join assembles a slash-delimited key path from the given segments.
// It fails with ErrEmptyKeySegment when any segment is empty or would embed
// an empty path element. Keys are compared byte-wise by the backend, so no
// locale-sensitive normalization is applied.
func Join(segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", ErrEmptyKeySegment
	}
	for _, segment := range segments {
		if segment == "" ||
			strings.HasPrefix(segment, "/") ||
			strings.HasSuffix(segment, "/") ||
			strings.Contains(segment, "//") {
			return "", ErrEmptyKeySegment
		}
	}
	return strings.Join(segments, "/"), nil
}

// AppKeyPrefix builds the conventional per-service key namespace
// apps/{serviceID}/kv/{category}/.
func AppKeyPrefix(serviceID, category string) (string, error) {
	joined, err := Join("apps", serviceID, "kv", category)
	if err != nil {
		return "", err
	}
	return joined + "/", nil
}
