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

// Package httpc builds the pooled HTTP client used to talk to the
// key/value backend's REST API.
package httpc

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	// maxIdleConns bounds the total number of idle pooled connections.
	maxIdleConns = 64
	// maxConnsPerHost bounds in-flight connections per backend host so a
	// single slow backend cannot exhaust the process file descriptors.
	maxConnsPerHost = 32
)

// New creates an HTTP client configured for the KV backend API with
// bounded connection pooling and connect/read timeouts.
//
// The per-request deadline is carried by the request context; the timeouts
// configured here are a second line of defense so a stuck backend cannot
// hold a connection forever even when a caller forgets to set a deadline.
// Blocking (long-poll) queries disable the overall client timeout and rely
// on the context plus the backend's wait bound instead, which is why the
// client-level Timeout stays zero and the guards live on the transport.
func New(tlsConfig *tls.Config, responseHeaderTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,  // Connection establishment timeout
		KeepAlive: 30 * time.Second, // TCP keep-alive probe interval
	}

	return &http.Client{
		// The backend API does not redirect. Return the last response
		// immediately to avoid unnecessary round trips.
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSClientConfig:       tlsConfig,
			TLSHandshakeTimeout:   5 * time.Second,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConns,
			MaxConnsPerHost:       maxConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: responseHeaderTimeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}
