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
	"crypto/tls"
	"time"

	"github.com/tochemey/fleetkv/fallback"
	"github.com/tochemey/fleetkv/internal/validation"
	"github.com/tochemey/fleetkv/log"
	"github.com/tochemey/fleetkv/resilience"
)

// Upstream is the logical upstream name under which every call to the
// etcd cluster is registered with the resilience registry.
const Upstream = "etcd"

// Config defines the configuration options for the etcd-backed store.
type Config struct {
	// Endpoints lists the cluster members to connect to.
	// Default: ["127.0.0.1:2379"]
	Endpoints []string
	// Username and Password enable etcd authentication when non-empty.
	Username string
	Password string
	// DialTimeout bounds the initial connection attempt.
	// Default: 5s
	DialTimeout time.Duration
	// Timeout specifies the maximum duration of individual requests.
	// Default: 10s
	Timeout time.Duration
	// WatchBackoff is the fixed pause before re-establishing a broken watch.
	// Default: 1s
	WatchBackoff time.Duration
	// SessionTTL is the lease time-to-live backing locks and ephemeral keys.
	// etcd enforces whole seconds.
	// Default: 15s
	SessionTTL time.Duration
	// TLS configures transport security to the cluster. May be nil.
	TLS *tls.Config
	// Resilience is the registry decorating every remote call. When nil a
	// registry with default settings is created for this store.
	Resilience *resilience.Registry
	// Fallback, when non-nil, records the last good value of every read so
	// Get can serve it when the cluster is unreachable. A served fallback
	// entry carries no revisions and must not seed a CAS.
	Fallback *fallback.Cache
	// Logger is the store logger. Default: log.DefaultLogger
	Logger log.Logger
}

var _ validation.Validator = (*Config)(nil)

// Sanitize ensures the configuration is valid and sets defaults.
func (config *Config) Sanitize() {
	if len(config.Endpoints) == 0 {
		config.Endpoints = []string{"127.0.0.1:2379"}
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WatchBackoff == 0 {
		config.WatchBackoff = time.Second
	}
	if config.SessionTTL == 0 {
		config.SessionTTL = 15 * time.Second
	}
	if config.Resilience == nil {
		config.Resilience = resilience.NewRegistry()
	}
	if config.Logger == nil {
		config.Logger = log.DefaultLogger
	}
}

// Validate checks if the configuration is valid.
func (config *Config) Validate() error {
	return validation.New(validation.FailFast()).
		AddAssertion(len(config.Endpoints) > 0, "Endpoints are required").
		AddAssertion(config.DialTimeout > 0, "DialTimeout is invalid").
		AddAssertion(config.Timeout > 0, "Timeout is invalid").
		AddAssertion(config.SessionTTL >= time.Second, "SessionTTL must be at least 1s").
		Validate()
}
