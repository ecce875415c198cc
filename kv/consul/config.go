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
	"crypto/tls"
	"time"

	"github.com/tochemey/fleetkv/fallback"
	"github.com/tochemey/fleetkv/internal/validation"
	"github.com/tochemey/fleetkv/log"
	"github.com/tochemey/fleetkv/resilience"
)

// Upstream is the logical upstream name under which every call to the
// Consul agent is registered with the resilience registry.
const Upstream = "consul"

// Config defines the configuration options for the Consul-backed store.
type Config struct {
	// Address is the address of the Consul agent to connect to.
	// Default: "127.0.0.1:8500"
	Address string
	// Scheme is the URI scheme to use, "http" or "https".
	// Default: "http"
	Scheme string
	// Datacenter specifies the Consul datacenter to use.
	// If empty, the agent's default datacenter is used.
	Datacenter string
	// Token is the Consul ACL token used for authenticated requests.
	Token string
	// Timeout specifies the maximum duration of non-blocking Consul requests.
	// Default: 10s
	Timeout time.Duration
	// WaitTime bounds each blocking (long-poll) query issued by a watch.
	// Default: 55s
	WaitTime time.Duration
	// WatchBackoff is the fixed pause between failed watch iterations.
	// Default: 1s
	WatchBackoff time.Duration
	// SessionTTL is the time-to-live of the sessions backing locks and
	// ephemeral keys. Consul enforces a 10s minimum.
	// Default: 15s
	SessionTTL time.Duration
	// TLS configures HTTPS connections to the agent. May be nil.
	TLS *tls.Config
	// Resilience is the registry decorating every remote call. When nil a
	// registry with default settings is created for this store.
	Resilience *resilience.Registry
	// Fallback, when non-nil, records the last good value of every read so
	// Get can serve it when the agent is unreachable. A served fallback
	// entry carries no indexes and must not seed a CAS.
	Fallback *fallback.Cache
	// Logger is the store logger. Default: log.DefaultLogger
	Logger log.Logger
}

var _ validation.Validator = (*Config)(nil)

// Sanitize ensures the configuration is valid and sets defaults.
func (config *Config) Sanitize() {
	if config.Address == "" {
		config.Address = "127.0.0.1:8500"
	}
	if config.Scheme == "" {
		config.Scheme = "http"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WaitTime == 0 {
		config.WaitTime = 55 * time.Second
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
		AddValidator(validation.NewEmptyStringValidator("Address", config.Address)).
		AddAssertion(config.Scheme == "http" || config.Scheme == "https", "Scheme must be http or https").
		AddAssertion(config.Timeout > 0, "Timeout is invalid").
		AddAssertion(config.WaitTime > 0, "WaitTime is invalid").
		AddAssertion(config.SessionTTL >= 10*time.Second, "SessionTTL must be at least 10s").
		Validate()
}
