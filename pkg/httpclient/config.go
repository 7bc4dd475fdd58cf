// Copyright 2025 OpsConductor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient provides a unified HTTP client factory with
// consistent timeout, retry, and observability behavior for every
// component of the core that speaks HTTP to an external collaborator: the
// http.* and webhook.call executors (C6), the target registry client
// (internal/targets), and the credentials vault client (internal/credentials).
package httpclient

import "time"

// Config configures the HTTP client with timeout, retry, and observability
// settings.
type Config struct {
	// Timeout is the total request timeout (includes retries).
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts (0 = none).
	RetryAttempts int

	// RetryBackoff is the initial backoff delay before the first retry.
	RetryBackoff time.Duration

	// MaxBackoff caps the backoff delay.
	MaxBackoff time.Duration

	// UserAgent is the User-Agent header value.
	UserAgent string

	// AllowNonIdempotentRetry enables retry for POST/PUT/PATCH/DELETE. No
	// caller in this module sets it; webhook.call runs its own retry loop
	// on 5xx instead.
	AllowNonIdempotentRetry bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		UserAgent:     "opsconductor-core/1.0",
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return &configError{"timeout must be > 0"}
	}
	if c.RetryAttempts < 0 {
		return &configError{"retry_attempts must be >= 0"}
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return &configError{"retry_backoff must be > 0 when retry_attempts > 0"}
		}
		if c.MaxBackoff < c.RetryBackoff {
			return &configError{"max_backoff must be >= retry_backoff"}
		}
	}
	if c.UserAgent == "" {
		return &configError{"user_agent is required"}
	}
	return nil
}

type configError struct{ msg string }

func (e *configError) Error() string { return "httpclient: " + e.msg }
