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

// Package retry implements C9: per-step retry backoff policy, the
// lease-loss janitor that returns abandoned steps to the queue, and the
// cooperative cancellation signal workers poll between protocol-safe
// checkpoints (spec §4.9, §5).
package retry

import (
	"math"
	"math/rand"
	"strings"
	"time"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

// Policy is a step's retry budget, declared in the step payload with
// type-dependent defaults per spec §4.9.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// defaultPolicies mirror spec §4.9's per-type defaults: 0 retries for exec
// steps, 3 for http/notify, 1 for file transfer.
var defaultPolicies = map[string]Policy{
	"ssh.exec":        {MaxRetries: 0, BaseDelay: 30 * time.Second},
	"winrm.exec":      {MaxRetries: 0, BaseDelay: 30 * time.Second},
	"windows.command": {MaxRetries: 0, BaseDelay: 30 * time.Second},
	"script":          {MaxRetries: 0, BaseDelay: 30 * time.Second},
	"database":        {MaxRetries: 0, BaseDelay: 30 * time.Second},

	"ssh.copy":     {MaxRetries: 1, BaseDelay: 30 * time.Second},
	"sftp.upload":  {MaxRetries: 1, BaseDelay: 30 * time.Second},
	"sftp.download": {MaxRetries: 1, BaseDelay: 30 * time.Second},
	"sftp.sync":    {MaxRetries: 1, BaseDelay: 30 * time.Second},
	"winrm.copy":   {MaxRetries: 1, BaseDelay: 30 * time.Second},

	"webhook.call": {MaxRetries: 3, BaseDelay: 30 * time.Second},
}

// defaultStepPolicy is used for any step type not named above (http.*,
// notify.* — both default to 3 retries per spec §4.9).
var defaultStepPolicy = Policy{MaxRetries: 3, BaseDelay: 30 * time.Second}

// runLevelBaseDelay is the spec's run-level default base delay (60s),
// distinct from the step-level default (30s); kept as a named constant so
// callers computing run-level backoff (e.g. a scheduler retry of an
// entirely failed run) use the correct base.
const runLevelBaseDelay = 60 * time.Second

// PolicyFor returns the retry policy for a step, honoring an explicit
// max_retries/base_delay_seconds override in its rendered params over the
// type default.
func PolicyFor(stepType string, params map[string]interface{}) Policy {
	p, ok := defaultPolicies[stepType]
	if !ok {
		if strings.HasPrefix(stepType, "http.") || strings.HasPrefix(stepType, "notify.") {
			p = defaultStepPolicy
		} else {
			p = Policy{MaxRetries: 0, BaseDelay: 30 * time.Second}
		}
	}
	if v, ok := intFromParam(params["max_retries"]); ok {
		p.MaxRetries = v
	}
	if v, ok := intFromParam(params["base_delay_seconds"]); ok {
		p.BaseDelay = time.Duration(v) * time.Second
	}
	return p
}

func intFromParam(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Backoff computes the exponential-backoff-with-jitter delay before retry
// attempt number `attempt` (0-indexed: the delay before the first retry),
// per spec §4.9: base_delay * 2^attempt, jittered +/-50%.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	mult := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * mult)

	// +/-50% jitter: a uniform draw from [0.5*delay, 1.5*delay].
	jitterRange := float64(delay)
	jittered := 0.5*jitterRange + rand.Float64()*jitterRange
	return time.Duration(jittered)
}

// IsRetryableFailure classifies whether a step failure should be retried
// at all: only transient failures (timeouts, 5xx, connection errors)
// qualify; validation, protocol (non-zero exit, 4xx), and safety failures
// never do (spec §4.9, §7).
func IsRetryableFailure(err error) bool {
	if err == nil {
		return false
	}
	classifier, ok := err.(opserrors.ErrorClassifier)
	if !ok {
		// Unclassified errors (a bare connection error, a driver panic
		// recovered upstream) are treated as transient: the common case
		// for an un-wrapped network error is a retryable condition, and
		// misclassifying a genuine logic bug as non-retryable would mask
		// it as a permanent step failure instead of surfacing via retry
		// exhaustion diagnostics.
		return true
	}
	return classifier.IsRetryable()
}
