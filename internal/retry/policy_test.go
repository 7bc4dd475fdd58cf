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

package retry_test

import (
	"testing"
	"time"

	"github.com/opsconductor/core/internal/retry"
	opserrors "github.com/opsconductor/core/pkg/errors"
)

func TestPolicyFor_Defaults(t *testing.T) {
	tests := []struct {
		stepType    string
		wantRetries int
	}{
		{"ssh.exec", 0},
		{"winrm.exec", 0},
		{"script", 0},
		{"sftp.upload", 1},
		{"ssh.copy", 1},
		{"webhook.call", 3},
		{"http.post", 3},
		{"notify.slack", 3},
		{"decision", 0},
	}
	for _, tt := range tests {
		p := retry.PolicyFor(tt.stepType, nil)
		if p.MaxRetries != tt.wantRetries {
			t.Errorf("PolicyFor(%q).MaxRetries = %d, want %d", tt.stepType, p.MaxRetries, tt.wantRetries)
		}
	}
}

func TestPolicyFor_Override(t *testing.T) {
	params := map[string]interface{}{"max_retries": 5, "base_delay_seconds": 12.0}
	p := retry.PolicyFor("ssh.exec", params)
	if p.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", p.MaxRetries)
	}
	if p.BaseDelay != 12*time.Second {
		t.Errorf("BaseDelay = %v, want 12s", p.BaseDelay)
	}
}

func TestBackoff_GrowsAndJitters(t *testing.T) {
	base := 10 * time.Second
	for attempt := 0; attempt < 4; attempt++ {
		d := retry.Backoff(base, attempt)
		expected := float64(base) * float64(uint(1)<<uint(attempt))
		if float64(d) < expected*0.5 || float64(d) > expected*1.5 {
			t.Errorf("Backoff(attempt=%d) = %v, outside [%v, %v]", attempt, d,
				time.Duration(expected*0.5), time.Duration(expected*1.5))
		}
	}
}

func TestIsRetryableFailure(t *testing.T) {
	if retry.IsRetryableFailure(nil) {
		t.Error("nil error should not be retryable")
	}
	if !retry.IsRetryableFailure(&opserrors.TransientError{Op: "dial", Cause: nil}) {
		t.Error("TransientError should be retryable")
	}
	if retry.IsRetryableFailure(&opserrors.ValidationError{Field: "x", Message: "bad"}) {
		t.Error("ValidationError should not be retryable")
	}
	if retry.IsRetryableFailure(&opserrors.SafetyError{Reason: "blocked"}) {
		t.Error("SafetyError should not be retryable")
	}
}
