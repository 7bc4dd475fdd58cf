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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *opserrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &opserrors.ValidationError{
				Field:      "parameters.message",
				Message:    "required field is missing",
				Suggestion: "supply the message parameter",
			},
			wantMsg: "validation failed on parameters.message: required field is missing",
		},
		{
			name: "without field",
			err: &opserrors.ValidationError{
				Message: "invalid format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
			if tt.err.IsRetryable() {
				t.Error("ValidationError must never be retryable")
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &opserrors.NotFoundError{Resource: "job_run", ID: "run-123"}
	want := "job_run not found: run-123"
	if got := err.Error(); got != want {
		t.Errorf("NotFoundError.Error() = %q, want %q", got, want)
	}
}

func TestConflictError_Error(t *testing.T) {
	err := &opserrors.ConflictError{Resource: "job", Reason: "name already active"}
	want := "conflict on job: name already active"
	if got := err.Error(); got != want {
		t.Errorf("ConflictError.Error() = %q, want %q", got, want)
	}
}

func TestTransientError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &opserrors.TransientError{Op: "ssh.dial", Message: "target unreachable", Cause: cause}

	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("TransientError.Error() = %q, want cause included", err.Error())
	}
	if !err.IsRetryable() {
		t.Error("TransientError must be retryable")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should unwrap to cause")
	}
}

func TestProtocolError(t *testing.T) {
	err := &opserrors.ProtocolError{Protocol: "http", Detail: "unexpected status", StatusCode: 500}
	got := err.Error()
	for _, want := range []string{"http", "unexpected status", "status 500"} {
		if !strings.Contains(got, want) {
			t.Errorf("ProtocolError.Error() = %q, want to contain %q", got, want)
		}
	}
	if err.IsRetryable() {
		t.Error("ProtocolError defaults to non-retryable")
	}
}

func TestSafetyError(t *testing.T) {
	err := &opserrors.SafetyError{Reason: "dangerous_command", Detail: "rm -rf / blocked"}
	if !strings.Contains(err.Error(), "dangerous_command") {
		t.Errorf("SafetyError.Error() = %q, want reason included", err.Error())
	}
	if err.IsRetryable() {
		t.Error("SafetyError must never be retryable")
	}
}

func TestPersistenceError(t *testing.T) {
	cause := errors.New("connection reset")
	op := &opserrors.PersistenceError{Op: "lease_step", Integrity: false, Cause: cause}
	if !op.IsRetryable() {
		t.Error("operational persistence errors are retryable")
	}

	integrity := &opserrors.PersistenceError{Op: "create_job", Integrity: true, Cause: cause}
	if integrity.IsRetryable() {
		t.Error("integrity violations are never retryable")
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *opserrors.ConfigError
		wantMsg string
	}{
		{
			name:    "with key",
			err:     &opserrors.ConfigError{Key: "store.dsn", Reason: "must not be empty"},
			wantMsg: "config error at store.dsn: must not be empty",
		},
		{
			name:    "without key",
			err:     &opserrors.ConfigError{Reason: "file not found"},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &opserrors.TimeoutError{Operation: "ssh.exec step", Duration: 2 * time.Minute}
	got := err.Error()
	for _, want := range []string{"ssh.exec step", "2m0s"} {
		if !strings.Contains(got, want) {
			t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped and recovered", func(t *testing.T) {
		original := &opserrors.ValidationError{Field: "email", Message: "invalid format"}
		wrapped := fmt.Errorf("rendering template: %w", original)

		var target *opserrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Fatal("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "email" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "email")
		}
	})

	t.Run("NotFoundError can be wrapped and recovered", func(t *testing.T) {
		original := &opserrors.NotFoundError{Resource: "job", ID: "job-1"}
		wrapped := fmt.Errorf("loading job: %w", original)

		var target *opserrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Fatal("errors.As should find NotFoundError in wrapped error")
		}
	})
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&opserrors.ValidationError{Message: "x"}, 400},
		{&opserrors.NotFoundError{Resource: "job", ID: "x"}, 404},
		{&opserrors.ConflictError{Resource: "job", Reason: "x"}, 409},
		{&opserrors.PermissionError{Action: "cancel", Reason: "x"}, 403},
		{errors.New("plain"), 500},
	}
	for _, tt := range tests {
		if got := opserrors.HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
