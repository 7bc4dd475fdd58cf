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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected *Config
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			expected: &Config{
				Level: "info", Format: FormatJSON, AddSource: false,
			},
		},
		{
			name:    "LOG_LEVEL=debug",
			envVars: map[string]string{"LOG_LEVEL": "debug"},
			expected: &Config{
				Level: "debug", Format: FormatJSON, AddSource: false,
			},
		},
		{
			name:    "OPSCONDUCTOR_LOG_LEVEL takes precedence over LOG_LEVEL",
			envVars: map[string]string{"LOG_LEVEL": "warn", "OPSCONDUCTOR_LOG_LEVEL": "error"},
			expected: &Config{
				Level: "error", Format: FormatJSON, AddSource: false,
			},
		},
		{
			name:    "OPSCONDUCTOR_DEBUG forces debug and source",
			envVars: map[string]string{"OPSCONDUCTOR_DEBUG": "1", "LOG_LEVEL": "error"},
			expected: &Config{
				Level: "debug", Format: FormatJSON, AddSource: true,
			},
		},
		{
			name:    "LOG_FORMAT=text",
			envVars: map[string]string{"LOG_FORMAT": "text"},
			expected: &Config{
				Level: "info", Format: FormatText, AddSource: false,
			},
		},
		{
			name:    "LOG_SOURCE=1",
			envVars: map[string]string{"LOG_SOURCE": "1"},
			expected: &Config{
				Level: "info", Format: FormatJSON, AddSource: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer func() {
				for k := range tt.envVars {
					os.Unsetenv(k)
				}
			}()

			cfg := FromEnv()
			if cfg.Level != tt.expected.Level {
				t.Errorf("level = %q, want %q", cfg.Level, tt.expected.Level)
			}
			if cfg.Format != tt.expected.Format {
				t.Errorf("format = %q, want %q", cfg.Format, tt.expected.Format)
			}
			if cfg.AddSource != tt.expected.AddSource {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.expected.AddSource)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "debug", Format: FormatJSON, Output: &buf}

	logger := New(cfg)
	logger.Info("step dispatched", RunIDKey, "run-1", StepIDKey, "step-1")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v (output: %s)", err, buf.String())
	}
	if entry["msg"] != "step dispatched" {
		t.Errorf("msg = %v, want %q", entry["msg"], "step dispatched")
	}
	if entry[RunIDKey] != "run-1" {
		t.Errorf("%s = %v, want %q", RunIDKey, entry[RunIDKey], "run-1")
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want %q", entry["level"], "INFO")
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "info", Format: FormatText, Output: &buf}

	logger := New(cfg)
	logger.Info("lease acquired", WorkerKey, "worker-7")

	output := buf.String()
	if !strings.Contains(output, "lease acquired") {
		t.Errorf("expected output to contain message, got: %s", output)
	}
	if !strings.Contains(output, "worker_hostname=worker-7") {
		t.Errorf("expected output to contain worker field, got: %s", output)
	}
}

func TestNew_TraceLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "trace", Format: FormatJSON, Output: &buf}

	logger := New(cfg)
	logger.Log(nil, LevelTrace, "rendered command", StepTypeKey, "ssh.exec")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if entry["level"] != "TRACE" {
		t.Errorf("level = %v, want %q", entry["level"], "TRACE")
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "warn", Format: FormatJSON, Output: &buf}

	logger := New(cfg)
	logger.Info("should be filtered out")
	if buf.Len() != 0 {
		t.Errorf("expected info message to be filtered at warn level, got: %s", buf.String())
	}

	logger.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("expected warn message to appear, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	root := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	scoped := Component(root, "executor.ssh")

	scoped.Info("connected")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if entry[ComponentKey] != "executor.ssh" {
		t.Errorf("%s = %v, want %q", ComponentKey, entry[ComponentKey], "executor.ssh")
	}
}

func TestWithCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	root := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	correlated := WithCorrelationID(root, "corr-abc")

	correlated.Info("run queued")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if entry[CorrelationIDKey] != "corr-abc" {
		t.Errorf("%s = %v, want %q", CorrelationIDKey, entry[CorrelationIDKey], "corr-abc")
	}
}
