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

// Package executor implements C6: the pluggable, per-step-type protocol
// drivers (ssh.exec, ssh.copy, sftp.{upload,download,sync}, winrm.{exec,
// copy}, windows.command, http.{GET,POST,PUT,DELETE,PATCH}, webhook.call,
// notify.{email,slack,teams,webhook,conditional}, database, data.transform).
// Every executor honors
// the uniform contract of spec §4.6: bound by the step's timeout, no
// mutation of the step row (the worker framework owns that), no further
// templating (params arrive already rendered), and credential material
// redacted from anything returned in Stdout/Stderr.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsconductor/core/internal/credentials"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/targets"
)

// Result is the uniform outcome every executor returns (spec §4.6).
type Result struct {
	Status   string // "succeeded" | "failed"
	ExitCode int
	Stdout   string
	Stderr   string
	Metrics  map[string]interface{}
}

// Succeeded returns a Result with Status "succeeded" and the given metrics.
func Succeeded(stdout string, metrics map[string]interface{}) Result {
	if metrics == nil {
		metrics = map[string]interface{}{}
	}
	return Result{Status: "succeeded", ExitCode: 0, Stdout: stdout, Metrics: metrics}
}

// Failed returns a Result with Status "failed".
func Failed(exitCode int, stdout, stderr string, metrics map[string]interface{}) Result {
	if metrics == nil {
		metrics = map[string]interface{}{}
	}
	return Result{Status: "failed", ExitCode: exitCode, Stdout: stdout, Stderr: stderr, Metrics: metrics}
}

// Request is everything one executor invocation needs. Params is already
// fully rendered by the translator (C2); executors never template.
type Request struct {
	Step       *store.Step
	Target     *targets.Target // nil when the step is untargeted or unresolved
	Credential credentials.Material
	// NotifyContext carries the job/run/user/system template context used
	// only by notify.* executors to render subject/body (spec §4.6).
	NotifyContext map[string]interface{}
}

// Func is the shape every concrete executor implements.
type Func func(ctx context.Context, req Request) (Result, error)

// Registry dispatches a step's type tag to its executor.
type Registry struct {
	exact map[string]Func
}

// NewRegistry builds the Registry with every step type the translator can
// emit (spec §4.2 step 6 table) wired to its driver.
func NewRegistry(deps Dependencies) *Registry {
	r := &Registry{exact: make(map[string]Func)}

	r.exact["ssh.exec"] = deps.sshExec
	r.exact["ssh.copy"] = deps.sshCopy
	r.exact["script"] = deps.script
	r.exact["sftp.upload"] = deps.sftpUpload
	r.exact["sftp.download"] = deps.sftpDownload
	r.exact["sftp.sync"] = deps.sftpSync

	r.exact["winrm.exec"] = deps.winrmExec
	r.exact["winrm.copy"] = deps.winrmCopy
	r.exact["windows.command"] = deps.windowsCommand

	for _, m := range []string{"GET", "POST", "PUT", "DELETE", "PATCH"} {
		r.exact["http."+m] = deps.httpRequest
	}
	r.exact["webhook.call"] = deps.webhookCall

	for _, c := range []string{"email", "slack", "teams", "webhook", "conditional"} {
		r.exact["notify."+c] = deps.notify
	}

	r.exact["database"] = deps.database
	r.exact["data.transform"] = deps.dataTransform

	return r
}

// Lookup returns the Func for a step type, or nil if none is registered
// (condition/loop/decision/parallel/join/data.validate are control-flow
// markers handled by internal/controlflow, not C6; data.transform is the
// one data.* type that IS a real executor — see transform.go).
func (r *Registry) Lookup(stepType string) Func {
	return r.exact[stepType]
}

// Dispatchable reports whether stepType routes to an executor at all.
func (r *Registry) Dispatchable(stepType string) bool {
	return r.exact[stepType] != nil
}

// Dependencies are the shared collaborators every concrete executor needs:
// a target registry client, a credentials resolver, and the executor-wide
// safety/size configuration (spec §4.6 "Command generation safety").
type Dependencies struct {
	Targets     *targets.Client
	Credentials *credentials.Resolver
	Safety      SafetyConfig
	Notifier    NotificationSender
}

// NotificationSender delivers a rendered notification to the external
// notification service (spec §6 "Notification service contract
// (consumed)"); the concrete implementation is an HTTP client POSTing to
// `/notifications`.
type NotificationSender interface {
	Send(ctx context.Context, kind, destination string, payload map[string]interface{}) error
}

func stepTimeout(step *store.Step) time.Duration {
	if step.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(step.TimeoutSeconds) * time.Second
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolParam(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func intParam(params map[string]interface{}, key, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// redactSecrets strips any occurrence of known secret material from text
// before it is recorded in a step's stdout/stderr (spec §4.6, §5).
func redactSecrets(text string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, "[redacted]")
	}
	return text
}

func connErr(protocol string, err error) error {
	return fmt.Errorf("%s: connection failed: %w", protocol, err)
}
