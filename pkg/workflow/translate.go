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

package workflow

import (
	"context"
	"fmt"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

// TargetResolver resolves a rendered hostname to a Target identity. It is
// satisfied by internal/targets' registry client; tests use an in-memory
// stub.
type TargetResolver interface {
	Resolve(ctx context.Context, hostname string) (targetID string, ok bool)
}

// defaultTimeouts mirror spec §4.9's per-type step-level defaults.
var defaultTimeouts = map[string]int{
	"ssh.exec":       60,
	"ssh.copy":       120,
	"sftp.upload":    120,
	"sftp.download":  120,
	"sftp.sync":      300,
	"winrm.exec":     60,
	"winrm.copy":     120,
	"windows.command": 60,
	"script":         60,
	"http.GET":       30,
	"http.POST":      30,
	"http.PUT":       30,
	"http.DELETE":    30,
	"http.PATCH":     30,
	"webhook.call":   30,
	"database":       60,
	"condition":      5,
	"loop":           5,
	"decision":       5,
	"parallel":       5,
}

func defaultTimeoutFor(stepType string) int {
	if v, ok := defaultTimeouts[stepType]; ok {
		return v
	}
	return 60
}

// Translate runs the full C2 algorithm against def for one run: parse and
// validate the graph, detect cycles, compute topological order, render
// templates with runParams, resolve targets, and materialize each node into
// an ExecutionStep. Rendering failures are returned as *opserrors.ValidationError
// and abort translation entirely — the run never reaches queued (spec §4.2
// step 4 edge case).
func Translate(ctx context.Context, def *Definition, runParams map[string]interface{}, resolver TargetResolver, systemTimestamp string) (*TranslationReport, error) {
	pg, warnings, err := parseGraph(def.Graph)
	if err != nil {
		return nil, err
	}
	if err := pg.detectCycles(); err != nil {
		return nil, err
	}

	order := pg.topologicalOrder()
	renderCtx := newRenderContext(def.Parameters, runParams, systemTimestamp)

	report := &TranslationReport{Warnings: warnings}

	index := 0
	for _, id := range order {
		node := pg.nodes[id]

		rendered, err := renderValue(node.Data, renderCtx)
		if err != nil {
			return nil, err
		}
		data, _ := rendered.(map[string]interface{})
		if data == nil {
			data = map[string]interface{}{}
		}

		steps, err := materialize(ctx, node, data, resolver)
		if err != nil {
			return nil, err
		}
		for i := range steps {
			steps[i].NodeID = node.ID
			steps[i].Index = index
			index++
			report.Steps = append(report.Steps, steps[i])
		}
	}

	return report, nil
}

// materialize implements the node type → step type table of spec §4.2
// step 6. Most node types emit exactly one ExecutionStep; flow.parallel
// conceptually fans out but is represented here as a single "parallel"
// step carrying its branch list; nothing expands the branches at run time,
// and internal/controlflow resolves the step as a single pass-through marker
// (see DESIGN.md Open Question on parallel-branch failure semantics).
func materialize(ctx context.Context, node Node, data map[string]interface{}, resolver TargetResolver) ([]ExecutionStep, error) {
	switch node.Type {
	case NodeActionCommand:
		connection, _ := data["connection"].(string)
		stepType := "ssh.exec"
		if connection == "winrm" {
			stepType = "winrm.exec"
		}
		step, err := newTargetedStep(ctx, stepType, data, resolver)
		if err != nil {
			return nil, err
		}
		return []ExecutionStep{step}, nil

	case NodeActionScript:
		step, err := newTargetedStep(ctx, "script", data, resolver)
		if err != nil {
			return nil, err
		}
		return []ExecutionStep{step}, nil

	case NodeActionHTTP:
		method, _ := data["method"].(string)
		if method == "" {
			method = "GET"
		}
		stepType := "http." + method
		return []ExecutionStep{newUntargetedStep(stepType, data)}, nil

	case NodeActionFileTransfer:
		stepType := fileTransferStepType(data)
		step, err := newTargetedStep(ctx, stepType, data, resolver)
		if err != nil {
			return nil, err
		}
		return []ExecutionStep{step}, nil

	case NodeActionDatabase:
		return []ExecutionStep{newUntargetedStep("database", data)}, nil

	case NodeActionNotification:
		channel, _ := data["channel"].(string)
		if channel == "" {
			channel = "email"
		}
		return []ExecutionStep{newUntargetedStep("notify."+channel, data)}, nil

	case NodeConditionIf:
		return []ExecutionStep{newUntargetedStep("condition", data)}, nil

	case NodeConditionWhile, NodeConditionForEach:
		return []ExecutionStep{newUntargetedStep("loop", data)}, nil

	case NodeDecision:
		return []ExecutionStep{newUntargetedStep("decision", data)}, nil

	case NodeParallel:
		return []ExecutionStep{newUntargetedStep("parallel", data)}, nil

	case NodeJoin:
		return []ExecutionStep{newUntargetedStep("join", data)}, nil

	case NodeDataTransform, NodeDataAggregate:
		return []ExecutionStep{newUntargetedStep("data.transform", data)}, nil

	case NodeDataValidate:
		return []ExecutionStep{newUntargetedStep("data.validate", data)}, nil

	default:
		// Unknown types were already recorded as a parse warning and must
		// not reach here via topologicalOrder (it filters on
		// knownNodeTypes), but guard defensively.
		return nil, &opserrors.ValidationError{
			Field:   "graph.nodes",
			Message: fmt.Sprintf("node %q: unsupported type %q", node.ID, node.Type),
		}
	}
}

func fileTransferStepType(data map[string]interface{}) string {
	direction, _ := data["direction"].(string)
	method, _ := data["method"].(string)
	if method == "" {
		method = "sftp"
	}
	switch {
	case method == "ssh" && direction == "push":
		return "ssh.copy"
	case direction == "sync":
		return "sftp.sync"
	case direction == "pull" || direction == "download":
		return "sftp.download"
	default:
		return "sftp.upload"
	}
}

func newUntargetedStep(stepType string, data map[string]interface{}) ExecutionStep {
	timeout := defaultTimeoutFor(stepType)
	if v, ok := data["timeout"].(int); ok && v > 0 {
		timeout = v
	} else if v, ok := data["timeout"].(float64); ok && v > 0 {
		timeout = int(v)
	}
	continueOnFailure, _ := data["continue_on_failure"].(bool)

	return ExecutionStep{
		Type:              stepType,
		TimeoutSeconds:    timeout,
		ContinueOnFailure: continueOnFailure,
		Params:            data,
	}
}

func newTargetedStep(ctx context.Context, stepType string, data map[string]interface{}, resolver TargetResolver) (ExecutionStep, error) {
	step := newUntargetedStep(stepType, data)

	hostname, _ := data["target"].(string)
	if hostname == "" {
		hostname, _ = data["hostname"].(string)
	}
	if hostname == "" || resolver == nil {
		return step, nil
	}

	if targetID, ok := resolver.Resolve(ctx, hostname); ok {
		step.TargetID = targetID
	} else {
		// Target unresolved: not an error, the step records the
		// unresolved hostname for diagnostics (spec §4.2 step 5).
		step.UnresolvedTarget = hostname
	}
	return step, nil
}
