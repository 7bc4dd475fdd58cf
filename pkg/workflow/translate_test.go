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
	"testing"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

type stubResolver map[string]string

func (s stubResolver) Resolve(ctx context.Context, hostname string) (string, bool) {
	id, ok := s[hostname]
	return id, ok
}

func noopGraph(command string) Graph {
	return Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "cmd", Type: NodeActionCommand, Data: map[string]interface{}{
				"connection": "ssh",
				"target":     "linux-01",
				"command":    command,
			}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "cmd"},
			{ID: "e2", Source: "cmd", Target: "end"},
		},
	}
}

// S1 — trivial success: single command step resolves to a step with a
// resolved target id and the rendered command intact.
func TestTranslate_TrivialSuccess(t *testing.T) {
	def := &Definition{Name: "noop", Graph: noopGraph("echo hello")}
	resolver := stubResolver{"linux-01": "target-1"}

	report, err := Translate(context.Background(), def, nil, resolver, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if len(report.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(report.Steps))
	}
	step := report.Steps[0]
	if step.Type != "ssh.exec" {
		t.Errorf("Type = %q, want ssh.exec", step.Type)
	}
	if step.TargetID != "target-1" {
		t.Errorf("TargetID = %q, want target-1", step.TargetID)
	}
	if step.Params["command"] != "echo hello" {
		t.Errorf("command = %v, want %q", step.Params["command"], "echo hello")
	}
	if step.Index != 0 {
		t.Errorf("Index = %d, want 0", step.Index)
	}
}

// S2 — parameter rendering: templated command succeeds with a parameter,
// and fails with strict-undefined before any step is emitted when the
// parameter is missing.
func TestTranslate_ParameterRendering(t *testing.T) {
	def := &Definition{Name: "greet", Graph: noopGraph("echo {{ message }}")}
	resolver := stubResolver{"linux-01": "target-1"}

	report, err := Translate(context.Background(), def, map[string]interface{}{"message": "world"}, resolver, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if got := report.Steps[0].Params["command"]; got != "echo world" {
		t.Errorf("command = %v, want %q", got, "echo world")
	}

	_, err = Translate(context.Background(), def, nil, resolver, "2026-07-31T00:00:00Z")
	if err == nil {
		t.Fatal("expected ValidationError for undefined template variable, got nil")
	}
	var valErr *opserrors.ValidationError
	if !opserrors.As(err, &valErr) {
		t.Fatalf("expected *opserrors.ValidationError, got %T: %v", err, err)
	}
}

func TestTranslate_UnresolvedTargetIsNotFatal(t *testing.T) {
	def := &Definition{Name: "noop", Graph: noopGraph("echo hello")}
	resolver := stubResolver{} // empty: nothing resolves

	report, err := Translate(context.Background(), def, nil, resolver, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	step := report.Steps[0]
	if step.TargetID != "" {
		t.Errorf("expected empty TargetID, got %q", step.TargetID)
	}
	if step.UnresolvedTarget != "linux-01" {
		t.Errorf("UnresolvedTarget = %q, want linux-01", step.UnresolvedTarget)
	}
}

func TestTranslate_EmptyGraphSucceeds(t *testing.T) {
	def := &Definition{Name: "empty", Graph: Graph{}}

	report, err := Translate(context.Background(), def, nil, nil, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("Translate returned error for empty graph: %v", err)
	}
	if len(report.Steps) != 0 {
		t.Errorf("expected 0 steps for empty graph, got %d", len(report.Steps))
	}
}

// S3 — sequential steps translate in index order, deterministically.
func TestTranslate_SequentialOrdering(t *testing.T) {
	graph := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "s0", Type: NodeActionCommand, Data: map[string]interface{}{"connection": "ssh", "command": "true"}},
			{ID: "s1", Type: NodeActionCommand, Data: map[string]interface{}{"connection": "ssh", "command": "false"}},
			{ID: "s2", Type: NodeActionCommand, Data: map[string]interface{}{"connection": "ssh", "command": "echo after"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "s0"},
			{ID: "e1", Source: "s0", Target: "s1"},
			{ID: "e2", Source: "s1", Target: "s2"},
			{ID: "e3", Source: "s2", Target: "end"},
		},
	}
	def := &Definition{Name: "sequential", Graph: graph}

	report, err := Translate(context.Background(), def, nil, nil, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if len(report.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(report.Steps))
	}
	wantCommands := []string{"true", "false", "echo after"}
	for i, want := range wantCommands {
		if got := report.Steps[i].Params["command"]; got != want {
			t.Errorf("step %d command = %v, want %q", i, got, want)
		}
		if report.Steps[i].Index != i {
			t.Errorf("step %d Index = %d, want %d", i, report.Steps[i].Index, i)
		}
	}
}

func TestTranslate_UnknownNodeTypeIsWarningNotFatal(t *testing.T) {
	graph := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "mystery", Type: NodeType("action.teleport")},
			{ID: "cmd", Type: NodeActionCommand, Data: map[string]interface{}{"connection": "ssh", "command": "echo hi"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "cmd"},
			{ID: "e1", Source: "cmd", Target: "end"},
		},
	}
	def := &Definition{Name: "partial-unknown", Graph: graph}

	report, err := Translate(context.Background(), def, nil, nil, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if len(report.Warnings) != 1 {
		t.Fatalf("expected 1 warning for unknown node type, got %v", report.Warnings)
	}
	if len(report.Steps) != 1 {
		t.Fatalf("expected 1 step (unknown node skipped), got %d", len(report.Steps))
	}
}

func TestTranslate_AllUnknownNodeTypesFails(t *testing.T) {
	graph := Graph{
		Nodes: []Node{
			{ID: "only", Type: NodeType("bogus.type")},
		},
	}
	def := &Definition{Name: "all-unknown", Graph: graph}

	_, err := Translate(context.Background(), def, nil, nil, "2026-07-31T00:00:00Z")
	if err == nil {
		t.Fatal("expected error when all node types are unknown")
	}
}

func TestTranslate_MissingStartNodeFails(t *testing.T) {
	graph := Graph{
		Nodes: []Node{
			{ID: "cmd", Type: NodeActionCommand, Data: map[string]interface{}{"connection": "ssh", "command": "echo hi"}},
		},
	}
	def := &Definition{Name: "no-start", Graph: graph}

	_, err := Translate(context.Background(), def, nil, nil, "2026-07-31T00:00:00Z")
	if err == nil {
		t.Fatal("expected error when graph has no start node")
	}
}

func TestTranslate_WinRMConnection(t *testing.T) {
	graph := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "cmd", Type: NodeActionCommand, Data: map[string]interface{}{"connection": "winrm", "command": "Get-Service"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "cmd"},
			{ID: "e1", Source: "cmd", Target: "end"},
		},
	}
	def := &Definition{Name: "winrm", Graph: graph}

	report, err := Translate(context.Background(), def, nil, nil, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if report.Steps[0].Type != "winrm.exec" {
		t.Errorf("Type = %q, want winrm.exec", report.Steps[0].Type)
	}
}

func TestTranslate_HTTPMethodMapping(t *testing.T) {
	graph := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "call", Type: NodeActionHTTP, Data: map[string]interface{}{"method": "POST", "url": "https://example.test/hook"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "call"},
			{ID: "e1", Source: "call", Target: "end"},
		},
	}
	def := &Definition{Name: "http", Graph: graph}

	report, err := Translate(context.Background(), def, nil, nil, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if report.Steps[0].Type != "http.POST" {
		t.Errorf("Type = %q, want http.POST", report.Steps[0].Type)
	}
}

func TestTranslate_BoundedLoopCycleAllowed(t *testing.T) {
	graph := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "loop", Type: NodeConditionWhile, Data: map[string]interface{}{
				"expression":     "true",
				"max_iterations": 3,
			}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "loop"},
			{ID: "e1", Source: "loop", Target: "loop"},
			{ID: "e2", Source: "loop", Target: "end"},
		},
	}
	def := &Definition{Name: "bounded-loop", Graph: graph}

	_, err := Translate(context.Background(), def, nil, nil, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("expected bounded loop cycle to be tolerated, got error: %v", err)
	}
}

func TestTranslate_UnboundedCycleFails(t *testing.T) {
	graph := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "a", Type: NodeActionCommand, Data: map[string]interface{}{"connection": "ssh", "command": "echo a"}},
			{ID: "b", Type: NodeActionCommand, Data: map[string]interface{}{"connection": "ssh", "command": "echo b"}},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "a"},
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}
	def := &Definition{Name: "unbounded-cycle", Graph: graph}

	_, err := Translate(context.Background(), def, nil, nil, "2026-07-31T00:00:00Z")
	if err == nil {
		t.Fatal("expected unbounded cycle to be rejected")
	}
}
