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
	"reflect"
	"testing"
)

func TestParseGraph_DuplicateNodeIDFails(t *testing.T) {
	g := Graph{Nodes: []Node{
		{ID: "a", Type: NodeStart},
		{ID: "a", Type: NodeEnd},
	}}
	if _, _, err := parseGraph(g); err == nil {
		t.Fatal("expected error for duplicate node id")
	}
}

func TestParseGraph_EmptyNodeIDFails(t *testing.T) {
	g := Graph{Nodes: []Node{{ID: "", Type: NodeStart}}}
	if _, _, err := parseGraph(g); err == nil {
		t.Fatal("expected error for empty node id")
	}
}

func TestParseGraph_DanglingEdgeFails(t *testing.T) {
	g := Graph{
		Nodes: []Node{{ID: "a", Type: NodeStart}},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "missing"}},
	}
	if _, _, err := parseGraph(g); err == nil {
		t.Fatal("expected error for edge referencing unknown target")
	}
}

func TestParseGraph_UnknownNodeTypeWarnsButSucceeds(t *testing.T) {
	g := Graph{Nodes: []Node{
		{ID: "a", Type: NodeStart},
		{ID: "b", Type: NodeType("mystery")},
	}}
	_, warnings, err := parseGraph(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", warnings)
	}
}

func TestParseGraph_EmptyGraphIsValid(t *testing.T) {
	pg, warnings, err := parseGraph(Graph{})
	if err != nil {
		t.Fatalf("unexpected error for empty graph: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if len(pg.nodes) != 0 {
		t.Fatalf("expected no nodes, got %d", len(pg.nodes))
	}
}

func TestTopologicalOrder_Deterministic(t *testing.T) {
	g := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "b", Type: NodeActionCommand},
			{ID: "a", Type: NodeActionCommand},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "a"},
			{ID: "e1", Source: "start", Target: "b"},
			{ID: "e2", Source: "a", Target: "end"},
			{ID: "e3", Source: "b", Target: "end"},
		},
	}
	pg, _, err := parseGraph(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order := pg.topologicalOrder()
	want := []string{"a", "b"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("topologicalOrder = %v, want %v", order, want)
	}

	// Running it again must produce the identical order (pure function of
	// the graph, no map-iteration nondeterminism).
	order2 := pg.topologicalOrder()
	if !reflect.DeepEqual(order, order2) {
		t.Errorf("topologicalOrder not deterministic across calls: %v vs %v", order, order2)
	}
}

func TestTopologicalOrder_UnreachableNodeStillEmitted(t *testing.T) {
	g := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "reachable", Type: NodeActionCommand},
			{ID: "orphan", Type: NodeActionCommand},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "reachable"},
		},
	}
	pg, _, err := parseGraph(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order := pg.topologicalOrder()
	want := []string{"reachable", "orphan"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("topologicalOrder = %v, want %v", order, want)
	}
}

func TestDetectCycles_SelfLoopBoundedByMaxIterations(t *testing.T) {
	g := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "loop", Type: NodeConditionWhile, Data: map[string]interface{}{"max_iterations": 5}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "loop"},
			{ID: "e1", Source: "loop", Target: "loop"},
			{ID: "e2", Source: "loop", Target: "end"},
		},
	}
	pg, _, err := parseGraph(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pg.detectCycles(); err != nil {
		t.Fatalf("expected bounded self-loop to pass, got: %v", err)
	}
	// topologicalOrder must also terminate and include the loop node exactly once.
	order := pg.topologicalOrder()
	want := []string{"loop"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("topologicalOrder = %v, want %v", order, want)
	}
}

func TestDetectCycles_UnboundedCycleRejected(t *testing.T) {
	g := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "a", Type: NodeActionCommand},
			{ID: "b", Type: NodeActionCommand},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "a"},
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}
	pg, _, err := parseGraph(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pg.detectCycles(); err == nil {
		t.Fatal("expected unbounded cycle to be rejected")
	}
}

func TestDetectCycles_LoopNodeWithoutMaxIterationsRejected(t *testing.T) {
	g := Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "loop", Type: NodeConditionWhile},
		},
		Edges: []Edge{
			{ID: "e0", Source: "start", Target: "loop"},
			{ID: "e1", Source: "loop", Target: "loop"},
		},
	}
	pg, _, err := parseGraph(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pg.detectCycles(); err == nil {
		t.Fatal("expected cycle without max_iterations to be rejected")
	}
}

func TestSortedUnique(t *testing.T) {
	got := sortedUnique([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sortedUnique = %v, want %v", got, want)
	}
}
