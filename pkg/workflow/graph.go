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
	"fmt"
	"sort"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

// parsedGraph is the internal, validated representation of a Graph: nodes
// indexed by id, and the predecessor/successor adjacency derived from
// edges.
type parsedGraph struct {
	nodes        map[string]Node
	order        []string // original node order, for deterministic iteration
	predecessors map[string][]string
	successors   map[string][]string
}

// parseGraph builds a parsedGraph, recording a warning for each unknown node
// type (skip, don't fail) and returning a ValidationError only when the
// graph cannot be translated at all (spec §4.2 step 1).
func parseGraph(g Graph) (*parsedGraph, []string, error) {
	pg := &parsedGraph{
		nodes:        make(map[string]Node, len(g.Nodes)),
		predecessors: make(map[string][]string),
		successors:   make(map[string][]string),
	}

	var warnings []string
	knownCount := 0

	for _, n := range g.Nodes {
		if n.ID == "" {
			return nil, warnings, &opserrors.ValidationError{
				Field:   "graph.nodes",
				Message: "node id must not be empty",
			}
		}
		if _, dup := pg.nodes[n.ID]; dup {
			return nil, warnings, &opserrors.ValidationError{
				Field:   "graph.nodes",
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
			}
		}
		if !knownNodeTypes[n.Type] {
			warnings = append(warnings, fmt.Sprintf("node %q has unknown type %q, skipped", n.ID, n.Type))
		} else {
			knownCount++
		}
		pg.nodes[n.ID] = n
		pg.order = append(pg.order, n.ID)
	}

	if len(g.Nodes) > 0 && knownCount == 0 {
		return nil, warnings, &opserrors.ValidationError{
			Field:   "graph.nodes",
			Message: "all nodes have unknown types",
		}
	}

	startCount := 0
	for _, n := range g.Nodes {
		if n.Type == NodeStart {
			startCount++
		}
	}
	if len(g.Nodes) > 0 && startCount == 0 {
		return nil, warnings, &opserrors.ValidationError{
			Field:      "graph",
			Message:    "graph must contain at least one start node",
			Suggestion: "add a node with type \"start\"",
		}
	}

	for _, e := range g.Edges {
		if _, ok := pg.nodes[e.Source]; !ok {
			return nil, warnings, &opserrors.ValidationError{
				Field:   "graph.edges",
				Message: fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.Source),
			}
		}
		if _, ok := pg.nodes[e.Target]; !ok {
			return nil, warnings, &opserrors.ValidationError{
				Field:   "graph.edges",
				Message: fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.Target),
			}
		}
		pg.successors[e.Source] = append(pg.successors[e.Source], e.Target)
		pg.predecessors[e.Target] = append(pg.predecessors[e.Target], e.Source)
	}

	return pg, warnings, nil
}

// detectCycles walks the reachable-from-start subgraph with a DFS
// recursion stack. A cycle is tolerated only when every node on it is a
// loop node (condition.while / condition.for_each) declaring a positive
// max_iterations; any other cycle on the reachable subgraph is a
// validation error (spec §4.2 step 1, §9 design note).
func (pg *parsedGraph) detectCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(pg.nodes))
	for id := range pg.nodes {
		color[id] = white
	}

	var starts []string
	for _, id := range pg.order {
		if pg.nodes[id].Type == NodeStart {
			starts = append(starts, id)
		}
	}

	var cyclePath []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		cyclePath = append(cyclePath, id)
		for _, next := range sortedUnique(pg.successors[id]) {
			switch color[next] {
			case gray:
				i := 0
				for i < len(cyclePath) && cyclePath[i] != next {
					i++
				}
				cycle := append(append([]string(nil), cyclePath[i:]...), next)
				if cycleIsBounded(pg, cycle) {
					continue
				}
				cyclePath = cycle
				return true
			case white:
				if dfs(next) {
					return true
				}
			}
		}
		cyclePath = cyclePath[:len(cyclePath)-1]
		color[id] = black
		return false
	}

	for _, s := range starts {
		if color[s] == white {
			cyclePath = nil
			if dfs(s) {
				return &opserrors.ValidationError{
					Field:      "graph",
					Message:    fmt.Sprintf("unbounded cycle detected: %v", cyclePath),
					Suggestion: "bound the cycle with a loop node (condition.while / condition.for_each) declaring max_iterations",
				}
			}
		}
	}
	return nil
}

// cycleIsBounded reports whether every node on the given cycle is a loop
// node with a positive max_iterations.
func cycleIsBounded(pg *parsedGraph, cycle []string) bool {
	for _, id := range cycle {
		n, ok := pg.nodes[id]
		if !ok {
			return false
		}
		if !loopNodeTypes[n.Type] {
			return false
		}
		maxIter, _ := n.Data["max_iterations"].(int)
		if maxIter <= 0 {
			if f, ok := n.Data["max_iterations"].(float64); ok && f > 0 {
				continue
			}
			return false
		}
	}
	return true
}

// topologicalOrder returns node ids in dependency order: a node is emitted
// only after all its predecessors, flow anchors (start/end) are skipped
// from the output, and ties are broken by node id for determinism (spec
// §4.2 step 3).
func (pg *parsedGraph) topologicalOrder() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(pg.nodes))
	var out []string

	var starts []string
	for _, id := range pg.order {
		if pg.nodes[id].Type == NodeStart {
			starts = append(starts, id)
		}
	}
	sort.Strings(starts)

	// visit marks id "visiting" before recursing into its predecessors so
	// that a bounded loop's back-edge (a predecessor that is the node
	// itself, or an ancestor already on the current path) is recognized
	// and skipped rather than re-entered — without this a condition.while
	// self-cycle would recurse forever.
	var visit func(id string)
	visit = func(id string) {
		if state[id] != unvisited {
			return
		}
		state[id] = visiting
		for _, pred := range sortedUnique(pg.predecessors[id]) {
			visit(pred)
		}
		if state[id] == done {
			return
		}
		state[id] = done
		n := pg.nodes[id]
		if knownNodeTypes[n.Type] && !flowAnchors[n.Type] {
			out = append(out, id)
		}
		for _, next := range sortedUnique(pg.successors[id]) {
			visit(next)
		}
	}

	for _, s := range starts {
		visit(s)
	}
	// Any node unreachable from a start node is still emitted (in id
	// order) so the translator never silently drops authored work.
	var remaining []string
	for _, id := range pg.order {
		if state[id] == unvisited {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	for _, id := range remaining {
		visit(id)
	}

	return out
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
