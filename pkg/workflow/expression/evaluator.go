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

// Package expression evaluates the single-expression boolean conditions
// used by condition.if nodes, condition.while loop guards, and notify's
// send_on / notify.conditional filters. Per spec §9's design note, this is
// deliberately constrained to expr-lang's side-effect-free subset —
// variable substitution, attribute access, comparisons, and a small set of
// declared helper functions — rather than arbitrary host-language code.
package expression

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

// Evaluator evaluates boolean condition expressions against a run context.
// Compiled programs are cached since the same condition is re-evaluated on
// every iteration of a condition.while loop.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an expression Evaluator with an empty compile cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses a cached compile of) expr and runs it
// against ctx, which typically carries "parameters", "job", "target", and
// "system" sub-maps. An empty expression defaults to true.
func (e *Evaluator) Evaluate(expr_ string, ctx map[string]interface{}) (bool, error) {
	if expr_ == "" {
		return true, nil
	}

	program, err := e.compile(expr_)
	if err != nil {
		return false, &opserrors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err),
			Suggestion: "check expression syntax and ensure referenced variables exist",
		}
	}

	runCtx := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		runCtx[k] = v
	}
	runCtx["has"] = containsFunc
	runCtx["includes"] = containsFunc
	runCtx["length"] = lenFunc

	result, err := expr.Run(program, runCtx)
	if err != nil {
		return false, &opserrors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err),
			Suggestion: "verify that all referenced variables exist in the run context",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &opserrors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return a boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >) or boolean functions",
		}
	}
	return boolResult, nil
}

func (e *Evaluator) compile(expr_ string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expr_]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]interface{}{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	prog, err := expr.Compile(expr_, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr_] = prog
	e.mu.Unlock()

	return prog, nil
}

// containsFunc reports whether collection contains target: a slice by deep
// equality, a map by key presence, a string by substring.
func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains requires exactly 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		return v.MapIndex(reflect.ValueOf(target)).IsValid(), nil
	case reflect.String:
		str, sok := collection.(string)
		substr, tok := target.(string)
		if !sok || !tok {
			return false, nil
		}
		return len(substr) == 0 || stringsContains(str, substr), nil
	default:
		return false, nil
	}
}

func stringsContains(s, substr string) bool {
	if len(substr) > len(s) {
		return false
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// lenFunc returns the length of a slice, map, or string.
func lenFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}
