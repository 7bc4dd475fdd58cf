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

// Package transform evaluates a jq expression against a step's input data,
// backing the `data.transform`/`data.aggregate` step types (spec §4.2 step
// 6). It has no dependency on internal/executor's Request/Result types so
// the two packages don't form an import cycle; internal/executor/transform.go
// adapts this into the executor.Func shape.
//
// Grounded on the teacher's internal/jq/executor.go: same
// Parse-then-Compile-then-timeout-bounded-Run shape and single/multi-result
// collapsing. The run still happens on a goroutine that reports over a
// channel, but the select waits on the caller's context instead of a timer
// (WithTimeout derives one with context.WithTimeout; the step's own timeout
// already bounds execution via the caller's context), so this package
// itself only adds the jq-specific parse/compile error wrapping and the
// input-size guard.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultMaxInputSize caps the JSON-marshaled size of data a transform step
// will operate on, guarding against a pathologically large upstream
// payload blocking a worker (spec §4.6 "hard size cap").
const DefaultMaxInputSize = 10 * 1024 * 1024

// Evaluator runs jq expressions with a size guard.
type Evaluator struct {
	maxInputSize int64
}

// NewEvaluator constructs an Evaluator. maxInputSize <= 0 uses DefaultMaxInputSize.
func NewEvaluator(maxInputSize int64) *Evaluator {
	if maxInputSize <= 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Evaluator{maxInputSize: maxInputSize}
}

// Apply runs expression against data and returns the result. An empty
// expression is the identity transform, matching jq's own "." default. A
// query producing more than one result collapses to an array; zero results
// collapse to nil.
func (e *Evaluator) Apply(ctx context.Context, expression string, data interface{}) (interface{}, error) {
	if expression == "" {
		return data, nil
	}
	if err := e.checkSize(data); err != nil {
		return nil, err
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("jq parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compile error: %w", err)
	}

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		iter := code.Run(data)
		var results []interface{}
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				done <- outcome{err: fmt.Errorf("jq evaluation error: %w", err)}
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			done <- outcome{value: nil}
		case 1:
			done <- outcome{value: results[0]}
		default:
			done <- outcome{value: results}
		}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("jq evaluation: %w", ctx.Err())
	}
}

// Validate parses and compiles expression without running it, for
// translate-time workflow validation (catching a bad jq expression before
// a run is ever queued).
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

func (e *Evaluator) checkSize(data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal transform input: %w", err)
	}
	if int64(len(b)) > e.maxInputSize {
		return fmt.Errorf("transform input (%d bytes) exceeds maximum (%d bytes)", len(b), e.maxInputSize)
	}
	return nil
}

// WithTimeout is a convenience wrapper applying a step-level deadline
// before delegating to Apply, used when the caller wants the jq
// evaluation itself (not just the surrounding step) bounded independently
// of the step's overall timeout.
func (e *Evaluator) WithTimeout(parent context.Context, timeout time.Duration, expression string, data interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return e.Apply(ctx, expression, data)
}
