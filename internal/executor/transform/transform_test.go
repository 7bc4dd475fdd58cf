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

package transform_test

import (
	"context"
	"testing"
	"time"

	"github.com/opsconductor/core/internal/executor/transform"
)

func TestEvaluator_Apply_SingleResult(t *testing.T) {
	eval := transform.NewEvaluator(0)
	out, err := eval.Apply(context.Background(), ".name", map[string]interface{}{"name": "alice", "age": 30})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "alice" {
		t.Errorf("out = %v, want alice", out)
	}
}

func TestEvaluator_Apply_MultipleResultsCollapseToArray(t *testing.T) {
	eval := transform.NewEvaluator(0)
	out, err := eval.Apply(context.Background(), ".[] | .id", []interface{}{
		map[string]interface{}{"id": 1.0},
		map[string]interface{}{"id": 2.0},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	arr, ok := out.([]interface{})
	if !ok || len(arr) != 2 {
		t.Fatalf("out = %v, want a 2-element array", out)
	}
}

func TestEvaluator_Apply_IdentityOnEmptyExpression(t *testing.T) {
	eval := transform.NewEvaluator(0)
	input := map[string]interface{}{"k": "v"}
	out, err := eval.Apply(context.Background(), "", input)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	m, ok := out.(map[string]interface{})
	if !ok || m["k"] != "v" {
		t.Errorf("out = %v, want identity of input", out)
	}
}

func TestEvaluator_Apply_ParseError(t *testing.T) {
	eval := transform.NewEvaluator(0)
	if _, err := eval.Apply(context.Background(), "not valid jq (((", map[string]interface{}{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEvaluator_Validate(t *testing.T) {
	eval := transform.NewEvaluator(0)
	if err := eval.Validate(".foo.bar"); err != nil {
		t.Errorf("Validate valid expr: %v", err)
	}
	if err := eval.Validate("((("); err == nil {
		t.Error("expected error for invalid expr")
	}
}

func TestEvaluator_WithTimeout(t *testing.T) {
	eval := transform.NewEvaluator(0)
	out, err := eval.WithTimeout(context.Background(), time.Second, ".x", map[string]interface{}{"x": 42.0})
	if err != nil {
		t.Fatalf("WithTimeout: %v", err)
	}
	if out != 42.0 {
		t.Errorf("out = %v, want 42", out)
	}
}

func TestEvaluator_SizeGuard(t *testing.T) {
	eval := transform.NewEvaluator(4) // 4 bytes max
	_, err := eval.Apply(context.Background(), ".", map[string]interface{}{"k": "a long value exceeding the cap"})
	if err == nil {
		t.Fatal("expected size guard error")
	}
}
