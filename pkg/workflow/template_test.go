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

import "testing"

func TestRenderString_NoTemplateIsPassthrough(t *testing.T) {
	ctx := newRenderContext(nil, nil, "2026-07-31T00:00:00Z")
	got, err := renderString("plain text", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "plain text" {
		t.Errorf("got %q, want %q", got, "plain text")
	}
}

func TestRenderString_SimpleSubstitution(t *testing.T) {
	ctx := newRenderContext(nil, map[string]interface{}{"name": "prod-db-01"}, "2026-07-31T00:00:00Z")
	got, err := renderString("host={{ name }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "host=prod-db-01" {
		t.Errorf("got %q, want %q", got, "host=prod-db-01")
	}
}

func TestRenderString_DottedPath(t *testing.T) {
	ctx := newRenderContext(nil, nil, "2026-07-31T00:00:00Z")
	got, err := renderString("ran at {{ system.timestamp }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ran at 2026-07-31T00:00:00Z" {
		t.Errorf("got %q, want %q", got, "ran at 2026-07-31T00:00:00Z")
	}
}

func TestRenderString_UndefinedVariableFails(t *testing.T) {
	ctx := newRenderContext(nil, nil, "2026-07-31T00:00:00Z")
	if _, err := renderString("host={{ missing }}", ctx); err == nil {
		t.Fatal("expected error for undefined variable")
	}
}

func TestRenderString_DeclaredDefaultUsedWhenNotOverridden(t *testing.T) {
	declared := map[string]Parameter{"retries": {Type: "int", Default: 3}}
	ctx := newRenderContext(declared, nil, "2026-07-31T00:00:00Z")
	got, err := renderString("retries={{ retries }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "retries=3" {
		t.Errorf("got %q, want %q", got, "retries=3")
	}
}

func TestRenderString_RunParamOverridesDeclaredDefault(t *testing.T) {
	declared := map[string]Parameter{"retries": {Type: "int", Default: 3}}
	ctx := newRenderContext(declared, map[string]interface{}{"retries": 7}, "2026-07-31T00:00:00Z")
	got, err := renderString("retries={{ retries }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "retries=7" {
		t.Errorf("got %q, want %q", got, "retries=7")
	}
}

func TestRenderString_DefaultFilterUndefinedVariable(t *testing.T) {
	ctx := newRenderContext(nil, nil, "2026-07-31T00:00:00Z")
	got, err := renderString("region={{ region | default('us-east-1') }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "region=us-east-1" {
		t.Errorf("got %q, want %q", got, "region=us-east-1")
	}
}

func TestRenderString_DefaultFilterKeepsDefinedValue(t *testing.T) {
	ctx := newRenderContext(nil, map[string]interface{}{"region": "eu-west-1"}, "2026-07-31T00:00:00Z")
	got, err := renderString("region={{ region | default('us-east-1') }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "region=eu-west-1" {
		t.Errorf("got %q, want %q", got, "region=eu-west-1")
	}
}

func TestRenderString_LengthFilter(t *testing.T) {
	ctx := newRenderContext(nil, map[string]interface{}{"hosts": []interface{}{"a", "b", "c"}}, "2026-07-31T00:00:00Z")
	got, err := renderString("count={{ hosts | length }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "count=3" {
		t.Errorf("got %q, want %q", got, "count=3")
	}
}

func TestRenderString_JoinFilter(t *testing.T) {
	ctx := newRenderContext(nil, map[string]interface{}{"hosts": []interface{}{"a", "b", "c"}}, "2026-07-31T00:00:00Z")
	got, err := renderString("hosts={{ hosts | join(', ') }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hosts=a, b, c" {
		t.Errorf("got %q, want %q", got, "hosts=a, b, c")
	}
}

func TestRenderString_BooleanComparison(t *testing.T) {
	ctx := newRenderContext(nil, map[string]interface{}{"env": "prod"}, "2026-07-31T00:00:00Z")
	got, err := renderString("is_prod={{ env == 'prod' }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "is_prod=true" {
		t.Errorf("got %q, want %q", got, "is_prod=true")
	}

	got, err = renderString("is_prod={{ env != 'prod' }}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "is_prod=false" {
		t.Errorf("got %q, want %q", got, "is_prod=false")
	}
}

func TestRenderString_UnsupportedFilterFails(t *testing.T) {
	ctx := newRenderContext(nil, map[string]interface{}{"name": "x"}, "2026-07-31T00:00:00Z")
	if _, err := renderString("{{ name | upper }}", ctx); err == nil {
		t.Fatal("expected error for unsupported filter")
	}
}

func TestRenderValue_RecursesThroughMapsAndSlices(t *testing.T) {
	ctx := newRenderContext(nil, map[string]interface{}{"env": "staging"}, "2026-07-31T00:00:00Z")
	input := map[string]interface{}{
		"tags": []interface{}{"release", "{{ env }}"},
		"nested": map[string]interface{}{
			"label": "env-{{ env }}",
		},
		"count": 3,
	}
	rendered, err := renderValue(input, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, ok := rendered.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map[string]interface{}, got %T", rendered)
	}
	tags, ok := out["tags"].([]interface{})
	if !ok || len(tags) != 2 || tags[1] != "staging" {
		t.Errorf("tags = %#v, want [release staging]", out["tags"])
	}
	nested, ok := out["nested"].(map[string]interface{})
	if !ok || nested["label"] != "env-staging" {
		t.Errorf("nested.label = %#v, want env-staging", out["nested"])
	}
	if out["count"] != 3 {
		t.Errorf("count = %#v, want 3 (non-string passthrough)", out["count"])
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{"x", "x"},
		{nil, ""},
		{true, "true"},
		{42, "42"},
		{int64(9), "9"},
		{float64(3), "3"},
		{float64(3.5), "3.5"},
	}
	for _, c := range cases {
		if got := stringify(c.in); got != c.want {
			t.Errorf("stringify(%#v) = %q, want %q", c.in, got, c.want)
		}
	}
}
