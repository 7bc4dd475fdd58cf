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
	"regexp"
	"strconv"
	"strings"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

// templatePattern matches a Jinja-style {{ expr }} substitution.
var templatePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// renderContext is the flat, dotted-path-addressable variable space a
// template is rendered against: run parameters plus a small system
// sub-object (spec §4.2 step 4).
type renderContext map[string]interface{}

// newRenderContext builds the variable space for one run: the caller's
// parameters merged over the job's declared parameter defaults, plus
// system.timestamp.
func newRenderContext(declared map[string]Parameter, runParams map[string]interface{}, systemTimestamp string) renderContext {
	ctx := make(renderContext, len(declared)+1)
	for name, p := range declared {
		if p.Default != nil {
			ctx[name] = p.Default
		}
	}
	for name, v := range runParams {
		ctx[name] = v
	}
	ctx["system"] = map[string]interface{}{
		"timestamp": systemTimestamp,
	}
	return ctx
}

// renderString substitutes every {{ expr }} occurrence in s against ctx.
// Undefined variables are a hard error (strict undefined): this is a
// deliberate departure from the teacher's lenient text/template rendering,
// required so authoring errors surface before a run ever reaches queued
// (spec §4.2 step 4, REDESIGN).
//
// expr is one of: a dotted path, a boolean comparison ("path == 'x'",
// "path != 'x'"), or a path piped through the documented filter subset
// (spec §9: `default`, `length`, `join` — anything past that is out of
// scope and left as an undefined-variable error).
func renderString(s string, ctx renderContext) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var firstErr error
	result := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := templatePattern.FindStringSubmatch(match)
		expr := strings.TrimSpace(groups[1])

		value, err := evalExpr(expr, ctx)
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(value)
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// comparisonPattern splits a boolean comparison into its operands; operators
// are checked longest-first so "!=" isn't mistaken for a literal.
var comparisonPattern = regexp.MustCompile(`^(.+?)\s*(==|!=)\s*(.+)$`)

// filterCallPattern matches a filter segment with a parenthesized argument
// list, e.g. `default('n/a')` or `join(', ')`.
var filterCallPattern = regexp.MustCompile(`^(\w+)\(\s*(.*?)\s*\)$`)

// evalExpr evaluates one {{ }} expression: a boolean comparison takes
// precedence over the plain path-plus-filters form, since a comparison's
// left-hand side is itself evaluated through that same path-plus-filters
// path before the operator applies.
func evalExpr(expr string, ctx renderContext) (interface{}, error) {
	if m := comparisonPattern.FindStringSubmatch(expr); m != nil {
		left, err := evalPathWithFilters(m[1], ctx)
		if err != nil {
			return nil, err
		}
		right := parseLiteralOrPath(m[3], ctx)
		equal := fmt.Sprint(left) == fmt.Sprint(right)
		if m[2] == "!=" {
			return !equal, nil
		}
		return equal, nil
	}
	return evalPathWithFilters(expr, ctx)
}

// parseLiteralOrPath resolves the right-hand side of a comparison: a
// quoted string literal, or else a context path (undefined resolves to
// nil, which simply never string-equals anything real).
func parseLiteralOrPath(operand string, ctx renderContext) interface{} {
	if lit, ok := unquote(operand); ok {
		return lit
	}
	value, _ := resolveContextPath(operand, ctx)
	return value
}

// evalPathWithFilters evaluates a path followed by zero or more `| filter`
// stages (spec §9: default, length, join).
func evalPathWithFilters(expr string, ctx renderContext) (interface{}, error) {
	segments := strings.Split(expr, "|")
	path := strings.TrimSpace(segments[0])

	value, ok := resolveContextPath(path, ctx)
	if !ok {
		if len(segments) > 1 {
			// default() is the one filter allowed to paper over an
			// undefined path; everything else still requires a value.
			if fallback, handled, err := tryDefaultOnUndefined(segments[1:]); handled {
				return fallback, err
			}
		}
		return nil, &opserrors.ValidationError{
			Field:      "template",
			Message:    fmt.Sprintf("undefined variable %q", path),
			Suggestion: "declare the parameter on the job definition or supply it when running",
		}
	}

	for _, raw := range segments[1:] {
		var err error
		value, err = applyFilter(strings.TrimSpace(raw), value)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

// tryDefaultOnUndefined handles `{{ missing | default('x') }}`: only
// meaningful when default() is the very first filter in the chain, since
// every later filter needs an actual value to operate on.
func tryDefaultOnUndefined(filters []string) (interface{}, bool, error) {
	first := strings.TrimSpace(filters[0])
	m := filterCallPattern.FindStringSubmatch(first)
	if m == nil || m[1] != "default" {
		return nil, false, nil
	}
	lit, ok := unquote(m[2])
	if !ok {
		return nil, true, &opserrors.ValidationError{Field: "template", Message: "default() requires a quoted string argument"}
	}
	return lit, true, nil
}

// applyFilter applies one named filter (spec §9's documented subset) to
// value. Anything outside default/length/join is rejected at translation
// time rather than silently passed through.
func applyFilter(filter string, value interface{}) (interface{}, error) {
	if filter == "length" {
		return filterLength(value)
	}

	m := filterCallPattern.FindStringSubmatch(filter)
	if m == nil {
		return nil, &opserrors.ValidationError{
			Field:   "template",
			Message: fmt.Sprintf("unsupported filter %q (only default, length, join are allowed)", filter),
		}
	}
	name, arg := m[1], m[2]
	switch name {
	case "default":
		if value != nil {
			return value, nil
		}
		lit, ok := unquote(arg)
		if !ok {
			return nil, &opserrors.ValidationError{Field: "template", Message: "default() requires a quoted string argument"}
		}
		return lit, nil
	case "join":
		sep, ok := unquote(arg)
		if !ok {
			return nil, &opserrors.ValidationError{Field: "template", Message: "join() requires a quoted separator argument"}
		}
		return filterJoin(value, sep)
	default:
		return nil, &opserrors.ValidationError{
			Field:   "template",
			Message: fmt.Sprintf("unsupported filter %q (only default, length, join are allowed)", name),
		}
	}
}

func filterLength(value interface{}) (interface{}, error) {
	switch tv := value.(type) {
	case string:
		return len(tv), nil
	case []interface{}:
		return len(tv), nil
	case map[string]interface{}:
		return len(tv), nil
	default:
		return nil, &opserrors.ValidationError{Field: "template", Message: "length filter requires a string, list, or map"}
	}
}

func filterJoin(value interface{}, sep string) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, &opserrors.ValidationError{Field: "template", Message: "join filter requires a list"}
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = stringify(item)
	}
	return strings.Join(parts, sep), nil
}

// unquote reports whether s is a single- or double-quoted string literal,
// returning its unquoted content.
func unquote(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], true
		}
	}
	return "", false
}

// RenderText substitutes every {{ expr }} occurrence in s against a flat
// variable space (dotted-path-addressable, e.g. "job.status", "target.hostname").
// It is exported for callers outside this package that render templates
// against a context assembled at execution time rather than at translation
// time — notify.* executors, whose subject/body can only be rendered once
// the run's final status is known (spec §4.6).
func RenderText(s string, vars map[string]interface{}) (string, error) {
	return renderString(s, renderContext(vars))
}

// renderValue recursively renders every string leaf of an arbitrary
// JSON-like value (string, map, slice); other types pass through unchanged.
func renderValue(v interface{}, ctx renderContext) (interface{}, error) {
	switch tv := v.(type) {
	case string:
		return renderString(tv, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, sub := range tv {
			rendered, err := renderValue(sub, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, sub := range tv {
			rendered, err := renderValue(sub, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveContextPath resolves a dot-separated path ("system.timestamp",
// "target.hostname") against ctx, returning ok=false when any segment is
// missing.
func resolveContextPath(path string, ctx renderContext) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(ctx)

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		val, ok := m[part]
		if !ok {
			return nil, false
		}
		current = val
	}
	return current, true
}

func stringify(v interface{}) string {
	switch tv := v.(type) {
	case string:
		return tv
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(tv)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case float64:
		if tv == float64(int64(tv)) {
			return strconv.FormatInt(int64(tv), 10)
		}
		return strconv.FormatFloat(tv, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", tv)
	}
}
