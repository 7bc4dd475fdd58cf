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
	"encoding/json"
	"fmt"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

// wireDefinition mirrors spec §6's workflow definition JSON shape, where
// nodes/edges sit at the top level rather than nested under a "graph" key.
// Definition.Graph carries json:"-" for exactly this reason: the wire shape
// and the in-memory shape diverge, so unmarshaling goes through this
// intermediate type instead of struct tags alone.
type wireDefinition struct {
	Name        string               `json:"name"`
	Version     int                  `json:"version"`
	Description string               `json:"description,omitempty"`
	Parameters  map[string]Parameter `json:"parameters,omitempty"`
	Nodes       []Node               `json:"nodes"`
	Edges       []Edge               `json:"edges"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
}

// ParseDefinition decodes a workflow definition from its wire JSON form
// (spec §6) and validates the minimal shape required before it can be
// stored: a name, a positive version, and parameter defaults whose declared
// type (when given) matches the default's runtime type. Graph structural
// validity (unknown node types, cycles, dangling edges) is deferred to
// Translate, which runs per-run with parameters already bound.
func ParseDefinition(data []byte) (*Definition, error) {
	var wire wireDefinition
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &opserrors.ValidationError{
			Field:   "definition",
			Message: fmt.Sprintf("invalid definition JSON: %s", err),
		}
	}

	def := &Definition{
		Name:        wire.Name,
		Version:     wire.Version,
		Description: wire.Description,
		Parameters:  wire.Parameters,
		Graph:       Graph{Nodes: wire.Nodes, Edges: wire.Edges},
		Metadata:    wire.Metadata,
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks the definition-level fields Translate does not itself
// check: name presence, a positive version, and parameter type/default
// consistency. It does not walk the graph — Translate does that, bound to
// one run's parameters.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &opserrors.ValidationError{
			Field:   "name",
			Message: "definition name must not be empty",
		}
	}
	if d.Version <= 0 {
		return &opserrors.ValidationError{
			Field:      "version",
			Message:    fmt.Sprintf("version must be positive, got %d", d.Version),
			Suggestion: "start new definitions at version 1",
		}
	}
	for name, p := range d.Parameters {
		if p.Default == nil {
			continue
		}
		if err := checkParameterType(name, p); err != nil {
			return err
		}
	}
	return nil
}

func checkParameterType(name string, p Parameter) error {
	mismatch := func() error {
		return &opserrors.ValidationError{
			Field:   fmt.Sprintf("parameters.%s.default", name),
			Message: fmt.Sprintf("default value does not match declared type %q", p.Type),
		}
	}
	switch p.Type {
	case "", "string":
		if _, ok := p.Default.(string); p.Type == "string" && !ok {
			return mismatch()
		}
	case "int", "integer", "number":
		switch p.Default.(type) {
		case int, int64, float64:
		default:
			return mismatch()
		}
	case "bool", "boolean":
		if _, ok := p.Default.(bool); !ok {
			return mismatch()
		}
	case "list", "array":
		if _, ok := p.Default.([]interface{}); !ok {
			return mismatch()
		}
	case "object", "map":
		if _, ok := p.Default.(map[string]interface{}); !ok {
			return mismatch()
		}
	}
	return nil
}
