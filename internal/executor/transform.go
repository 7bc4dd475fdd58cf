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

package executor

import (
	"context"
	"encoding/json"

	"github.com/opsconductor/core/internal/executor/transform"
)

// dataTransform implements the `data.transform`/`data.aggregate` step type:
// a jq expression (params.query) reshapes params.input (or, absent that,
// the whole params map minus "query" itself) into the step's result.
func (d Dependencies) dataTransform(ctx context.Context, req Request) (Result, error) {
	query := stringParam(req.Step.Params, "query", ".")

	input, ok := req.Step.Params["input"]
	if !ok {
		input = withoutQueryKey(req.Step.Params)
	}

	eval := transform.NewEvaluator(0)
	out, err := eval.WithTimeout(ctx, stepTimeout(req.Step), query, input)
	if err != nil {
		return Failed(1, "", err.Error(), nil), nil
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return Failed(1, "", "failed to encode transform output: "+err.Error(), nil), nil
	}
	return Succeeded(string(encoded), map[string]interface{}{"output": out}), nil
}

func withoutQueryKey(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if k == "query" {
			continue
		}
		out[k] = v
	}
	return out
}
