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

// notify.go implements notify.{email,slack,teams,webhook,conditional} (spec
// §4.6). Unlike the other step types, a notify node is materialized
// unconditionally by the translator (C2) and its send_on filter is only
// evaluated here, at execution time, once the run's final status is known.
package executor

import (
	"context"

	"github.com/opsconductor/core/pkg/workflow"
	"github.com/opsconductor/core/pkg/workflow/expression"
	opserrors "github.com/opsconductor/core/pkg/errors"
)

var exprEvaluator = expression.New()

// notify dispatches notify.email/slack/teams/webhook, or evaluates
// notify.conditional and recurses into its nested config on true.
func (d Dependencies) notify(ctx context.Context, req Request) (Result, error) {
	sendOn := stringParam(req.Step.Params, "send_on", "always")
	runStatus, _ := req.NotifyContext["job"].(map[string]interface{})
	status, _ := runStatus["status"].(string)
	if !sendOnMatches(sendOn, status) {
		return Succeeded("skipped: send_on filter did not match run status "+status, nil), nil
	}

	channel := req.Step.Type[len("notify."):]
	if channel == "conditional" {
		return d.notifyConditional(ctx, req)
	}
	return d.notifyDeliver(ctx, req, channel)
}

func sendOnMatches(sendOn, status string) bool {
	switch sendOn {
	case "", "always":
		return true
	case "success":
		return status == "succeeded"
	case "failure":
		return status == "failed"
	default:
		return true
	}
}

func (d Dependencies) notifyConditional(ctx context.Context, req Request) (Result, error) {
	expr, _ := req.Step.Params["condition"].(string)
	ok, err := exprEvaluator.Evaluate(expr, req.NotifyContext)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Succeeded("skipped: condition evaluated false", nil), nil
	}

	nested, ok := req.Step.Params["then"].(map[string]interface{})
	if !ok {
		return Result{}, &opserrors.ValidationError{Field: "then", Message: "notify.conditional requires a nested notification config under 'then'"}
	}
	channel, _ := nested["channel"].(string)
	if channel == "" {
		return Result{}, &opserrors.ValidationError{Field: "then.channel", Message: "notify.conditional's nested config requires a channel"}
	}

	nestedReq := req
	nestedStep := *req.Step
	nestedStep.Type = "notify." + channel
	nestedStep.Params = nested
	nestedReq.Step = &nestedStep

	return d.notifyDeliver(ctx, nestedReq, channel)
}

func (d Dependencies) notifyDeliver(ctx context.Context, req Request, channel string) (Result, error) {
	if d.Notifier == nil {
		return Result{}, &opserrors.ConfigError{Key: "notifier", Reason: "no notification sender configured"}
	}

	subjectTpl := stringParam(req.Step.Params, "subject", "")
	bodyTpl := stringParam(req.Step.Params, "body", "")

	subject, err := workflow.RenderText(subjectTpl, req.NotifyContext)
	if err != nil {
		return Result{}, err
	}
	body, err := workflow.RenderText(bodyTpl, req.NotifyContext)
	if err != nil {
		return Result{}, err
	}

	destination := stringParam(req.Step.Params, "destination", "")
	if recipients, ok := req.Step.Params["recipients"]; ok && destination == "" {
		destination = stringify(recipients)
	}

	payload := map[string]interface{}{
		"subject":  subject,
		"body":     body,
		"priority": stringParam(req.Step.Params, "priority", "normal"),
	}

	if err := d.Notifier.Send(ctx, channel, destination, payload); err != nil {
		return Result{}, err
	}

	return Succeeded(marshalPretty(payload), map[string]interface{}{"channel": channel, "destination": destination}), nil
}

func stringify(v interface{}) string {
	switch tv := v.(type) {
	case string:
		return tv
	case []interface{}:
		out := ""
		for i, item := range tv {
			if i > 0 {
				out += ","
			}
			out += stringify(item)
		}
		return out
	default:
		return ""
	}
}
