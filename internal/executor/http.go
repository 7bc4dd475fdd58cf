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

// http.go implements the http.{GET,POST,PUT,DELETE,PATCH} step types (spec
// §4.6): issue a single already-rendered HTTP request against a target URL,
// classify success by status code, and record a redacted summary of the
// request and response.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opsconductor/core/pkg/httpclient"
	opserrors "github.com/opsconductor/core/pkg/errors"
)

var defaultExpectedStatusCodes = []int{200, 201, 202, 204}

// httpRequest implements http.GET/POST/PUT/DELETE/PATCH. The step type tag
// itself ("http.POST", etc.) carries the method; url/headers/body arrive
// pre-rendered in Params.
func (d Dependencies) httpRequest(ctx context.Context, req Request) (Result, error) {
	method := strings.TrimPrefix(req.Step.Type, "http.")
	url := stringParam(req.Step.Params, "url", "")
	if url == "" {
		return Result{}, &opserrors.ValidationError{Field: "url", Message: "http step requires a rendered url"}
	}

	var bodyReader io.Reader
	body := stringParam(req.Step.Params, "body", "")
	if body != "" {
		bodyReader = bytes.NewBufferString(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return Result{}, opserrors.Wrap(err, "http: build request")
	}

	if headers, ok := req.Step.Params["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	switch auth := stringParam(req.Step.Params, "auth_type", ""); auth {
	case "basic":
		httpReq.SetBasicAuth(req.Credential.Username, req.Credential.Password)
	case "bearer":
		token := req.Credential.Token
		if token == "" {
			token = req.Credential.Password
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = stepTimeout(req.Step)

	verifySSL := true
	if v, ok := req.Step.Params["verify_ssl"].(bool); ok {
		verifySSL = v
	}

	client, err := clientForVerify(cfg, verifySSL)
	if err != nil {
		return Result{}, opserrors.Wrap(err, "http: build client")
	}
	followRedirects := true
	if v, ok := req.Step.Params["follow_redirects"].(bool); ok {
		followRedirects = v
	}
	if !followRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{}, connErr("http", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	stdout := redactSecrets(string(respBody), req.Credential.Password, req.Credential.Token)

	metrics := map[string]interface{}{
		"status_code":     resp.StatusCode,
		"response_headers": summarizeHeaders(resp.Header),
	}

	expected := expectedStatusCodes(req.Step.Params)
	if containsInt(expected, resp.StatusCode) {
		return Succeeded(stdout, metrics), nil
	}
	return Failed(resp.StatusCode, stdout, fmt.Sprintf("unexpected status code %d", resp.StatusCode), metrics), nil
}

func clientForVerify(cfg httpclient.Config, verifySSL bool) (*http.Client, error) {
	if verifySSL {
		return httpclient.New(cfg)
	}
	return httpclient.NewInsecure(cfg)
}

func expectedStatusCodes(params map[string]interface{}) []int {
	raw, ok := params["expected_status_codes"].([]interface{})
	if !ok || len(raw) == 0 {
		return defaultExpectedStatusCodes
	}
	codes := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case int:
			codes = append(codes, n)
		case float64:
			codes = append(codes, int(n))
		}
	}
	if len(codes) == 0 {
		return defaultExpectedStatusCodes
	}
	return codes
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}

func summarizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// marshalPretty is used by webhook.go and notify.go to render a readable
// metrics payload without importing encoding/json at each call site.
func marshalPretty(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
