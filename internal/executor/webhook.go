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

// webhook.go implements webhook.call (spec §4.6): POST a JSON payload to an
// external URL, optionally HMAC-signing the body when the step carries a
// secret, and retrying 5xx responses with a linear backoff while never
// retrying 4xx.
package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/opsconductor/core/pkg/httpclient"
	opserrors "github.com/opsconductor/core/pkg/errors"
)

const (
	webhookDefaultRetryCount = 2
	webhookRetryDelay        = 2 * time.Second
)

func (d Dependencies) webhookCall(ctx context.Context, req Request) (Result, error) {
	url := stringParam(req.Step.Params, "url", "")
	if url == "" {
		return Result{}, &opserrors.ValidationError{Field: "url", Message: "webhook.call requires a rendered url"}
	}

	payload, _ := req.Step.Params["payload"].(map[string]interface{})
	bodyBytes, err := canonicalJSON(payload)
	if err != nil {
		return Result{}, opserrors.Wrap(err, "webhook: marshal payload")
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = stepTimeout(req.Step)
	client, err := httpclient.New(cfg)
	if err != nil {
		return Result{}, opserrors.Wrap(err, "webhook: build client")
	}

	secret := stringParam(req.Step.Params, "secret", "")
	retryCount := intParam(req.Step.Params, "retry_count", webhookDefaultRetryCount)
	maxAttempts := retryCount + 1

	var lastErr error
	var lastResp *http.Response
	var lastBody []byte

	for attempt := 0; attempt < maxAttempts; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return Result{}, opserrors.Wrap(err, "webhook: build request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if secret != "" {
			sig := signHMAC(secret, bodyBytes)
			httpReq.Header.Set("X-Webhook-Signature", sig)
			httpReq.Header.Set("X-Hub-Signature-256", "sha256="+sig)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = err
			time.Sleep(webhookRetryDelay * time.Duration(attempt+1))
			continue
		}
		respBody, _ := bufferAndClose(resp)

		if resp.StatusCode < 500 {
			lastResp, lastBody = resp, respBody
			break
		}
		lastResp, lastBody = resp, respBody
		time.Sleep(webhookRetryDelay * time.Duration(attempt+1))
	}

	if lastResp == nil {
		return Result{}, connErr("webhook", lastErr)
	}

	metrics := map[string]interface{}{"status_code": lastResp.StatusCode}
	stdout := string(lastBody)

	if lastResp.StatusCode >= 200 && lastResp.StatusCode < 300 {
		return Succeeded(stdout, metrics), nil
	}
	return Failed(lastResp.StatusCode, stdout, "webhook returned non-2xx status", metrics), nil
}

func bufferAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}

func signHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalJSON marshals payload with sorted map keys so the signature is
// reproducible regardless of Go's map iteration order.
func canonicalJSON(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, _ := json.Marshal(k)
		valJSON, err := json.Marshal(payload[k])
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return ordered, nil
}
