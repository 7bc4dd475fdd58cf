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

package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// New creates an *http.Client configured per cfg: TLS 1.2+ with connection
// pooling, sanitized request logging with correlation ID propagation, and
// (if cfg.RetryAttempts > 0) exponential-backoff retries.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseTransport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	loggingTrans := newLoggingTransport(baseTransport, cfg.UserAgent)

	var finalTransport http.RoundTripper = loggingTrans
	if cfg.RetryAttempts > 0 {
		finalTransport = newRetryTransport(loggingTrans, cfg)
	}

	return &http.Client{
		Transport: finalTransport,
		Timeout:   cfg.Timeout,
	}, nil
}

// NewInsecure creates a client identical to New but with certificate
// verification disabled, for winrm.* executors against targets configured
// with verify_ssl=false (spec §4.6, default for WinRM).
func NewInsecure(cfg Config) (*http.Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	tr := c.Transport
	for {
		if rt, ok := tr.(*retryTransport); ok {
			tr = rt.base
			continue
		}
		if lt, ok := tr.(*loggingTransport); ok {
			if bt, ok := lt.base.(*http.Transport); ok {
				bt.TLSClientConfig.InsecureSkipVerify = true
			}
			break
		}
		break
	}
	return c, nil
}
