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

// Package targets is a thin, cached read-only client for the external
// asset/target registry (spec §6 "Target registry contract (consumed)").
// The core never writes to this registry; it resolves a rendered hostname
// to a Target identity during translation (spec §4.2 step 5) and hands
// connection metadata (port, OS family, service type) to the step
// executors (C6).
package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

// Target is the subset of the registry's asset record the core uses.
type Target struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Hostname    string `json:"hostname"`
	IPAddress   string `json:"ip_address"`
	Port        int    `json:"port"`
	OSType      string `json:"os_type"`
	DeviceType  string `json:"device_type"`
	ServiceType string `json:"service_type"`
	IsActive    bool   `json:"is_active"`
}

// DefaultPort returns the connection port for serviceType, per spec §4.6:
// the record's own port when set, except that WinRM port
// misconfigurations (5985/5986 given as the SSH port) are corrected to 22;
// otherwise the service default, with SSH defaulting to 22.
func (t Target) DefaultPort(serviceType string) int {
	if t.Port > 0 {
		switch serviceType {
		case "winrm", "winrm_https", "http", "https":
		default:
			if t.Port == 5985 || t.Port == 5986 {
				return 22
			}
		}
		return t.Port
	}
	switch serviceType {
	case "winrm":
		return 5985
	case "winrm_https":
		return 5986
	case "http", "https":
		return 0 // caller supplies the full URL
	default:
		return 22
	}
}

type cacheEntry struct {
	target    Target
	expiresAt time.Time
}

// Client is a read-only, briefly-cached client for the registry's `GET
// /assets` endpoint (spec §6, TTL ~5 min).
type Client struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.RWMutex
	byName    map[string]cacheEntry
	listAt    time.Time
	allTarget []Target
}

// NewClient constructs a registry Client. httpClient should be a
// bounded-timeout client (pkg/httpclient); a zero value falls back to
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, ttl time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		ttl:        ttl,
		byName:     make(map[string]cacheEntry),
	}
}

// Resolve implements workflow.TargetResolver: it maps a rendered hostname
// (which may be a registry asset name, a bare hostname, or an IP) to a
// Target identity. A cache miss triggers a full registry refresh rather
// than a per-name lookup, since the registry contract only exposes a list
// endpoint.
func (c *Client) Resolve(ctx context.Context, hostname string) (string, bool) {
	t, ok := c.lookup(hostname)
	if ok {
		return t.ID, true
	}
	if err := c.refresh(ctx); err != nil {
		return "", false
	}
	t, ok = c.lookup(hostname)
	if !ok {
		return "", false
	}
	return t.ID, true
}

// Get returns the full Target record for an ID, refreshing the cache if
// it's stale or the ID isn't present.
func (c *Client) Get(ctx context.Context, id string) (Target, error) {
	c.mu.RLock()
	for _, t := range c.allTarget {
		if t.ID == id {
			c.mu.RUnlock()
			return t, nil
		}
	}
	c.mu.RUnlock()

	if err := c.refresh(ctx); err != nil {
		return Target{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.allTarget {
		if t.ID == id {
			return t, nil
		}
	}
	return Target{}, &opserrors.NotFoundError{Resource: "target", ID: id}
}

func (c *Client) lookup(hostname string) (Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if time.Since(c.listAt) > c.ttl {
		return Target{}, false
	}
	if entry, ok := c.byName[hostname]; ok && time.Now().Before(entry.expiresAt) {
		return entry.target, true
	}
	return Target{}, false
}

func (c *Client) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/assets", nil)
	if err != nil {
		return opserrors.Wrap(err, "targets: build request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &opserrors.TransientError{Op: "targets.refresh", Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &opserrors.TransientError{Op: "targets.refresh", Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return &opserrors.ValidationError{Field: "targets", Message: fmt.Sprintf("registry returned %d", resp.StatusCode)}
	}

	var assets []Target
	if err := json.NewDecoder(resp.Body).Decode(&assets); err != nil {
		return opserrors.Wrap(err, "targets: decode response")
	}

	now := time.Now()
	byName := make(map[string]cacheEntry, len(assets)*2)
	for _, a := range assets {
		entry := cacheEntry{target: a, expiresAt: now.Add(c.ttl)}
		if a.Name != "" {
			byName[a.Name] = entry
		}
		if a.Hostname != "" {
			byName[a.Hostname] = entry
		}
		if a.IPAddress != "" {
			byName[a.IPAddress] = entry
		}
	}

	c.mu.Lock()
	c.byName = byName
	c.allTarget = assets
	c.listAt = now
	c.mu.Unlock()
	return nil
}
