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

// Package credentials implements C7: resolving a Target (plus an optional
// credential-name hint) to decrypted secret material obtained from the
// external credentials vault (spec §6 "Vault contract (consumed)"). The
// core never persists what the vault returns; Resolve's result is valid
// only for the caller's current step invocation and must be discarded on
// return (spec §4.7, §5 "Credential material: treated as move-only").
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	opserrors "github.com/opsconductor/core/pkg/errors"
)

// Material is the decrypted secret material the vault hands back for one
// credential. Fields are populated according to Type; unused fields are
// left zero.
type Material struct {
	ID          string
	Type        string // username_password, ssh_key, certificate, token, api_key
	Username    string
	Password    string
	PrivateKey  string // PEM
	Passphrase  string
	KeyType     string
	Certificate string
	Token       string
}

// Redact returns a copy of the material with every secret field replaced,
// safe to include in logs or diagnostics.
func (m Material) Redact() Material {
	r := m
	if r.Password != "" {
		r.Password = "[redacted]"
	}
	if r.PrivateKey != "" {
		r.PrivateKey = "[redacted]"
	}
	if r.Passphrase != "" {
		r.Passphrase = "[redacted]"
	}
	if r.Token != "" {
		r.Token = "[redacted]"
	}
	return r
}

// Hint names which credential to resolve for a target: the declared
// credential name/reference (as authored in the step payload). No
// credential is chosen by the target's service type; Resolve returns an
// error for an empty reference, and ServiceType only appears in that
// error's message.
type Hint struct {
	CredentialRef string
	ServiceType   string
}

// VaultClient is the minimal contract this package needs from the external
// vault service; the concrete implementation is an mTLS HTTP client (spec
// §6).
type VaultClient interface {
	// Fetch retrieves decrypted material for a credential reference.
	Fetch(ctx context.Context, ref string) (Material, error)
}

// HTTPVaultClient implements VaultClient against `GET /credentials/{id}`.
type HTTPVaultClient struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *HTTPVaultClient) Fetch(ctx context.Context, ref string) (Material, error) {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/credentials/"+ref, nil)
	if err != nil {
		return Material{}, opserrors.Wrap(err, "credentials: build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return Material{}, &opserrors.TransientError{Op: "credentials.fetch", Message: "vault request failed", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Material{}, &opserrors.NotFoundError{Resource: "credential", ID: ref}
	case resp.StatusCode >= 500:
		return Material{}, &opserrors.TransientError{Op: "credentials.fetch", Message: fmt.Sprintf("vault status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return Material{}, &opserrors.PermissionError{Action: "credentials.fetch", Reason: fmt.Sprintf("vault status %d", resp.StatusCode)}
	}

	var m Material
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Material{}, opserrors.Wrap(err, "credentials: decode vault response")
	}
	m.ID = ref
	return m, nil
}

type cacheEntry struct {
	material  Material
	expiresAt time.Time
}

// Resolver is C7: it fetches credential material through a VaultClient and
// permits a short (seconds, not minutes) in-process cache for repeated
// steps within the same run, per spec §4.7. The cache key is scoped by run
// ID so material never leaks across runs, mirroring the teacher's per-run
// secret cache (internal/secrets/cache.go in the reference pack).
type Resolver struct {
	vault VaultClient
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry // key: runID + "/" + ref
}

// New constructs a Resolver. ttl is typically single-digit seconds; zero
// disables caching entirely (every call round-trips the vault).
func New(vault VaultClient, ttl time.Duration) *Resolver {
	return &Resolver{vault: vault, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Resolve returns decrypted material for the credential named by hint,
// scoped to runID for caching purposes. The caller must not retain the
// returned Material beyond the scope of the current step execution.
func (r *Resolver) Resolve(ctx context.Context, runID string, hint Hint) (Material, error) {
	ref := hint.CredentialRef
	if ref == "" {
		return Material{}, &opserrors.ValidationError{
			Field:   "credential",
			Message: "no credential reference resolvable for target service type " + hint.ServiceType,
		}
	}

	key := runID + "/" + ref
	if r.ttl > 0 {
		r.mu.Lock()
		if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expiresAt) {
			r.mu.Unlock()
			return entry.material, nil
		}
		r.mu.Unlock()
	}

	m, err := r.vault.Fetch(ctx, ref)
	if err != nil {
		return Material{}, err
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[key] = cacheEntry{material: m, expiresAt: time.Now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return m, nil
}

// ExpireRun drops every cached entry for a completed run, keeping the
// in-process cache from growing unbounded across the daemon's lifetime.
func (r *Resolver) ExpireRun(runID string) {
	prefix := runID + "/"
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.cache, k)
		}
	}
}
