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

package authn

import (
	"context"
	"encoding/json"
	"net/http"
)

// contextKey is a private type for context keys to avoid collisions with
// keys set by other packages sharing the same request context.
type contextKey string

const identityContextKey contextKey = "authn.identity"

// IdentityFromContext extracts the authenticated Identity a Middleware
// attached to the request context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// contextWithIdentity returns a new context carrying id.
func contextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// Middleware gates the run-control surface's HTTP handlers (spec §6)
// behind a Verifier. Unlike the teacher's auth.Middleware it carries no
// API-key or rate-limiting concerns of its own — those are out of scope
// here (the auth service and any ingress rate limiting are deliberately
// external collaborators, spec §1) — but keeps the same Wrap-an-
// http.Handler shape and health-endpoint bypass.
type Middleware struct {
	verifier    *Verifier
	healthPaths map[string]struct{}
}

// NewMiddleware constructs a Middleware from a Verifier. skipPaths lists
// request paths (e.g. "/healthz") that bypass authentication entirely.
func NewMiddleware(v *Verifier, skipPaths ...string) *Middleware {
	m := &Middleware{verifier: v, healthPaths: make(map[string]struct{}, len(skipPaths))}
	for _, p := range skipPaths {
		m.healthPaths[p] = struct{}{}
	}
	return m
}

// Wrap authenticates every request that isn't on the skip list, attaching
// the resolved Identity to the request context before calling next. A
// rejected request gets a 401 with a small JSON body; it never reaches
// next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, skip := m.healthPaths[r.URL.Path]; skip {
			next.ServeHTTP(w, r)
			return
		}

		id, err := m.verifier.Authenticate(r)
		if err != nil {
			unauthorized(w, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), id)))
	})
}

func unauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
