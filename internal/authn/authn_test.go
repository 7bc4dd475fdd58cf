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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifier_Authenticate_ValidBearerToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewVerifier(Config{Secret: secret})

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "u-1",
		Role:   "operator",
		Scopes: []string{"job:run"},
	}
	token := signToken(t, secret, claims)

	req := httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	id, err := v.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.UserID != "u-1" || id.Role != "operator" {
		t.Errorf("Authenticate() = %+v, want UserID=u-1 Role=operator", id)
	}
}

func TestVerifier_Authenticate_ExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewVerifier(Config{Secret: secret})

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		UserID: "u-1",
	}
	token := signToken(t, secret, claims)

	req := httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := v.Authenticate(req); err == nil {
		t.Fatal("Authenticate() error = nil, want expired-token error")
	}
}

func TestVerifier_Authenticate_WrongSecret(t *testing.T) {
	v := NewVerifier(Config{Secret: []byte("correct")})
	token := signToken(t, []byte("wrong"), Claims{UserID: "u-1"})

	req := httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := v.Authenticate(req); err == nil {
		t.Fatal("Authenticate() error = nil, want signature mismatch error")
	}
}

func TestVerifier_Authenticate_NoCredentials(t *testing.T) {
	v := NewVerifier(Config{Secret: []byte("s")})
	req := httptest.NewRequest("GET", "/runs", nil)

	if _, err := v.Authenticate(req); err == nil {
		t.Fatal("Authenticate() error = nil, want no-credentials error")
	}
}

func TestVerifier_Authenticate_TrustedIngressHeaders(t *testing.T) {
	v := NewVerifier(Config{TrustIngressHeaders: true})

	req := httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set(HeaderUserID, "u-42")
	req.Header.Set(HeaderUsername, "alice")
	req.Header.Set(HeaderRole, "admin")

	id, err := v.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.UserID != "u-42" || id.Username != "alice" || id.Role != "admin" {
		t.Errorf("Authenticate() = %+v, want u-42/alice/admin", id)
	}
}

func TestVerifier_Authenticate_TrustedIngressFallsBackToBearer(t *testing.T) {
	secret := []byte("test-secret")
	v := NewVerifier(Config{Secret: secret, TrustIngressHeaders: true})

	token := signToken(t, secret, Claims{UserID: "u-1"})
	req := httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	id, err := v.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.UserID != "u-1" {
		t.Errorf("Authenticate() UserID = %q, want u-1", id.UserID)
	}
}

func TestVerifier_Authenticate_IssuerMismatch(t *testing.T) {
	secret := []byte("test-secret")
	v := NewVerifier(Config{Secret: secret, Issuer: "opsconductor-auth"})

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
		UserID:           "u-1",
	}
	token := signToken(t, secret, claims)

	req := httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := v.Authenticate(req); err == nil {
		t.Fatal("Authenticate() error = nil, want issuer mismatch error")
	}
}

func TestMiddleware_Wrap_SkipsConfiguredPaths(t *testing.T) {
	v := NewVerifier(Config{Secret: []byte("s")})
	mw := NewMiddleware(v, "/healthz")

	called := false
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("Wrap() did not call next for a skipped path")
	}
	if rec.Code != 200 {
		t.Errorf("Wrap() status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_Wrap_RejectsUnauthenticated(t *testing.T) {
	v := NewVerifier(Config{Secret: []byte("s")})
	mw := NewMiddleware(v)

	called := false
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest("GET", "/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Error("Wrap() called next for an unauthenticated request")
	}
	if rec.Code != 401 {
		t.Errorf("Wrap() status = %d, want 401", rec.Code)
	}
}
