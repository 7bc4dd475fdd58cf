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

// Package authn implements the consumed half of the auth contract (spec
// §6): the core never issues tokens or owns a user directory, it only
// verifies bearer tokens the external auth service issued, or trusts a
// front-door ingress that has already done so and injects identity
// headers. Both forms resolve to the same Identity so the rest of the
// core (the run-control surface, C8's fan-out subscriptions) never has
// to know which mode is active.
//
// Grounded on the teacher's internal/controller/auth/jwt.go for the
// HS256/EdDSA keyfunc-switching validation shape, adapted from a
// standalone ValidateJWT function into a Verifier that also covers the
// trusted-ingress-header bypass this subsystem's auth contract allows
// (the teacher has no equivalent; it always terminates its own JWTs).
package authn

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opsconductor/core/internal/config"
	opserrors "github.com/opsconductor/core/pkg/errors"
)

// Identity is the authenticated caller, regardless of which verification
// mode produced it.
type Identity struct {
	UserID   string
	Username string
	Role     string
	Scopes   []string
}

// Claims is the JWT claim set the external auth service is expected to
// issue. Mirrors the teacher's auth.Claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id,omitempty"`
	Username string   `json:"username,omitempty"`
	Role     string   `json:"role,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Header names the trusted-ingress mode reads identity off of (spec §6:
// "trusted ingress that injects X-User-ID, X-Username, X-User-Role
// headers").
const (
	HeaderUserID   = "X-User-ID"
	HeaderUsername = "X-Username"
	HeaderRole     = "X-User-Role"
)

// Config configures a Verifier. Secret enables bearer-token verification;
// TrustIngressHeaders enables the header-bypass mode. The core treats
// either as interchangeable, and both may be set at once for a staged
// rollout off of one onto the other.
type Config struct {
	Secret              []byte
	PublicKey           ed25519.PublicKey
	Issuer              string
	Audience            string
	ClockSkew           time.Duration
	TrustIngressHeaders bool
}

// FromAuthConfig adapts config.AuthConfig (the YAML-serializable form) into
// a Verifier Config. JWTSecret is taken as-is; asymmetric verification and
// issuer/audience pinning are not exposed in YAML and default to unset.
func FromAuthConfig(cfg config.AuthConfig) Config {
	return Config{
		Secret:              []byte(cfg.JWTSecret),
		TrustIngressHeaders: cfg.TrustIngressHeaders,
		ClockSkew:           30 * time.Second,
	}
}

// Verifier authenticates inbound requests to the run-control surface.
type Verifier struct {
	cfg Config
}

// NewVerifier constructs a Verifier. A zero-value Config authenticates
// nothing: every request is rejected, which is the safe default for a
// misconfigured deployment rather than silently trusting anyone.
func NewVerifier(cfg Config) *Verifier {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Verifier{cfg: cfg}
}

// Authenticate resolves an Identity from an inbound HTTP request, trying
// the trusted-ingress headers first (cheaper, and the expected path when
// both modes are configured during a migration) and falling back to
// bearer-token verification.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	if v.cfg.TrustIngressHeaders {
		if id, ok := identityFromHeaders(r); ok {
			return id, nil
		}
	}

	token := bearerToken(r)
	if token == "" {
		return Identity{}, &opserrors.PermissionError{Action: "authenticate", Reason: "no credentials presented"}
	}
	claims, err := v.validate(token)
	if err != nil {
		return Identity{}, &opserrors.PermissionError{Action: "authenticate", Reason: err.Error()}
	}
	return Identity{UserID: claims.UserID, Username: claims.Username, Role: claims.Role, Scopes: claims.Scopes}, nil
}

func identityFromHeaders(r *http.Request) (Identity, bool) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		return Identity{}, false
	}
	return Identity{
		UserID:   userID,
		Username: r.Header.Get(HeaderUsername),
		Role:     r.Header.Get(HeaderRole),
	}, true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

// validate parses and verifies a bearer token, grounded on the teacher's
// ValidateJWT: an algorithm-switching keyfunc (HS256 against Secret, EdDSA
// against PublicKey), then issuer/audience pinning once the signature and
// exp/nbf/iat checks (handled by the parser itself, with ClockSkew leeway)
// have passed.
func (v *Verifier) validate(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithLeeway(v.cfg.ClockSkew))

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(v.cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires a configured secret")
			}
			return v.cfg.Secret, nil
		case "EdDSA":
			if v.cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires a configured public key")
			}
			return v.cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unsupported signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if v.cfg.Audience != "" {
		ok := false
		for _, aud := range claims.Audience {
			if aud == v.cfg.Audience {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("token not valid for audience %q", v.cfg.Audience)
		}
	}
	return claims, nil
}
