// Copyright 2025 Tom Barlow
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

package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// BearerAuthenticator verifies `Authorization: Bearer <token>` headers
// against a caller-supplied secret (e.g. a workflow's configured token,
// or the engine's static operator token).
type BearerAuthenticator struct{}

// NewBearerAuthenticator constructs a BearerAuthenticator.
func NewBearerAuthenticator() *BearerAuthenticator {
	return &BearerAuthenticator{}
}

// ExtractBearerToken parses the Authorization header of r, case-
// insensitively on the "Bearer" scheme, trimming surrounding whitespace.
func (a *BearerAuthenticator) ExtractBearerToken(r *http.Request) (string, error) {
	return extractBearerToken(r.Header.Get("Authorization"))
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "bearer"
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}
	return token, nil
}

// VerifyToken reports whether token matches secret. An empty token or
// secret never matches. Equal-length inputs are compared in constant
// time; inputs of different lengths return false at once, so the
// comparison time does reveal whether the lengths match.
func (a *BearerAuthenticator) VerifyToken(token, secret string) bool {
	if token == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// Authenticate extracts the bearer token from r and verifies it against
// secret, returning an error when the header is missing, malformed, or
// carries a token that does not match.
func (a *BearerAuthenticator) Authenticate(r *http.Request, secret string) error {
	token, err := a.ExtractBearerToken(r)
	if err != nil {
		return err
	}
	if !a.VerifyToken(token, secret) {
		return fmt.Errorf("invalid bearer token")
	}
	return nil
}
