// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
)

// ErrUnauthorized is returned when a token is missing or wrong.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo identifies an authenticated caller.
type AuthInfo struct {
	// UserID is never empty.
	UserID string

	// Roles drive authorization checks, e.g. "admin" or "viewer".
	Roles []string
}

// HasRole reports whether the caller has role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates a bearer token and returns the caller.
type AuthProvider interface {
	// Validate returns ErrUnauthorized (possibly wrapped) for bad tokens.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token, including none, as an admin
// "local-user".
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{"admin"}}, nil
}

// TokenAuthProvider accepts exactly one shared token.
//
// Thread Safety: immutable after construction.
type TokenAuthProvider struct {
	token []byte
	user  string
}

// NewTokenAuthProvider returns a provider for token. Callers presenting it
// are reported as "api-client" with the admin role.
func NewTokenAuthProvider(token string) *TokenAuthProvider {
	return &TokenAuthProvider{token: []byte(token), user: "api-client"}
}

// Validate compares in constant time. An empty configured token rejects
// everything.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if len(p.token) == 0 || subtle.ConstantTimeCompare([]byte(token), p.token) != 1 {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{UserID: p.user, Roles: []string{"admin"}}, nil
}
