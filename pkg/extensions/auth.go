// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"slices"
	"strings"
)

// ErrUnauthorized is returned by AuthProvider.Validate when the token is
// missing, malformed or not accepted.
var ErrUnauthorized = errors.New("unauthorized")

// Roles handed out by the built-in providers.
const (
	RoleResearcher = "researcher"
)

// AuthInfo is the identity of an authenticated caller.
type AuthInfo struct {
	// Subject identifies the caller. Never empty.
	Subject string

	Roles []string
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates bearer tokens.
//
// # Description
//
// Validate returns the caller's identity for an accepted token. The token
// is the text after "Bearer " in the Authorization header, or "" when the
// header is missing.
//
// # Outputs
//
//   - *AuthInfo: Identity when the token is accepted.
//   - error: ErrUnauthorized (or wrapped) for a rejected token; any other
//     error is a provider failure and is also treated as a rejection.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request, with or without a token, as a
// local researcher. It is the default when no researcher token is
// configured.
type NopAuthProvider struct{}

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{Subject: "local-researcher", Roles: []string{RoleResearcher}}, nil
}

// TokenAuthProvider accepts one shared token.
//
// Only a SHA-256 digest of the token is kept, and comparison runs in
// constant time.
type TokenAuthProvider struct {
	digest [sha256.Size]byte
}

// NewTokenAuthProvider returns a provider accepting token. Surrounding
// whitespace is ignored. An empty token is an error.
func NewTokenAuthProvider(token string) (*TokenAuthProvider, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("researcher token must not be empty")
	}
	return &TokenAuthProvider{digest: sha256.Sum256([]byte(token))}, nil
}

func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], p.digest[:]) != 1 {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{Subject: "researcher", Roles: []string{RoleResearcher}}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*TokenAuthProvider)(nil)
)
