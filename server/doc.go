// Package server implements the core OAuth 2.1 / OpenID Connect
// authorization server logic.
//
// This package validates authorization requests, issues single-use
// authorization codes bound to PKCE challenges, exchanges them for signed
// access tokens and ID tokens, rotates refresh tokens with reuse detection,
// and serves scope-gated identity claims. It coordinates between storage
// backends and security features while remaining transport-agnostic.
//
// Key Features:
//   - OAuth 2.1 compliance with mandatory PKCE
//   - Atomic single-use authorization codes with replay revocation
//   - Refresh token rotation with reuse detection
//   - RS256-signed access and ID tokens with JWKS publication
//   - Comprehensive security auditing
//   - Rate limiting (IP and user-based)
//
// Example usage:
//
//	store := memory.New()
//
//	config := &server.Config{
//	    Issuer: "https://auth.example.com",
//	    RequirePKCE: true,
//	}
//
//	srv, err := server.New(store, store, store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
