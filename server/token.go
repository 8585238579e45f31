package server

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
)

// AccessTokenClaims are the claims carried by issued access tokens.
// Subject is the user subject, or the client ID for client_credentials tokens.
type AccessTokenClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies the JWTs minted by this server.
// The signing key is fixed at construction and never rotated at runtime.
type TokenIssuer struct {
	issuer     string
	signingKey *rsa.PrivateKey
	keyID      string
	leeway     time.Duration
	logger     *slog.Logger
}

// NewTokenIssuer creates a token issuer for the given issuer identifier and
// RSA signing key. clockSkewSeconds is the verification leeway.
func NewTokenIssuer(issuer string, signingKey *rsa.PrivateKey, keyID string, clockSkewSeconds int64, logger *slog.Logger) *TokenIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenIssuer{
		issuer:     issuer,
		signingKey: signingKey,
		keyID:      keyID,
		leeway:     time.Duration(clockSkewSeconds) * time.Second,
		logger:     logger,
	}
}

// IssueAccessToken mints a signed access token and the persisted record that
// tracks it for revocation. subject is the user subject, or the client ID for
// machine-to-machine tokens (userSubject empty in the record in that case).
func (i *TokenIssuer) IssueAccessToken(subject, userSubject, clientID, scope string, lifetime time.Duration) (string, *storage.AccessTokenRecord, error) {
	now := time.Now()
	tokenID := uuid.NewString()

	claims := AccessTokenClaims{
		ClientID: clientID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			ID:        tokenID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	record := &storage.AccessTokenRecord{
		TokenID:     tokenID,
		TokenHash:   security.SHA256Base64URL(signed),
		UserSubject: userSubject,
		ClientID:    clientID,
		Scope:       scope,
		IssuedAt:    now,
		ExpiresAt:   now.Add(lifetime),
	}

	return signed, record, nil
}

// IssueIDToken mints a signed OpenID Connect ID token. identityClaims holds
// the scope-gated claims assembled by the claims mapper; nonce is echoed only
// when the authorization request carried one.
func (i *TokenIssuer) IssueIDToken(subject, clientID, nonce string, authTime time.Time, lifetime time.Duration, identityClaims map[string]any) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":       i.issuer,
		"sub":       subject,
		"aud":       clientID,
		"iat":       now.Unix(),
		"exp":       now.Add(lifetime).Unix(),
		"auth_time": authTime.Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for name, value := range identityClaims {
		claims[name] = value
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies an access token's signature, issuer and expiry
// and returns its claims. Verification applies the configured clock-skew
// leeway. A valid JWT is not sufficient on its own: callers must also check
// the persisted token record for revocation.
func (i *TokenIssuer) ParseAccessToken(raw string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return &i.signingKey.PublicKey, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(i.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid access token")
	}
	return claims, nil
}

// JSONWebKey is a single key in the published JWK set.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JSONWebKeySet is the document served at the JWKS endpoint.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JWKS returns the public half of the signing key as a JWK set.
func (i *TokenIssuer) JWKS() JSONWebKeySet {
	pub := &i.signingKey.PublicKey
	return JSONWebKeySet{
		Keys: []JSONWebKey{
			{
				Kty: "RSA",
				Use: "sig",
				Alg: "RS256",
				Kid: i.keyID,
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
}
