package oauth

import (
	"crypto/rsa"
	"log/slog"
	"time"
)

// Config holds the authorization server configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the public base URL of this authorization server.
	// Used as the iss claim and for endpoint URLs in discovery metadata.
	Issuer string

	// SigningKey is the RSA key used to sign access and ID tokens.
	// If nil, an ephemeral key is generated at startup (development only).
	SigningKey *rsa.PrivateKey

	// SupportedScopes are the scopes this server will grant.
	// Default: openid, profile, email, offline_access
	SupportedScopes []string

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// UserRate is requests per second allowed per authenticated user.
	// Applied in addition to IP-based limiting. Zero disables.
	UserRate int

	// UserBurst is the maximum burst size per authenticated user.
	UserBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the server.
	TrustedProxyCount int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// DisableRefreshTokenRotation disables automatic refresh token rotation.
	// WARNING: Violates OAuth 2.1. Stolen tokens remain valid indefinitely.
	DisableRefreshTokenRotation bool

	// DisablePKCERequirement makes PKCE optional for authorization requests.
	// WARNING: Violates OAuth 2.1. Public clients still enforce PKCE.
	DisablePKCERequirement bool

	// AllowPlainPKCE permits the "plain" code challenge method.
	// WARNING: S256 is the only method recommended by RFC 7636.
	AllowPlainPKCE bool

	// AllowInsecureHTTP permits a non-HTTPS issuer URL.
	// WARNING: Only for local development.
	AllowInsecureHTTP bool

	// AllowPublicClientRegistration permits unauthenticated client registration.
	// WARNING: Can enable DoS via mass registration.
	AllowPublicClientRegistration bool

	// RegistrationAccessToken is required for client registration when
	// AllowPublicClientRegistration is false.
	RegistrationAccessToken string

	// AccessTokenTTL is the default access token lifetime.
	// Recommended: 1 hour. Clients can override per registration.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens remain valid.
	// Recommended: 30-90 days.
	RefreshTokenTTL time.Duration

	// AuthorizationCodeTTL is the authorization code lifetime.
	// Recommended: 10 minutes or less.
	AuthorizationCodeTTL time.Duration

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}
