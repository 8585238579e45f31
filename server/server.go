package server

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/emberid/oauth-server/instrumentation"
	"github.com/emberid/oauth-server/internal/util"
	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
)

// safeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. This prevents index out of bounds errors when logging.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server implements the authorization server logic. It coordinates
// authorization and token flows across the storage backends and the
// token issuer.
type Server struct {
	userStore                storage.UserStore
	clientStore              storage.ClientStore
	codeStore                storage.CodeStore
	tokenStore               storage.TokenStore
	scopeStore               storage.ScopeStore
	issuer                   *TokenIssuer
	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	UserRateLimiter          *security.RateLimiter // User-based rate limiter (authenticated requests)
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	instrumentation          *instrumentation.Instrumentation
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates a new authorization server
func New(
	userStore storage.UserStore,
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	scopeStore storage.ScopeStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if scopeStore == nil {
		return nil, fmt.Errorf("scope store is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	// Issuer identifiers compare byte-for-byte in discovery and token
	// validation, so strip trailing slashes up front
	config.Issuer = util.NormalizeURL(config.Issuer)

	if config.SigningKey == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		config.SigningKey = key
		logger.Warn("No signing key configured, generated ephemeral RSA key",
			"key_id", config.SigningKeyID,
			"impact", "Issued tokens become invalid on restart")
	}

	srv := &Server{
		userStore:   userStore,
		clientStore: clientStore,
		codeStore:   codeStore,
		tokenStore:  tokenStore,
		scopeStore:  scopeStore,
		Config:      config,
		Logger:      logger,
	}
	srv.issuer = NewTokenIssuer(config.Issuer, config.SigningKey, config.SigningKeyID, config.ClockSkewGracePeriod, logger)

	// Validate HTTPS enforcement (OAuth 2.1 security requirement)
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// Issuer returns the token issuer (for JWKS publication by the handler)
func (s *Server) Issuer() *TokenIssuer {
	return s.issuer
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetUserRateLimiter sets the user-based rate limiter for authenticated requests
func (s *Server) SetUserRateLimiter(rl *security.RateLimiter) {
	s.UserRateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation attaches OpenTelemetry instrumentation so flow-level
// security signals (code and token reuse, PKCE failures) are counted.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// metrics returns the flow metrics, nil when instrumentation is not attached.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, state parameters, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
