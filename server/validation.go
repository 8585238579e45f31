package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/emberid/oauth-server/internal/util"
	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = security.PKCEMethodS256
	PKCEMethodPlain       = security.PKCEMethodPlain
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// DangerousSchemes lists URI schemes that must never be allowed for security
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// validateHTTPSEnforcement ensures that the server is running over HTTPS
// in production environments. OAuth over HTTP exposes all tokens,
// authorization codes, and client credentials to network interception.
//
// The validation logic:
// - HTTPS URLs: Always allowed (secure)
// - HTTP on localhost: Allowed with warning (development)
// - HTTP on non-localhost: Blocked unless AllowInsecureHTTP=true (production)
func (s *Server) validateHTTPSEnforcement() error {
	// Skip validation if Issuer is empty (will fail elsewhere with more appropriate error)
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if issuerURL.Scheme == SchemeHTTPS {
		return nil
	}

	if issuerURL.Scheme == SchemeHTTP {
		hostname := issuerURL.Hostname()

		// Allow localhost for development (with warning)
		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"risk", "Credentials exposed on local network",
					"recommendation", "Use HTTPS even in development for production-like testing",
					"to_suppress", "Set AllowInsecureHTTP=true in Config",
					"learn_more", oauth21SecurityBestPracticesURL)
			}
			return nil
		}

		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
					"OAuth over HTTP exposes tokens and credentials to interception. "+
					"To run on localhost for development, set AllowInsecureHTTP=true. "+
					"For production, use HTTPS",
				issuerURL.Scheme,
				hostname,
			)
		}

		s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
			"action_required", "Switch to HTTPS immediately",
			"compliance", "OAuth 2.1 requires HTTPS for all production endpoints",
			"learn_more", oauth21SecurityBestPracticesURL)

		return nil
	}

	return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// This includes the entire 127.0.0.0/8 range, ::1, the localhost hostname,
// and 0.0.0.0 (bind-all in dev).
func isLocalhostHostname(hostname string) bool {
	if hostname == "0.0.0.0" {
		return true
	}
	return util.IsLoopbackHostname(hostname)
}

// validateRedirectURI validates that a redirect URI is registered for the
// client. Matching is exact string comparison: no prefix, wildcard, case or
// trailing-slash normalization. Unknown URIs fail closed.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

// ValidateRedirectURIsForRegistration performs security validation on
// redirect URIs at client registration time, per OAuth 2.0 Security BCP.
// Runtime matching stays exact; this guards what may be registered at all.
func (s *Server) ValidateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("at least one redirect URI is required")
	}

	for _, redirectURI := range redirectURIs {
		parsed, err := url.Parse(redirectURI)
		if err != nil {
			return fmt.Errorf("invalid redirect_uri format: %w", err)
		}

		// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
		if parsed.Fragment != "" {
			return fmt.Errorf("redirect_uri must not contain fragments")
		}

		scheme := strings.ToLower(parsed.Scheme)
		if scheme == "" {
			return fmt.Errorf("redirect_uri missing scheme: %s", redirectURI)
		}

		for _, dangerous := range DangerousSchemes {
			if scheme == dangerous {
				return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
			}
		}

		// http is only acceptable on loopback interfaces (RFC 8252 native apps)
		if scheme == SchemeHTTP && !util.IsLoopbackHostname(parsed.Hostname()) {
			return fmt.Errorf("redirect_uri must use HTTPS outside loopback (got %s)", redirectURI)
		}
	}

	return nil
}

// validateScopes validates that requested scopes are allowed by the server
func (s *Server) validateScopes(scope string) error {
	// If no scopes configured, allow all
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	if scope == "" {
		return nil // Empty scope is allowed
	}

	for _, reqScope := range strings.Fields(scope) {
		found := false
		for _, supportedScope := range s.Config.SupportedScopes {
			if reqScope == supportedScope {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}

	return nil
}

// validateClientScopes validates that requested scopes are allowed for the
// specific client. Clients should only be granted tokens with scopes they
// are registered for; this prevents scope escalation by compromised clients.
//
// Behavior:
// - If client.Scopes is empty or nil: allow all scopes
// - Otherwise requested scopes MUST be a subset of the registered scopes
// - Empty requested scope string is always allowed
func (s *Server) validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}

	if requestedScope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		found := false
		for _, allowedScope := range clientScopes {
			if reqScope == allowedScope {
				found = true
				break
			}
		}
		if !found {
			// SECURITY: Generic error; don't reveal which scopes exist
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}

	return nil
}

// validateStateParameter enforces a minimum length on the state parameter
// when one is supplied. State is optional; clients relying on PKCE may omit
// it, but a present value that is too short weakens CSRF protection.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return nil
	}

	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters for security", s.Config.MinStateLength)
	}

	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// No PKCE required for this flow
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters of [A-Za-z0-9-._~]
	if !security.ValidPKCEVerifier(verifier) {
		return fmt.Errorf("code_verifier must be %d-%d characters of [A-Za-z0-9-._~] (RFC 7636)",
			MinCodeVerifierLength, MaxCodeVerifierLength)
	}

	if method == PKCEMethodPlain {
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed (configure AllowPKCEPlain=true if needed for legacy clients)", PKCEMethodPlain)
		}
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")
	}

	if method != PKCEMethodS256 && method != PKCEMethodPlain {
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: S256%s)", method, func() string {
			if s.Config.AllowPKCEPlain {
				return ", plain"
			}
			return ""
		}())
	}

	// Constant-time comparison happens inside VerifyPKCE
	if !security.VerifyPKCE(verifier, challenge, method) {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateChallengeMethod checks a code_challenge_method at authorization
// time, before any code exists.
func (s *Server) validateChallengeMethod(method string, client *storage.Client) error {
	switch method {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain && !client.AllowPlainPKCE {
			return fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported for security)")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// scopeContains reports whether the space-delimited scope string includes name
func scopeContains(scope, name string) bool {
	for _, s := range strings.Fields(scope) {
		if s == name {
			return true
		}
	}
	return false
}

// scopesSubset reports whether every scope in requested is present in granted
func scopesSubset(requested, granted string) bool {
	for _, r := range strings.Fields(requested) {
		if !scopeContains(granted, r) {
			return false
		}
	}
	return true
}

// removeScope removes name from a space-delimited scope string
func removeScope(scope, name string) string {
	kept := make([]string, 0, 4)
	for _, s := range strings.Fields(scope) {
		if s != name {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}
