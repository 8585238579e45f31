package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
)

// Flow errors surfaced to the transport layer. The handler matches these
// with errors.Is and maps them to RFC 6749 wire errors; the wrapped detail
// stays in the server logs and never reaches the client.
var (
	ErrInvalidRequest          = errors.New("invalid_request")
	ErrInvalidClient           = errors.New("invalid_client")
	ErrInvalidGrant            = errors.New("invalid_grant")
	ErrInvalidScope            = errors.New("invalid_scope")
	ErrUnauthorizedClient      = errors.New("unauthorized_client")
	ErrUnsupportedResponseType = errors.New("unsupported_response_type")
	ErrUnsupportedGrantType    = errors.New("unsupported_grant_type")
	ErrInvalidToken            = errors.New("invalid_token")
	ErrAccessDenied            = errors.New("access_denied")
)

// AuthorizationRequest carries the validated parameters of an /authorize
// request through login and code issuance.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// TokenResponse is the result of a successful token grant.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        string
}

// ResolveAuthorizationClient validates the client identity and redirect URI
// of an /authorize request. Errors from this phase must NEVER be delivered by
// redirect: the redirect URI is not yet proven to belong to the client.
func (s *Server) ResolveAuthorizationClient(ctx context.Context, clientID, redirectURI string) (*storage.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}

	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "unknown_client")
		}
		return nil, fmt.Errorf("%w: unknown client", ErrInvalidRequest)
	}

	if err := s.validateRedirectURI(client, redirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogInvalidRedirect(clientID, "", redirectURI, err.Error())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error())
	}

	return client, nil
}

// ValidateAuthorizationRequest validates the remainder of an /authorize
// request for a client already resolved via ResolveAuthorizationClient.
// Errors from this phase are safe to deliver by redirect. The request has
// its scope normalized in place (default applied).
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, client *storage.Client, req *AuthorizationRequest) error {
	if req.ResponseType != "code" {
		return fmt.Errorf("%w: unsupported response_type: %s", ErrUnsupportedResponseType, req.ResponseType)
	}

	if !clientUsesGrant(client, GrantTypeAuthorizationCode) {
		return fmt.Errorf("%w: client is not registered for the authorization code grant", ErrUnauthorizedClient)
	}

	if err := s.validateStateParameter(req.State); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error())
	}

	// PKCE policy (secure by default, configurable for backward compatibility)
	pkceRequired := s.Config.RequirePKCE || client.RequirePKCE
	if pkceRequired && req.CodeChallenge == "" {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventPKCERequiredForPublicClient,
				ClientID: req.ClientID,
			})
		}
		return fmt.Errorf("%w: PKCE is required: code_challenge and code_challenge_method parameters are mandatory (OAuth 2.1)", ErrInvalidRequest)
	}

	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod == "" {
			return fmt.Errorf("%w: code_challenge_method is required when code_challenge is provided", ErrInvalidRequest)
		}
		if err := s.validateChallengeMethod(req.CodeChallengeMethod, client); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error())
		}
	}

	if req.Scope == "" {
		req.Scope = s.Config.DefaultScope
	}
	if err := s.validateScopes(req.Scope); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidScope, err.Error())
	}
	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogScopeEscalation("", req.ClientID, "", req.Scope)
		}
		return fmt.Errorf("%w: %s", ErrInvalidScope, err.Error())
	}

	return nil
}

// IssueAuthorizationCode mints and stores a single-use authorization code
// bound to the authenticated user, the client, the exact redirect URI, the
// granted scopes and the PKCE challenge.
func (s *Server) IssueAuthorizationCode(ctx context.Context, user *storage.User, client *storage.Client, req *AuthorizationRequest) (*storage.AuthorizationCode, error) {
	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		UserSubject:         user.Subject,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.authorizationCodeLifetime(client)),
	}

	if err := s.codeStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(user.Subject, client.ClientID, "", req.Scope)
	}
	s.Logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"subject_prefix", safeTruncate(user.Subject, 8),
		"code_prefix", safeTruncate(authCode.Code, 8),
		"scope", req.Scope)

	return authCode, nil
}

// ExchangeAuthorizationCode exchanges an authorization code for tokens.
// The client has already been authenticated by the caller. The second
// return value is the PKCE challenge method the consumed code was bound
// to, empty when the code carried no challenge.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier, clientIP string) (*TokenResponse, string, error) {
	// SECURITY: Atomically check and mark the authorization code as used.
	// This prevents race conditions where concurrent requests could use the same code.
	authCode, err := s.codeStore.AtomicConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeAlreadyUsed) && authCode != nil {
			// CRITICAL SECURITY: Code replay indicates potential token theft.
			// OAuth 2.1 requires revoking every token minted from the first exchange.
			// Rate limit logging to prevent DoS via log flooding
			if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(authCode.UserSubject+":"+client.ClientID) {
				s.Logger.Error("Authorization code reuse detected - revoking all tokens",
					"subject", authCode.UserSubject,
					"client_id", client.ClientID,
					"oauth_spec", "OAuth 2.1 Section 4.1.2")
			}

			revoked, revokeErr := s.tokenStore.RevokeAllTokensForUserClient(ctx, authCode.UserSubject, client.ClientID)
			if revokeErr != nil {
				s.Logger.Error("Failed to revoke tokens after code reuse detection", "error", revokeErr)
			}

			if s.Auditor != nil {
				s.Auditor.LogCodeReuseDetected(authCode.UserSubject, client.ClientID, clientIP, revoked)
				s.Auditor.LogAuthFailure(authCode.UserSubject, client.ClientID, clientIP, "authorization_code_reuse")
			}
			if m := s.metrics(); m != nil {
				m.RecordCodeReuseDetected(ctx)
			}

			_ = s.codeStore.DeleteAuthorizationCode(ctx, code)

			// Generic error per RFC 6749 (don't reveal details to attacker)
			return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}

		// Not found, expired, etc.
		// SECURITY: Log detailed internal error for debugging, but return generic error to client
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", client.ClientID,
			"code_prefix", safeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "invalid_authorization_code")
		}
		return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	// Code is now atomically marked as used - no other request can use it

	if authCode.ClientID != client.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", client.ClientID,
			"code_prefix", safeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "client_id_mismatch")
		}
		return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"expected_uri", authCode.RedirectURI,
			"provided_uri", redirectURI,
			"client_id", client.ClientID,
			"code_prefix", safeTruncate(code, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "redirect_uri_mismatch")
		}
		return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	if authCode.CodeChallenge != "" {
		if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
			if s.Auditor != nil {
				s.Auditor.LogInvalidPKCE(client.ClientID, clientIP, err.Error())
				s.Auditor.LogAuthFailure(authCode.UserSubject, client.ClientID, clientIP, fmt.Sprintf("pkce_validation_failed: %v", err))
			}
			if m := s.metrics(); m != nil {
				m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
			}
			s.Logger.Debug("PKCE validation failed",
				"reason", err.Error(),
				"client_id", client.ClientID,
				"code_prefix", safeTruncate(code, 8))
			return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}
	}

	user, err := s.userStore.GetUser(ctx, authCode.UserSubject)
	if err != nil || !user.Active {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "user_not_found_or_inactive",
			"subject_prefix", safeTruncate(authCode.UserSubject, 8),
			"client_id", client.ClientID)
		return nil, "", fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	includeRefresh := client.AllowRefreshTokens &&
		clientUsesGrant(client, GrantTypeRefreshToken) &&
		scopeContains(authCode.Scope, "offline_access")

	resp, err := s.mintTokens(ctx, user, client, authCode.Scope, authCode.Nonce, authCode.CreatedAt, true, includeRefresh)
	if err != nil {
		return nil, "", err
	}

	// The spent code is kept marked as used rather than deleted so replays
	// can be detected; the store's cleanup removes it after expiry.

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(user.Subject, client.ClientID, clientIP, GrantTypeAuthorizationCode, authCode.Scope)
	}

	return resp, authCode.CodeChallengeMethod, nil
}

// ClientCredentials handles the client_credentials grant. Confidential
// clients only. The openid scope is silently dropped: machine tokens carry
// the client ID as subject and never come with an ID token or refresh token.
func (s *Server) ClientCredentials(ctx context.Context, client *storage.Client, requestedScope, clientIP string) (*TokenResponse, error) {
	if client.ClientType != storage.ClientTypeConfidential {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "client_credentials_public_client")
		}
		return nil, fmt.Errorf("%w: client_credentials requires a confidential client", ErrUnauthorizedClient)
	}
	if !clientUsesGrant(client, GrantTypeClientCredentials) {
		return nil, fmt.Errorf("%w: client is not registered for the client_credentials grant", ErrUnauthorizedClient)
	}

	scope := requestedScope
	if scope == "" {
		// Default to the client's registered scopes
		scope = strings.Join(client.Scopes, " ")
	}
	if err := s.validateScopes(scope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScope, err.Error())
	}
	if err := s.validateClientScopes(scope, client.Scopes); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogScopeEscalation("", client.ClientID, clientIP, scope)
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidScope, err.Error())
	}

	// No user, no identity: openid and offline_access make no sense here
	scope = removeScope(scope, "openid")
	scope = removeScope(scope, "offline_access")
	if scope == "" {
		return nil, fmt.Errorf("%w: no grantable scopes in request", ErrInvalidScope)
	}

	resp, err := s.mintTokens(ctx, nil, client, scope, "", time.Time{}, false, false)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(client.ClientID, client.ClientID, clientIP, GrantTypeClientCredentials, scope)
	}

	return resp, nil
}

// RefreshAccessToken redeems a refresh token. Redemption is single use: the
// spent token is atomically marked used and revoked before new tokens are
// minted. Requested scopes may narrow the recorded grant but never widen it.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken, requestedScope, clientIP string) (*TokenResponse, error) {
	hash := security.SHA256Base64URL(refreshToken)

	// SECURITY: Atomic redemption is the synchronization point - only ONE
	// concurrent request presenting this token can succeed.
	record, err := s.tokenStore.AtomicRedeemRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenAlreadyUsed) && record != nil {
			// Reuse of a spent refresh token indicates token theft.
			// Rate limit logging to prevent DoS via log flooding
			if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(record.UserSubject+":"+client.ClientID) {
				s.Logger.Error("Refresh token reuse detected - revoking all tokens",
					"subject", record.UserSubject,
					"client_id", client.ClientID,
					"oauth_spec", "OAuth 2.1 Refresh Token Rotation")
			}

			revoked, revokeErr := s.tokenStore.RevokeAllTokensForUserClient(ctx, record.UserSubject, record.ClientID)
			if revokeErr != nil {
				s.Logger.Error("Failed to revoke tokens after refresh reuse detection", "error", revokeErr)
			}

			if s.Auditor != nil {
				s.Auditor.LogRefreshReuseDetected(record.UserSubject, client.ClientID, clientIP, revoked)
			}
			if m := s.metrics(); m != nil {
				m.RecordTokenReuseDetected(ctx)
			}

			return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
		}

		// SECURITY: Log detailed internal error for debugging, but return generic error to client
		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"client_id", client.ClientID,
			"token_prefix", safeTruncate(refreshToken, 8))

		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "invalid_refresh_token")
		}
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	// Token is now spent - no other request can redeem it

	if record.ClientID != client.ClientID {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", record.ClientID,
			"provided_client_id", client.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(record.UserSubject, client.ClientID, clientIP, "refresh_client_mismatch")
		}
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	// Scope policy: never escalate, explicit narrowing allowed
	scope := record.Scope
	if requestedScope != "" {
		if !scopesSubset(requestedScope, record.Scope) {
			if s.Auditor != nil {
				s.Auditor.LogScopeEscalation(record.UserSubject, client.ClientID, clientIP, requestedScope)
			}
			return nil, fmt.Errorf("%w: requested scopes exceed the original grant", ErrInvalidScope)
		}
		scope = requestedScope
	}

	user, err := s.userStore.GetUser(ctx, record.UserSubject)
	if err != nil || !user.Active {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "user_not_found_or_inactive",
			"subject_prefix", safeTruncate(record.UserSubject, 8))
		return nil, fmt.Errorf("%w: invalid grant", ErrInvalidGrant)
	}

	// No new ID token on refresh: identity claims reflect the original
	// authentication, and this grant cannot attest a fresh auth_time.
	rotate := s.Config.RotateRefreshTokens && client.AllowRefreshTokens
	resp, err := s.mintTokens(ctx, user, client, scope, "", time.Time{}, false, rotate)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(user.Subject, client.ClientID, clientIP, rotate)
	}
	s.Logger.Info("Refresh token redeemed",
		"client_id", client.ClientID,
		"rotated", rotate)

	return resp, nil
}

// mintTokens issues an access token (always), an ID token (when
// includeIdentity, for user flows with the openid scope) and a refresh token
// (when includeRefresh). Storage failures abort the grant: a token the
// server cannot track must not exist.
func (s *Server) mintTokens(ctx context.Context, user *storage.User, client *storage.Client, scope, nonce string, authTime time.Time, includeIdentity, includeRefresh bool) (*TokenResponse, error) {
	accessLifetime := s.accessTokenLifetime(client)

	subject := client.ClientID
	userSubject := ""
	if user != nil {
		subject = user.Subject
		userSubject = user.Subject
	}

	accessToken, accessRecord, err := s.issuer.IssueAccessToken(subject, userSubject, client.ClientID, scope, accessLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	if err := s.tokenStore.SaveAccessToken(ctx, accessRecord); err != nil {
		return nil, fmt.Errorf("failed to save access token record: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessLifetime.Seconds()),
		Scope:       scope,
	}

	if includeIdentity && user != nil && scopeContains(scope, "openid") {
		if authTime.IsZero() {
			authTime = time.Now()
		}
		identityClaims := s.claimsForScopes(ctx, user, scope)
		idToken, err := s.issuer.IssueIDToken(user.Subject, client.ClientID, nonce, authTime, accessLifetime, identityClaims)
		if err != nil {
			return nil, fmt.Errorf("failed to issue ID token: %w", err)
		}
		resp.IDToken = idToken
	}

	if includeRefresh {
		value, err := security.RandomString(RefreshTokenLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate refresh token: %w", err)
		}
		now := time.Now()
		refreshRecord := &storage.RefreshToken{
			TokenID:       generateRandomToken(),
			TokenHash:     security.SHA256Base64URL(value),
			UserSubject:   userSubject,
			ClientID:      client.ClientID,
			AccessTokenID: accessRecord.TokenID,
			Scope:         scope,
			IssuedAt:      now,
			ExpiresAt:     now.Add(s.refreshTokenLifetime(client)),
		}
		if err := s.tokenStore.SaveRefreshToken(ctx, refreshRecord); err != nil {
			return nil, fmt.Errorf("failed to save refresh token: %w", err)
		}
		resp.RefreshToken = value
	}

	return resp, nil
}

// RefreshTokenLength is the character count of opaque refresh token values
// (64 bytes of entropy from the URL-safe alphabet).
const RefreshTokenLength = 86

// UserInfo resolves a bearer access token to the scope-gated identity
// claims of its user. A verified JWT is not enough: the persisted record
// must still be live (not revoked, not expired) and the user active.
func (s *Server) UserInfo(ctx context.Context, rawToken string) (map[string]any, error) {
	claims, err := s.issuer.ParseAccessToken(rawToken)
	if err != nil {
		s.Logger.Debug("UserInfo token rejected", "reason", err.Error())
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, "token validation failed")
	}

	record, err := s.tokenStore.GetAccessTokenByHash(ctx, security.SHA256Base64URL(rawToken))
	if err != nil {
		s.Logger.Debug("UserInfo token rejected", "reason", "record_not_found", "token_id", claims.ID)
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, "token validation failed")
	}
	if record.Revoked {
		s.Logger.Debug("UserInfo token rejected", "reason", "revoked", "token_id", record.TokenID)
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, "token has been revoked")
	}
	if security.IsTokenExpiredWithGracePeriod(record.ExpiresAt, time.Duration(s.Config.ClockSkewGracePeriod)*time.Second) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, "token has expired")
	}
	if record.UserSubject == "" {
		// client_credentials tokens carry no user identity
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, "token is not bound to a user")
	}

	user, err := s.userStore.GetUser(ctx, record.UserSubject)
	if err != nil || !user.Active {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, "token validation failed")
	}

	return s.claimsForScopes(ctx, user, record.Scope), nil
}

// RevokeToken revokes an access or refresh token presented by its owner
// (RFC 7009). Unknown tokens and tokens of other clients are ignored:
// revocation always reports success so the endpoint cannot be used as a
// validity oracle.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, token, clientIP string) error {
	hash := security.SHA256Base64URL(token)

	if record, err := s.tokenStore.GetAccessTokenByHash(ctx, hash); err == nil {
		if record.ClientID == client.ClientID {
			if err := s.tokenStore.RevokeAccessToken(ctx, record.TokenID); err != nil {
				return fmt.Errorf("failed to revoke access token: %w", err)
			}
			if s.Auditor != nil {
				s.Auditor.LogTokenRevoked(record.UserSubject, client.ClientID, clientIP, "access_token")
			}
			s.Logger.Info("Access token revoked", "client_id", client.ClientID)
		}
		return nil
	}

	if record, err := s.tokenStore.GetRefreshTokenByHash(ctx, hash); err == nil {
		if record.ClientID == client.ClientID {
			if err := s.tokenStore.RevokeRefreshToken(ctx, record.TokenID); err != nil {
				return fmt.Errorf("failed to revoke refresh token: %w", err)
			}
			if s.Auditor != nil {
				s.Auditor.LogTokenRevoked(record.UserSubject, client.ClientID, clientIP, "refresh_token")
			}
			s.Logger.Info("Refresh token revoked", "client_id", client.ClientID)
		}
		return nil
	}

	// Token not found - still success per RFC 7009
	return nil
}
