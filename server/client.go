package server

import (
	"context"
	"fmt"
	"time"

	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
)

// hashClientSecret bcrypt-hashes a generated client secret
func hashClientSecret(secret string) (string, error) {
	hash, err := security.HashPassword(secret)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return hash, nil
}

// Grant type constants (RFC 6749)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// RegisterClient registers a new OAuth client. For confidential clients a
// random secret is generated and returned exactly once; only its bcrypt hash
// is stored. Redirect URIs are validated against the registration policy.
func (s *Server) RegisterClient(ctx context.Context, client *storage.Client) (string, error) {
	if client.ClientID == "" {
		client.ClientID = generateRandomToken()
	}
	if client.ClientType == "" {
		client.ClientType = storage.ClientTypeConfidential
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}
	client.Active = true

	needsRedirectURIs := clientUsesGrant(client, GrantTypeAuthorizationCode)
	if needsRedirectURIs {
		if err := s.ValidateRedirectURIsForRegistration(client.RedirectURIs); err != nil {
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"client_name", client.ClientName,
				"error", err.Error())
			return "", fmt.Errorf("invalid_redirect_uri: %w", err)
		}
	}

	var clientSecret string
	if client.ClientType == storage.ClientTypeConfidential && client.ClientSecretHash == "" {
		clientSecret = generateRandomToken()
		hash, err := hashClientSecret(clientSecret)
		if err != nil {
			return "", err
		}
		client.ClientSecretHash = hash
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return "", fmt.Errorf("failed to save client: %w", err)
	}

	s.Logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"grant_types", client.GrantTypes)

	return clientSecret, nil
}

// ValidateClientCredentials validates client credentials for the token endpoint
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
}

// GetClient retrieves an active client by ID (for use by the handler).
// Deactivated clients are reported as not found.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return client, nil
}

// clientUsesGrant reports whether the client is registered for a grant type
func clientUsesGrant(client *storage.Client, grantType string) bool {
	for _, g := range client.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// accessTokenLifetime returns the client's access token lifetime, falling
// back to the server default.
func (s *Server) accessTokenLifetime(client *storage.Client) time.Duration {
	if client.AccessTokenLifetime > 0 {
		return client.AccessTokenLifetime
	}
	return time.Duration(s.Config.AccessTokenTTL) * time.Second
}

// refreshTokenLifetime returns the client's refresh token lifetime, falling
// back to the server default.
func (s *Server) refreshTokenLifetime(client *storage.Client) time.Duration {
	if client.RefreshTokenLifetime > 0 {
		return client.RefreshTokenLifetime
	}
	return time.Duration(s.Config.RefreshTokenTTL) * time.Second
}

// authorizationCodeLifetime returns the client's authorization code
// lifetime, falling back to the server default.
func (s *Server) authorizationCodeLifetime(client *storage.Client) time.Duration {
	if client.AuthorizationCodeLifetime > 0 {
		return client.AuthorizationCodeLifetime
	}
	return time.Duration(s.Config.AuthorizationCodeTTL) * time.Second
}
