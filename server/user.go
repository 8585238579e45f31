package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
)

// CreateUser creates a user account with a bcrypt password hash and an
// immutable UUID subject. Username and email are normalized for lookup;
// the original casing is preserved for display.
func (s *Server) CreateUser(ctx context.Context, user *storage.User, password string) error {
	if user.Username == "" {
		return fmt.Errorf("username is required")
	}

	hash, err := security.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if user.Subject == "" {
		user.Subject = uuid.NewString()
	}
	user.UsernameNormalized = normalizeIdentifier(user.Username)
	user.EmailNormalized = normalizeIdentifier(user.Email)
	user.PasswordHash = hash
	user.Active = true
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	if err := s.userStore.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	s.Logger.Info("Created user",
		"subject", user.Subject,
		"username", user.Username)
	return nil
}

// AuthenticateUser verifies a username (or email) and password and returns
// the user. Unknown principals burn a dummy bcrypt comparison so lookup
// misses take comparable time to wrong passwords. Failures are audited but
// reported to the caller as a single generic error.
func (s *Server) AuthenticateUser(ctx context.Context, username, password, clientID, clientIP string) (*storage.User, error) {
	user, err := s.lookupUser(ctx, username)
	if err != nil {
		// Constant-work rejection for unknown users
		_ = security.VerifyPassword(security.DummyBcryptHash, password)
		s.auditLoginFailure(username, clientID, clientIP, "user_not_found")
		return nil, errInvalidCredentials
	}

	if err := security.VerifyPassword(user.PasswordHash, password); err != nil {
		s.auditLoginFailure(username, clientID, clientIP, "wrong_password")
		return nil, errInvalidCredentials
	}

	if !user.Active {
		s.auditLoginFailure(username, clientID, clientIP, "user_inactive")
		return nil, errInvalidCredentials
	}

	if s.Auditor != nil {
		s.Auditor.LogLoginSuccess(user.Subject, clientID, clientIP)
	}
	return user, nil
}

// errInvalidCredentials is the single error surfaced for every login
// failure, so responses cannot be used to enumerate accounts.
var errInvalidCredentials = errors.New("invalid username or password")

// lookupUser resolves a login identifier to a user record. Identifiers
// containing '@' are tried as email first, then as username.
func (s *Server) lookupUser(ctx context.Context, identifier string) (*storage.User, error) {
	normalized := normalizeIdentifier(identifier)
	if strings.Contains(normalized, "@") {
		if user, err := s.userStore.GetUserByEmail(ctx, normalized); err == nil {
			return user, nil
		}
	}
	return s.userStore.GetUserByUsername(ctx, normalized)
}

func (s *Server) auditLoginFailure(username, clientID, clientIP, reason string) {
	s.Logger.Debug("Login failed",
		"username", username,
		"client_id", clientID,
		"reason", reason)
	if s.Auditor != nil {
		s.Auditor.LogLoginFailure(username, clientID, clientIP)
	}
}

// normalizeIdentifier lowercases and trims a username or email for lookup
func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
