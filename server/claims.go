package server

import (
	"context"
	"strings"

	"github.com/emberid/oauth-server/storage"
)

// claimsForScopes assembles the identity claims unlocked by the granted
// scopes, driven by the scope catalog. The same mapping feeds ID tokens and
// the UserInfo endpoint. Claims whose user field is empty are omitted;
// sub is always present.
func (s *Server) claimsForScopes(ctx context.Context, user *storage.User, scope string) map[string]any {
	claims := map[string]any{
		"sub": user.Subject,
	}

	for _, name := range strings.Fields(scope) {
		def, err := s.scopeStore.GetScope(ctx, name)
		if err != nil {
			// Unknown scopes carry no claims (API scopes need no catalog entry)
			continue
		}
		for _, claim := range def.Claims {
			if value, ok := claimValue(user, claim); ok {
				claims[claim] = value
			}
		}
	}

	return claims
}

// claimValue resolves a single claim name against the user record.
// Returns ok=false for empty values so they are omitted from tokens.
func claimValue(user *storage.User, claim string) (any, bool) {
	switch claim {
	case "sub":
		return user.Subject, true
	case "name":
		if name := displayName(user); name != "" {
			return name, true
		}
		return nil, false
	case "given_name":
		return nonEmpty(user.GivenName)
	case "family_name":
		return nonEmpty(user.FamilyName)
	case "preferred_username":
		return nonEmpty(user.PreferredUsername)
	case "picture":
		return nonEmpty(user.Picture)
	case "locale":
		return nonEmpty(user.Locale)
	case "zoneinfo":
		return nonEmpty(user.Zoneinfo)
	case "email":
		return nonEmpty(user.Email)
	case "email_verified":
		if user.Email == "" {
			return nil, false
		}
		return user.EmailVerified, true
	default:
		return nil, false
	}
}

// displayName derives the name claim: the trimmed combination of given and
// family name, falling back to the preferred username, then the username.
func displayName(user *storage.User) string {
	if full := strings.TrimSpace(user.GivenName + " " + user.FamilyName); full != "" {
		return full
	}
	if user.PreferredUsername != "" {
		return user.PreferredUsername
	}
	return user.Username
}

func nonEmpty(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}
