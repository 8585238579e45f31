// Package testutil provides testing utilities and fixtures for the
// authorization server.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/emberid/oauth-server/storage"
)

// BcryptHashOfSecret is a bcrypt hash of the string "secret", computed once
// at minimum cost so fixtures do not pay the full bcrypt cost on every setup.
var BcryptHashOfSecret = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}()

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateTestUser creates a test user. The password is "secret".
func GenerateTestUser() *storage.User {
	return &storage.User{
		Subject:            "11111111-2222-3333-4444-555555555555",
		Username:           "alice",
		UsernameNormalized: "alice",
		Email:              "alice@example.com",
		EmailNormalized:    "alice@example.com",
		EmailVerified:      true,
		PasswordHash:       BcryptHashOfSecret,
		GivenName:          "Alice",
		FamilyName:         "Smith",
		PreferredUsername:  "alice",
		Picture:            "https://example.com/alice.png",
		Locale:             "en-US",
		Zoneinfo:           "Europe/Berlin",
		Active:             true,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
}

// GenerateTestClient creates a confidential test client.
// The client secret is "secret".
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                  "test-client-id",
		ClientSecretHash:          BcryptHashOfSecret,
		ClientType:                storage.ClientTypeConfidential,
		ClientName:                "Test Client",
		RedirectURIs:              []string{"https://example.com/callback"},
		GrantTypes:                []string{"authorization_code", "refresh_token", "client_credentials"},
		Scopes:                    []string{"openid", "profile", "email", "offline_access", "api"},
		AccessTokenLifetime:       time.Hour,
		RefreshTokenLifetime:      30 * 24 * time.Hour,
		AuthorizationCodeLifetime: 10 * time.Minute,
		RequirePKCE:               false,
		AllowRefreshTokens:        true,
		Active:                    true,
		CreatedAt:                 time.Now(),
	}
}

// GenerateTestPublicClient creates a public test client that requires PKCE.
func GenerateTestPublicClient() *storage.Client {
	client := GenerateTestClient()
	client.ClientID = "test-public-client"
	client.ClientSecretHash = ""
	client.ClientType = storage.ClientTypePublic
	client.ClientName = "Test Public Client"
	client.GrantTypes = []string{"authorization_code", "refresh_token"}
	client.RequirePKCE = true
	return client
}

// GenerateTestAuthorizationCode creates a test authorization code bound to
// the fixture user and confidential client.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            "test-client-id",
		UserSubject:         "11111111-2222-3333-4444-555555555555",
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid profile email",
		State:               "client-state-123",
		CodeChallenge:       "",
		CodeChallengeMethod: "",
		Nonce:               "nonce-abc",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
		Used:                false,
	}
}

// GenerateTestScopes returns the standard scope catalog used in tests.
func GenerateTestScopes() []*storage.Scope {
	return []*storage.Scope{
		{Name: "openid", DisplayName: "OpenID", Required: true, Claims: []string{"sub"}},
		{Name: "profile", DisplayName: "Profile", Claims: []string{
			"name", "given_name", "family_name", "preferred_username", "picture", "locale", "zoneinfo",
		}},
		{Name: "email", DisplayName: "Email", Claims: []string{"email", "email_verified"}},
		{Name: "offline_access", DisplayName: "Offline access"},
		{Name: "api", DisplayName: "API access"},
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}
