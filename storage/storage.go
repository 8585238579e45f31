// Package storage defines the entity types and store interfaces for the
// authorization server: users, clients, authorization codes, access token
// records, refresh tokens and the scope catalog. It supports multiple
// backend implementations (in-memory, Postgres).
package storage

import (
	"context"
	"time"
)

// UserStore persists end-user accounts.
// All methods accept context.Context for tracing and cancellation.
type UserStore interface {
	// SaveUser creates or updates a user
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by subject identifier
	GetUser(ctx context.Context, subject string) (*User, error)

	// GetUserByUsername retrieves a user by normalized username
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// GetUserByEmail retrieves a user by normalized email
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against its stored
	// bcrypt hash. Implementations must take comparable time for unknown
	// and known client IDs.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// CodeStore manages issued authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code. Used and expired
	// codes are reported as not found so callers cannot distinguish them.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicConsumeAuthorizationCode atomically checks that a code is unused
	// and unexpired and marks it used, returning the stored record.
	// On reuse it returns ErrCodeAlreadyUsed together with the record so the
	// caller can revoke every token minted from the first exchange.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists access token records and refresh tokens. Raw token
// material is never stored; lookups are by SHA-256 hash.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken saves the record of an issued access token
	SaveAccessToken(ctx context.Context, record *AccessTokenRecord) error

	// GetAccessTokenByHash retrieves an access token record by token hash
	GetAccessTokenByHash(ctx context.Context, hash string) (*AccessTokenRecord, error)

	// GetAccessToken retrieves an access token record by token ID (jti)
	GetAccessToken(ctx context.Context, tokenID string) (*AccessTokenRecord, error)

	// RevokeAccessToken marks an access token record revoked by token ID.
	// Revoking an unknown or already revoked token is not an error.
	RevokeAccessToken(ctx context.Context, tokenID string) error

	// SaveRefreshToken saves an issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshTokenByHash retrieves a refresh token by token hash
	GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error)

	// AtomicRedeemRefreshToken atomically checks that the refresh token with
	// the given hash is unused, unrevoked and unexpired and marks it used and
	// revoked, returning the stored record. On reuse it returns
	// ErrRefreshTokenAlreadyUsed together with the record for reuse handling.
	// SECURITY: This operation MUST be atomic to prevent concurrent refresh
	// attacks.
	AtomicRedeemRefreshToken(ctx context.Context, hash string) (*RefreshToken, error)

	// RevokeRefreshToken marks a refresh token revoked by token ID.
	// Revoking an unknown or already revoked token is not an error.
	RevokeRefreshToken(ctx context.Context, tokenID string) error

	// RevokeAllTokensForUserClient revokes all access and refresh tokens for
	// a user+client combination. Called when authorization code or refresh
	// token reuse is detected. Returns the number of tokens revoked.
	RevokeAllTokensForUserClient(ctx context.Context, userSubject, clientID string) (int, error)
}

// ScopeStore holds the scope catalog that drives claim mapping.
// All methods accept context.Context for tracing and cancellation.
type ScopeStore interface {
	// SaveScope creates or updates a scope definition
	SaveScope(ctx context.Context, scope *Scope) error

	// GetScope retrieves a scope definition by name
	GetScope(ctx context.Context, name string) (*Scope, error)

	// ListScopes lists all scope definitions
	ListScopes(ctx context.Context) ([]*Scope, error)
}

// User is an end-user account. Subject is the immutable identifier that
// appears as the sub claim; usernames and emails may change.
type User struct {
	Subject            string
	Username           string
	UsernameNormalized string
	Email              string
	EmailNormalized    string
	EmailVerified      bool
	PasswordHash       string // bcrypt hash
	GivenName          string
	FamilyName         string
	PreferredUsername  string
	Picture            string
	Locale             string
	Zoneinfo           string
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                   string
	ClientSecretHash           string // bcrypt hash, empty for public clients
	ClientType                 string // "public" or "confidential"
	ClientName                 string
	RedirectURIs               []string
	GrantTypes                 []string
	Scopes                     []string
	AccessTokenLifetime        time.Duration
	RefreshTokenLifetime       time.Duration
	AuthorizationCodeLifetime  time.Duration
	RequirePKCE                bool
	AllowPlainPKCE             bool
	AllowRefreshTokens         bool
	Active                     bool
	CreatedAt                  time.Time
}

// AuthorizationCode represents an issued authorization code.
// A code is valid only while !Used and before ExpiresAt.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserSubject         string
	RedirectURI         string
	Scope               string // space-delimited granted scopes
	State               string
	CodeChallenge       string
	CodeChallengeMethod string // "S256" or "plain"
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
	UsedAt              time.Time
}

// AccessTokenRecord is the persisted record of an issued access token.
// TokenHash is the SHA-256/base64url hash of the serialized JWT; the raw
// token is never stored. UserSubject is empty for client_credentials tokens.
type AccessTokenRecord struct {
	TokenID     string // jti claim
	TokenHash   string
	UserSubject string
	ClientID    string
	Scope       string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
	RevokedAt   time.Time
}

// RefreshToken is the persisted record of an issued refresh token.
// TokenHash is the SHA-256/base64url hash of the opaque token value.
// A refresh token is single use: redemption sets both Used and Revoked.
type RefreshToken struct {
	TokenID       string
	TokenHash     string
	UserSubject   string
	ClientID      string
	AccessTokenID string // access token issued alongside this refresh token
	Scope         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Used          bool
	UsedAt        time.Time
	Revoked       bool
	RevokedAt     time.Time
}

// Scope is a catalog entry describing a grantable scope and the identity
// claims it unlocks. API scopes carry no claims.
type Scope struct {
	Name        string
	DisplayName string
	Description string
	Required    bool
	Emphasize   bool
	Claims      []string
}

// Client types.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)
