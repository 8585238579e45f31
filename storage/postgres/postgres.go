// Package postgres provides a PostgreSQL implementation of all storage
// interfaces. Single-use semantics for authorization codes and refresh
// tokens rely on conditional UPDATEs so they hold across server replicas.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"

	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
)

// Store is a PostgreSQL-backed implementation of all storage interfaces.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ storage.UserStore   = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.ScopeStore  = (*Store)(nil)
)

// Open connects to PostgreSQL using the pgx driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, logger: slog.Default()}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Close closes the underlying database handle
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for migrations and health checks
func (s *Store) DB() *sql.DB { return s.db }

const schema = `
create table if not exists users (
	subject text primary key,
	username text not null,
	username_normalized text not null unique,
	email text not null default '',
	email_normalized text not null default '',
	email_verified boolean not null default false,
	password_hash text not null,
	given_name text not null default '',
	family_name text not null default '',
	preferred_username text not null default '',
	picture text not null default '',
	locale text not null default '',
	zoneinfo text not null default '',
	active boolean not null default true,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);
create unique index if not exists users_email_normalized_idx
	on users(email_normalized) where email_normalized <> '';

create table if not exists clients (
	client_id text primary key,
	client_secret_hash text not null default '',
	client_type text not null,
	client_name text not null default '',
	redirect_uris text not null default '',
	grant_types text not null default '',
	scopes text not null default '',
	access_token_lifetime_seconds bigint not null default 0,
	refresh_token_lifetime_seconds bigint not null default 0,
	authorization_code_lifetime_seconds bigint not null default 0,
	require_pkce boolean not null default false,
	allow_plain_pkce boolean not null default false,
	allow_refresh_tokens boolean not null default false,
	active boolean not null default true,
	created_at timestamptz not null default now()
);

create table if not exists auth_codes (
	code text primary key,
	client_id text not null,
	user_subject text not null,
	redirect_uri text not null,
	scope text not null default '',
	state text not null default '',
	code_challenge text not null default '',
	code_challenge_method text not null default '',
	nonce text not null default '',
	created_at timestamptz not null default now(),
	expires_at timestamptz not null,
	used boolean not null default false,
	used_at timestamptz
);

create table if not exists access_tokens (
	token_id text primary key,
	token_hash text not null unique,
	user_subject text not null default '',
	client_id text not null,
	scope text not null default '',
	issued_at timestamptz not null default now(),
	expires_at timestamptz not null,
	revoked boolean not null default false,
	revoked_at timestamptz
);
create index if not exists access_tokens_user_client_idx on access_tokens(user_subject, client_id);

create table if not exists refresh_tokens (
	token_id text primary key,
	token_hash text not null unique,
	user_subject text not null,
	client_id text not null,
	access_token_id text not null default '',
	scope text not null default '',
	issued_at timestamptz not null default now(),
	expires_at timestamptz not null,
	used boolean not null default false,
	used_at timestamptz,
	revoked boolean not null default false,
	revoked_at timestamptz
);
create index if not exists refresh_tokens_user_client_idx on refresh_tokens(user_subject, client_id);

create table if not exists scopes (
	name text primary key,
	display_name text not null default '',
	description text not null default '',
	required boolean not null default false,
	emphasize boolean not null default false,
	claims text not null default ''
);
`

// Migrate creates the schema if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// joinList and splitList store string slices as space-delimited text.
// Redirect URIs are safe here: RFC 3986 forbids raw spaces in URIs.
func joinList(items []string) string {
	return strings.Join(items, " ")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

// nullableTime converts a zero time to NULL
func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// ============================================================
// UserStore Implementation
// ============================================================

func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.Subject == "" {
		return fmt.Errorf("invalid user")
	}

	_, err := s.db.ExecContext(ctx, `
		insert into users (subject, username, username_normalized, email, email_normalized,
			email_verified, password_hash, given_name, family_name, preferred_username,
			picture, locale, zoneinfo, active, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		on conflict (subject) do update set
			username = excluded.username,
			username_normalized = excluded.username_normalized,
			email = excluded.email,
			email_normalized = excluded.email_normalized,
			email_verified = excluded.email_verified,
			password_hash = excluded.password_hash,
			given_name = excluded.given_name,
			family_name = excluded.family_name,
			preferred_username = excluded.preferred_username,
			picture = excluded.picture,
			locale = excluded.locale,
			zoneinfo = excluded.zoneinfo,
			active = excluded.active,
			updated_at = now()
	`, user.Subject, user.Username, user.UsernameNormalized, user.Email, user.EmailNormalized,
		user.EmailVerified, user.PasswordHash, user.GivenName, user.FamilyName, user.PreferredUsername,
		user.Picture, user.Locale, user.Zoneinfo, user.Active, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

const userColumns = `subject, username, username_normalized, email, email_normalized,
	email_verified, password_hash, given_name, family_name, preferred_username,
	picture, locale, zoneinfo, active, created_at, updated_at`

func (s *Store) scanUser(row *sql.Row) (*storage.User, error) {
	var u storage.User
	err := row.Scan(&u.Subject, &u.Username, &u.UsernameNormalized, &u.Email, &u.EmailNormalized,
		&u.EmailVerified, &u.PasswordHash, &u.GivenName, &u.FamilyName, &u.PreferredUsername,
		&u.Picture, &u.Locale, &u.Zoneinfo, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, subject string) (*storage.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where subject=$1`, subject))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username_normalized=$1`, username))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email_normalized=$1 and email_normalized <> ''`, email))
}

// ============================================================
// ClientStore Implementation
// ============================================================

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	_, err := s.db.ExecContext(ctx, `
		insert into clients (client_id, client_secret_hash, client_type, client_name,
			redirect_uris, grant_types, scopes,
			access_token_lifetime_seconds, refresh_token_lifetime_seconds, authorization_code_lifetime_seconds,
			require_pkce, allow_plain_pkce, allow_refresh_tokens, active, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		on conflict (client_id) do update set
			client_secret_hash = excluded.client_secret_hash,
			client_type = excluded.client_type,
			client_name = excluded.client_name,
			redirect_uris = excluded.redirect_uris,
			grant_types = excluded.grant_types,
			scopes = excluded.scopes,
			access_token_lifetime_seconds = excluded.access_token_lifetime_seconds,
			refresh_token_lifetime_seconds = excluded.refresh_token_lifetime_seconds,
			authorization_code_lifetime_seconds = excluded.authorization_code_lifetime_seconds,
			require_pkce = excluded.require_pkce,
			allow_plain_pkce = excluded.allow_plain_pkce,
			allow_refresh_tokens = excluded.allow_refresh_tokens,
			active = excluded.active
	`, client.ClientID, client.ClientSecretHash, client.ClientType, client.ClientName,
		joinList(client.RedirectURIs), joinList(client.GrantTypes), joinList(client.Scopes),
		int64(client.AccessTokenLifetime.Seconds()), int64(client.RefreshTokenLifetime.Seconds()),
		int64(client.AuthorizationCodeLifetime.Seconds()),
		client.RequirePKCE, client.AllowPlainPKCE, client.AllowRefreshTokens, client.Active, client.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

const clientColumns = `client_id, client_secret_hash, client_type, client_name,
	redirect_uris, grant_types, scopes,
	access_token_lifetime_seconds, refresh_token_lifetime_seconds, authorization_code_lifetime_seconds,
	require_pkce, allow_plain_pkce, allow_refresh_tokens, active, created_at`

func scanClient(row *sql.Row) (*storage.Client, error) {
	var c storage.Client
	var redirectURIs, grantTypes, scopes string
	var accessSecs, refreshSecs, codeSecs int64
	err := row.Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientType, &c.ClientName,
		&redirectURIs, &grantTypes, &scopes,
		&accessSecs, &refreshSecs, &codeSecs,
		&c.RequirePKCE, &c.AllowPlainPKCE, &c.AllowRefreshTokens, &c.Active, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	c.RedirectURIs = splitList(redirectURIs)
	c.GrantTypes = splitList(grantTypes)
	c.Scopes = splitList(scopes)
	c.AccessTokenLifetime = time.Duration(accessSecs) * time.Second
	c.RefreshTokenLifetime = time.Duration(refreshSecs) * time.Second
	c.AuthorizationCodeLifetime = time.Duration(codeSecs) * time.Second
	return &c, nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return scanClient(s.db.QueryRowContext(ctx,
		`select `+clientColumns+` from clients where client_id=$1`, clientID))
}

// ValidateClientSecret validates a client's secret using bcrypt.
// A dummy comparison runs for unknown clients so lookups stay constant-time.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := security.DummyBcryptHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == storage.ClientTypePublic {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient && err == nil {
		return nil
	}
	if err != nil {
		return storage.ErrInvalidClientCredentials
	}
	if bcryptErr != nil {
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, `select `+clientColumns+` from clients order by client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		var c storage.Client
		var redirectURIs, grantTypes, scopes string
		var accessSecs, refreshSecs, codeSecs int64
		if err := rows.Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientType, &c.ClientName,
			&redirectURIs, &grantTypes, &scopes,
			&accessSecs, &refreshSecs, &codeSecs,
			&c.RequirePKCE, &c.AllowPlainPKCE, &c.AllowRefreshTokens, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.RedirectURIs = splitList(redirectURIs)
		c.GrantTypes = splitList(grantTypes)
		c.Scopes = splitList(scopes)
		c.AccessTokenLifetime = time.Duration(accessSecs) * time.Second
		c.RefreshTokenLifetime = time.Duration(refreshSecs) * time.Second
		c.AuthorizationCodeLifetime = time.Duration(codeSecs) * time.Second
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

// ============================================================
// CodeStore Implementation
// ============================================================

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	_, err := s.db.ExecContext(ctx, `
		insert into auth_codes (code, client_id, user_subject, redirect_uri, scope, state,
			code_challenge, code_challenge_method, nonce, created_at, expires_at, used, used_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, code.Code, code.ClientID, code.UserSubject, code.RedirectURI, code.Scope, code.State,
		code.CodeChallenge, code.CodeChallengeMethod, code.Nonce, code.CreatedAt, code.ExpiresAt,
		code.Used, nullableTime(code.UsedAt))
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

const authCodeColumns = `code, client_id, user_subject, redirect_uri, scope, state,
	code_challenge, code_challenge_method, nonce, created_at, expires_at, used, used_at`

func scanAuthCode(row *sql.Row) (*storage.AuthorizationCode, error) {
	var c storage.AuthorizationCode
	var usedAt sql.NullTime
	err := row.Scan(&c.Code, &c.ClientID, &c.UserSubject, &c.RedirectURI, &c.Scope, &c.State,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce, &c.CreatedAt, &c.ExpiresAt, &c.Used, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	c.UsedAt = timeOrZero(usedAt)
	return &c, nil
}

func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	// Expired codes are indistinguishable from unknown codes
	return scanAuthCode(s.db.QueryRowContext(ctx,
		`select `+authCodeColumns+` from auth_codes where code=$1 and expires_at > now()`, code))
}

// AtomicConsumeAuthorizationCode marks an unused, unexpired code as used in a
// single conditional UPDATE, which makes single-use hold across replicas.
// If the UPDATE matched no row, a follow-up read distinguishes replay (record
// returned with ErrCodeAlreadyUsed) from unknown or expired (ErrCodeNotFound).
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, `
		update auth_codes set used=true, used_at=now()
		where code=$1 and not used and expires_at > now()
		returning `+authCodeColumns, code)

	authCode, err := scanAuthCode(row)
	if err == nil {
		return authCode, nil
	}
	if !errors.Is(err, storage.ErrCodeNotFound) {
		return nil, err
	}

	// The conditional UPDATE matched nothing: replayed, expired or unknown
	replayed, lookupErr := scanAuthCode(s.db.QueryRowContext(ctx,
		`select `+authCodeColumns+` from auth_codes where code=$1 and used and expires_at > now()`, code))
	if lookupErr == nil {
		return replayed, storage.ErrCodeAlreadyUsed
	}
	return nil, storage.ErrCodeNotFound
}

func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx, `delete from auth_codes where code=$1`, code); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	if record == nil || record.TokenID == "" || record.TokenHash == "" {
		return fmt.Errorf("invalid access token record")
	}

	_, err := s.db.ExecContext(ctx, `
		insert into access_tokens (token_id, token_hash, user_subject, client_id, scope,
			issued_at, expires_at, revoked, revoked_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, record.TokenID, record.TokenHash, record.UserSubject, record.ClientID, record.Scope,
		record.IssuedAt, record.ExpiresAt, record.Revoked, nullableTime(record.RevokedAt))
	if err != nil {
		return fmt.Errorf("failed to save access token record: %w", err)
	}
	return nil
}

const accessTokenColumns = `token_id, token_hash, user_subject, client_id, scope,
	issued_at, expires_at, revoked, revoked_at`

func scanAccessToken(row *sql.Row) (*storage.AccessTokenRecord, error) {
	var r storage.AccessTokenRecord
	var revokedAt sql.NullTime
	err := row.Scan(&r.TokenID, &r.TokenHash, &r.UserSubject, &r.ClientID, &r.Scope,
		&r.IssuedAt, &r.ExpiresAt, &r.Revoked, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RevokedAt = timeOrZero(revokedAt)
	return &r, nil
}

func (s *Store) GetAccessTokenByHash(ctx context.Context, hash string) (*storage.AccessTokenRecord, error) {
	return scanAccessToken(s.db.QueryRowContext(ctx,
		`select `+accessTokenColumns+` from access_tokens where token_hash=$1`, hash))
}

func (s *Store) GetAccessToken(ctx context.Context, tokenID string) (*storage.AccessTokenRecord, error) {
	return scanAccessToken(s.db.QueryRowContext(ctx,
		`select `+accessTokenColumns+` from access_tokens where token_id=$1`, tokenID))
}

func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`update access_tokens set revoked=true, revoked_at=now() where token_id=$1`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenID == "" || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token record")
	}

	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (token_id, token_hash, user_subject, client_id, access_token_id,
			scope, issued_at, expires_at, used, used_at, revoked, revoked_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, token.TokenID, token.TokenHash, token.UserSubject, token.ClientID, token.AccessTokenID,
		token.Scope, token.IssuedAt, token.ExpiresAt, token.Used, nullableTime(token.UsedAt),
		token.Revoked, nullableTime(token.RevokedAt))
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

const refreshTokenColumns = `token_id, token_hash, user_subject, client_id, access_token_id,
	scope, issued_at, expires_at, used, used_at, revoked, revoked_at`

func scanRefreshToken(row *sql.Row) (*storage.RefreshToken, error) {
	var t storage.RefreshToken
	var usedAt, revokedAt sql.NullTime
	err := row.Scan(&t.TokenID, &t.TokenHash, &t.UserSubject, &t.ClientID, &t.AccessTokenID,
		&t.Scope, &t.IssuedAt, &t.ExpiresAt, &t.Used, &usedAt, &t.Revoked, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	t.UsedAt = timeOrZero(usedAt)
	t.RevokedAt = timeOrZero(revokedAt)
	return &t, nil
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*storage.RefreshToken, error) {
	return scanRefreshToken(s.db.QueryRowContext(ctx,
		`select `+refreshTokenColumns+` from refresh_tokens where token_hash=$1`, hash))
}

// AtomicRedeemRefreshToken spends an unspent refresh token with a single
// conditional UPDATE. Only one concurrent redemption can match the row; the
// losers see the spent record with ErrRefreshTokenAlreadyUsed.
func (s *Store) AtomicRedeemRefreshToken(ctx context.Context, hash string) (*storage.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		update refresh_tokens set used=true, used_at=now(), revoked=true, revoked_at=now()
		where token_hash=$1 and not used and not revoked and expires_at > now()
		returning `+refreshTokenColumns, hash)

	token, err := scanRefreshToken(row)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, storage.ErrTokenNotFound) {
		return nil, err
	}

	replayed, lookupErr := scanRefreshToken(s.db.QueryRowContext(ctx,
		`select `+refreshTokenColumns+` from refresh_tokens where token_hash=$1 and used and expires_at > now()`, hash))
	if lookupErr == nil {
		return replayed, storage.ErrRefreshTokenAlreadyUsed
	}
	return nil, storage.ErrTokenNotFound
}

func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=now() where token_id=$1`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userSubject, clientID string) (int, error) {
	if userSubject == "" || clientID == "" {
		return 0, fmt.Errorf("userSubject and clientID cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	revoked := 0

	res, err := tx.ExecContext(ctx, `
		update access_tokens set revoked=true, revoked_at=now()
		where user_subject=$1 and client_id=$2 and not revoked
	`, userSubject, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke access tokens: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		revoked += int(n)
	}

	res, err = tx.ExecContext(ctx, `
		update refresh_tokens set revoked=true, revoked_at=now()
		where user_subject=$1 and client_id=$2 and not revoked
	`, userSubject, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		revoked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"client_id", clientID,
			"tokens_revoked", revoked)
	}

	return revoked, nil
}

// ============================================================
// ScopeStore Implementation
// ============================================================

func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("invalid scope")
	}

	_, err := s.db.ExecContext(ctx, `
		insert into scopes (name, display_name, description, required, emphasize, claims)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (name) do update set
			display_name = excluded.display_name,
			description = excluded.description,
			required = excluded.required,
			emphasize = excluded.emphasize,
			claims = excluded.claims
	`, scope.Name, scope.DisplayName, scope.Description, scope.Required, scope.Emphasize,
		joinList(scope.Claims))
	if err != nil {
		return fmt.Errorf("failed to save scope: %w", err)
	}
	return nil
}

func (s *Store) GetScope(ctx context.Context, name string) (*storage.Scope, error) {
	var sc storage.Scope
	var claims string
	err := s.db.QueryRowContext(ctx, `
		select name, display_name, description, required, emphasize, claims
		from scopes where name=$1
	`, name).Scan(&sc.Name, &sc.DisplayName, &sc.Description, &sc.Required, &sc.Emphasize, &claims)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrScopeNotFound
	}
	if err != nil {
		return nil, err
	}
	sc.Claims = splitList(claims)
	return &sc, nil
}

func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	rows, err := s.db.QueryContext(ctx, `
		select name, display_name, description, required, emphasize, claims
		from scopes order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []*storage.Scope
	for rows.Next() {
		var sc storage.Scope
		var claims string
		if err := rows.Scan(&sc.Name, &sc.DisplayName, &sc.Description, &sc.Required, &sc.Emphasize, &claims); err != nil {
			return nil, err
		}
		sc.Claims = splitList(claims)
		scopes = append(scopes, &sc)
	}
	return scopes, rows.Err()
}

// DeleteExpired removes expired codes and token records. Intended to be run
// periodically from the host process.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	var total int64

	for _, q := range []string{
		`delete from auth_codes where expires_at <= now()`,
		`delete from access_tokens where expires_at <= now()`,
		`delete from refresh_tokens where expires_at <= now()`,
	} {
		res, err := s.db.ExecContext(ctx, q)
		if err != nil {
			return total, fmt.Errorf("cleanup failed: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}

	return total, nil
}
