// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/emberid/oauth-server/instrumentation"
	"github.com/emberid/oauth-server/internal/util"
	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
)

// tokenIDLogLength is the number of characters to include when logging token IDs
// This provides enough uniqueness for debugging while keeping logs secure
const tokenIDLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
// It implements UserStore, ClientStore, CodeStore, TokenStore, and ScopeStore.
type Store struct {
	mu sync.RWMutex

	// User storage, indexed by subject with normalized secondary indexes
	users           map[string]*storage.User
	usersByUsername map[string]string // normalized username -> subject
	usersByEmail    map[string]string // normalized email -> subject

	// Client storage
	clients map[string]*storage.Client

	// Authorization codes, indexed by code value
	authCodes map[string]*storage.AuthorizationCode

	// Token records, indexed by token ID with hash secondary indexes
	accessTokens        map[string]*storage.AccessTokenRecord
	accessTokensByHash  map[string]string // token hash -> token ID
	refreshTokens       map[string]*storage.RefreshToken
	refreshTokensByHash map[string]string // token hash -> token ID

	// Scope catalog
	scopes map[string]*storage.Scope

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	usersCountAtomic         atomic.Int64
	clientsCountAtomic       atomic.Int64
	authCodesCountAtomic     atomic.Int64
	accessTokensCountAtomic  atomic.Int64
	refreshTokensCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.UserStore   = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.ScopeStore  = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		users:               make(map[string]*storage.User),
		usersByUsername:     make(map[string]string),
		usersByEmail:        make(map[string]string),
		clients:             make(map[string]*storage.Client),
		authCodes:           make(map[string]*storage.AuthorizationCode),
		accessTokens:        make(map[string]*storage.AccessTokenRecord),
		accessTokensByHash:  make(map[string]string),
		refreshTokens:       make(map[string]*storage.RefreshToken),
		refreshTokensByHash: make(map[string]string),
		scopes:              make(map[string]*storage.Scope),
		cleanupInterval:     cleanupInterval,
		stopCleanup:         make(chan struct{}),
		logger:              slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.usersCountAtomic.Store(int64(len(s.users)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.authCodesCountAtomic.Store(int64(len(s.authCodes)))
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free)
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.usersCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.authCodesCountAtomic.Load() },
			func() int64 { return s.accessTokensCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser saves a user, indexed by subject and normalized username/email
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.Subject == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.users[user.Subject]

	s.users[user.Subject] = user
	if user.UsernameNormalized != "" {
		s.usersByUsername[user.UsernameNormalized] = user.Subject
	}
	if user.EmailNormalized != "" {
		s.usersByEmail[user.EmailNormalized] = user.Subject
	}

	if !existed {
		s.usersCountAtomic.Add(1)
	}

	s.logger.Debug("Saved user", "subject_prefix", util.SafeTruncate(user.Subject, tokenIDLogLength))
	return nil
}

// GetUser retrieves a user by subject
func (s *Store) GetUser(ctx context.Context, subject string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[subject]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, util.SafeTruncate(subject, tokenIDLogLength))
	}

	userCopy := *user
	return &userCopy, nil
}

// GetUserByUsername retrieves a user by normalized username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject, ok := s.usersByUsername[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}

	user, ok := s.users[subject]
	if !ok {
		return nil, storage.ErrUserNotFound
	}

	userCopy := *user
	return &userCopy, nil
}

// GetUserByEmail retrieves a user by normalized email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject, ok := s.usersByEmail[email]
	if !ok {
		return nil, storage.ErrUserNotFound
	}

	user, ok := s.users[subject]
	if !ok {
		return nil, storage.ErrUserNotFound
	}

	userCopy := *user
	return &userCopy, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client
	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	clientCopy := *client
	return &clientCopy, nil
}

// ValidateClientSecret validates a client's secret using bcrypt
// Uses constant-time operations to prevent timing attacks
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: Always perform the same operations to prevent timing attacks
	// that could reveal whether a client exists or not

	client, err := s.GetClient(ctx, clientID)

	// Determine which hash to use (real or dummy)
	hashToCompare := security.DummyBcryptHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == storage.ClientTypePublic {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// Always run the bcrypt comparison so lookup failures and secret
	// mismatches take the same time
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// For public clients, authentication always succeeds
	if isPublicClient && err == nil {
		return nil
	}

	// If client lookup failed, return error (but only after bcrypt comparison)
	if err != nil {
		return storage.ErrInvalidClientCredentials
	}

	if bcryptErr != nil {
		return storage.ErrInvalidClientCredentials
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]
	s.authCodes[code.Code] = code
	if !existed {
		s.authCodesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
// Expired codes are reported as not found so callers cannot distinguish
// an expired code from one that never existed.
//
// NOTE: For actual code exchange, use AtomicConsumeAuthorizationCode instead
// to prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	if time.Now().After(authCode.ExpiresAt) {
		return nil, storage.ErrCodeNotFound
	}

	// Return a COPY to prevent caller from modifying our stored version
	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unused and
// marks it as used. Only ONE concurrent request can succeed; all others
// receive ErrCodeAlreadyUsed.
//
// IMPORTANT: The code record is ONLY returned alongside ErrCodeAlreadyUsed
// to enable reuse detection and revocation. For other errors (not found,
// expired), nil is returned to prevent information leakage.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if time.Now().After(authCode.ExpiresAt) {
		// Expired codes look identical to unknown codes
		err = storage.ErrCodeNotFound
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if authCode.Used {
		codeCopy := *authCode
		err = storage.ErrCodeAlreadyUsed
		return &codeCopy, err
	}

	now := time.Now()
	authCode.Used = true
	authCode.UsedAt = now
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code]; ok {
		delete(s.authCodes, code)
		s.authCodesCountAtomic.Add(-1)
	}
	s.logger.Debug("Deleted authorization code")
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an access token record
func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if record == nil || record.TokenID == "" || record.TokenHash == "" {
		err = fmt.Errorf("invalid access token record")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.accessTokens[record.TokenID]
	s.accessTokens[record.TokenID] = record
	s.accessTokensByHash[record.TokenHash] = record.TokenID
	if !existed {
		s.accessTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved access token record",
		"token_id", util.SafeTruncate(record.TokenID, tokenIDLogLength),
		"client_id", record.ClientID)
	return nil
}

// GetAccessTokenByHash retrieves an access token record by token hash
func (s *Store) GetAccessTokenByHash(ctx context.Context, hash string) (*storage.AccessTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokenID, ok := s.accessTokensByHash[hash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	record, ok := s.accessTokens[tokenID]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	recordCopy := *record
	return &recordCopy, nil
}

// GetAccessToken retrieves an access token record by token ID
func (s *Store) GetAccessToken(ctx context.Context, tokenID string) (*storage.AccessTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.accessTokens[tokenID]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	recordCopy := *record
	return &recordCopy, nil
}

// RevokeAccessToken marks an access token record as revoked.
// The record is kept until expiry so introspection reports "revoked"
// rather than "unknown".
func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.accessTokens[tokenID]
	if !ok {
		return storage.ErrTokenNotFound
	}

	record.Revoked = true
	record.RevokedAt = time.Now()

	s.logger.Debug("Revoked access token",
		"token_id", util.SafeTruncate(tokenID, tokenIDLogLength))
	return nil
}

// SaveRefreshToken saves a refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if token == nil || token.TokenID == "" || token.TokenHash == "" {
		err = fmt.Errorf("invalid refresh token record")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.refreshTokens[token.TokenID]
	s.refreshTokens[token.TokenID] = token
	s.refreshTokensByHash[token.TokenHash] = token.TokenID
	if !existed {
		s.refreshTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved refresh token",
		"token_id", util.SafeTruncate(token.TokenID, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshTokenByHash retrieves a refresh token record by token hash
func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokenID, ok := s.refreshTokensByHash[hash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	token, ok := s.refreshTokens[tokenID]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	tokenCopy := *token
	return &tokenCopy, nil
}

// AtomicRedeemRefreshToken atomically marks an unspent refresh token as used
// and revoked. Only ONE concurrent request presenting the token can succeed.
//
// The record is ONLY returned alongside ErrRefreshTokenAlreadyUsed to enable
// reuse detection; for not-found/expired/revoked, nil is returned.
func (s *Store) AtomicRedeemRefreshToken(ctx context.Context, hash string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "redeem_refresh_token", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	tokenID, ok := s.refreshTokensByHash[hash]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	token, ok := s.refreshTokens[tokenID]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if time.Now().After(token.ExpiresAt) {
		// Expired tokens look identical to unknown tokens
		err = storage.ErrTokenNotFound
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if token.Used {
		tokenCopy := *token
		err = storage.ErrRefreshTokenAlreadyUsed
		return &tokenCopy, err
	}
	if token.Revoked {
		err = storage.ErrTokenRevoked
		return nil, err
	}

	now := time.Now()
	token.Used = true
	token.UsedAt = now
	token.Revoked = true
	token.RevokedAt = now

	s.logger.Debug("Redeemed refresh token",
		"token_id", util.SafeTruncate(tokenID, tokenIDLogLength))

	tokenCopy := *token
	return &tokenCopy, nil
}

// RevokeRefreshToken marks a refresh token as revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenID]
	if !ok {
		return storage.ErrTokenNotFound
	}

	token.Revoked = true
	token.RevokedAt = time.Now()

	s.logger.Debug("Revoked refresh token",
		"token_id", util.SafeTruncate(tokenID, tokenIDLogLength))
	return nil
}

// RevokeAllTokensForUserClient revokes every live access and refresh token
// for a user+client pair. Used when code or refresh token reuse is detected.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userSubject, clientID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_all_tokens", err, startTime)
	}()

	if userSubject == "" || clientID == "" {
		err = fmt.Errorf("userSubject and clientID cannot be empty")
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	revokedCount := 0

	for tokenID, record := range s.accessTokens {
		if record.UserSubject == userSubject && record.ClientID == clientID && !record.Revoked {
			record.Revoked = true
			record.RevokedAt = now
			revokedCount++

			s.logger.Debug("Revoked access token",
				"subject_prefix", util.SafeTruncate(userSubject, tokenIDLogLength),
				"client_id", clientID,
				"token_id", util.SafeTruncate(tokenID, tokenIDLogLength))
		}
	}

	for tokenID, token := range s.refreshTokens {
		if token.UserSubject == userSubject && token.ClientID == clientID && !token.Revoked {
			token.Revoked = true
			token.RevokedAt = now
			revokedCount++

			s.logger.Debug("Revoked refresh token",
				"subject_prefix", util.SafeTruncate(userSubject, tokenIDLogLength),
				"client_id", clientID,
				"token_id", util.SafeTruncate(tokenID, tokenIDLogLength))
		}
	}

	if revokedCount > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"subject_prefix", util.SafeTruncate(userSubject, tokenIDLogLength),
			"client_id", clientID,
			"tokens_revoked", revokedCount)
	}

	return revokedCount, nil
}

// ============================================================
// ScopeStore Implementation
// ============================================================

// SaveScope saves a scope definition
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("invalid scope")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.scopes[scope.Name] = scope
	return nil
}

// GetScope retrieves a scope definition by name
func (s *Store) GetScope(ctx context.Context, name string) (*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, ok := s.scopes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, name)
	}

	scopeCopy := *scope
	return &scopeCopy, nil
}

// ListScopes lists all scope definitions
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]*storage.Scope, 0, len(s.scopes))
	for _, scope := range s.scopes {
		scopes = append(scopes, scope)
	}

	return scopes, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0

	// Spent and expired authorization codes. Used codes are retained until
	// expiry so replay attempts within the code lifetime are still detected.
	for code, authCode := range s.authCodes {
		if now.After(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.authCodesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired access token records (grace period covers clock skew)
	for tokenID, record := range s.accessTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.accessTokens, tokenID)
			delete(s.accessTokensByHash, record.TokenHash)
			s.accessTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired refresh tokens
	for tokenID, token := range s.refreshTokens {
		if security.IsTokenExpired(token.ExpiresAt) {
			delete(s.refreshTokens, tokenID)
			delete(s.refreshTokensByHash, token.TokenHash)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
