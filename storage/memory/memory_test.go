package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberid/oauth-server/internal/testutil"
	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func TestStore_SaveAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := testutil.GenerateTestUser()
	if err := s.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}

	got, err := s.GetUser(ctx, user.Subject)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Username != user.Username {
		t.Errorf("Username = %q, want %q", got.Username, user.Username)
	}

	// Secondary indexes
	byName, err := s.GetUserByUsername(ctx, user.UsernameNormalized)
	if err != nil {
		t.Fatalf("GetUserByUsername failed: %v", err)
	}
	if byName.Subject != user.Subject {
		t.Errorf("GetUserByUsername subject = %q, want %q", byName.Subject, user.Subject)
	}

	byEmail, err := s.GetUserByEmail(ctx, user.EmailNormalized)
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if byEmail.Subject != user.Subject {
		t.Errorf("GetUserByEmail subject = %q, want %q", byEmail.Subject, user.Subject)
	}
}

func TestStore_GetUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "no-such-subject")
	if !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestStore_GetUser_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := testutil.GenerateTestUser()
	if err := s.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}

	got, _ := s.GetUser(ctx, user.Subject)
	got.Username = "mutated"

	again, _ := s.GetUser(ctx, user.Subject)
	if again.Username == "mutated" {
		t.Error("GetUser returned a reference to the stored user")
	}
}

func TestStore_ValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	confidential := testutil.GenerateTestClient()
	public := testutil.GenerateTestPublicClient()
	if err := s.SaveClient(ctx, confidential); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}
	if err := s.SaveClient(ctx, public); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{
			name:     "valid secret for confidential client",
			clientID: confidential.ClientID,
			secret:   "secret",
			wantErr:  false,
		},
		{
			name:     "wrong secret for confidential client",
			clientID: confidential.ClientID,
			secret:   "wrong-secret",
			wantErr:  true,
		},
		{
			name:     "public client accepts any secret",
			clientID: public.ClientID,
			secret:   "",
			wantErr:  false,
		},
		{
			name:     "unknown client",
			clientID: "no-such-client",
			secret:   "secret",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClientSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStore_AuthorizationCode_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	got, err := s.GetAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode failed: %v", err)
	}
	if got.ClientID != code.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, code.ClientID)
	}

	// First consume succeeds
	consumed, err := s.AtomicConsumeAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("AtomicConsumeAuthorizationCode failed: %v", err)
	}
	if !consumed.Used {
		t.Error("consumed code not marked as used")
	}

	// Second consume reports reuse and returns the record
	replayed, err := s.AtomicConsumeAuthorizationCode(ctx, code.Code)
	if !errors.Is(err, storage.ErrCodeAlreadyUsed) {
		t.Fatalf("expected ErrCodeAlreadyUsed, got %v", err)
	}
	if replayed == nil {
		t.Fatal("reuse must return the code record for revocation")
	}
	if replayed.UserSubject != code.UserSubject {
		t.Errorf("UserSubject = %q, want %q", replayed.UserSubject, code.UserSubject)
	}
}

func TestStore_AuthorizationCode_ExpiredLooksLikeNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	if _, err := s.GetAuthorizationCode(ctx, code.Code); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("GetAuthorizationCode: expected ErrCodeNotFound for expired code, got %v", err)
	}

	record, err := s.AtomicConsumeAuthorizationCode(ctx, code.Code)
	if !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("AtomicConsumeAuthorizationCode: expected ErrCodeNotFound for expired code, got %v", err)
	}
	if record != nil {
		t.Error("expired code must not leak the record")
	}
}

func TestStore_AtomicConsumeAuthorizationCode_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	reuses := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicConsumeAuthorizationCode(ctx, code.Code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrCodeAlreadyUsed):
				reuses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("exactly one consume must succeed, got %d", successes)
	}
	if reuses != goroutines-1 {
		t.Errorf("expected %d reuse errors, got %d", goroutines-1, reuses)
	}
}

func TestStore_RefreshToken_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value := "opaque-refresh-token-value"
	token := &storage.RefreshToken{
		TokenID:     "rt-1",
		TokenHash:   security.SHA256Base64URL(value),
		UserSubject: "user-1",
		ClientID:    "client-1",
		Scope:       "openid offline_access",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken failed: %v", err)
	}

	got, err := s.GetRefreshTokenByHash(ctx, token.TokenHash)
	if err != nil {
		t.Fatalf("GetRefreshTokenByHash failed: %v", err)
	}
	if got.UserSubject != "user-1" {
		t.Errorf("UserSubject = %q, want %q", got.UserSubject, "user-1")
	}

	// First redemption succeeds and spends the token
	redeemed, err := s.AtomicRedeemRefreshToken(ctx, token.TokenHash)
	if err != nil {
		t.Fatalf("AtomicRedeemRefreshToken failed: %v", err)
	}
	if !redeemed.Used || !redeemed.Revoked {
		t.Error("redeemed token must be marked used and revoked")
	}

	// Second redemption reports reuse with the record attached
	replayed, err := s.AtomicRedeemRefreshToken(ctx, token.TokenHash)
	if !errors.Is(err, storage.ErrRefreshTokenAlreadyUsed) {
		t.Fatalf("expected ErrRefreshTokenAlreadyUsed, got %v", err)
	}
	if replayed == nil || replayed.UserSubject != "user-1" {
		t.Error("reuse must return the token record for revocation")
	}
}

func TestStore_AtomicRedeemRefreshToken_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := &storage.RefreshToken{
		TokenID:     "rt-expired",
		TokenHash:   security.SHA256Base64URL("expired-value"),
		UserSubject: "user-1",
		ClientID:    "client-1",
		IssuedAt:    time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	if err := s.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken failed: %v", err)
	}

	record, err := s.AtomicRedeemRefreshToken(ctx, token.TokenHash)
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expected ErrTokenNotFound for expired token, got %v", err)
	}
	if record != nil {
		t.Error("expired token must not leak the record")
	}
}

func TestStore_AtomicRedeemRefreshToken_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash := security.SHA256Base64URL("concurrent-refresh-value")
	token := &storage.RefreshToken{
		TokenID:     "rt-concurrent",
		TokenHash:   hash,
		UserSubject: "user-1",
		ClientID:    "client-1",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken failed: %v", err)
	}

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AtomicRedeemRefreshToken(ctx, hash); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("exactly one redemption must succeed, got %d", successes)
	}
}

func TestStore_RevokeAllTokensForUserClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two access tokens and one refresh token for the target pair,
	// plus one token for a different client that must survive.
	for i, id := range []string{"at-1", "at-2"} {
		record := &storage.AccessTokenRecord{
			TokenID:     id,
			TokenHash:   security.SHA256Base64URL(id),
			UserSubject: "user-1",
			ClientID:    "client-1",
			IssuedAt:    time.Now(),
			ExpiresAt:   time.Now().Add(time.Duration(i+1) * time.Hour),
		}
		if err := s.SaveAccessToken(ctx, record); err != nil {
			t.Fatalf("SaveAccessToken failed: %v", err)
		}
	}
	refresh := &storage.RefreshToken{
		TokenID:     "rt-1",
		TokenHash:   security.SHA256Base64URL("rt-1"),
		UserSubject: "user-1",
		ClientID:    "client-1",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.SaveRefreshToken(ctx, refresh); err != nil {
		t.Fatalf("SaveRefreshToken failed: %v", err)
	}
	other := &storage.AccessTokenRecord{
		TokenID:     "at-other",
		TokenHash:   security.SHA256Base64URL("at-other"),
		UserSubject: "user-1",
		ClientID:    "client-2",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.SaveAccessToken(ctx, other); err != nil {
		t.Fatalf("SaveAccessToken failed: %v", err)
	}

	revoked, err := s.RevokeAllTokensForUserClient(ctx, "user-1", "client-1")
	if err != nil {
		t.Fatalf("RevokeAllTokensForUserClient failed: %v", err)
	}
	if revoked != 3 {
		t.Errorf("revoked = %d, want 3", revoked)
	}

	survivor, err := s.GetAccessToken(ctx, "at-other")
	if err != nil {
		t.Fatalf("GetAccessToken failed: %v", err)
	}
	if survivor.Revoked {
		t.Error("token for a different client must not be revoked")
	}

	target, _ := s.GetAccessToken(ctx, "at-1")
	if !target.Revoked {
		t.Error("token for the target pair must be revoked")
	}
}

func TestStore_RevokeAccessToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &storage.AccessTokenRecord{
		TokenID:     "at-revoke",
		TokenHash:   security.SHA256Base64URL("at-revoke"),
		UserSubject: "user-1",
		ClientID:    "client-1",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.SaveAccessToken(ctx, record); err != nil {
		t.Fatalf("SaveAccessToken failed: %v", err)
	}

	if err := s.RevokeAccessToken(ctx, "at-revoke"); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}

	got, err := s.GetAccessTokenByHash(ctx, record.TokenHash)
	if err != nil {
		t.Fatalf("GetAccessTokenByHash failed: %v", err)
	}
	if !got.Revoked {
		t.Error("record not marked revoked")
	}

	if err := s.RevokeAccessToken(ctx, "no-such-token"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestStore_Scopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, scope := range testutil.GenerateTestScopes() {
		if err := s.SaveScope(ctx, scope); err != nil {
			t.Fatalf("SaveScope failed: %v", err)
		}
	}

	email, err := s.GetScope(ctx, "email")
	if err != nil {
		t.Fatalf("GetScope failed: %v", err)
	}
	if len(email.Claims) != 2 {
		t.Errorf("email scope claims = %v, want [email email_verified]", email.Claims)
	}

	if _, err := s.GetScope(ctx, "no-such-scope"); !errors.Is(err, storage.ErrScopeNotFound) {
		t.Errorf("expected ErrScopeNotFound, got %v", err)
	}

	scopes, err := s.ListScopes(ctx)
	if err != nil {
		t.Fatalf("ListScopes failed: %v", err)
	}
	if len(scopes) != len(testutil.GenerateTestScopes()) {
		t.Errorf("ListScopes returned %d scopes, want %d", len(scopes), len(testutil.GenerateTestScopes()))
	}
}

func TestStore_Cleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testutil.GenerateTestAuthorizationCode()
	expired.Code = "expired-code"
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	live := testutil.GenerateTestAuthorizationCode()
	live.Code = "live-code"

	if err := s.SaveAuthorizationCode(ctx, expired); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}
	if err := s.SaveAuthorizationCode(ctx, live); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	staleToken := &storage.RefreshToken{
		TokenID:   "rt-stale",
		TokenHash: security.SHA256Base64URL("rt-stale"),
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := s.SaveRefreshToken(ctx, staleToken); err != nil {
		t.Fatalf("SaveRefreshToken failed: %v", err)
	}

	s.cleanup()

	if _, err := s.GetAuthorizationCode(ctx, "expired-code"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Error("expired code should be cleaned up")
	}
	if _, err := s.GetAuthorizationCode(ctx, "live-code"); err != nil {
		t.Errorf("live code should survive cleanup: %v", err)
	}

	s.mu.RLock()
	_, staleExists := s.refreshTokens["rt-stale"]
	s.mu.RUnlock()
	if staleExists {
		t.Error("expired refresh token should be cleaned up")
	}
}
