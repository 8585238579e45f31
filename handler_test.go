package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/emberid/oauth-server/internal/testutil"
	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/server"
	"github.com/emberid/oauth-server/storage"
	"github.com/emberid/oauth-server/storage/memory"
)

var testSigningKey = func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}()

func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	if err := store.SaveUser(ctx, testutil.GenerateTestUser()); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := store.SaveClient(ctx, testutil.GenerateTestClient()); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := store.SaveClient(ctx, testutil.GenerateTestPublicClient()); err != nil {
		t.Fatalf("seed public client: %v", err)
	}
	for _, scope := range testutil.GenerateTestScopes() {
		if err := store.SaveScope(ctx, scope); err != nil {
			t.Fatalf("seed scope: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer(Stores{
		Users:   store,
		Clients: store,
		Codes:   store,
		Tokens:  store,
		Scopes:  store,
	}, &Config{
		Issuer:          "https://auth.example.com",
		SigningKey:      testSigningKey,
		SupportedScopes: []string{"openid", "profile", "email", "offline_access", "api"},
		Security: SecurityConfig{
			AllowPublicClientRegistration: true,
			EnableAuditLogging:            true,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	return NewHandler(srv, logger), store
}

func postForm(handler http.HandlerFunc, path string, form url.Values, basicAuth [2]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth[0] != "" {
		req.SetBasicAuth(basicAuth[0], basicAuth[1])
	}
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// authorize runs the login POST and returns the authorization code from the
// redirect Location.
func authorize(t *testing.T, h *Handler, params url.Values) string {
	t.Helper()

	params.Set("username", "alice")
	params.Set("password", "secret")
	w := postForm(h.ServeAuthorization, PathAuthorize, params, [2]string{})

	if w.Code != http.StatusFound {
		t.Fatalf("authorize: status = %d, body = %s", w.Code, w.Body.String())
	}
	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("authorize: bad Location header: %v", err)
	}
	if e := location.Query().Get("error"); e != "" {
		t.Fatalf("authorize: error redirect %s (%s)", e, location.Query().Get("error_description"))
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("authorize: no code in redirect %s", location)
	}
	return code
}

func defaultAuthorizeParams(clientID string) url.Values {
	challenge, _ := testutil.GeneratePKCEPair()
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"https://example.com/callback"},
		"scope":                 {"openid profile email offline_access"},
		"state":                 {"xyz-state"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}

func TestAuthorizeEndpoint_RendersLoginForm(t *testing.T) {
	h, _ := newTestHandler(t)

	params := defaultAuthorizeParams("test-client-id")
	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{
		`name="username"`,
		`name="password"`,
		`name="client_id" value="test-client-id"`,
		`name="state" value="xyz-state"`,
		"Test Client",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("login form missing %q", want)
		}
	}
}

func TestAuthorizeEndpoint_UnknownClientNotRedirected(t *testing.T) {
	h, _ := newTestHandler(t)

	params := defaultAuthorizeParams("no-such-client")
	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	// Errors before the redirect URI is verified must stay local
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeJSON[ErrorResponse](t, w)
	if resp.Error != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidRequest)
	}
}

func TestAuthorizeEndpoint_ValidationErrorsRedirect(t *testing.T) {
	h, _ := newTestHandler(t)

	params := defaultAuthorizeParams("test-client-id")
	params.Set("response_type", "token")
	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	if got := location.Query().Get("error"); got != ErrorCodeUnsupportedResponseType {
		t.Errorf("error = %q, want %q", got, ErrorCodeUnsupportedResponseType)
	}
	if got := location.Query().Get("state"); got != "xyz-state" {
		t.Errorf("state = %q, want xyz-state", got)
	}
}

func TestAuthorizeEndpoint_WrongPassword(t *testing.T) {
	h, _ := newTestHandler(t)

	params := defaultAuthorizeParams("test-client-id")
	params.Set("username", "alice")
	params.Set("password", "wrong")
	w := postForm(h.ServeAuthorization, PathAuthorize, params, [2]string{})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid username or password") {
		t.Error("expected the login form with an error message")
	}

	// The re-rendered form keeps the login page headers
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "style-src 'unsafe-inline'") {
		t.Errorf("Content-Security-Policy = %q, want the login page policy", csp)
	}
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	h, _ := newTestHandler(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	params := defaultAuthorizeParams("test-client-id")
	params.Set("code_challenge", challenge)
	code := authorize(t, h, params)

	// Exchange the code
	w := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	}, [2]string{"test-client-id", "secret"})

	if w.Code != http.StatusOK {
		t.Fatalf("token: status = %d, body = %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	tokens := decodeJSON[TokenResponse](t, w)
	if tokens.AccessToken == "" || tokens.IDToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("incomplete token response: %+v", tokens)
	}
	if tokens.TokenType != "Bearer" {
		t.Errorf("token_type = %q", tokens.TokenType)
	}

	// UserInfo with the access token
	req := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	uw := httptest.NewRecorder()
	h.ServeUserInfo(uw, req)

	if uw.Code != http.StatusOK {
		t.Fatalf("userinfo: status = %d, body = %s", uw.Code, uw.Body.String())
	}
	claims := decodeJSON[map[string]any](t, uw)
	if claims["sub"] != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("sub = %v", claims["sub"])
	}
	if claims["email"] != "alice@example.com" {
		t.Errorf("email = %v", claims["email"])
	}

	// Refresh rotates the token pair
	rw := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}, [2]string{"test-client-id", "secret"})

	if rw.Code != http.StatusOK {
		t.Fatalf("refresh: status = %d, body = %s", rw.Code, rw.Body.String())
	}
	refreshed := decodeJSON[TokenResponse](t, rw)
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == tokens.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// Replaying the spent refresh token fails with the generic grant error
	replay := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}, [2]string{"test-client-id", "secret"})

	if replay.Code != http.StatusBadRequest {
		t.Fatalf("replay: status = %d, want 400", replay.Code)
	}
	errResp := decodeJSON[ErrorResponse](t, replay)
	if errResp.Error != ErrorCodeInvalidGrant {
		t.Errorf("replay error = %q, want %q", errResp.Error, ErrorCodeInvalidGrant)
	}
	// The description stays generic
	if strings.Contains(errResp.ErrorDescription, "reuse") {
		t.Errorf("description leaks detail: %q", errResp.ErrorDescription)
	}
}

// failingTokenStore passes reads through to the embedded store and fails
// access-token writes, standing in for a storage backend outage.
type failingTokenStore struct {
	storage.TokenStore
}

func (failingTokenStore) SaveAccessToken(context.Context, *storage.AccessTokenRecord) error {
	return errors.New("storage unavailable")
}

func TestTokenEndpoint_StorageFailureIsServerError(t *testing.T) {
	_, store := newTestHandler(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer(Stores{
		Users:   store,
		Clients: store,
		Codes:   store,
		Tokens:  failingTokenStore{store},
		Scopes:  store,
	}, &Config{
		Issuer:          "https://auth.example.com",
		SigningKey:      testSigningKey,
		SupportedScopes: []string{"openid", "profile", "email", "offline_access", "api"},
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	h := NewHandler(srv, logger)

	challenge, verifier := testutil.GeneratePKCEPair()
	params := defaultAuthorizeParams("test-client-id")
	params.Set("code_challenge", challenge)
	code := authorize(t, h, params)

	w := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	}, [2]string{"test-client-id", "secret"})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500; body = %s", w.Code, w.Body.String())
	}
	errResp := decodeJSON[ErrorResponse](t, w)
	if errResp.Error != ErrorCodeServerError {
		t.Errorf("error = %q, want %q", errResp.Error, ErrorCodeServerError)
	}
	if strings.Contains(errResp.ErrorDescription, "unavailable") {
		t.Errorf("description leaks internal detail: %q", errResp.ErrorDescription)
	}
}

func TestTokenEndpoint_CodeReplay(t *testing.T) {
	h, _ := newTestHandler(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	params := defaultAuthorizeParams("test-client-id")
	params.Set("code_challenge", challenge)
	code := authorize(t, h, params)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	}
	creds := [2]string{"test-client-id", "secret"}

	if w := postForm(h.ServeToken, PathToken, form, creds); w.Code != http.StatusOK {
		t.Fatalf("first exchange: status = %d, body = %s", w.Code, w.Body.String())
	}

	w := postForm(h.ServeToken, PathToken, form, creds)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replay: status = %d, want 400", w.Code)
	}
	resp := decodeJSON[ErrorResponse](t, w)
	if resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidGrant)
	}
}

func TestTokenEndpoint_PublicClientWithPKCE(t *testing.T) {
	h, _ := newTestHandler(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	params := defaultAuthorizeParams("test-public-client")
	params.Set("code_challenge", challenge)
	params.Set("scope", "openid profile")
	code := authorize(t, h, params)

	// Public clients authenticate with client_id alone
	w := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"test-public-client"},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	}, [2]string{})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	tokens := decodeJSON[TokenResponse](t, w)
	if tokens.AccessToken == "" {
		t.Error("access token missing")
	}
}

func TestTokenEndpoint_WrongVerifier(t *testing.T) {
	h, _ := newTestHandler(t)

	code := authorize(t, h, defaultAuthorizeParams("test-client-id"))

	w := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {testutil.GenerateRandomString(50)},
	}, [2]string{"test-client-id", "secret"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeJSON[ErrorResponse](t, w)
	if resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidGrant)
	}
}

func TestTokenEndpoint_ClientCredentials(t *testing.T) {
	h, _ := newTestHandler(t)

	w := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"api"},
	}, [2]string{"test-client-id", "secret"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	tokens := decodeJSON[TokenResponse](t, w)
	if tokens.AccessToken == "" {
		t.Error("access token missing")
	}
	if tokens.IDToken != "" || tokens.RefreshToken != "" {
		t.Errorf("machine token carries identity artifacts: %+v", tokens)
	}
	if tokens.Scope != "api" {
		t.Errorf("scope = %q, want api", tokens.Scope)
	}
}

func TestTokenEndpoint_ClientCredentialsPublicClient(t *testing.T) {
	h, _ := newTestHandler(t)

	w := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"test-public-client"},
	}, [2]string{})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeJSON[ErrorResponse](t, w)
	if resp.Error != ErrorCodeUnauthorizedClient {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeUnauthorizedClient)
	}
}

func TestTokenEndpoint_UnsupportedGrantType(t *testing.T) {
	h, _ := newTestHandler(t)

	w := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type": {"password"},
	}, [2]string{"test-client-id", "secret"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeJSON[ErrorResponse](t, w)
	if resp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeUnsupportedGrantType)
	}
}

func TestTokenEndpoint_BadClientSecret(t *testing.T) {
	h, _ := newTestHandler(t)

	w := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"api"},
	}, [2]string{"test-client-id", "wrong-secret"})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
	resp := decodeJSON[ErrorResponse](t, w)
	if resp.Error != ErrorCodeInvalidClient {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidClient)
	}
}

func TestUserInfo_UserRateLimited(t *testing.T) {
	h, _ := newTestHandler(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	params := defaultAuthorizeParams("test-client-id")
	params.Set("code_challenge", challenge)
	code := authorize(t, h, params)

	w := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	}, [2]string{"test-client-id", "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("token: status = %d, body = %s", w.Code, w.Body.String())
	}
	tokens := decodeJSON[TokenResponse](t, w)

	limiter := security.NewRateLimiter(1, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(limiter.Stop)
	h.server.SetUserRateLimiter(limiter)

	userinfo := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		rec := httptest.NewRecorder()
		h.ServeUserInfo(rec, req)
		return rec
	}

	if rec := userinfo(); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec := userinfo()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("throttled response is missing Retry-After")
	}
}

func TestUserInfo_MissingToken(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	w := httptest.NewRecorder()
	h.ServeUserInfo(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Header().Get("WWW-Authenticate"), "invalid_token") {
		t.Errorf("WWW-Authenticate = %q", w.Header().Get("WWW-Authenticate"))
	}
}

func TestDiscoveryDocument(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, PathOpenIDConfig, nil)
	w := httptest.NewRecorder()
	h.ServeOpenIDConfiguration(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	meta := decodeJSON[AuthorizationServerMetadata](t, w)
	if meta.Issuer != "https://auth.example.com" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != "https://auth.example.com/token" {
		t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
	}
	if meta.JwksURI != "https://auth.example.com/.well-known/jwks.json" {
		t.Errorf("jwks_uri = %q", meta.JwksURI)
	}
	if len(meta.ResponseTypesSupported) != 1 || meta.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v", meta.ResponseTypesSupported)
	}
	// S256 only unless plain is explicitly enabled
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v", meta.CodeChallengeMethodsSupported)
	}
}

func TestJWKSEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, PathJWKS, nil)
	w := httptest.NewRecorder()
	h.ServeJWKS(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	jwks := decodeJSON[server.JSONWebKeySet](t, w)
	if len(jwks.Keys) != 1 {
		t.Fatalf("key count = %d, want 1", len(jwks.Keys))
	}
	key := jwks.Keys[0]
	if key.Kty != "RSA" || key.Alg != "RS256" || key.Use != "sig" {
		t.Errorf("unexpected key parameters: %+v", key)
	}
	if key.N == "" || key.E == "" {
		t.Error("key material missing")
	}
}

func TestRevocationEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	params := defaultAuthorizeParams("test-client-id")
	params.Set("code_challenge", challenge)
	code := authorize(t, h, params)

	tw := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	}, [2]string{"test-client-id", "secret"})
	if tw.Code != http.StatusOK {
		t.Fatalf("exchange: status = %d", tw.Code)
	}
	tokens := decodeJSON[TokenResponse](t, tw)

	w := postForm(h.ServeTokenRevocation, PathRevocation, url.Values{
		"token": {tokens.AccessToken},
	}, [2]string{"test-client-id", "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: status = %d, body = %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	uw := httptest.NewRecorder()
	h.ServeUserInfo(uw, req)
	if uw.Code != http.StatusUnauthorized {
		t.Errorf("userinfo after revocation: status = %d, want 401", uw.Code)
	}

	// Unknown tokens still report success (no validity oracle)
	w = postForm(h.ServeTokenRevocation, PathRevocation, url.Values{
		"token": {"unknown-token"},
	}, [2]string{"test-client-id", "secret"})
	if w.Code != http.StatusOK {
		t.Errorf("revoke unknown: status = %d, want 200", w.Code)
	}
}

func TestClientRegistration(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{
		"client_name": "Registered App",
		"redirect_uris": ["https://app.example.org/cb"],
		"grant_types": ["authorization_code", "refresh_token"],
		"scope": "openid profile"
	}`
	req := httptest.NewRequest(http.MethodPost, PathClientRegistration, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeClientRegistration(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[ClientRegistrationResponse](t, w)
	if resp.ClientID == "" {
		t.Error("client_id missing")
	}
	if resp.ClientSecret == "" {
		t.Error("client_secret missing for confidential client")
	}
	if len(resp.RedirectURIs) != 1 || resp.RedirectURIs[0] != "https://app.example.org/cb" {
		t.Errorf("redirect_uris = %v", resp.RedirectURIs)
	}

	// The fresh credentials authenticate at the token endpoint
	tw := postForm(h.ServeToken, PathToken, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"profile"},
	}, [2]string{resp.ClientID, resp.ClientSecret})
	// client_credentials was not registered for this client
	if tw.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", tw.Code, tw.Body.String())
	}
	errResp := decodeJSON[ErrorResponse](t, tw)
	if errResp.Error != ErrorCodeUnauthorizedClient {
		t.Errorf("error = %q, want %q", errResp.Error, ErrorCodeUnauthorizedClient)
	}
}

func TestClientRegistration_GatedByAccessToken(t *testing.T) {
	h, _ := newTestHandler(t)
	h.server.RegistrationPolicy = RegistrationPolicy{
		AllowPublic: false,
		AccessToken: "registration-secret",
	}

	body := `{"client_name": "Gated App", "redirect_uris": ["https://app.example.org/cb"]}`

	req := httptest.NewRequest(http.MethodPost, PathClientRegistration, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeClientRegistration(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("without token: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, PathClientRegistration, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer registration-secret")
	w = httptest.NewRecorder()
	h.ServeClientRegistration(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("with token: status = %d, body = %s", w.Code, w.Body.String())
	}
}
