package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/emberid/oauth-server/instrumentation"
	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/server"
	"github.com/emberid/oauth-server/storage"
)

const (
	tokenTypeBearer = "Bearer"

	// Well-known endpoint paths
	PathAuthorize          = "/authorize"
	PathToken              = "/token"
	PathUserInfo           = "/userinfo"
	PathJWKS               = "/.well-known/jwks.json"
	PathOpenIDConfig       = "/.well-known/openid-configuration"
	PathOAuthServerMeta    = "/.well-known/oauth-authorization-server"
	PathRevocation         = "/revoke"
	PathClientRegistration = "/register"
)

// Handler serves the OAuth 2.1 / OpenID Connect HTTP endpoints
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all endpoints on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathUserInfo, h.ServeUserInfo)
	mux.HandleFunc(PathJWKS, h.ServeJWKS)
	mux.HandleFunc(PathOpenIDConfig, h.ServeOpenIDConfiguration)
	mux.HandleFunc(PathOAuthServerMeta, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(PathRevocation, h.ServeTokenRevocation)
	mux.HandleFunc(PathClientRegistration, h.ServeClientRegistration)
}

// loginTemplate is the HTML login form served by the authorization endpoint.
// The hidden fields replay the validated authorization parameters so the POST
// carries the full request through user authentication.
const loginTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in - {{.ClientName}}</title>
<style>
  body { font-family: -apple-system, "Segoe UI", sans-serif; background: #f5f5f7; margin: 0; }
  .card { max-width: 380px; margin: 10vh auto; background: #fff; border-radius: 12px;
          padding: 32px; box-shadow: 0 4px 24px rgba(0,0,0,.08); }
  h1 { font-size: 1.25rem; margin: 0 0 4px; }
  p.client { color: #666; font-size: .9rem; margin: 0 0 24px; }
  label { display: block; font-size: .85rem; margin-bottom: 4px; color: #333; }
  input[type=text], input[type=password] { width: 100%; box-sizing: border-box; padding: 10px;
          margin-bottom: 16px; border: 1px solid #ccc; border-radius: 6px; font-size: 1rem; }
  button { width: 100%; padding: 12px; background: #0066cc; color: #fff; border: none;
          border-radius: 6px; font-size: 1rem; cursor: pointer; }
  .error { background: #fdecea; color: #b3261e; border-radius: 6px; padding: 10px 12px;
          font-size: .85rem; margin-bottom: 16px; }
  .scopes { color: #666; font-size: .8rem; margin-top: 16px; }
</style>
</head>
<body>
<div class="card">
  <h1>Sign in</h1>
  <p class="client">to continue to {{.ClientName}}</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="post" action="{{.Action}}">
    <label for="username">Username or email</label>
    <input type="text" id="username" name="username" autocomplete="username" autofocus required>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <input type="hidden" name="response_type" value="{{.ResponseType}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <input type="hidden" name="nonce" value="{{.Nonce}}">
    <button type="submit">Sign in</button>
  </form>
  <p class="scopes">Requested access: {{.Scope}}</p>
</div>
</body>
</html>`

var loginTmpl = template.Must(template.New("login").Parse(loginTemplate))

type loginFormData struct {
	ClientName          string
	Action              string
	Error               string
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// authorizationRequestFromForm builds the flow request from query or form values
func authorizationRequestFromForm(get func(string) string) *server.AuthorizationRequest {
	return &server.AuthorizationRequest{
		ResponseType:        get("response_type"),
		ClientID:            get("client_id"),
		RedirectURI:         get("redirect_uri"),
		Scope:               get("scope"),
		State:               get("state"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
		Nonce:               get("nonce"),
	}
}

// ServeAuthorization handles the authorization endpoint. GET renders the
// login form after validating the request; POST authenticates the user and
// redirects back to the client with an authorization code.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorize")
		defer span.End()
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if !h.checkIPRateLimit(w, clientIP, "authorize") {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := authorizationRequestFromForm(r.Form.Get)

	// Phase 1: client identity and redirect URI. Failures here are rendered
	// locally - redirecting would hand the error to an unverified URI.
	client, err := h.server.ResolveAuthorizationClient(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client resolution failed")
		code, _ := oauthErrorFor(err)
		h.writeError(w, code, errorDescription(err), http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID))

	// Phase 2: everything else. The redirect URI is registered, so failures
	// go back to the client per RFC 6749 Section 4.1.2.1.
	if err := h.server.ValidateAuthorizationRequest(ctx, client, req); err != nil {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
		instrumentation.SetSpanError(span, "authorization request invalid")
		h.redirectError(w, r, req.RedirectURI, req.State, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.recordAuthorizationStarted(ctx, client.ClientID)
		h.recordHTTPMetrics("authorize", r.Method, http.StatusOK, startTime)
		instrumentation.SetSpanSuccess(span)
		h.serveLoginForm(w, client, req, "", http.StatusOK)

	case http.MethodPost:
		username := r.PostFormValue("username")
		password := r.PostFormValue("password")

		user, err := h.server.AuthenticateUser(ctx, username, password, client.ClientID, clientIP)
		if err != nil {
			// Show the form again; invalid credentials are not an OAuth error
			h.recordLogin(ctx, client.ClientID, false)
			h.recordHTTPMetrics("authorize", r.Method, http.StatusUnauthorized, startTime)
			instrumentation.SetSpanError(span, "user authentication failed")
			h.serveLoginForm(w, client, req, "Invalid username or password.", http.StatusUnauthorized)
			return
		}

		h.recordLogin(ctx, client.ClientID, true)

		authCode, err := h.server.IssueAuthorizationCode(ctx, user, client, req)
		if err != nil {
			h.logger.Error("Failed to issue authorization code", "client_id", client.ClientID, "error", err)
			h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
			instrumentation.RecordError(span, err)
			h.redirectError(w, r, req.RedirectURI, req.State, fmt.Errorf("%s: code issuance failed", ErrorCodeServerError))
			return
		}

		redirect, _ := url.Parse(req.RedirectURI)
		q := redirect.Query()
		q.Set("code", authCode.Code)
		if req.State != "" {
			q.Set("state", req.State)
		}
		redirect.RawQuery = q.Encode()

		h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)
		instrumentation.SetSpanSuccess(span)
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		http.Redirect(w, r, redirect.String(), http.StatusFound)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveLoginForm(w http.ResponseWriter, client *storage.Client, req *server.AuthorizationRequest, errMsg string, status int) {
	// Headers must be in place before the status line goes out
	security.SetLoginPageHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	clientName := client.ClientName
	if clientName == "" {
		clientName = client.ClientID
	}

	data := loginFormData{
		ClientName:          clientName,
		Action:              PathAuthorize,
		Error:               errMsg,
		ResponseType:        req.ResponseType,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
	}

	if err := loginTmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render login form", "error", err)
	}
}

// redirectError delivers an OAuth error to a validated redirect URI
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, err error) {
	code, _ := oauthErrorFor(err)

	redirect, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		h.writeError(w, code, errorDescription(err), http.StatusBadRequest)
		return
	}

	q := redirect.Query()
	q.Set("error", code)
	q.Set("error_description", errorDescription(err))
	if state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles the token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if !h.checkIPRateLimit(w, clientIP, "token") {
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case server.GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, clientIP)
	case server.GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, clientIP)
	case server.GrantTypeClientCredentials:
		h.handleClientCredentialsGrant(w, r, clientIP)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %s not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeOAuthError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	tokenResponse, pkceMethod, err := h.server.ExchangeAuthorizationCode(ctx, client, code, redirectURI, codeVerifier, clientIP)
	if err != nil {
		h.logger.Error("Failed to exchange authorization code", "client_id", client.ClientID, "ip", clientIP, "error", err)
		// SECURITY: Don't leak internal error details to client
		// Audit logging is done in ExchangeAuthorizationCode
		errCode, status := oauthErrorFor(err)
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		switch errCode {
		case ErrorCodeInvalidGrant:
			h.writeError(w, errCode, "Authorization code is invalid or expired", status)
		case ErrorCodeServerError:
			h.writeError(w, errCode, "Token issuance failed", status)
		default:
			h.writeError(w, errCode, errorDescription(err), status)
		}
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)

	h.recordCodeExchanged(ctx, client.ClientID, pkceMethod)

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, tokenResponse)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeOAuthError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	tokenResponse, err := h.server.RefreshAccessToken(ctx, client, refreshToken, r.FormValue("scope"), clientIP)
	if err != nil {
		h.logger.Error("Failed to refresh token", "client_id", client.ClientID, "ip", clientIP, "error", err)
		// SECURITY: Don't leak internal error details to client
		// Audit logging is already done in RefreshAccessToken
		code, status := oauthErrorFor(err)
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		switch code {
		case ErrorCodeInvalidGrant:
			h.writeError(w, code, "Refresh token is invalid or expired", status)
		case ErrorCodeServerError:
			h.writeError(w, code, "Token issuance failed", status)
		default:
			h.writeError(w, code, errorDescription(err), status)
		}
		return
	}

	h.recordTokenRefreshed(ctx, client.ClientID, h.server.Config.RotateRefreshTokens)

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, tokenResponse)
}

func (h *Handler) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_credentials")
		defer span.End()
	}

	client, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeOAuthError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	tokenResponse, err := h.server.ClientCredentials(ctx, client, r.FormValue("scope"), clientIP)
	if err != nil {
		h.logger.Warn("Client credentials grant failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client credentials grant failed")
		code, status := oauthErrorFor(err)
		h.writeError(w, code, errorDescription(err), status)
		return
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, tokenResponse)
}

// ServeUserInfo handles the OpenID Connect UserInfo endpoint
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.userinfo")
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if !h.checkIPRateLimit(w, clientIP, "userinfo") {
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	accessToken, ok := h.extractBearerToken(w, r)
	if !ok {
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "missing bearer token")
		return
	}

	claims, err := h.server.UserInfo(ctx, accessToken)
	if err != nil {
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token validation failed")
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "The access token is invalid or expired")
		return
	}

	subject, _ := claims["sub"].(string)
	if !h.checkUserRateLimit(w, subject, "userinfo") {
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "user rate limit exceeded")
		return
	}

	h.recordHTTPMetrics("userinfo", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

// ServeJWKS serves the JSON Web Key Set used to verify token signatures
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(h.server.Issuer().JWKS())
}

// ServeOpenIDConfiguration serves OpenID Connect discovery metadata
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.serveMetadata(w, r)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.serveMetadata(w, r)
}

func (h *Handler) serveMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")

	codeChallengeMethods := []string{server.PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain {
		codeChallengeMethods = append(codeChallengeMethods, server.PKCEMethodPlain)
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + PathAuthorize,
		TokenEndpoint:                    issuer + PathToken,
		UserinfoEndpoint:                 issuer + PathUserInfo,
		JwksURI:                          issuer + PathJWKS,
		RegistrationEndpoint:             issuer + PathClientRegistration,
		RevocationEndpoint:               issuer + PathRevocation,
		ScopesSupported:                  h.server.Config.SupportedScopes,
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken, server.GrantTypeClientCredentials},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		ClaimsSupported: []string{
			"sub", "name", "given_name", "family_name", "preferred_username",
			"picture", "locale", "zoneinfo", "email", "email_verified",
		},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     codeChallengeMethods,
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if !h.checkIPRateLimit(w, clientIP, "revoke") {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, err)
		return
	}

	if err := h.server.RevokeToken(ctx, client, token, clientIP); err != nil {
		h.logger.Error("Token revocation failed", "client_id", client.ClientID, "error", err)
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, "Revocation failed", http.StatusInternalServerError)
		return
	}

	h.recordTokenRevoked(ctx, client.ClientID)
	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	// RFC 7009: 200 with empty body, even for unknown tokens
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_registration")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if !h.checkIPRateLimit(w, clientIP, "register") {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if !h.authorizeRegistration(r) {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "registration not authorized")
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Registration access token required")
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	clientType := req.ClientType
	if clientType == "" {
		clientType = storage.ClientTypeConfidential
	}

	client := &storage.Client{
		ClientType:   clientType,
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   req.GrantTypes,
		Scopes:       strings.Fields(req.Scope),
	}

	secret, err := h.server.RegisterClient(ctx, client)
	if err != nil {
		h.logger.Warn("Client registration failed", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	h.recordHTTPMetrics("register", http.MethodPost, http.StatusCreated, startTime)
	instrumentation.SetSpanSuccess(span)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordClientRegistration(ctx, client.ClientType)
	}

	authMethod := "client_secret_basic"
	if client.ClientType == storage.ClientTypePublic {
		authMethod = "none"
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           []string{"code"},
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
		ClientType:              client.ClientType,
	})
}

// authorizeRegistration checks the registration gate: either public
// registration is enabled or a registration access token must match.
func (h *Handler) authorizeRegistration(r *http.Request) bool {
	cfg := h.server.RegistrationPolicy
	if cfg.AllowPublic {
		return true
	}
	if cfg.AccessToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && security.ConstantTimeEquals(token, cfg.AccessToken)
}

// ==================== Client Authentication ====================

func (h *Handler) parseBasicAuth(r *http.Request) (username, password string) {
	username, password, _ = r.BasicAuth()
	return
}

// authenticateClient validates client credentials from either Basic Auth or
// form parameters. Returns the validated client or an *OAuthError.
func (h *Handler) authenticateClient(r *http.Request, clientID, clientIP string) (*storage.Client, error) {
	authClientID, authClientSecret := h.parseBasicAuth(r)
	if authClientID != "" {
		clientID = authClientID
	}
	clientSecret := authClientSecret
	if clientSecret == "" {
		clientSecret = r.FormValue("client_secret")
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.GetClient(r.Context(), clientID)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, ErrorCodeInvalidClient, "Unknown client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if client.ClientType == storage.ClientTypeConfidential {
		if clientSecret == "" {
			h.logAuthFailure(client.ClientID, clientIP, "confidential_client_auth_required", "Confidential client missing credentials")
			return nil, ErrInvalidClient("Client authentication required")
		}
		if err := h.server.ValidateClientCredentials(r.Context(), client.ClientID, clientSecret); err != nil {
			h.logAuthFailure(client.ClientID, clientIP, "client_authentication_failed", "Client authentication failed")
			return nil, ErrInvalidClient("Client authentication failed")
		}
	}

	return client, nil
}

// logAuthFailure logs authentication failures with optional auditing.
func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// ==================== Response Writers ====================

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *server.TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	response := TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
		IDToken:      token.IDToken,
		Scope:        token.Scope,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeOAuthError writes an error produced by authenticateClient
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
}

// writeUnauthorizedError writes a 401 with a WWW-Authenticate challenge (RFC 6750)
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`%s error=%q, error_description=%q`, tokenTypeBearer, code, description))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// extractBearerToken pulls the bearer token from the Authorization header,
// writing a 401 challenge if it is missing.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}
	return token, true
}

// ==================== Error Mapping ====================

// oauthErrorFor maps flow errors to wire error codes and HTTP status
func oauthErrorFor(err error) (string, int) {
	switch {
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrorCodeInvalidGrant, http.StatusBadRequest
	case errors.Is(err, server.ErrInvalidScope):
		return ErrorCodeInvalidScope, http.StatusBadRequest
	case errors.Is(err, server.ErrUnauthorizedClient):
		return ErrorCodeUnauthorizedClient, http.StatusBadRequest
	case errors.Is(err, server.ErrUnsupportedResponseType):
		return ErrorCodeUnsupportedResponseType, http.StatusBadRequest
	case errors.Is(err, server.ErrUnsupportedGrantType):
		return ErrorCodeUnsupportedGrantType, http.StatusBadRequest
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrorCodeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, server.ErrInvalidClient):
		return ErrorCodeInvalidClient, http.StatusUnauthorized
	case errors.Is(err, server.ErrInvalidToken):
		return ErrorCodeInvalidToken, http.StatusUnauthorized
	case errors.Is(err, server.ErrAccessDenied):
		return ErrorCodeAccessDenied, http.StatusForbidden
	default:
		return ErrorCodeServerError, http.StatusInternalServerError
	}
}

// errorDescription strips the wire-code prefix from a flow error, leaving
// the human-readable description.
func errorDescription(err error) string {
	msg := err.Error()
	if _, rest, found := strings.Cut(msg, ": "); found {
		return rest
	}
	return msg
}

// ==================== Rate Limiting and Metrics ====================

func (h *Handler) checkIPRateLimit(w http.ResponseWriter, clientIP, endpoint string) bool {
	if h.server.RateLimiter == nil {
		return true
	}
	if h.server.RateLimiter.Allow(clientIP) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	}
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(context.Background(), "ip")
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests)
	return false
}

// checkUserRateLimit throttles authenticated requests per user subject, on
// top of the per-IP limit. It runs only after the token has been validated
// so unauthenticated traffic cannot consume another user's budget.
func (h *Handler) checkUserRateLimit(w http.ResponseWriter, subject, endpoint string) bool {
	if h.server.UserRateLimiter == nil || subject == "" {
		return true
	}
	if h.server.UserRateLimiter.Allow(subject) {
		return true
	}

	h.logger.Warn("User rate limit exceeded", "endpoint", endpoint)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(subject, endpoint)
	}
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(context.Background(), "user")
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests)
	return false
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, statusCode int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, statusCode, durationMs)
}

func (h *Handler) recordAuthorizationStarted(ctx context.Context, clientID string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordAuthorizationStarted(ctx, clientID)
}

func (h *Handler) recordLogin(ctx context.Context, clientID string, success bool) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordLogin(ctx, clientID, success)
}

func (h *Handler) recordTokenRevoked(ctx context.Context, clientID string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordTokenRevocation(ctx, clientID)
}

func (h *Handler) recordCodeExchanged(ctx context.Context, clientID, pkceMethod string) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordCodeExchange(ctx, clientID, pkceMethod)
}

func (h *Handler) recordTokenRefreshed(ctx context.Context, clientID string, rotated bool) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordTokenRefresh(ctx, clientID, rotated)
}
