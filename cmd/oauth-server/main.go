// Command oauth-server runs a standalone OAuth 2.1 / OpenID Connect
// authorization server backed by Postgres or, for development, an
// in-memory store.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	oauth "github.com/emberid/oauth-server"
	"github.com/emberid/oauth-server/instrumentation"
	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/storage"
	"github.com/emberid/oauth-server/storage/memory"
	"github.com/emberid/oauth-server/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "oauth-server:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a development convenience; absence is not an error
	_ = godotenv.Load()

	logger := setupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signingKey, err := loadSigningKey(logger)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	cfg := &oauth.Config{
		Issuer:     envOrDefault("ISSUER", "http://localhost:8080"),
		SigningKey: signingKey,
		SupportedScopes: []string{
			"openid", "profile", "email", "offline_access",
		},
		RateLimit: oauth.RateLimitConfig{
			Rate:              envInt("RATE_LIMIT_RATE", 10),
			Burst:             envInt("RATE_LIMIT_BURST", 20),
			UserRate:          envInt("RATE_LIMIT_USER_RATE", 100),
			UserBurst:         envInt("RATE_LIMIT_USER_BURST", 200),
			TrustProxy:        envBool("TRUST_PROXY", false),
			TrustedProxyCount: envInt("TRUSTED_PROXY_COUNT", 1),
		},
		Security: oauth.SecurityConfig{
			AllowInsecureHTTP:             envBool("ALLOW_INSECURE_HTTP", false),
			AllowPublicClientRegistration: envBool("ALLOW_PUBLIC_REGISTRATION", false),
			RegistrationAccessToken:       registrationToken(logger),
			EnableAuditLogging:            envBool("ENABLE_AUDIT_LOGGING", true),
		},
		Logger: logger,
	}

	stores, cleanup, err := openStorage(ctx, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer cleanup()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth-server",
		ServiceVersion: envOrDefault("SERVICE_VERSION", "dev"),
		Enabled:        envBool("OTEL_ENABLED", false),
		LogClientIPs:   envBool("OTEL_LOG_CLIENT_IPS", false),
	})
	if err != nil {
		return fmt.Errorf("instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Error("Instrumentation shutdown failed", "error", err)
		}
	}()

	if mem, ok := stores.Users.(*memory.Store); ok {
		mem.SetInstrumentation(inst)
	}

	srv, err := oauth.NewServer(stores, cfg)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	srv.SetInstrumentation(inst)

	if err := seedScopes(ctx, stores.Scopes); err != nil {
		return fmt.Errorf("seed scopes: %w", err)
	}
	if envBool("SEED_DEMO_DATA", false) {
		if err := seedDemoData(ctx, srv, stores, logger); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
	}

	handler := oauth.NewHandler(srv, logger)
	router := setupRouter(handler, logger)

	httpServer := &http.Server{
		Addr:         envOrDefault("LISTEN_ADDR", ":8080"),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting authorization server",
			"addr", httpServer.Addr,
			"issuer", cfg.Issuer)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupRouter(handler *oauth.Handler, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(requestLogger(logger))

	r.HandleFunc(oauth.PathAuthorize, handler.ServeAuthorization)
	r.HandleFunc(oauth.PathToken, handler.ServeToken)
	r.HandleFunc(oauth.PathUserInfo, handler.ServeUserInfo)
	r.HandleFunc(oauth.PathJWKS, handler.ServeJWKS)
	r.HandleFunc(oauth.PathOpenIDConfig, handler.ServeOpenIDConfiguration)
	r.HandleFunc(oauth.PathOAuthServerMeta, handler.ServeAuthorizationServerMetadata)
	r.HandleFunc(oauth.PathRevocation, handler.ServeTokenRevocation)
	r.HandleFunc(oauth.PathClientRegistration, handler.ServeClientRegistration)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("Request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", security.GetRequestID(r.Context()))
		})
	}
}

// openStorage returns a Postgres-backed store when DATABASE_URL is set,
// falling back to the in-memory store for development.
func openStorage(ctx context.Context, logger *slog.Logger) (oauth.Stores, func(), error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		store, err := postgres.Open(dsn)
		if err != nil {
			return oauth.Stores{}, nil, err
		}
		store.SetLogger(logger)
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return oauth.Stores{}, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("Using Postgres storage")
		return storesFrom(store), func() { _ = store.Close() }, nil
	}

	store := memory.New()
	store.SetLogger(logger)
	logger.Warn("Using in-memory storage, all data is lost on restart")
	return storesFrom(store), store.Stop, nil
}

// storageBackend is the subset of methods shared by every full backend.
type storageBackend interface {
	storage.UserStore
	storage.ClientStore
	storage.CodeStore
	storage.TokenStore
	storage.ScopeStore
}

func storesFrom(backend storageBackend) oauth.Stores {
	return oauth.Stores{
		Users:   backend,
		Clients: backend,
		Codes:   backend,
		Tokens:  backend,
		Scopes:  backend,
	}
}

// seedScopes installs the standard OpenID Connect scope catalog. SaveScope
// upserts, so this is safe to run on every start.
func seedScopes(ctx context.Context, scopes storage.ScopeStore) error {
	catalog := []*storage.Scope{
		{
			Name:        "openid",
			DisplayName: "Sign in",
			Description: "Verify your identity",
			Required:    true,
			Claims:      []string{"sub"},
		},
		{
			Name:        "profile",
			DisplayName: "Profile",
			Description: "Your name and basic profile information",
			Claims:      []string{"name", "family_name", "given_name", "preferred_username", "picture", "locale", "zoneinfo"},
		},
		{
			Name:        "email",
			DisplayName: "Email address",
			Description: "Your email address",
			Claims:      []string{"email", "email_verified"},
		},
		{
			Name:        "offline_access",
			DisplayName: "Offline access",
			Description: "Keep you signed in",
		},
	}

	for _, scope := range catalog {
		if err := scopes.SaveScope(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

// seedDemoData creates a demo user and client for local experimentation.
// Existing records are left untouched so restarts keep the same credentials.
func seedDemoData(ctx context.Context, srv *oauth.Server, stores oauth.Stores, logger *slog.Logger) error {
	if _, err := stores.Users.GetUserByUsername(ctx, "demo"); errors.Is(err, storage.ErrUserNotFound) {
		password := os.Getenv("DEMO_USER_PASSWORD")
		if password == "" {
			password = randomToken(16)
			logger.Info("Generated demo user password", "username", "demo", "password", password)
		}

		if err := srv.CreateUser(ctx, &storage.User{
			Username:   "demo",
			Email:      "demo@example.com",
			GivenName:  "Demo",
			FamilyName: "User",
		}, password); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if _, err := stores.Clients.GetClient(ctx, "demo-client"); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrClientNotFound) {
		return err
	}

	client := &storage.Client{
		ClientID:     "demo-client",
		ClientName:   "Demo Client",
		ClientType:   storage.ClientTypeConfidential,
		RedirectURIs: []string{"http://localhost:3000/callback"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"openid", "profile", "email", "offline_access"},
	}
	secret, err := srv.RegisterClient(ctx, client)
	if err != nil {
		return err
	}

	logger.Info("Registered demo client",
		"client_id", client.ClientID,
		"client_secret", secret,
		"redirect_uri", client.RedirectURIs[0])
	return nil
}

// loadSigningKey reads an RSA private key in PEM form from SIGNING_KEY_FILE.
// Without one, the server generates an ephemeral key and previously issued
// tokens become invalid on restart.
func loadSigningKey(logger *slog.Logger) (*rsa.PrivateKey, error) {
	path := os.Getenv("SIGNING_KEY_FILE")
	if path == "" {
		logger.Warn("SIGNING_KEY_FILE not set, tokens will not survive restarts")
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA private key", path)
	}
	return key, nil
}

// registrationToken returns the token protecting dynamic client
// registration, generating one when registration is closed and no token
// was configured.
func registrationToken(logger *slog.Logger) string {
	if token := os.Getenv("REGISTRATION_ACCESS_TOKEN"); token != "" {
		return token
	}
	if envBool("ALLOW_PUBLIC_REGISTRATION", false) {
		return ""
	}

	token := randomToken(32)
	logger.Info("Generated registration access token",
		"token", token,
		"hint", "set REGISTRATION_ACCESS_TOKEN to persist it")
	return token
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel()}

	var handler slog.Handler
	if envBool("LOG_JSON", true) {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value == "true" || value == "1" || value == "yes"
}

func envInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
