package oauth

import (
	"fmt"
	"log/slog"

	"github.com/emberid/oauth-server/instrumentation"
	"github.com/emberid/oauth-server/security"
	"github.com/emberid/oauth-server/server"
	"github.com/emberid/oauth-server/storage"
)

// Server composes the core authorization server with transport-level
// concerns: rate limiting, auditing and instrumentation.
type Server struct {
	*server.Server

	Instrumentation *instrumentation.Instrumentation

	// RegistrationPolicy gates the dynamic client registration endpoint.
	RegistrationPolicy RegistrationPolicy

	logger *slog.Logger
}

// RegistrationPolicy controls who may register clients dynamically.
// With AllowPublic false, callers must present the access token.
type RegistrationPolicy struct {
	AllowPublic bool
	AccessToken string
}

// Stores bundles the storage backends the server operates on. A single
// implementation (memory.Store, postgres.Store) usually satisfies all five.
type Stores struct {
	Users   storage.UserStore
	Clients storage.ClientStore
	Codes   storage.CodeStore
	Tokens  storage.TokenStore
	Scopes  storage.ScopeStore
}

// NewServer creates an authorization server from the given stores and config.
// Secure defaults are applied to anything left unset.
func NewServer(stores Stores, config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	coreConfig := &server.Config{
		Issuer:               config.Issuer,
		SigningKey:           config.SigningKey,
		AccessTokenTTL:       int64(config.Security.AccessTokenTTL.Seconds()),
		RefreshTokenTTL:      int64(config.Security.RefreshTokenTTL.Seconds()),
		AuthorizationCodeTTL: int64(config.Security.AuthorizationCodeTTL.Seconds()),
		RotateRefreshTokens:  !config.Security.DisableRefreshTokenRotation,
		RequirePKCE:          !config.Security.DisablePKCERequirement,
		AllowPKCEPlain:       config.Security.AllowPlainPKCE,
		AllowInsecureHTTP:    config.Security.AllowInsecureHTTP,
		TrustProxy:           config.RateLimit.TrustProxy,
		TrustedProxyCount:    config.RateLimit.TrustedProxyCount,
		SupportedScopes:      config.SupportedScopes,
	}

	core, err := server.New(stores.Users, stores.Clients, stores.Codes, stores.Tokens, stores.Scopes, coreConfig, logger)
	if err != nil {
		return nil, err
	}

	if config.Security.EnableAuditLogging {
		core.SetAuditor(security.NewAuditor(logger, true))
	}

	if config.RateLimit.Rate > 0 {
		core.SetRateLimiter(security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger))
	}
	if config.RateLimit.UserRate > 0 {
		core.SetUserRateLimiter(security.NewRateLimiter(config.RateLimit.UserRate, config.RateLimit.UserBurst, logger))
	}
	// Security event logging is always rate limited to blunt log flooding
	core.SetSecurityEventRateLimiter(security.NewRateLimiter(1, 5, logger))

	return &Server{
		Server: core,
		RegistrationPolicy: RegistrationPolicy{
			AllowPublic: config.Security.AllowPublicClientRegistration,
			AccessToken: config.Security.RegistrationAccessToken,
		},
		logger: logger,
	}, nil
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the HTTP
// layer and the core flows.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	s.Server.SetInstrumentation(inst)
}
