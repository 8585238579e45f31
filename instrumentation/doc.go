// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the
// authorization server.
//
// This package enables observability across all server layers through:
// - Metrics: Counters, histograms, and gauges for monitoring OAuth operations
// - Traces: Distributed tracing for request flows across components
// - Logging: Structured logs with trace context integration
//
// # Quick Start
//
// Enable instrumentation and attach it to the server:
//
//	import "github.com/emberid/oauth-server/instrumentation"
//
//	// Initialize instrumentation
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Pass to server configuration
//	srv.SetInstrumentation(inst)
//
// The no-op providers created when Enabled is false (or when no instrumentation
// is attached at all) make every metric and span call free, so callers never
// need to guard instrumentation with nil checks.
//
// To export data, install SDK trace and meter providers via the Resource field
// and the global OTEL propagators before calling New; this package deliberately
// does not bundle exporters.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - oauth.http.request.duration{endpoint} - Request duration in milliseconds
//
// OAuth Flows:
//   - oauth.authorization.started{client_id} - Authorization requests accepted
//   - oauth.login.processed{client_id, success} - End-user login attempts
//   - oauth.code.exchanged{client_id, pkce_method} - Authorization codes exchanged
//   - oauth.token.refreshed{client_id, rotated} - Tokens refreshed
//   - oauth.token.revoked{client_id} - Tokens revoked
//   - oauth.client.registered{client_type} - Dynamic client registrations
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - oauth.pkce.validation_failed{method} - PKCE validation failures
//   - oauth.code.reuse_detected - Authorization code replay attempts
//   - oauth.token.reuse_detected - Refresh token replay attempts
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.users.count - Registered users
//   - storage.clients.count - Registered clients
//   - storage.codes.count - Pending authorization codes
//   - storage.access_tokens.count - Live access token records
//   - storage.refresh_tokens.count - Live refresh tokens
//
// # Distributed Tracing
//
// Spans are created for all major operations:
//   - HTTP requests on the token, userinfo, and revocation endpoints
//   - OAuth flows (authorization, code exchange, refresh, revocation)
//   - Storage operations (save, get, delete)
//
// Example span structure:
//
//	oauth.http.token_exchange
//	└── oauth.server.exchange_authorization_code
//	    ├── storage.consume_authorization_code
//	    ├── storage.save_access_token
//	    └── storage.save_refresh_token
//
// # Performance
//
// When instrumentation is not configured or disabled:
//   - Zero overhead (uses no-op providers)
//   - No allocations or latency impact
//
// # Thread Safety
//
// All instrumentation operations are thread-safe and can be called concurrently
// from multiple goroutines.
//
// # Metric Cardinality Considerations
//
// Most labels come from fixed sets (endpoint, method, status, operation), but
// client_id is one series per registered client. With a handful to a few
// thousand clients that is fine; beyond that, pre-aggregate in your monitoring
// system or drop the client_id dimension with a metric view.
//
// # Security Considerations
//
// This package collects observability data, not credentials. Instrumented code
// MUST:
//   - NEVER record actual token values (access tokens, refresh tokens, authorization codes)
//   - NEVER record client secrets or PKCE verifiers
//   - ONLY record metadata (token types, expiry times, validation results, token IDs)
//
// Client IP addresses may be PII in some jurisdictions; they are only attached
// to spans when Config.LogClientIPs is set.
package instrumentation
