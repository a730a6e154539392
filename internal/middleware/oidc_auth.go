package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"sp-gateway/internal/logging"
	"sp-gateway/internal/observability"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const defaultOIDCClockSkew = 2 * time.Minute

// OIDCAuthConfig configures bearer token checks against an OIDC issuer.
type OIDCAuthConfig struct {
	Enabled   bool
	IssuerURL string
	Audience  string
	ClockSkew time.Duration
	// CAFile adds a PEM bundle to the system roots when talking to the issuer.
	CAFile string
}

type authContextKey struct{}

// AuthContext is the verified identity behind a request.
type AuthContext struct {
	Subject  string
	Issuer   string
	Audience []string
	Claims   map[string]interface{}
}

// Principal names the caller for audit records: preferred_username, then
// email, then the subject.
func (a AuthContext) Principal() string {
	for _, claim := range []string{"preferred_username", "email"} {
		if v, ok := a.Claims[claim].(string); ok && v != "" {
			return v
		}
	}
	return a.Subject
}

// AuthFromContext returns the identity stored by OIDCAuthMiddleware.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(AuthContext)
	return auth, ok
}

// WithAuthContext stores auth on ctx.
func WithAuthContext(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// authFailure describes a rejected token. reason is a metric label, message
// goes back to the client.
type authFailure struct {
	reason  string
	message string
	err     error
}

type tokenAuthenticator struct {
	verifier *oidc.IDTokenVerifier
	issuer   string
	skew     time.Duration
}

func (a *tokenAuthenticator) authenticate(ctx context.Context, header string) (AuthContext, *authFailure) {
	raw := bearerToken(header)
	if raw == "" {
		return AuthContext{}, &authFailure{reason: "missing_token", message: "missing bearer token"}
	}
	idToken, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return AuthContext{}, &authFailure{reason: "verification_failed", message: "invalid token", err: err}
	}
	claims := map[string]interface{}{}
	if err := idToken.Claims(&claims); err != nil {
		return AuthContext{}, &authFailure{reason: "claims_parse_failed", message: "invalid token claims", err: err}
	}
	if err := validateTimeClaims(claims, a.skew); err != nil {
		return AuthContext{}, &authFailure{reason: "time_validation_failed", message: "invalid token", err: err}
	}

	subject, _ := claims["sub"].(string)
	return AuthContext{
		Subject:  subject,
		Issuer:   a.issuer,
		Audience: extractAudience(claims),
		Claims:   claims,
	}, nil
}

// newOIDCHTTPClient builds the client used for discovery and JWKS fetches.
func newOIDCHTTPClient(cfg OIDCAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read oidc ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("oidc ca file %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   10 * time.Second,
	}, nil
}

func newTokenAuthenticator(cfg OIDCAuthConfig) (*tokenAuthenticator, error) {
	if cfg.IssuerURL == "" || cfg.Audience == "" {
		return nil, errors.New("oidc auth enabled but issuer/audience not configured")
	}
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid oidc issuer url: %w", err)
	}
	if issuerURL.Scheme != "https" {
		return nil, errors.New("oidc issuer url must use https")
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = defaultOIDCClockSkew
	}

	httpClient, err := newOIDCHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oidc provider: %w", err)
	}

	return &tokenAuthenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.Audience}),
		issuer:   cfg.IssuerURL,
		skew:     cfg.ClockSkew,
	}, nil
}

// OIDCAuthMiddleware rejects requests without a valid bearer token for the
// configured issuer and audience, and stores the caller's AuthContext.
// securityMetrics is optional.
func OIDCAuthMiddleware(cfg OIDCAuthConfig, logger *logging.Logger, securityMetrics ...*observability.SecurityMetrics) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	var metrics *observability.SecurityMetrics
	if len(securityMetrics) > 0 {
		metrics = securityMetrics[0]
	}

	authn, err := newTokenAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			endpoint := r.URL.Path
			if metrics != nil {
				metrics.RecordAuthAttempt(ctx, endpoint)
			}

			auth, failure := authn.authenticate(ctx, r.Header.Get("Authorization"))
			if failure != nil {
				if metrics != nil {
					metrics.RecordAuthFailure(ctx, endpoint, failure.reason)
					metrics.RecordUnauthorizedAttempt(ctx, endpoint, failure.reason)
					if failure.err != nil {
						metrics.RecordTokenValidationError(ctx, failure.reason)
					}
				}
				if logger != nil {
					attrs := []any{
						slog.String("reason", failure.reason),
						slog.String("endpoint", endpoint),
						slog.String("remote_addr", r.RemoteAddr),
					}
					if failure.err != nil {
						attrs = append(attrs, slog.String("error", failure.err.Error()))
					}
					logging.FromContext(ctx).Warn("bearer token rejected", attrs...)
				}
				writeUnauthorized(w, failure.message)
				return
			}

			if metrics != nil {
				metrics.RecordAuthSuccess(ctx, endpoint, auth.Issuer)
			}
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("auth.subject", auth.Subject),
					attribute.String("auth.issuer", auth.Issuer),
				)
			}
			next.ServeHTTP(w, r.WithContext(WithAuthContext(ctx, auth)))
		})
	}, nil
}

func bearerToken(value string) string {
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": message})
}

// validateTimeClaims re-checks exp and nbf with the configured skew.
func validateTimeClaims(claims map[string]interface{}, skew time.Duration) error {
	if skew <= 0 {
		return nil
	}
	now := time.Now()
	if exp, ok := numericDate(claims["exp"]); ok && now.After(exp.Add(skew)) {
		return errors.New("token expired")
	}
	if nbf, ok := numericDate(claims["nbf"]); ok && now.Add(skew).Before(nbf) {
		return errors.New("token not valid yet")
	}
	return nil
}

func numericDate(value interface{}) (time.Time, bool) {
	var secs int64
	switch v := value.(type) {
	case float64:
		secs = int64(v)
	case int64:
		secs = v
	case int:
		secs = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		secs = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		secs = n
	default:
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

func extractAudience(claims map[string]interface{}) []string {
	switch val := claims["aud"].(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
