package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult collects every problem found instead of stopping at the
// first one, so a single startup reports the whole broken config.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error joins every validation error, or returns "" when there are none.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, msg, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: msg, Hint: hint})
}

func (r *ValidationResult) warn(field, msg, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: msg, Hint: hint})
}

// oneOf fails field unless value is one of allowed. The hint lists the
// non-empty choices.
func (r *ValidationResult) oneOf(field, what, value string, allowed ...string) {
	if slices.Contains(allowed, value) {
		return
	}
	choices := slices.DeleteFunc(slices.Clone(allowed), func(s string) bool { return s == "" })
	r.fail(field, fmt.Sprintf("invalid %s %q", what, value), "valid values are: "+strings.Join(choices, ", "))
}

func (r *ValidationResult) nonNegative(field string, negative bool) {
	if negative {
		name := field[strings.LastIndex(field, ".")+1:]
		r.fail(field, name+" cannot be negative", "")
	}
}

func (r *ValidationResult) port(field string, port int) {
	if port < 1 || port > 65535 {
		r.fail(field, fmt.Sprintf("port %d is out of valid range (1-65535)", port), "")
	}
}

func (r *ValidationResult) hostPort(field, what, addr string) {
	if _, _, err := net.SplitHostPort(strings.TrimSpace(addr)); err != nil {
		r.fail(field, fmt.Sprintf("invalid %s %q", what, addr), "use host:port")
	}
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.Server.validate(result)
	c.Cache.validate(result)
	c.Audit.validate(result)
	c.Observability.validate(result)

	return result
}

func (d *DatabaseConfig) validate(r *ValidationResult) {
	if d.ConnectionString == "" {
		r.port("database.port", d.Port)
	}

	d.TLS.validate(r)

	r.nonNegative("database.pool.max_open", d.Pool.MaxOpen < 0)
	r.nonNegative("database.pool.max_idle", d.Pool.MaxIdle < 0)
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		r.warn("database.pool.max_idle", "max_idle is greater than max_open", "idle connections will be limited to max_open")
	}

	r.nonNegative("database.connection_timeout", d.ConnectionTimeout < 0)
	r.nonNegative("database.connection_retry_interval", d.ConnectionRetryInterval < 0)
	r.nonNegative("database.call_timeout", d.CallTimeout < 0)
	if d.ConnectionTimeout > 0 {
		switch {
		case d.ConnectionRetryInterval == 0:
			r.fail("database.connection_retry_interval",
				"connection_retry_interval must be greater than 0 when connection_timeout is set",
				"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
		case d.ConnectionRetryInterval > d.ConnectionTimeout:
			r.warn("database.connection_retry_interval",
				"connection_retry_interval is greater than connection_timeout",
				"only one connection attempt will be made")
		}
	}

	if d.VerifyProceduresStrict && !d.VerifyProcedures {
		r.warn("database.verify_procedures_strict",
			"strict procedure verification is set but verification is disabled",
			"enable database.verify_procedures")
	}

	effective, err := resolveEffectiveDatabaseName(d.Database, d.ConnectionString)
	if err == nil {
		d.Database = effective
		return
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "database.dsn"):
		r.fail("database.dsn", msg, "set a valid MySQL DSN in database.dsn/database.dsn_file")
	case strings.Contains(msg, "mismatch"):
		r.fail("database.database", msg, "either remove database.database or set it to match the DSN database")
	default:
		r.fail("database.database", msg, "set database.database or include a /database in database.dsn")
	}
}

func (t *DatabaseTLSConfig) validate(r *ValidationResult) {
	r.oneOf("database.tls.mode", "TLS mode", t.Mode, "", "off", "skip-verify", "verify-ca", "verify-full")

	switch t.Mode {
	case "verify-ca", "verify-full":
		if t.resolveCAFile() == "" {
			r.fail("database.tls.ca_file",
				"CA file is required for verify-ca and verify-full modes",
				"set ca_file or ca_file_env to specify the CA certificate")
		}
	case "skip-verify":
		r.warn("database.tls.mode", "skip-verify mode does not verify server certificates", "use verify-ca or verify-full in production")
	}

	if (t.resolveCertFile() == "") != (t.resolveKeyFile() == "") {
		r.fail("database.tls.cert_file",
			"both cert_file and key_file must be specified for client certificate authentication",
			"provide both cert_file and key_file, or neither")
	}
}

func (s *ServerConfig) validate(r *ValidationResult) {
	r.port("server.port", s.Port)
	r.nonNegative("server.max_body_bytes", s.MaxBodyBytes < 0)

	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			r.fail("server.rate_limit_rps", "rate_limit_rps must be greater than 0 when rate limiting is enabled", "")
		}
		if s.RateLimitBurst <= 0 {
			r.fail("server.rate_limit_burst", "rate_limit_burst must be greater than 0 when rate limiting is enabled", "")
		}
	} else if s.RateLimitRPS > 0 || s.RateLimitBurst > 0 {
		r.warn("server.rate_limit_enabled",
			"rate limit values are set but rate limiting is disabled",
			"enable server.rate_limit_enabled to apply rate limits")
	}

	s.validateCORS(r)
	s.Auth.validate(r)

	r.oneOf("server.tls_mode", "TLS mode", s.TLSMode, "", "off", "auto", "file")
	if s.TLSMode == "file" {
		if s.TLSCertFile == "" {
			r.fail("server.tls_cert_file", "TLS cert file required when tls_mode is 'file'", "")
		}
		if s.TLSKeyFile == "" {
			r.fail("server.tls_key_file", "TLS key file required when tls_mode is 'file'", "")
		}
	}
}

func (s *ServerConfig) validateCORS(r *ValidationResult) {
	const field = "server.cors_allowed_origins"
	if !s.CORSEnabled {
		return
	}
	if len(s.CORSAllowedOrigins) == 0 {
		r.fail(field, "CORS enabled but no allowed origins configured", "set cors_allowed_origins or disable CORS")
		return
	}

	wildcard := slices.ContainsFunc(s.CORSAllowedOrigins, func(o string) bool {
		return strings.TrimSpace(o) == "*"
	})
	plainHTTPOnly := !slices.ContainsFunc(s.CORSAllowedOrigins, func(o string) bool {
		return !strings.HasPrefix(strings.TrimSpace(o), "http://")
	})

	if wildcard {
		if s.CORSAllowCredentials {
			r.fail(field, "wildcard origin (*) cannot be used with credentials",
				"use specific origins with credentials, or wildcard without credentials")
		}
		r.warn(field, "CORS wildcard origin enabled", "use specific origins in production")
	}
	if plainHTTPOnly && s.TLSMode != "" && s.TLSMode != "off" {
		r.warn(field, "CORS allowed origins are http:// only while TLS is enabled", "use https:// origins when serving over TLS")
	}
}

func (a *AuthConfig) validate(r *ValidationResult) {
	switch a.Mode {
	case AuthModePassword:
		a.validatePassword(r)
	case AuthModeOIDC:
		a.validateOIDC(r)
	default:
		r.oneOf("server.auth.mode", "auth mode", a.Mode, AuthModePassword, AuthModeOIDC)
	}
}

func (a *AuthConfig) validatePassword(r *ValidationResult) {
	const field = "server.auth.admin_password"
	switch {
	case a.AdminPassword == "" && a.AdminPasswordHash == "":
		r.fail(field, "an admin password or password hash is required in password mode",
			"set server.auth.admin_password_hash, server.auth.admin_password_file or "+EnvPrefix+"_SERVER_AUTH_ADMIN_PASSWORD")
		return
	case a.AdminPassword != "" && a.AdminPasswordHash != "":
		r.warn(field, "both admin_password and admin_password_hash are set", "admin_password_hash takes precedence; remove admin_password")
	}
	if a.AdminPassword != "" && len(a.AdminPassword) < 8 {
		r.warn(field, "admin password is shorter than 8 characters", "")
	}
}

func (a *AuthConfig) validateOIDC(r *ValidationResult) {
	if a.OIDCIssuerURL == "" {
		r.fail("server.auth.oidc_issuer_url", "issuer URL is required in oidc mode", "")
	} else if u, err := url.Parse(a.OIDCIssuerURL); err != nil || u.Scheme != "https" || u.Host == "" {
		r.fail("server.auth.oidc_issuer_url", fmt.Sprintf("issuer URL %q must be an absolute https URL", a.OIDCIssuerURL), "")
	}
	if a.OIDCAudience == "" {
		r.fail("server.auth.oidc_audience", "audience is required in oidc mode", "")
	}
	r.nonNegative("server.auth.oidc_clock_skew", a.OIDCClockSkew < 0)
}

func (c *CacheConfig) validate(r *ValidationResult) {
	if !c.Enabled {
		return
	}
	r.hostPort("cache.address", "Redis address", c.Address)
	if c.TTL <= 0 {
		r.fail("cache.ttl", "ttl must be greater than 0 when the cache is enabled", "")
	}
	r.nonNegative("cache.db", c.DB < 0)
	if strings.TrimSpace(c.KeyPrefix) == "" {
		r.warn("cache.key_prefix", "empty key prefix", "set a prefix when the Redis database is shared")
	}
}

func (a *AuditConfig) validate(r *ValidationResult) {
	if !a.Enabled {
		return
	}
	if len(a.Brokers) == 0 {
		r.fail("audit.brokers", "at least one broker is required when audit is enabled", "")
	}
	for _, broker := range a.Brokers {
		r.hostPort("audit.brokers", "broker address", broker)
	}
	if strings.TrimSpace(a.Topic) == "" {
		r.fail("audit.topic", "topic is required when audit is enabled", "")
	}
	if a.RequiredAcks < -1 || a.RequiredAcks > 1 {
		r.fail("audit.required_acks", fmt.Sprintf("invalid required_acks %d", a.RequiredAcks), "valid values are: -1, 0, 1")
	}
}

func (o *ObservabilityConfig) validate(r *ValidationResult) {
	r.oneOf("observability.logging.level", "log level", o.Logging.Level, "debug", "info", "warn", "error")
	r.oneOf("observability.logging.format", "log format", o.Logging.Format, "json", "text")

	o.OTLP.validate("observability.otlp", r)
	signals := []struct {
		prefix string
		cfg    *OTLPConfig
	}{
		{"observability.traces", o.Traces},
		{"observability.logs", o.Logs},
		{"observability.metrics", o.Metrics},
	}
	for _, s := range signals {
		if s.cfg != nil {
			s.cfg.validate(s.prefix, r)
		}
	}
}

func (o *OTLPConfig) validate(prefix string, r *ValidationResult) {
	r.oneOf(prefix+".protocol", "OTLP protocol", o.Protocol, "", "grpc", "http/protobuf")
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		r.fail(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint), "use host:port or a full URL")
	}
	r.oneOf(prefix+".compression", "OTLP compression", o.Compression, "", "none", "gzip")
	r.nonNegative(prefix+".retry_max_attempts", o.RetryMaxAttempts < 0)
}

func validOTLPEndpoint(endpoint string) bool {
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		return err == nil && parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return endpoint != "" && err == nil
}
