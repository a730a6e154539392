package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SecurityMetrics counts authentication outcomes for /procesar. A nil
// receiver records nothing.
type SecurityMetrics struct {
	counters map[string]metric.Int64Counter
}

const (
	secAuthAttempts     = "security.auth.attempts.total"
	secAuthFailures     = "security.auth.failures.total"
	secAuthSuccesses    = "security.auth.successes.total"
	secPasswordChecks   = "security.admin_password.checks.total"
	secUnauthorized     = "security.unauthorized.attempts.total"
	secTokenValidations = "security.token.validation_errors.total"
)

var securityCounters = []struct {
	name        string
	description string
}{
	{secAuthAttempts, "Bearer token checks started"},
	{secAuthFailures, "Bearer tokens rejected, by reason"},
	{secAuthSuccesses, "Bearer tokens accepted, by issuer"},
	{secPasswordChecks, "Admin password checks on procedure calls, by outcome"},
	{secUnauthorized, "Requests refused for missing or invalid credentials"},
	{secTokenValidations, "Bearer tokens that failed signature, claim or time validation"},
}

// InitSecurityMetrics creates the security counters on the global meter provider.
func InitSecurityMetrics() (*SecurityMetrics, error) {
	return newSecurityMetrics(otel.Meter("sp-gateway/security"))
}

func newSecurityMetrics(meter metric.Meter) (*SecurityMetrics, error) {
	m := &SecurityMetrics{counters: make(map[string]metric.Int64Counter, len(securityCounters))}
	for _, c := range securityCounters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		m.counters[c.name] = counter
	}
	return m, nil
}

func (m *SecurityMetrics) add(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.counters[name].Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAuthAttempt counts a bearer token check.
func (m *SecurityMetrics) RecordAuthAttempt(ctx context.Context, endpoint string) {
	m.add(ctx, secAuthAttempts, attribute.String("endpoint", endpoint))
}

// RecordAuthFailure counts a rejected bearer token.
func (m *SecurityMetrics) RecordAuthFailure(ctx context.Context, endpoint, reason string) {
	m.add(ctx, secAuthFailures, attribute.String("endpoint", endpoint), attribute.String("reason", reason))
}

// RecordAuthSuccess counts an accepted bearer token.
func (m *SecurityMetrics) RecordAuthSuccess(ctx context.Context, endpoint, issuer string) {
	m.add(ctx, secAuthSuccesses, attribute.String("endpoint", endpoint), attribute.String("issuer", issuer))
}

// RecordAdminPasswordCheck counts an admin password comparison. Failures
// also count as unauthorized attempts.
func (m *SecurityMetrics) RecordAdminPasswordCheck(ctx context.Context, endpoint string, success bool) {
	m.add(ctx, secPasswordChecks, attribute.String("endpoint", endpoint), attribute.Bool("success", success))
	if !success {
		m.RecordUnauthorizedAttempt(ctx, endpoint, "invalid_admin_password")
	}
}

func (m *SecurityMetrics) RecordUnauthorizedAttempt(ctx context.Context, endpoint, reason string) {
	m.add(ctx, secUnauthorized, attribute.String("endpoint", endpoint), attribute.String("reason", reason))
}

func (m *SecurityMetrics) RecordTokenValidationError(ctx context.Context, errorType string) {
	m.add(ctx, secTokenValidations, attribute.String("error_type", errorType))
}
