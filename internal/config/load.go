package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// EnvPrefix prefixes every environment variable the loader reads,
// e.g. SPGW_DATABASE_HOST.
const EnvPrefix = "SPGW"

var defineFlagsOnce sync.Once

// commandFlags are handled by the binary and never land in the config tree.
var commandFlags = map[string]bool{
	"config":           true,
	"version":          true,
	"print-catalog":    true,
	"check-connection": true,
}

// Load loads configuration from multiple sources with the following precedence:
// 1. Explicit overrides (v.Set) used for secrets read from files or the terminal
// 2. Command line flags
// 3. Environment variables
// 4. Config file
// 5. Default values
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	defineFlags()
	if !pflag.Parsed() {
		pflag.Parse()
	}

	cfgPath, _ := pflag.CommandLine.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("sp-gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sp-gateway/")
		v.AddConfigPath("$HOME/.sp-gateway")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Canonical keys are dotted snake_case: database.pool.max_open is
	// SPGW_DATABASE_POOL_MAX_OPEN.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(v, pflag.CommandLine)

	return finalize(v)
}

// finalize resolves file-backed secrets and unmarshals v strictly. It is
// split from Load so tests can drive it with a hand-built viper.
func finalize(v *viper.Viper) (*Config, error) {
	databaseNameExplicit := databaseNameExplicitlyConfigured(v)
	if err := validateSingleStdinFileSource(v); err != nil {
		return nil, err
	}

	for _, src := range secretSources {
		if err := src.resolve(v); err != nil {
			return nil, err
		}
	}
	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}

	// A DSN names its own database. Drop the default placeholder so the
	// DSN wins unless database.database was set on purpose.
	if strings.TrimSpace(v.GetString("database.dsn")) != "" &&
		!databaseNameExplicit &&
		strings.TrimSpace(v.GetString("database.database")) == defaultDatabaseName {
		v.Set("database.database", "")
	}

	effectiveDatabase, err := resolveEffectiveDatabaseName(
		v.GetString("database.database"),
		v.GetString("database.dsn"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective database name: %w", err)
	}
	v.Set("database.database", effectiveDatabase)

	var cfg Config
	if err := v.UnmarshalExact(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// secretSource fills key from the file named by fileKey when key is unset.
type secretSource struct {
	key      string
	fileKey  string
	label    string
	nonEmpty bool
}

var secretSources = []secretSource{
	{key: "database.dsn", fileKey: "database.dsn_file", label: "database DSN"},
	{key: "database.password", fileKey: "database.password_file", label: "database password"},
	{key: "server.auth.admin_password", fileKey: "server.auth.admin_password_file", label: "admin password", nonEmpty: true},
}

func (s secretSource) resolve(v *viper.Viper) error {
	path := v.GetString(s.fileKey)
	if v.GetString(s.key) != "" || path == "" {
		return nil
	}
	secret, err := readSecretFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s file: %w", s.label, err)
	}
	if s.nonEmpty && secret == "" {
		return fmt.Errorf("%s file %q is empty", s.label, path)
	}
	v.Set(s.key, secret)
	return nil
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToStringSliceHookFunc(","),
		),
	)
}

// flagGetters read a typed flag value so Viper keeps the native type
// instead of the flag's string form.
var flagGetters = map[string]func(*pflag.FlagSet, string) (any, error){
	"string":      func(fs *pflag.FlagSet, n string) (any, error) { return fs.GetString(n) },
	"int":         func(fs *pflag.FlagSet, n string) (any, error) { return fs.GetInt(n) },
	"int64":       func(fs *pflag.FlagSet, n string) (any, error) { return fs.GetInt64(n) },
	"bool":        func(fs *pflag.FlagSet, n string) (any, error) { return fs.GetBool(n) },
	"float64":     func(fs *pflag.FlagSet, n string) (any, error) { return fs.GetFloat64(n) },
	"duration":    func(fs *pflag.FlagSet, n string) (any, error) { return fs.GetDuration(n) },
	"stringSlice": func(fs *pflag.FlagSet, n string) (any, error) { return fs.GetStringSlice(n) },
}

// bindChangedFlagsToViper copies only flags the user set, so an unset flag
// never shadows env, file or default values.
func bindChangedFlagsToViper(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if commandFlags[f.Name] {
			return
		}
		get, ok := flagGetters[f.Value.Type()]
		if !ok {
			v.Set(f.Name, f.Value.String())
			return
		}
		if val, err := get(fs, f.Name); err == nil {
			v.Set(f.Name, val)
		}
	})
}

// defineFlags defines all command line flags using canonical snake_case keys.
func defineFlags() {
	defineFlagsOnce.Do(func() {
		pflag.String("database.dsn", "", "Complete MySQL DSN (user:pass@tcp(host:port)/db)")
		pflag.String("database.dsn_file", "", "Path to file containing database DSN (use @- for stdin)")
		pflag.String("database.host", "", "Database host")
		pflag.Int("database.port", 0, "Database port")
		pflag.String("database.user", "", "Database user")
		pflag.String("database.password", "", "Database password")
		pflag.String("database.password_file", "", "Path to file containing database password (use @- for stdin)")
		pflag.Bool("database.password_prompt", false, "Prompt for database password securely")
		pflag.String("database.database", "", "Database name")

		pflag.String("database.tls.mode", "", "TLS mode (off, skip-verify, verify-ca, verify-full)")
		pflag.String("database.tls.ca_file", "", "Path to CA certificate for server verification")
		pflag.String("database.tls.ca_file_env", "", "Env var containing CA certificate path")
		pflag.String("database.tls.cert_file", "", "Path to client certificate for mTLS")
		pflag.String("database.tls.cert_file_env", "", "Env var containing client certificate path")
		pflag.String("database.tls.key_file", "", "Path to client private key for mTLS")
		pflag.String("database.tls.key_file_env", "", "Env var containing client key path")
		pflag.String("database.tls.server_name", "", "Override TLS server name for verification")

		pflag.Int("database.pool.max_open", 0, "Maximum open database connections")
		pflag.Int("database.pool.max_idle", 0, "Maximum idle connections in pool")
		pflag.Duration("database.pool.max_lifetime", 0, "Connection max lifetime (e.g. 5m, 30s)")
		pflag.Duration("database.connection_timeout", 0, "Max time to wait for database on startup (0 = fail immediately)")
		pflag.Duration("database.connection_retry_interval", 0, "Initial interval between connection retries")
		pflag.Duration("database.call_timeout", 0, "Upper bound for a single procedure call (0 = none)")
		pflag.Bool("database.verify_procedures", false, "Check at startup that every catalog procedure exists")
		pflag.Bool("database.verify_procedures_strict", false, "Fail startup when procedure verification finds problems")

		pflag.Int("server.port", 0, "HTTP server port")
		pflag.Int64("server.max_body_bytes", 0, "Maximum accepted request body size in bytes")
		pflag.String("server.auth.mode", "", "Authorization mode for /procesar (password, oidc)")
		pflag.String("server.auth.admin_password", "", "Admin password required in request bodies")
		pflag.String("server.auth.admin_password_hash", "", "bcrypt, pbkdf2 or scrypt hash of the admin password")
		pflag.String("server.auth.admin_password_file", "", "Path to file containing the admin password (use @- for stdin)")
		pflag.String("server.auth.oidc_issuer_url", "", "OIDC issuer URL (for discovery and JWKS)")
		pflag.String("server.auth.oidc_audience", "", "Expected JWT audience (client ID)")
		pflag.Duration("server.auth.oidc_clock_skew", 0, "Allowed JWT clock skew (e.g. 2m)")
		pflag.String("server.auth.oidc_ca_file", "", "Extra CA bundle trusted when talking to the OIDC issuer")
		pflag.Bool("server.rate_limit_enabled", false, "Enable rate limiting for all HTTP endpoints")
		pflag.Float64("server.rate_limit_rps", 0, "Rate limit requests per second")
		pflag.Int("server.rate_limit_burst", 0, "Rate limit burst size")
		pflag.Bool("server.rate_limit_per_client", false, "Keep one rate limit bucket per client address")
		pflag.Bool("server.cors_enabled", false, "Enable CORS (Cross-Origin Resource Sharing)")
		pflag.StringSlice("server.cors_allowed_origins", nil, "Allowed CORS origins (comma-separated or repeated)")
		pflag.StringSlice("server.cors_allowed_methods", nil, "Allowed CORS methods (comma-separated or repeated)")
		pflag.StringSlice("server.cors_allowed_headers", nil, "Allowed CORS headers (comma-separated or repeated)")
		pflag.StringSlice("server.cors_expose_headers", nil, "CORS headers to expose to browser (comma-separated or repeated)")
		pflag.Bool("server.cors_allow_credentials", false, "Allow credentials in CORS requests")
		pflag.Int("server.cors_max_age", 0, "CORS preflight cache duration (seconds)")
		pflag.Duration("server.read_timeout", 0, "HTTP server read timeout")
		pflag.Duration("server.write_timeout", 0, "HTTP server write timeout")
		pflag.Duration("server.idle_timeout", 0, "HTTP server idle timeout")
		pflag.Duration("server.shutdown_timeout", 0, "HTTP server graceful shutdown timeout")
		pflag.Duration("server.health_check_timeout", 0, "Health check timeout")
		pflag.String("server.tls_mode", "", "TLS mode: off, auto (self-signed), file (default: off)")
		pflag.String("server.tls_cert_file", "", "Path to TLS certificate file (for file mode)")
		pflag.String("server.tls_key_file", "", "Path to TLS private key file (for file mode)")
		pflag.String("server.tls_auto_cert_dir", "", "Directory for auto-generated certificates (default: .tls)")

		pflag.Bool("cache.enabled", false, "Cache read procedure results in Redis")
		pflag.String("cache.address", "", "Redis address (host:port)")
		pflag.String("cache.password", "", "Redis password")
		pflag.Int("cache.db", 0, "Redis logical database")
		pflag.Duration("cache.ttl", 0, "Lifetime of a cached read")
		pflag.String("cache.key_prefix", "", "Prefix for every cache key")
		pflag.Duration("cache.dial_timeout", 0, "Redis dial timeout")
		pflag.Int("cache.pool_size", 0, "Redis connection pool size (0 = client default)")

		pflag.Bool("audit.enabled", false, "Publish an audit event to Kafka for every committed mutation")
		pflag.StringSlice("audit.brokers", nil, "Kafka broker addresses (comma-separated or repeated)")
		pflag.String("audit.topic", "", "Kafka topic for audit events")
		pflag.Duration("audit.write_timeout", 0, "Kafka write timeout")
		pflag.Int("audit.required_acks", 0, "Kafka required acks (-1 all, 0 none, 1 leader)")

		pflag.String("observability.service_name", "", "Service name for observability")
		pflag.String("observability.service_version", "", "Service version for observability")
		pflag.String("observability.environment", "", "Environment name (dev, staging, prod)")
		pflag.Bool("observability.metrics_enabled", false, "Enable metrics collection")
		pflag.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
		pflag.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio from 0.0 to 1.0")
		pflag.Bool("observability.sqlcommenter_enabled", false, "Inject trace context into SQL queries")

		pflag.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
		pflag.String("observability.logging.format", "", "Log format (json, text)")
		pflag.Bool("observability.logging.exports_enabled", false, "Enable OTLP log export")

		pflag.String("observability.otlp.endpoint", "", "OTLP endpoint for all signals (e.g., localhost:4317)")
		pflag.String("observability.otlp.protocol", "", "OTLP protocol for all signals (grpc, http/protobuf)")
		pflag.Bool("observability.otlp.insecure", false, "Use insecure connection (no TLS)")
		pflag.String("observability.otlp.tls_cert_file", "", "Path to TLS certificate file for server verification")
		pflag.String("observability.otlp.tls_client_cert_file", "", "Path to client certificate file for mTLS")
		pflag.String("observability.otlp.tls_client_key_file", "", "Path to client key file for mTLS")
		pflag.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
		pflag.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")
		pflag.Bool("observability.otlp.retry_enabled", false, "Enable retry on transient errors")
		pflag.Int("observability.otlp.retry_max_attempts", 0, "Maximum retry attempts")

		pflag.String("observability.traces.endpoint", "", "OTLP endpoint for traces only")
		pflag.String("observability.traces.protocol", "", "OTLP protocol for traces (grpc, http/protobuf)")
		pflag.Bool("observability.traces.insecure", false, "Use insecure connection for traces")
		pflag.String("observability.logs.endpoint", "", "OTLP endpoint for logs only")
		pflag.String("observability.logs.protocol", "", "OTLP protocol for logs (grpc, http/protobuf)")
		pflag.Bool("observability.logs.insecure", false, "Use insecure connection for logs")

		pflag.StringP("config", "c", "", "Config file path")
	})
}

// defaults is the lowest-precedence layer. Keys must match the mapstructure
// tags in types.go.
var defaults = map[string]any{
	"database.dsn":                       "",
	"database.dsn_file":                  "",
	"database.host":                      "127.0.0.1",
	"database.port":                      3306,
	"database.user":                      "root",
	"database.password":                  "",
	"database.password_file":             "",
	"database.password_prompt":           false,
	"database.database":                  defaultDatabaseName,
	"database.tls.mode":                  "",
	"database.tls.ca_file":               "",
	"database.tls.ca_file_env":           "",
	"database.tls.cert_file":             "",
	"database.tls.cert_file_env":         "",
	"database.tls.key_file":              "",
	"database.tls.key_file_env":          "",
	"database.tls.server_name":           "",
	"database.pool.max_open":             10,
	"database.pool.max_idle":             5,
	"database.pool.max_lifetime":         5 * time.Minute,
	"database.connection_timeout":        60 * time.Second,
	"database.connection_retry_interval": 2 * time.Second,
	"database.call_timeout":              30 * time.Second,
	"database.verify_procedures":         true,
	"database.verify_procedures_strict":  false,

	"server.port":                     5000,
	"server.max_body_bytes":           int64(1<<20),
	"server.auth.mode":                AuthModePassword,
	"server.auth.admin_password":      "",
	"server.auth.admin_password_hash": "",
	"server.auth.admin_password_file": "",
	"server.auth.oidc_issuer_url":     "",
	"server.auth.oidc_audience":       "",
	"server.auth.oidc_clock_skew":     2 * time.Minute,
	"server.auth.oidc_ca_file":        "",
	"server.rate_limit_enabled":       false,
	"server.rate_limit_rps":           0.0,
	"server.rate_limit_burst":         0,
	"server.rate_limit_per_client":    false,
	"server.cors_enabled":             false,
	"server.cors_allowed_origins":     []string{},
	"server.cors_allowed_methods":     []string{"GET", "POST", "OPTIONS"},
	"server.cors_allowed_headers":     []string{"Content-Type", "Authorization"},
	"server.cors_expose_headers":      []string{},
	"server.cors_allow_credentials":   false,
	"server.cors_max_age":             86400,
	"server.read_timeout":             15 * time.Second,
	"server.write_timeout":            45 * time.Second,
	"server.idle_timeout":             60 * time.Second,
	"server.shutdown_timeout":         30 * time.Second,
	"server.health_check_timeout":     2 * time.Second,
	"server.tls_mode":                 "off",
	"server.tls_cert_file":            "",
	"server.tls_key_file":             "",
	"server.tls_auto_cert_dir":        ".tls",

	"cache.enabled":      false,
	"cache.address":      "127.0.0.1:6379",
	"cache.password":     "",
	"cache.db":           0,
	"cache.ttl":          30 * time.Second,
	"cache.key_prefix":   "spgw",
	"cache.dial_timeout": 5 * time.Second,
	"cache.pool_size":    0,

	"audit.enabled":       false,
	"audit.brokers":       []string{},
	"audit.topic":         "sp-gateway.mutations",
	"audit.write_timeout": 10 * time.Second,
	"audit.required_acks": -1,

	"observability.service_name":         "sp-gateway",
	"observability.service_version":      "",
	"observability.environment":          "development",
	"observability.metrics_enabled":      true,
	"observability.tracing_enabled":      false,
	"observability.trace_sample_ratio":   1.0,
	"observability.sqlcommenter_enabled": true,

	"observability.logging.level":           "info",
	"observability.logging.format":          "json",
	"observability.logging.exports_enabled": false,

	"observability.otlp.endpoint":             "localhost:4317",
	"observability.otlp.protocol":             "grpc",
	"observability.otlp.insecure":             false,
	"observability.otlp.tls_cert_file":        "",
	"observability.otlp.tls_client_cert_file": "",
	"observability.otlp.tls_client_key_file":  "",
	"observability.otlp.timeout":              10 * time.Second,
	"observability.otlp.compression":          "gzip",
	"observability.otlp.retry_enabled":        true,
	"observability.otlp.retry_max_attempts":   3,
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// promptPassword prompts the user for a password without echoing to terminal.
func promptPassword() (string, error) {
	fmt.Print("Enter database password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

// readSecretFile reads a trimmed secret from path, or from stdin for "@-".
func readSecretFile(path string) (string, error) {
	var data []byte
	var err error

	if path == "@-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// stdinBackedKeys may each name "@-"; stdin can only be consumed once.
var stdinBackedKeys = []string{
	"database.dsn_file",
	"database.password_file",
	"server.auth.admin_password_file",
}

func validateSingleStdinFileSource(v *viper.Viper) error {
	var configured []string
	for _, key := range stdinBackedKeys {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			configured = append(configured, key)
		}
	}

	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(configured, ", "),
		)
	}
	return nil
}

func databaseNameExplicitlyConfigured(v *viper.Viper) bool {
	if _, ok := os.LookupEnv(EnvPrefix + "_DATABASE_DATABASE"); ok {
		return true
	}
	if flag := pflag.CommandLine.Lookup("database.database"); flag != nil && flag.Changed {
		return true
	}
	return v.InConfig("database.database")
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}

		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
