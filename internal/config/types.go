package config

import "time"

// Config holds the gateway configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig holds TLS settings for the MySQL connection.
type DatabaseTLSConfig struct {
	// Mode is one of off, skip-verify, verify-ca or verify-full.
	// Empty leaves the DSN untouched.
	Mode string `mapstructure:"mode"`

	CAFile string `mapstructure:"ca_file"`
	// CAFileEnv names an environment variable holding the CA path.
	CAFileEnv string `mapstructure:"ca_file_env"`

	CertFile    string `mapstructure:"cert_file"`
	CertFileEnv string `mapstructure:"cert_file_env"`

	KeyFile    string `mapstructure:"key_file"`
	KeyFileEnv string `mapstructure:"key_file_env"`

	// ServerName overrides the host name checked in verify-full mode.
	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	// ConnectionString is a go-sql-driver/mysql DSN. When set it takes the
	// place of the discrete fields below.
	ConnectionString string `mapstructure:"dsn"`
	// ConnectionStringFile is read into ConnectionString at load time.
	// "@-" reads stdin.
	ConnectionStringFile string `mapstructure:"dsn_file"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	// ConnectionTimeout is the max time to wait for the database on startup.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ConnectionRetryInterval is the initial delay between startup retries.
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`

	// CallTimeout bounds a single procedure call. Zero disables the bound.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// VerifyProcedures checks at startup that every catalog procedure exists
	// and is executable.
	VerifyProcedures bool `mapstructure:"verify_procedures"`
	// VerifyProceduresStrict turns verification findings into a startup failure.
	VerifyProceduresStrict bool `mapstructure:"verify_procedures_strict"`
}

const defaultDatabaseName = "camaras_seguridad_db"

// Auth modes for the /procesar endpoint.
const (
	AuthModePassword = "password"
	AuthModeOIDC     = "oidc"
)

// AuthConfig selects how callers of /procesar prove they may run procedures.
type AuthConfig struct {
	Mode string `mapstructure:"mode"`

	// AdminPassword is compared in constant time against admin_password in
	// the request body. AdminPasswordHash takes precedence when both are set.
	AdminPassword     string `mapstructure:"admin_password"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
	AdminPasswordFile string `mapstructure:"admin_password_file"`

	OIDCIssuerURL string        `mapstructure:"oidc_issuer_url"`
	OIDCAudience  string        `mapstructure:"oidc_audience"`
	OIDCClockSkew time.Duration `mapstructure:"oidc_clock_skew"`
	OIDCCAFile    string        `mapstructure:"oidc_ca_file"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port                 int           `mapstructure:"port"`
	MaxBodyBytes         int64         `mapstructure:"max_body_bytes"`
	Auth                 AuthConfig    `mapstructure:"auth"`
	RateLimitEnabled     bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRPS         float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	RateLimitPerClient   bool          `mapstructure:"rate_limit_per_client"`
	CORSEnabled          bool          `mapstructure:"cors_enabled"`
	CORSAllowedOrigins   []string      `mapstructure:"cors_allowed_origins"`
	CORSAllowedMethods   []string      `mapstructure:"cors_allowed_methods"`
	CORSAllowedHeaders   []string      `mapstructure:"cors_allowed_headers"`
	CORSExposeHeaders    []string      `mapstructure:"cors_expose_headers"`
	CORSAllowCredentials bool          `mapstructure:"cors_allow_credentials"`
	CORSMaxAge           int           `mapstructure:"cors_max_age"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout   time.Duration `mapstructure:"health_check_timeout"`

	TLSMode        string `mapstructure:"tls_mode"` // off, auto or file
	TLSCertFile    string `mapstructure:"tls_cert_file"`
	TLSKeyFile     string `mapstructure:"tls_key_file"`
	TLSAutoCertDir string `mapstructure:"tls_auto_cert_dir"`
}

// CacheConfig configures the Redis read-through cache for read procedures.
type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	TTL         time.Duration `mapstructure:"ttl"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// AuditConfig configures the Kafka mutation audit stream.
type AuditConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RequiredAcks follows kafka semantics: -1 all, 0 none, 1 leader.
	RequiredAcks int `mapstructure:"required_acks"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`  // debug, info, warn, error
	Format         string `mapstructure:"format"` // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"`
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName         string        `mapstructure:"service_name"`
	ServiceVersion      string        `mapstructure:"service_version"`
	Environment         string        `mapstructure:"environment"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"`
	Logging             LoggingConfig `mapstructure:"logging"`

	// OTLP holds defaults shared by every signal.
	OTLP OTLPConfig `mapstructure:"otlp"`

	Traces  *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs    *OTLPConfig `mapstructure:"logs,omitempty"`
	Metrics *OTLPConfig `mapstructure:"metrics,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration.
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // grpc, http/protobuf
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // none, gzip
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces.
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	return c.signalConfig(c.Traces)
}

// GetLogsConfig returns the effective OTLP config for logs.
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	return c.signalConfig(c.Logs)
}

// GetMetricsConfig returns the effective OTLP config for metrics.
func (c *ObservabilityConfig) GetMetricsConfig() OTLPConfig {
	return c.signalConfig(c.Metrics)
}

func (c *ObservabilityConfig) signalConfig(override *OTLPConfig) OTLPConfig {
	if override == nil {
		return c.OTLP
	}
	return mergeOTLPConfigs(c.OTLP, *override)
}

// mergeOTLPConfigs lays the non-zero fields of override over base.
// Insecure always comes from override since a false value cannot be told
// apart from an unset one.
func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base

	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	result.Insecure = override.Insecure

	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}

	if override.Headers != nil {
		result.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}

	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	if override.RetryMaxAttempts != 0 {
		result.RetryEnabled = override.RetryEnabled
		result.RetryMaxAttempts = override.RetryMaxAttempts
	}

	return result
}
