package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name used to register custom TLS configs with the MySQL driver.
const tlsConfigName = "sp-gateway-custom"

// DSN returns a go-sql-driver/mysql data source name. ConnectionString is
// used as is when set; otherwise the DSN is assembled from the discrete
// fields. parseTime, loc and the TLS parameter are added when missing.
func (d *DatabaseConfig) DSN() string {
	dsn := d.ConnectionString
	if dsn == "" {
		cfg := mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", d.Host, d.Port)
		cfg.DBName = d.Database
		dsn = cfg.FormatDSN()
	}

	dsn = appendDSNParam(dsn, "parseTime", "true")
	dsn = appendDSNParam(dsn, "loc", "UTC")
	if tlsParam := d.effectiveTLSParam(); tlsParam != "" {
		dsn = appendDSNParam(dsn, "tls", tlsParam)
	}
	return dsn
}

func appendDSNParam(dsn, key, value string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + value
}

// EffectiveDatabaseName returns the schema procedures are looked up in.
func (d *DatabaseConfig) EffectiveDatabaseName() (string, error) {
	return resolveEffectiveDatabaseName(d.Database, d.ConnectionString)
}

func resolveEffectiveDatabaseName(databaseName string, connectionString string) (string, error) {
	configDatabase := strings.TrimSpace(databaseName)
	dsnDatabase, err := parseDSNDatabaseName(connectionString)
	if err != nil {
		return "", err
	}

	if configDatabase != "" {
		if dsnDatabase != "" && configDatabase != dsnDatabase {
			return "", fmt.Errorf(
				"database mismatch: database.database=%q but database.dsn targets %q",
				configDatabase,
				dsnDatabase,
			)
		}
		return configDatabase, nil
	}
	if dsnDatabase != "" {
		return dsnDatabase, nil
	}
	return "", fmt.Errorf(
		"no effective database name configured: set database.database or include /<database> in database.dsn/database.dsn_file",
	)
}

func parseDSNDatabaseName(connectionString string) (string, error) {
	dsn := strings.TrimSpace(connectionString)
	if dsn == "" {
		return "", nil
	}

	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("database.dsn is invalid: %w", err)
	}
	return strings.TrimSpace(parsed.DBName), nil
}

// effectiveTLSParam maps the TLS mode onto the driver's tls parameter.
func (d *DatabaseConfig) effectiveTLSParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return d.TLS.Mode
	}
}

// RegisterTLS registers the custom TLS configuration with the MySQL driver.
// It must run before the connection is opened and is a no-op for modes that
// need no custom config.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.TLS.Mode != "verify-ca" && d.TLS.Mode != "verify-full" {
		return nil
	}

	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	caFile := d.TLS.resolveCAFile()
	certFile := d.TLS.resolveCertFile()
	keyFile := d.TLS.resolveKeyFile()

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = certPool
	}

	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	if d.TLS.Mode == "verify-full" && d.TLS.ServerName != "" {
		tlsCfg.ServerName = d.TLS.ServerName
	}
	return tlsCfg, nil
}

func (t *DatabaseTLSConfig) resolveCAFile() string {
	return resolvePathEnv(t.CAFileEnv, t.CAFile)
}

func (t *DatabaseTLSConfig) resolveCertFile() string {
	return resolvePathEnv(t.CertFileEnv, t.CertFile)
}

func (t *DatabaseTLSConfig) resolveKeyFile() string {
	return resolvePathEnv(t.KeyFileEnv, t.KeyFile)
}

// resolvePathEnv prefers the path held in envName, falling back to path.
func resolvePathEnv(envName, path string) string {
	if envName != "" {
		if p := os.Getenv(envName); p != "" {
			return p
		}
	}
	return path
}
