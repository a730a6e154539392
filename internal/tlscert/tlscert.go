// Package tlscert supplies the gateway's HTTPS certificate, either from
// operator-provided PEM files or from a self-signed pair kept on disk.
package tlscert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
)

// CertMode selects where the serving certificate comes from.
type CertMode string

const (
	CertModeFile       CertMode = "file"
	CertModeSelfSigned CertMode = "selfsigned"
)

// MinTLSVersion is the oldest protocol version the gateway accepts.
const MinTLSVersion = tls.VersionTLS12

// Config describes the certificate source.
type Config struct {
	Mode CertMode

	CertFile string
	KeyFile  string

	SelfSignedCertDir string
	// SelfSignedHosts become the SANs of a generated certificate.
	SelfSignedHosts []string
}

// Manager hands a ready tls.Config to the HTTP server.
type Manager interface {
	GetTLSConfig() (*tls.Config, error)
	// Description is logged at startup.
	Description() string
	Shutdown() error
}

// NewManager returns the manager for cfg.Mode.
func NewManager(cfg Config, logger *slog.Logger) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Mode {
	case CertModeFile:
		return newFileManager(cfg, logger)
	case CertModeSelfSigned:
		return newSelfSignedManager(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported TLS certificate mode %q (valid modes: file, selfsigned)", cfg.Mode)
	}
}
