package tlscert

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileManager serves a certificate from PEM files and picks up rotated
// files on the next handshake after their modification time changes.
type fileManager struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

func newFileManager(cfg Config, logger *slog.Logger) (Manager, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("server.tls_cert_file and server.tls_key_file are required for file mode")
	}
	if err := checkReadableFile(cfg.CertFile); err != nil {
		return nil, fmt.Errorf("certificate file: %w", err)
	}
	if err := checkReadableFile(cfg.KeyFile); err != nil {
		return nil, fmt.Errorf("key file: %w", err)
	}
	if err := checkKeyPermissions(cfg.KeyFile); err != nil {
		return nil, err
	}

	m := &fileManager{certFile: cfg.CertFile, keyFile: cfg.KeyFile, logger: logger}
	if _, err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load returns the cached pair, reloading it when either file is newer.
func (m *fileManager) load() (*tls.Certificate, error) {
	latest, err := newestModTime(m.certFile, m.keyFile)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cert != nil && !latest.After(m.modTime) {
		return m.cert, nil
	}

	pair, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	if m.cert != nil {
		m.logger.Info("reloaded rotated TLS certificate", slog.String("cert_file", m.certFile))
	}
	m.cert = &pair
	m.modTime = latest
	return m.cert, nil
}

func (m *fileManager) GetTLSConfig() (*tls.Config, error) {
	return &tls.Config{
		MinVersion: MinTLSVersion,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := m.load()
			if err != nil {
				m.logger.Error("failed to load TLS certificate",
					slog.String("cert_file", m.certFile),
					slog.String("error", err.Error()))
			}
			return cert, err
		},
	}, nil
}

func (m *fileManager) Description() string {
	return "files " + m.certFile + " and " + m.keyFile
}

func (m *fileManager) Shutdown() error {
	return nil
}

func newestModTime(paths ...string) (time.Time, error) {
	var latest time.Time
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return time.Time{}, err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

func checkReadableFile(path string) error {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return err
	case info.IsDir():
		return fmt.Errorf("%s is a directory", path)
	case info.Size() == 0:
		return fmt.Errorf("%s is empty", path)
	}
	return nil
}

// checkKeyPermissions rejects private keys readable by group or others.
func checkKeyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("key file %s has mode %o; use 0600 or 0400", path, perm)
	}
	return nil
}
