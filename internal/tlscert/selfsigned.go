package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	selfSignedValidity = 90 * 24 * time.Hour
	// renewBefore regenerates a stored certificate this close to expiry.
	renewBefore = 7 * 24 * time.Hour
)

var defaultSelfSignedHosts = []string{"localhost", "127.0.0.1", "::1"}

type selfSignedManager struct {
	certPath string
	keyPath  string
	cert     tls.Certificate
}

func newSelfSignedManager(cfg Config, logger *slog.Logger) (Manager, error) {
	if cfg.SelfSignedCertDir == "" {
		return nil, fmt.Errorf("server.tls_auto_cert_dir is required for self-signed mode")
	}
	hosts := cfg.SelfSignedHosts
	if len(hosts) == 0 {
		hosts = defaultSelfSignedHosts
	}
	if err := os.MkdirAll(cfg.SelfSignedCertDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	m := &selfSignedManager{
		certPath: filepath.Join(cfg.SelfSignedCertDir, "sp-gateway.crt"),
		keyPath:  filepath.Join(cfg.SelfSignedCertDir, "sp-gateway.key"),
	}

	pair, err := tls.LoadX509KeyPair(m.certPath, m.keyPath)
	if err != nil || !reusable(pair, hosts, time.Now()) {
		if err := writeSelfSigned(m.certPath, m.keyPath, hosts, time.Now()); err != nil {
			return nil, err
		}
		logger.Warn("generated self-signed TLS certificate; clients must trust it explicitly",
			slog.String("cert_path", m.certPath),
			slog.Any("hosts", hosts))
		if pair, err = tls.LoadX509KeyPair(m.certPath, m.keyPath); err != nil {
			return nil, fmt.Errorf("failed to load generated certificate: %w", err)
		}
	}
	m.cert = pair
	return m, nil
}

func (m *selfSignedManager) GetTLSConfig() (*tls.Config, error) {
	return &tls.Config{
		MinVersion:   MinTLSVersion,
		Certificates: []tls.Certificate{m.cert},
	}, nil
}

func (m *selfSignedManager) Description() string {
	return "self-signed " + m.certPath
}

func (m *selfSignedManager) Shutdown() error {
	return nil
}

// reusable reports whether a stored certificate still covers hosts and is
// outside the renewal window at now.
func reusable(pair tls.Certificate, hosts []string, now time.Time) bool {
	if len(pair.Certificate) == 0 {
		return false
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return false
	}
	if now.Before(leaf.NotBefore) || now.Add(renewBefore).After(leaf.NotAfter) {
		return false
	}
	return slices.Equal(sanList(leaf), normalizeHosts(hosts))
}

func writeSelfSigned(certPath, keyPath string, hosts []string, now time.Time) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 120))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"sp-gateway"}, CommonName: hosts[0]},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

func sanList(cert *x509.Certificate) []string {
	names := append([]string{}, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		names = append(names, ip.String())
	}
	slices.Sort(names)
	return names
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			host = ip.String()
		}
		out = append(out, host)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
