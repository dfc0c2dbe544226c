package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/tunnelkeeper/internal/config"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// getCertificationFunc reloads the key pair on each handshake so rotated
// files are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certificate, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, err
		}
		return &certificate, nil
	}
}

// SetupTLS returns the server TLS config, or nil when TLS is disabled.
// Explicit cert/key files win over Dir; Dir may be auto-populated with a
// self-signed pair.
func SetupTLS(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile != "" && c.KeyFile != "" {
		return createTLSConfig(c.CertFile, c.KeyFile)
	}

	dir := c.Dir
	if dir == "" && c.AutoGen {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve tls dir: %w", err)
		}
		dir = filepath.Join(base, "tunnelkeeper", "tls")
	}
	if dir == "" {
		return nil, errors.New("TLS enabled but no valid certificate configuration found")
	}
	certPath := filepath.Join(dir, tlsCrt)
	keyPath := filepath.Join(dir, tlsKey)
	if c.AutoGen && !certificatesExist(certPath, keyPath) {
		if err := generateCertificate(c, dir); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	return createTLSConfig(certPath, keyPath)
}

func createTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if !certificatesExist(certPath, keyPath) {
		return nil, fmt.Errorf("certificate %s or key %s not found", certPath, keyPath)
	}
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     tls.VersionTLS12,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(c config.TLSConfig, destDir string) error {
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	commonName := c.CommonName
	if commonName == "" {
		commonName = "localhost"
	}
	dnsNames := c.DNSNames
	if len(dnsNames) == 0 {
		dnsNames = []string{"localhost"}
	}
	ips := c.IPAddrs
	if len(ips) == 0 {
		ips = []string{"127.0.0.1", "::1"}
	}
	validDays := c.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   commonName,
		Organization: "tunnelkeeper",
		DNSNames:     dnsNames,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
	})
}
