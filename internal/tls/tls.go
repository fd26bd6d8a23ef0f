// Package tls builds the server-side TLS configuration for the session API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/partest/internal/config"
)

const (
	caFile   = "tls_ca.crt"
	certFile = "tls.crt"
	keyFile  = "tls.key"
)

// parseVersion maps "1.2"/"1.3" style strings to tls constants.
func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func versions(cfg *config.TLSConfig) (min, max uint16) {
	min, max = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseVersion(cfg.MinVersion); ok {
		min = v
	}
	if v, ok := parseVersion(cfg.MaxVersion); ok {
		max = v
	}
	if min > max {
		max = min
	}
	return
}

// readWithin reads p, refusing paths that escape baseDir.
func readWithin(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// certLoader reloads the pair on every handshake so rotated files are
// picked up without a restart.
func certLoader(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certPath)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := readWithin(baseDir, certPath)
		if err != nil {
			return nil, err
		}
		k, err := readWithin(baseDir, keyPath)
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(c, k)
		return &pair, err
	}
}

// Setup returns nil when cfg is absent or disabled.
func Setup(cfg *config.TLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	minVer, maxVer := versions(cfg)

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return serverConfig(cfg.CertFile, cfg.KeyFile, minVer, maxVer), nil
	}
	if cfg.Dir != "" {
		certPath := filepath.Join(cfg.Dir, certFile)
		keyPath := filepath.Join(cfg.Dir, keyFile)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(cfg); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return serverConfig(certPath, keyPath, minVer, maxVer), nil
	}
	return nil, errors.New("TLS enabled but no certificate configured")
}

// SelfSigned is Setup for a directory with auto generation on.
func SelfSigned(dir string) (*tls.Config, error) {
	return Setup(&config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
}

// CAPath is where generate writes the CA copy clients should trust.
func CAPath(dir string) string { return filepath.Join(dir, caFile) }

func serverConfig(certPath, keyPath string, minVer, maxVer uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: certLoader(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}
}

func exists(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generate(cfg *config.TLSConfig) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	ag := cfg.AutoGen
	days := ag.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(ag.CommonName, "localhost"),
		Organization: orDefault(ag.Organization, "partest"),
		DNSNames:     orDefaultSlice(ag.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(ag.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(cfg.Dir, certFile),
		KeyPath:      filepath.Join(cfg.Dir, keyFile),
		CACertPath:   CAPath(cfg.Dir),
	})
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func orDefaultSlice(v, d []string) []string {
	if len(v) == 0 {
		return d
	}
	return v
}
