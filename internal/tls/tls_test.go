package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/partest/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	for _, cfg := range []*config.TLSConfig{nil, {Enabled: false, Dir: t.TempDir()}} {
		got, err := Setup(cfg)
		if err != nil || got != nil {
			t.Fatalf("disabled TLS should yield nil, got %v err=%v", got, err)
		}
	}
}

func TestSetupRequiresCertificate(t *testing.T) {
	if _, err := Setup(&config.TLSConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error without cert files or dir")
	}
}

func TestVersions(t *testing.T) {
	min, max := versions(&config.TLSConfig{MinVersion: "1.2"})
	if min != tls.VersionTLS12 || max != tls.VersionTLS13 {
		t.Fatalf("got min=%x max=%x", min, max)
	}
	min, max = versions(&config.TLSConfig{MinVersion: "1.3", MaxVersion: "1.2"})
	if min != tls.VersionTLS13 || max != tls.VersionTLS13 {
		t.Fatalf("max below min should be raised, got min=%x max=%x", min, max)
	}
	if _, ok := parseVersion("ssl3"); ok {
		t.Fatalf("unknown versions must be rejected")
	}
}

func TestSelfSignedServesHTTPS(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := SelfSigned(dir)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	for _, name := range []string{certFile, keyFile, caFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not written: %v", name, err)
		}
	}
	if fi, _ := os.Stat(filepath.Join(dir, keyFile)); fi.Mode().Perm() != 0o600 {
		t.Fatalf("key should be private, mode %v", fi.Mode().Perm())
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	ca, err := os.ReadFile(CAPath(dir))
	if err != nil {
		t.Fatalf("read ca: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		t.Fatalf("ca did not parse")
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13}}}
	resp, err := client.Get("https://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestExistingPairNotRegenerated(t *testing.T) {
	dir := t.TempDir()
	if _, err := SelfSigned(dir); err != nil {
		t.Fatalf("first: %v", err)
	}
	before, _ := os.ReadFile(filepath.Join(dir, certFile))
	if _, err := SelfSigned(dir); err != nil {
		t.Fatalf("second: %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, certFile))
	if string(before) != string(after) {
		t.Fatalf("existing certificate was overwritten")
	}
}

func TestReadWithinRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if _, err := readWithin(dir, filepath.Join(dir, "..", "x")); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}
