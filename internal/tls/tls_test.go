package tls_test

import (
	cryptotls "crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mfa-service/internal/config"
	"mfa-service/internal/tls"
)

func TestDevCertGenerator(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	gen := tls.NewDevCertGenerator(dir)

	cert, err := gen.GenerateCert([]string{"mfa.local", "127.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "mfa.local")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	info, err := os.Stat(filepath.Join(dir, "dev-key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := gen.GenerateCert([]string{"other.local"})
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0], "a valid cached certificate is reused")
}

func TestTLSManagerFallsBackToSelfSigned(t *testing.T) {
	t.Parallel()

	m := tls.NewTLSManager(&tls.TLSConfig{
		EnableTLS:   true,
		Domain:      "localhost",
		AutoCertDir: t.TempDir(),
		Environment: config.EnvDevelopment,
	})

	first, err := m.GetCertificate(&cryptotls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	second, err := m.GetCertificate(&cryptotls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Nil(t, m.GetAutocertManager())
}

func TestTLSManagerProductionNeedsCertificate(t *testing.T) {
	t.Parallel()

	m := tls.NewTLSManager(&tls.TLSConfig{
		EnableTLS:   true,
		Domain:      "mfa.example.com",
		AutoCertDir: t.TempDir(),
		Environment: config.EnvProduction,
	})

	_, err := m.GetCertificate(&cryptotls.ClientHelloInfo{ServerName: "mfa.example.com"})
	require.ErrorIs(t, err, tls.ErrNoCertificate)
}

func TestTLSManagerLoadsConfiguredKeyPair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	gen := tls.NewDevCertGenerator(dir)
	_, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)

	m := tls.NewTLSManager(&tls.TLSConfig{
		EnableTLS:   true,
		CertFile:    gen.CertPath(),
		KeyFile:     gen.KeyPath(),
		AutoCertDir: t.TempDir(),
		Environment: config.EnvProduction,
	})

	cert, err := m.GetCertificate(&cryptotls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	cfg := m.GetTLSConfig()
	assert.Equal(t, uint16(cryptotls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
}
