package client

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCACertPEM(t *testing.T) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "pgstartup test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestLoadCAPool(t *testing.T) {
	pemData := testCACertPEM(t)

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, pemData, 0o644))

		pool, err := LoadCAPool(TLSOptions{CAFile: path})
		require.NoError(t, err)
		assert.NotNil(t, pool)
	})

	t.Run("from data", func(t *testing.T) {
		pool, err := LoadCAPool(TLSOptions{CAData: string(pemData)})
		require.NoError(t, err)
		assert.NotNil(t, pool)
	})

	t.Run("garbage data", func(t *testing.T) {
		_, err := LoadCAPool(TLSOptions{CAData: "not a certificate"})
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCAPool(TLSOptions{CAFile: "/nonexistent/ca.pem"})
		assert.Error(t, err)
	})
}

func TestBuildTLSConfig(t *testing.T) {
	t.Run("require encrypts without verification", func(t *testing.T) {
		cfg, err := buildTLSConfig(TLSOptions{}, SSLModeRequire, "db.internal")
		require.NoError(t, err)
		assert.True(t, cfg.InsecureSkipVerify)
		assert.Equal(t, "db.internal", cfg.ServerName)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	})

	t.Run("verify-full uses custom roots", func(t *testing.T) {
		opts := TLSOptions{CAData: string(testCACertPEM(t))}
		cfg, err := buildTLSConfig(opts, SSLModeVerifyFull, "db.internal")
		require.NoError(t, err)
		assert.False(t, cfg.InsecureSkipVerify)
		assert.NotNil(t, cfg.RootCAs)
	})

	t.Run("server name override", func(t *testing.T) {
		opts := TLSOptions{ServerName: "pg.example.com"}
		cfg, err := buildTLSConfig(opts, SSLModeRequire, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, "pg.example.com", cfg.ServerName)
	})

	t.Run("insecure override under verify-full", func(t *testing.T) {
		opts := TLSOptions{InsecureSkipVerify: true}
		cfg, err := buildTLSConfig(opts, SSLModeVerifyFull, "db.internal")
		require.NoError(t, err)
		assert.True(t, cfg.InsecureSkipVerify)
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := buildTLSConfig(TLSOptions{}, "allow", "db.internal")
		assert.ErrorIs(t, err, ErrUnknownSSLMode)
	})
}
