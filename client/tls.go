package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSOptions configure the secured session after a successful SSL
// negotiation.
type TLSOptions struct {
	// UseSystemCA starts the root pool from the system CA bundle.
	UseSystemCA bool
	// CAFile and CAData add PEM roots to the pool.
	CAFile string
	CAData string
	// CertFile and KeyFile present a client certificate.
	CertFile string
	KeyFile  string
	// ServerName overrides the hostname used for verification and SNI.
	ServerName string
	// InsecureSkipVerify disables chain verification regardless of the
	// SSL mode.
	InsecureSkipVerify bool
}

func (o TLSOptions) hasCustomRoots() bool {
	return o.UseSystemCA || o.CAFile != "" || o.CAData != ""
}

// LoadCAPool assembles the root pool for server verification from the
// configured sources.
func LoadCAPool(opts TLSOptions) (*x509.CertPool, error) {
	caPool := x509.NewCertPool()

	if opts.UseSystemCA {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("loading system CA pool: %w", err)
		}
		caPool = systemPool
	}

	if opts.CAFile != "" {
		pemData, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		if !caPool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates parsed from %s", opts.CAFile)
		}
	}

	if opts.CAData != "" {
		if !caPool.AppendCertsFromPEM([]byte(opts.CAData)) {
			return nil, fmt.Errorf("no certificates parsed from CA data")
		}
	}

	return caPool, nil
}

// buildTLSConfig maps sslmode semantics onto crypto/tls: require (and
// prefer) encrypt without verifying the server, verify-full verifies
// both chain and hostname.
func buildTLSConfig(opts TLSOptions, sslMode, host string) (*tls.Config, error) {
	serverName := opts.ServerName
	if serverName == "" {
		serverName = host
	}

	tlsConfig := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	switch sslMode {
	case SSLModePrefer, SSLModeRequire:
		tlsConfig.InsecureSkipVerify = true
	case SSLModeVerifyFull:
		if opts.hasCustomRoots() {
			caPool, err := LoadCAPool(opts)
			if err != nil {
				return nil, err
			}
			tlsConfig.RootCAs = caPool
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSSLMode, sslMode)
	}

	if opts.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
