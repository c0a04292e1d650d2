package client

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// SSL modes, the subset of libpq's sslmode values this client honors.
const (
	SSLModeDisable    = "disable"
	SSLModePrefer     = "prefer"
	SSLModeRequire    = "require"
	SSLModeVerifyFull = "verify-full"
)

// Config controls how a Client reaches the server.
type Config struct {
	// Address is host:port for TCP or an absolute path for a Unix
	// socket. Unix sockets skip SSL negotiation.
	Address string

	// SSLMode selects the SSLRequest behavior: disable, prefer,
	// require, or verify-full.
	SSLMode string

	// TLS configures the secured session when SSLMode enables one.
	TLS TLSOptions

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// MinBackoff, MaxBackoff, and MaxRetries shape the dial retry loop.
	// Zero values fall back to the defaults.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	MaxRetries int

	// InboundBuffer is the delivery buffer for one conversation's
	// inbound messages.
	InboundBuffer int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Address:       "127.0.0.1:5432",
		SSLMode:       SSLModePrefer,
		DialTimeout:   5 * time.Second,
		MinBackoff:    100 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		MaxRetries:    3,
		InboundBuffer: 32,
	}
}

// ConfigFromOptions builds a Config from a loosely typed options map,
// falling back to defaults for anything unset.
func ConfigFromOptions(options map[string]interface{}) Config {
	cfg := DefaultConfig()

	if v, ok := options["address"]; ok {
		cfg.Address = cast.ToString(v)
	}
	if v, ok := options["ssl_mode"]; ok {
		cfg.SSLMode = cast.ToString(v)
	}
	if v, ok := options["dial_timeout"]; ok {
		cfg.DialTimeout = cast.ToDuration(v)
	}
	if v, ok := options["min_backoff"]; ok {
		cfg.MinBackoff = cast.ToDuration(v)
	}
	if v, ok := options["max_backoff"]; ok {
		cfg.MaxBackoff = cast.ToDuration(v)
	}
	if v, ok := options["max_retries"]; ok {
		cfg.MaxRetries = cast.ToInt(v)
	}
	if v, ok := options["inbound_buffer"]; ok {
		cfg.InboundBuffer = cast.ToInt(v)
	}

	if v, ok := options["ca_file"]; ok {
		cfg.TLS.CAFile = cast.ToString(v)
	}
	if v, ok := options["ca_data"]; ok {
		cfg.TLS.CAData = cast.ToString(v)
	}
	if v, ok := options["use_system_ca"]; ok {
		cfg.TLS.UseSystemCA = cast.ToBool(v)
	}
	if v, ok := options["cert_file"]; ok {
		cfg.TLS.CertFile = cast.ToString(v)
	}
	if v, ok := options["key_file"]; ok {
		cfg.TLS.KeyFile = cast.ToString(v)
	}
	if v, ok := options["server_name"]; ok {
		cfg.TLS.ServerName = cast.ToString(v)
	}
	if v, ok := options["insecure_skip_verify"]; ok {
		cfg.TLS.InsecureSkipVerify = cast.ToBool(v)
	}

	return cfg
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.SSLMode == "" {
		c.SSLMode = def.SSLMode
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = def.MinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.InboundBuffer < 1 {
		c.InboundBuffer = def.InboundBuffer
	}
	return c
}

// network splits Address into a dial network and address. Absolute
// paths select Unix sockets.
func (c Config) network() (string, string) {
	if strings.HasPrefix(c.Address, "/") {
		return "unix", c.Address
	}
	return "tcp", c.Address
}
