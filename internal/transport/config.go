package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Network selects the stream carrier for keyless frames.
type Network string

const (
	NetworkTCP  Network = "tcp"
	NetworkQUIC Network = "quic"
)

// SecurityMode selects transport security policy.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "keyless"

var (
	ErrInvalidNetwork          = errors.New("transport: invalid network")
	ErrAddressRequired         = errors.New("transport: address required")
	ErrInvalidSecurityMode     = errors.New("transport: invalid security mode")
	ErrTLSRequired             = errors.New("transport: tls required")
	ErrMTLSRequired            = errors.New("transport: mtls required")
	ErrTLSCertFileRequired     = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("transport: tls key file required")
	ErrTLSCAFileRequired       = errors.New("transport: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("transport: insecure skip verify not allowed")
)

// TLSConfig configures TLS and mTLS behavior.
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	Mutual             bool
	InsecureSkipVerify bool
}

// Config describes one dial target or listen address.
type Config struct {
	Network          Network
	Address          string
	SecurityMode     SecurityMode
	TLS              TLSConfig
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	// CloseLinger bounds how long a closing QUIC stream waits for the peer
	// to finish before the connection is torn down.
	CloseLinger time.Duration
}

// DefaultConfig returns transport defaults for a plain TCP development setup.
func DefaultConfig() Config {
	return Config{
		Network:          NetworkTCP,
		SecurityMode:     SecurityModeDevelopment,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		KeepAlive:        15 * time.Second,
		CloseLinger:      2 * time.Second,
	}
}

// WithDefaults fills zero-value fields and normalizes enums.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Network = NormalizeNetwork(c.Network)
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.CloseLinger <= 0 {
		c.CloseLinger = def.CloseLinger
	}
	return c
}

func NormalizeNetwork(n Network) Network {
	if strings.TrimSpace(string(n)) == "" {
		return NetworkTCP
	}
	return Network(strings.ToLower(strings.TrimSpace(string(n))))
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (c Config) validateCommon() (SecurityMode, error) {
	switch NormalizeNetwork(c.Network) {
	case NetworkTCP:
	case NetworkQUIC:
		if !c.TLS.Enabled {
			return "", fmt.Errorf("%w: quic carries tls 1.3", ErrTLSRequired)
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNetwork, c.Network)
	}
	if strings.TrimSpace(c.Address) == "" {
		return "", ErrAddressRequired
	}
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	return mode, nil
}

// ValidateClient checks the settings a dialer needs.
func (c Config) ValidateClient() error {
	mode, err := c.validateCommon()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
		if c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

// ValidateServer checks the settings a listener needs.
func (c Config) ValidateServer() error {
	mode, err := c.validateCommon()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}
