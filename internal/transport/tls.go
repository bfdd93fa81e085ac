package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

func clientTLSConfig(cfg Config) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}
	if NormalizeNetwork(cfg.Network) == NetworkQUIC {
		out.MinVersion = tls.VersionTLS13
		out.NextProtos = []string{ALPN}
	}

	serverName := strings.TrimSpace(cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.TLS.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}

	if cfg.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func serverTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	out := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if NormalizeNetwork(cfg.Network) == NetworkQUIC {
		out.MinVersion = tls.VersionTLS13
		out.NextProtos = []string{ALPN}
	}

	if cfg.TLS.Mutual || NormalizeSecurityMode(cfg.SecurityMode) == SecurityModeProduction {
		out.ClientAuth = tls.RequireAndVerifyClientCert
		pool, err := loadPool(cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientCAs = pool
	}
	return out, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}

// Peer is the authenticated identity of the remote end of a connection.
type Peer struct {
	Identity      string
	Authenticated bool
}

type connectionStater interface {
	ConnectionState() tls.ConnectionState
}

// Authenticate completes any pending TLS handshake on an accepted
// connection and extracts the peer identity from its certificate.
func Authenticate(ctx context.Context, conn net.Conn, cfg Config) (Peer, error) {
	mode := NormalizeSecurityMode(cfg.SecurityMode)
	if !cfg.TLS.Enabled {
		if mode == SecurityModeProduction {
			return Peer{}, ErrTLSRequired
		}
		return Peer{}, nil
	}

	var state tls.ConnectionState
	switch c := conn.(type) {
	case *tls.Conn:
		hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout(cfg))
		defer cancel()
		if err := c.HandshakeContext(hsCtx); err != nil {
			return Peer{}, err
		}
		state = c.ConnectionState()
	case connectionStater:
		state = c.ConnectionState()
	default:
		return Peer{}, fmt.Errorf("transport: expected tls connection, got %T", conn)
	}

	needPeer := cfg.TLS.Mutual || mode == SecurityModeProduction
	if !needPeer && len(state.PeerCertificates) == 0 {
		return Peer{}, nil
	}
	if len(state.PeerCertificates) == 0 {
		return Peer{}, ErrMTLSRequired
	}
	id := PeerIdentity(state.PeerCertificates[0])
	if id == "" {
		return Peer{}, fmt.Errorf("transport: empty peer identity from certificate")
	}
	return Peer{Identity: id, Authenticated: true}, nil
}

// PeerIdentity prefers CN, then the first URI SAN, then the first DNS SAN.
func PeerIdentity(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		if v := strings.TrimSpace(cert.DNSNames[0]); v != "" {
			return v
		}
	}
	return ""
}

func handshakeTimeout(cfg Config) time.Duration {
	if cfg.HandshakeTimeout > 0 {
		return cfg.HandshakeTimeout
	}
	return DefaultConfig().HandshakeTimeout
}
