package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// Dial connects to cfg.Address over the configured network and completes the
// TLS handshake before returning.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if cfg.Network == NetworkQUIC {
		return dialQUIC(ctx, cfg)
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: cfg.KeepAlive}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}
