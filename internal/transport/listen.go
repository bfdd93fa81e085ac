package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// Listener accepts keyless connections. Accepted TLS connections may still
// need Authenticate to complete their handshake.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// Listen opens a listener for cfg.Address.
func Listen(cfg Config) (Listener, error) {
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if cfg.Network == NetworkQUIC {
		return listenQUIC(cfg)
	}

	if !cfg.TLS.Enabled {
		ln, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, err
		}
		return &streamListener{ln: ln}, nil
	}
	tlsCfg, err := serverTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", cfg.Address, tlsCfg)
	if err != nil {
		return nil, err
	}
	return &streamListener{ln: ln}, nil
}

type streamListener struct {
	ln net.Listener
}

// Accept unblocks when ctx ends by closing the underlying listener.
func (l *streamListener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (l *streamListener) Close() error   { return l.ln.Close() }
func (l *streamListener) Addr() net.Addr { return l.ln.Addr() }
