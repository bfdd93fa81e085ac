package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

const quicCodeNone quic.ApplicationErrorCode = 0

const quicAcceptDepth = 16

var ErrListenerClosed = errors.New("transport: listener closed")

func quicConfig(cfg Config) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: cfg.HandshakeTimeout,
		KeepAlivePeriod:      cfg.KeepAlive,
	}
}

func dialQUIC(ctx context.Context, cfg Config) (net.Conn, error) {
	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.HandshakeTimeout)
	defer cancel()
	qc, err := quic.DialAddr(dialCtx, cfg.Address, tlsCfg, quicConfig(cfg))
	if err != nil {
		return nil, err
	}
	stream, err := qc.OpenStreamSync(dialCtx)
	if err != nil {
		_ = qc.CloseWithError(quicCodeNone, "open stream")
		return nil, err
	}
	return &streamConn{conn: qc, Stream: stream, linger: cfg.CloseLinger}, nil
}

// streamConn carries one keyless session on the first bidirectional stream
// of a QUIC connection.
type streamConn struct {
	*quic.Stream
	conn      *quic.Conn
	linger    time.Duration
	closeOnce sync.Once
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState().TLS
}

// Close sends FIN and drains the receive side until the peer finishes its
// half, the connection dies, or the linger expires. Tearing the connection
// down earlier would discard stream data the peer has not yet received.
func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Stream.Close()
		_ = c.Stream.SetReadDeadline(time.Now().Add(c.linger))
		_, _ = io.Copy(io.Discard, c.Stream)
		if cerr := c.conn.CloseWithError(quicCodeNone, ""); err == nil {
			err = cerr
		}
	})
	return err
}

type quicListener struct {
	ln       *quic.Listener
	linger   time.Duration
	accepted chan net.Conn
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func listenQUIC(cfg Config) (Listener, error) {
	tlsCfg, err := serverTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(cfg.Address, tlsCfg, quicConfig(cfg))
	if err != nil {
		return nil, err
	}
	l := &quicListener{
		ln:       ln,
		linger:   cfg.CloseLinger,
		accepted: make(chan net.Conn, quicAcceptDepth),
		done:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// acceptLoop waits for each connection's first stream off the Accept path so
// one idle client cannot stall the others.
func (l *quicListener) acceptLoop() {
	defer l.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.done
		cancel()
	}()
	for {
		qc, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("quic accept stopped")
			}
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			stream, err := qc.AcceptStream(ctx)
			if err != nil {
				_ = qc.CloseWithError(quicCodeNone, "no stream")
				return
			}
			conn := &streamConn{conn: qc, Stream: stream, linger: l.linger}
			select {
			case l.accepted <- conn:
			case <-l.done:
				_ = conn.Close()
			}
		}()
	}
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.accepted:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
