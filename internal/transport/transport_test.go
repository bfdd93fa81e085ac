package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/keyless/internal/testutil/testlog"
	"github.com/danmuck/keyless/internal/testutil/tlstest"
)

func TestValidateClientProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:2407"
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:2407"
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerRules(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.ValidateServer(); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
	cfg.Address = ":2407"
	cfg.Network = "sctp"
	if err := cfg.ValidateServer(); !errors.Is(err, ErrInvalidNetwork) {
		t.Fatalf("expected ErrInvalidNetwork, got %v", err)
	}
	cfg.Network = NetworkQUIC
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected quic without tls to fail, got %v", err)
	}
	cfg.Network = NetworkTCP
	cfg.SecurityMode = SecurityModeProduction
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServer(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func echoOnce(t *testing.T, ln Listener, cfg Config, peers chan<- Peer) {
	t.Helper()
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		defer conn.Close()
		peer, err := Authenticate(context.Background(), conn, cfg)
		if err != nil {
			peers <- Peer{Identity: "error: " + err.Error()}
			return
		}
		peers <- peer
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		_, _ = conn.Write(buf)
	}()
}

func roundTrip(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("unexpected echo %q", buf)
	}
}

func TestDialListenTCP(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	ln, err := Listen(cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	peers := make(chan Peer, 1)
	echoOnce(t, ln, cfg, peers)

	dial := cfg
	dial.Address = ln.Addr().String()
	conn, err := Dial(context.Background(), dial)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn)
	if p := <-peers; p.Authenticated {
		t.Fatalf("plain tcp should not authenticate: %+v", p)
	}
}

func mutualConfigs(t *testing.T, network Network) (Config, Config) {
	t.Helper()
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "keyless-ca")
	serverCert, serverKey := ca.IssueServerCert(t, dir, "keyserver", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	clientCert, clientKey := ca.IssueClientCert(t, dir, "edge-proxy")

	server := DefaultConfig()
	server.Network = network
	server.Address = "127.0.0.1:0"
	server.SecurityMode = SecurityModeProduction
	server.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: serverCert, KeyFile: serverKey, CAFile: ca.CAFile()}

	client := server
	client.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: clientCert, KeyFile: clientKey, CAFile: ca.CAFile()}
	return server, client
}

func TestDialListenMutualTLS(t *testing.T) {
	testlog.Start(t)
	server, client := mutualConfigs(t, NetworkTCP)
	ln, err := Listen(server)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	peers := make(chan Peer, 1)
	echoOnce(t, ln, server, peers)

	client.Address = ln.Addr().String()
	conn, err := Dial(context.Background(), client)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn)
	if p := <-peers; !p.Authenticated || p.Identity != "edge-proxy" {
		t.Fatalf("unexpected peer: %+v", p)
	}
}

func TestDialListenQUIC(t *testing.T) {
	testlog.Start(t)
	server, client := mutualConfigs(t, NetworkQUIC)
	ln, err := Listen(server)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	peers := make(chan Peer, 1)
	echoOnce(t, ln, server, peers)

	client.Address = ln.Addr().String()
	conn, err := Dial(context.Background(), client)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn)
	if p := <-peers; !p.Authenticated || p.Identity != "edge-proxy" {
		t.Fatalf("unexpected peer: %+v", p)
	}
}

func TestQUICCloseDeliversPendingWrites(t *testing.T) {
	testlog.Start(t)
	server, client := mutualConfigs(t, NetworkQUIC)
	ln, err := Listen(server)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	payload := bytes.Repeat([]byte("keyless"), 32<<10)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		buf := make([]byte, 1)
		if _, err := io.ReadFull(conn, buf); err != nil {
			_ = conn.Close()
			return
		}
		_, _ = conn.Write(payload)
		_ = conn.Close()
	}()

	client.Address = ln.Addr().String()
	conn, err := Dial(context.Background(), client)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read after peer close: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("lost data on close: got %d bytes want %d", len(got), len(payload))
	}
}

func TestWithDefaultsSetsCloseLinger(t *testing.T) {
	testlog.Start(t)
	if got := (Config{}).WithDefaults().CloseLinger; got != DefaultConfig().CloseLinger || got <= 0 {
		t.Fatalf("unexpected close linger %v", got)
	}
}

func TestListenerAcceptHonorsContext(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	ln, err := Listen(cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ln.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPeerIdentityNil(t *testing.T) {
	testlog.Start(t)
	if PeerIdentity(nil) != "" {
		t.Fatalf("expected empty identity")
	}
}
