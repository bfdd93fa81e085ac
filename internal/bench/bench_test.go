package bench

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/keyless/internal/backend"
	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/testutil/testlog"
	"github.com/danmuck/keyless/internal/transport"
)

type fixture struct {
	store *keystore.Store
	ec    *ecdsa.PrivateKey
	ecSKI []byte
	dials int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	store := keystore.New()
	ski, err := store.Add(ec, "bench")
	require.NoError(t, err)
	return &fixture{store: store, ec: ec, ecSKI: ski}
}

func (f *fixture) dial(ctx context.Context, _ transport.Config) (net.Conn, error) {
	f.dials++
	client, srv := net.Pipe()
	go func() {
		_ = session.Serve(context.Background(), srv, backend.NewKeyDispatcher(f.store), session.DefaultConfig())
	}()
	return client, nil
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.Target.Address = "bench.test:2407"
	return cfg
}

func run(t *testing.T, f *fixture, cfg Config) *Report {
	t.Helper()
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	r.WithDialer(f.dial)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := r.Run(ctx)
	require.NoError(t, err)
	return rep
}

func TestRunPingSharesPool(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	cfg := baseConfig()
	cfg.Requests = 50
	cfg.Concurrency = 4
	cfg.Pool = 2

	rep := run(t, f, cfg)
	require.Equal(t, 50, rep.Total)
	require.Equal(t, 50, rep.OK())
	require.Equal(t, 2, rep.Connections)
	require.Equal(t, 2, f.dials)
	require.Equal(t, "ping", rep.Opcode)
	require.LessOrEqual(t, rep.Latency.P50, rep.Latency.P99)
}

func TestRunSignsWithKnownKey(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	cfg := baseConfig()
	cfg.Opcode = protocol.OpECDSASignSHA256
	cfg.Key = Key{SKI: f.ecSKI, Public: &f.ec.PublicKey}
	cfg.Requests = 20
	cfg.Concurrency = 3

	rep := run(t, f, cfg)
	require.Equal(t, 20, rep.OK())
	require.Empty(t, rep.Codes)
	require.Equal(t, 3, rep.Connections)
}

func TestRunCountsRemoteErrorCodes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	cfg := baseConfig()
	cfg.Opcode = protocol.OpECDSASignSHA384
	cfg.Key = Key{SKI: make([]byte, keystore.SKILen)}
	cfg.Requests = 10

	rep := run(t, f, cfg)
	require.Equal(t, 10, rep.Total)
	require.Equal(t, 10, rep.Results[session.ResultRemoteError])
	require.Equal(t, 10, rep.Codes[protocol.CodeKeyNotFound])
}

func TestRunDurationWithRateLimit(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	cfg := baseConfig()
	cfg.Requests = 0
	cfg.Duration = 200 * time.Millisecond
	cfg.Rate = 50
	cfg.Concurrency = 2

	rep := run(t, f, cfg)
	require.Greater(t, rep.Total, 0)
	require.LessOrEqual(t, rep.Total, 15)
	require.Equal(t, rep.Total, rep.OK())
}

func TestRunnerRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cfg := baseConfig()
	cfg.Concurrency = 0
	_, err := NewRunner(cfg)
	require.ErrorIs(t, err, ErrInvalidConcurrency)

	cfg = baseConfig()
	cfg.Requests = 0
	_, err = NewRunner(cfg)
	require.ErrorIs(t, err, ErrNoStopCondition)

	cfg = baseConfig()
	cfg.Opcode = protocol.OpRSASignSHA256
	_, err = NewRunner(cfg)
	require.ErrorIs(t, err, ErrKeyIDRequired)

	cfg = baseConfig()
	cfg.Opcode = protocol.OpError
	_, err = NewRunner(cfg)
	require.ErrorIs(t, err, protocol.ErrUnknownOpcode)

	cfg = baseConfig()
	cfg.Concurrency = 4
	cfg.Pool = 1
	cfg.Session.Mode = session.ModeSimplex
	_, err = NewRunner(cfg)
	require.ErrorIs(t, err, ErrSimplexShared)

	cfg = baseConfig()
	cfg.Target.Address = ""
	_, err = NewRunner(cfg)
	require.ErrorIs(t, err, transport.ErrAddressRequired)
}

func TestPayloadMatchesOpcodeDigest(t *testing.T) {
	testlog.Start(t)
	msg := []byte("client hello")
	for _, op := range []protocol.Opcode{
		protocol.OpRSASignMD5SHA1, protocol.OpRSASignSHA1, protocol.OpRSASignSHA224,
		protocol.OpRSAPSSSignSHA384, protocol.OpECDSASignSHA512,
	} {
		p, err := Payload(op, Key{}, msg)
		require.NoError(t, err, op.String())
		require.Len(t, p, op.Hash().Size(), op.String())
	}
	sum := sha256.Sum256(msg)
	p, err := Payload(protocol.OpECDSASignSHA256, Key{}, msg)
	require.NoError(t, err)
	require.Equal(t, sum[:], p)

	p, err = Payload(protocol.OpEd25519Sign, Key{}, msg)
	require.NoError(t, err)
	require.Equal(t, msg, p)

	_, err = Payload(protocol.OpRSADecrypt, Key{Public: &f256(t).PublicKey}, msg)
	require.Error(t, err)
}

func f256(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

func TestPayloadDecryptRoundTrip(t *testing.T) {
	testlog.Start(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p, err := Payload(protocol.OpRSADecrypt, Key{Public: &key.PublicKey}, []byte("premaster"))
	require.NoError(t, err)
	require.Len(t, p, key.Size())
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, key, p)
	require.NoError(t, err)
	require.Equal(t, "premaster", string(plain))
}

func TestKeyFromCertificate(t *testing.T) {
	testlog.Start(t)
	key := f256(t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "origin"},
		DNSNames:     []string{"origin.example", "www.origin.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	k, err := KeyFromCertificate(cert)
	require.NoError(t, err)
	ski, err := keystore.SKI(&key.PublicKey)
	require.NoError(t, err)
	require.Equal(t, ski, k.SKI)
	sum := sha256.Sum256(der)
	require.Equal(t, sum[:], k.CertDigest)
	require.Equal(t, "origin.example", k.ServerName)

	cfg := baseConfig()
	cfg.Opcode = protocol.OpECDSASignSHA256
	cfg.Key = k
	req, err := cfg.Request()
	require.NoError(t, err)
	require.Equal(t, "origin.example", req.SNI)
	require.Equal(t, k.CertDigest, req.CertDigest)
}

func TestSummarizeNearestRank(t *testing.T) {
	testlog.Start(t)
	samples := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	l := Summarize(samples)
	require.Equal(t, time.Millisecond, l.Min)
	require.Equal(t, 100*time.Millisecond, l.Max)
	require.Equal(t, 50*time.Millisecond, l.P50)
	require.Equal(t, 90*time.Millisecond, l.P90)
	require.Equal(t, 99*time.Millisecond, l.P99)
	require.Equal(t, 50500*time.Microsecond, l.Mean)
	require.Equal(t, Latency{}, Summarize(nil))
}

func TestReportPrint(t *testing.T) {
	testlog.Start(t)
	rep := &Report{
		Opcode:  "ping",
		Elapsed: time.Second,
		Total:   4,
		Results: map[session.Result]int{session.ResultOK: 3, session.ResultRemoteError: 1},
		Codes:   map[protocol.ErrorCode]int{protocol.CodeKeyNotFound: 1},
	}
	var buf bytes.Buffer
	rep.Print(&buf)
	out := buf.String()
	require.Contains(t, out, "requests:    4 (4.0/s)")
	require.Contains(t, out, "remote_error")
	require.Contains(t, out, protocol.CodeKeyNotFound.String())
	require.Equal(t, 3, rep.OK())
	require.InDelta(t, 4.0, rep.Throughput(), 0.001)
}
