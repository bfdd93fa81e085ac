package backend

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/testutil/testlog"
)

type fixture struct {
	store *keystore.Store
	rsa   *rsa.PrivateKey
	ec    *ecdsa.PrivateKey
	ed    ed25519.PrivateKey
	rsaID []byte
	ecID  []byte
	edID  []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: keystore.New()}
	var err error
	f.rsa, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f.ec, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, f.ed, err = ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f.rsaID, err = f.store.Add(f.rsa, "rsa")
	require.NoError(t, err)
	f.ecID, err = f.store.Add(f.ec, "ec")
	require.NoError(t, err)
	f.edID, err = f.store.Add(f.ed, "ed")
	require.NoError(t, err)
	return f
}

func dispatch(t *testing.T, d session.Dispatcher, op protocol.Opcode, ski, payload []byte) *protocol.Response {
	t.Helper()
	req := &protocol.Request{ID: 42, Opcode: op, SKI: ski, Payload: payload}
	resp := d.Dispatch(context.Background(), req)
	require.NotNil(t, resp)
	require.Equal(t, uint32(42), resp.ID)
	return resp
}

func requireCode(t *testing.T, resp *protocol.Response, code protocol.ErrorCode) {
	t.Helper()
	require.Equal(t, protocol.OutcomeError, resp.Outcome, "payload=%x", resp.Payload)
	require.Equal(t, code, resp.Code)
}

func TestKeyDispatcherSigns(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	d := NewKeyDispatcher(f.store)
	digest := sha256.Sum256([]byte("client hello"))

	resp := dispatch(t, d, protocol.OpRSASignSHA256, f.rsaID, digest[:])
	require.Equal(t, protocol.OutcomeData, resp.Outcome)
	require.NoError(t, rsa.VerifyPKCS1v15(&f.rsa.PublicKey, crypto.SHA256, digest[:], resp.Payload))

	resp = dispatch(t, d, protocol.OpRSAPSSSignSHA256, f.rsaID, digest[:])
	require.Equal(t, protocol.OutcomeData, resp.Outcome)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}
	require.NoError(t, rsa.VerifyPSS(&f.rsa.PublicKey, crypto.SHA256, digest[:], resp.Payload, opts))

	resp = dispatch(t, d, protocol.OpECDSASignSHA256, f.ecID, digest[:])
	require.Equal(t, protocol.OutcomeData, resp.Outcome)
	require.True(t, ecdsa.VerifyASN1(&f.ec.PublicKey, digest[:], resp.Payload))

	d384 := sha512.Sum384([]byte("client hello"))
	resp = dispatch(t, d, protocol.OpECDSASignSHA384, f.ecID, d384[:])
	require.Equal(t, protocol.OutcomeData, resp.Outcome)
	require.True(t, ecdsa.VerifyASN1(&f.ec.PublicKey, d384[:], resp.Payload))

	msg := []byte("whole transcript, not a digest")
	resp = dispatch(t, d, protocol.OpEd25519Sign, f.edID, msg)
	require.Equal(t, protocol.OutcomeData, resp.Outcome)
	require.True(t, ed25519.Verify(f.ed.Public().(ed25519.PublicKey), msg, resp.Payload))
}

func TestKeyDispatcherDecrypts(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	d := NewKeyDispatcher(f.store)

	secret := []byte("pre-master secret bytes")
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, &f.rsa.PublicKey, secret)
	require.NoError(t, err)
	resp := dispatch(t, d, protocol.OpRSADecrypt, f.rsaID, ct)
	require.Equal(t, protocol.OutcomeData, resp.Outcome)
	require.Equal(t, secret, resp.Payload)

	m := big.NewInt(0x1234567)
	c := new(big.Int).Exp(m, big.NewInt(int64(f.rsa.E)), f.rsa.N)
	resp = dispatch(t, d, protocol.OpRSADecryptRaw, f.rsaID, c.FillBytes(make([]byte, f.rsa.Size())))
	require.Equal(t, protocol.OutcomeData, resp.Outcome)
	require.Len(t, resp.Payload, f.rsa.Size())
	require.Zero(t, m.Cmp(new(big.Int).SetBytes(resp.Payload)))

	requireCode(t, dispatch(t, d, protocol.OpRSADecrypt, f.rsaID, ct[1:]), protocol.CodeFormatError)
	requireCode(t, dispatch(t, d, protocol.OpRSADecrypt, f.ecID, ct), protocol.CodeUnexpectedOpcode)
	garbage := make([]byte, f.rsa.Size())
	garbage[1] = 1
	requireCode(t, dispatch(t, d, protocol.OpRSADecrypt, f.rsaID, garbage), protocol.CodeCryptoFailed)
}

func TestRawDecryptMatchesTextbookRSA(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	for i := 0; i < 16; i++ {
		c, err := rand.Int(rand.Reader, f.rsa.N)
		require.NoError(t, err)
		want := new(big.Int).Exp(c, f.rsa.D, f.rsa.N)

		got, err := rawDecrypt(rand.Reader, f.rsa, c)
		require.NoError(t, err)
		require.Zero(t, want.Cmp(got), "ciphertext %x", c)
	}

	noCRT := *f.rsa
	noCRT.Precomputed = rsa.PrecomputedValues{}
	c := new(big.Int).Exp(big.NewInt(99), big.NewInt(int64(f.rsa.E)), f.rsa.N)
	got, err := rawDecrypt(rand.Reader, &noCRT, c)
	require.NoError(t, err)
	require.Zero(t, big.NewInt(99).Cmp(got))
}

func TestRawDecryptRejectsFaultyResult(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	broken := *f.rsa
	broken.Precomputed.Dp = new(big.Int).Add(f.rsa.Precomputed.Dp, big.NewInt(2))
	c := new(big.Int).Exp(big.NewInt(12345), big.NewInt(int64(f.rsa.E)), f.rsa.N)

	_, err := rawDecrypt(rand.Reader, &broken, c)
	require.ErrorIs(t, err, ErrCrypto)
	require.Equal(t, protocol.CodeCryptoFailed, CodeFor(err))
}

func TestKeyDispatcherErrorCodes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	d := NewKeyDispatcher(f.store)
	digest := sha256.Sum256([]byte("x"))

	requireCode(t, dispatch(t, d, protocol.OpRSASignSHA256, make([]byte, protocol.SKILen), digest[:]), protocol.CodeKeyNotFound)
	requireCode(t, dispatch(t, d, protocol.OpECDSASignSHA256, f.rsaID, digest[:]), protocol.CodeUnexpectedOpcode)
	requireCode(t, dispatch(t, d, protocol.OpRSASignSHA256, f.ecID, digest[:]), protocol.CodeUnexpectedOpcode)
	requireCode(t, dispatch(t, d, protocol.OpEd25519Sign, f.ecID, digest[:]), protocol.CodeUnexpectedOpcode)
	requireCode(t, dispatch(t, d, protocol.OpRSASignSHA384, f.rsaID, digest[:]), protocol.CodeFormatError)
	requireCode(t, dispatch(t, d, protocol.Opcode(0x42), f.rsaID, digest[:]), protocol.CodeBadOpcode)
	requireCode(t, dispatch(t, d, protocol.OpPong, f.rsaID, digest[:]), protocol.CodeUnexpectedOpcode)

	pong := dispatch(t, d, protocol.OpPing, nil, []byte("hi"))
	require.Equal(t, protocol.OutcomePong, pong.Outcome)
	require.Equal(t, []byte("hi"), pong.Payload)
}

func TestCodeForWrappedErrors(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, protocol.CodeKeyNotFound, CodeFor(keystore.ErrKeyNotFound))
	require.Equal(t, protocol.CodeCryptoFailed, CodeFor(errors.Join(ErrCrypto, errors.New("boom"))))
	require.Equal(t, protocol.CodeInternalError, CodeFor(errors.New("other")))
}

// serveOver runs d behind session.Serve on one end of a pipe and returns a
// multiplex client on the other.
func serveOver(t *testing.T, d session.Dispatcher) session.Transfer {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Serve(ctx, server, d, session.DefaultConfig())
	}()
	tr, err := session.Open(client, session.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tr.Close()
		cancel()
		<-done
	})
	return tr
}

func TestUnknownKeyKeepsSessionUsable(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	tr := serveOver(t, NewKeyDispatcher(f.store))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	digest := sha256.Sum256([]byte("y"))

	req, err := protocol.NewRequestBuilder(protocol.OpECDSASignSHA256).
		WithKeyID(make([]byte, protocol.SKILen)).
		WithPayload(digest[:]).
		Build()
	require.NoError(t, err)
	_, err = session.Do(ctx, tr, req)
	code, ok := protocol.RemoteCode(err)
	require.True(t, ok, "expected remote error, got %v", err)
	require.Equal(t, protocol.CodeKeyNotFound, code)

	req, err = protocol.NewRequestBuilder(protocol.OpECDSASignSHA256).WithKeyID(f.ecID).WithPayload(digest[:]).Build()
	require.NoError(t, err)
	resp, err := session.Do(ctx, tr, req)
	require.NoError(t, err)
	require.True(t, ecdsa.VerifyASN1(&f.ec.PublicKey, digest[:], resp.Payload))
}

type staticSource struct {
	tr  session.Transfer
	err error
}

func (s staticSource) Transfer(context.Context) (session.Transfer, error) {
	return s.tr, s.err
}

func TestForwardDispatcherRelaysUpstream(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	upstream := serveOver(t, NewKeyDispatcher(f.store))
	front := serveOver(t, NewForwardDispatcher(staticSource{tr: upstream}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	digest := sha256.Sum256([]byte("relay"))
	req, err := protocol.NewRequestBuilder(protocol.OpRSASignSHA256).
		WithKeyID(f.rsaID).
		WithPayload(digest[:]).
		WithServerName("example.com").
		Build()
	require.NoError(t, err)
	resp, err := session.Do(ctx, front, req)
	require.NoError(t, err)
	require.NoError(t, rsa.VerifyPKCS1v15(&f.rsa.PublicKey, crypto.SHA256, digest[:], resp.Payload))

	req, err = protocol.NewRequestBuilder(protocol.OpRSASignSHA256).WithKeyID(f.ecID).WithPayload(digest[:]).Build()
	require.NoError(t, err)
	_, err = session.Do(ctx, front, req)
	code, ok := protocol.RemoteCode(err)
	require.True(t, ok)
	require.Equal(t, protocol.CodeUnexpectedOpcode, code)
}

func TestForwardDispatcherUpstreamDown(t *testing.T) {
	testlog.Start(t)
	d := NewForwardDispatcher(staticSource{err: errors.New("dial refused")})
	digest := sha256.Sum256([]byte("z"))
	requireCode(t, dispatch(t, d, protocol.OpRSASignSHA256, make([]byte, protocol.SKILen), digest[:]), protocol.CodeInternalError)

	pong := dispatch(t, d, protocol.OpPing, nil, []byte("local"))
	require.Equal(t, protocol.OutcomePong, pong.Outcome)
}
