package backend

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/protocol"
)

// KeyStore resolves a subject key identifier to its private key.
type KeyStore interface {
	Lookup(ski []byte) (crypto.Signer, error)
}

var (
	ErrKeyNotFound = keystore.ErrKeyNotFound
	ErrKeyMismatch = errors.New("backend: key type does not match opcode")
	ErrPayloadSize = errors.New("backend: payload size does not match key")
	ErrCrypto      = errors.New("backend: crypto operation failed")
)

// KeyDispatcher performs decrypt and sign operations with keys from a store.
type KeyDispatcher struct {
	keys KeyStore
	rand io.Reader
}

func NewKeyDispatcher(keys KeyStore) *KeyDispatcher {
	return &KeyDispatcher{keys: keys, rand: rand.Reader}
}

func (d *KeyDispatcher) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	if req.Opcode == protocol.OpPing {
		return protocol.NewPongResponse(req.ID, req.Payload)
	}
	out, err := d.Perform(req)
	if err != nil {
		code := CodeFor(err)
		log.Debug().Err(err).Uint32("id", req.ID).Str("op", req.Opcode.String()).Str("code", code.String()).Msg("key operation refused")
		return protocol.NewErrorResponse(req.ID, code)
	}
	return protocol.NewDataResponse(req.ID, out)
}

// Perform runs the operation req names and returns its raw result.
func (d *KeyDispatcher) Perform(req *protocol.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	signer, err := d.keys.Lookup(req.SKI)
	if err != nil {
		return nil, err
	}
	switch req.Opcode.Kind() {
	case protocol.KindRSADecrypt:
		return d.decrypt(req, signer)
	case protocol.KindRSASign:
		if _, ok := signer.Public().(*rsa.PublicKey); !ok {
			return nil, mismatch(req.Opcode, signer)
		}
		return d.sign(signer, req.Payload, req.Opcode.Hash())
	case protocol.KindRSAPSSSign:
		if _, ok := signer.Public().(*rsa.PublicKey); !ok {
			return nil, mismatch(req.Opcode, signer)
		}
		h := req.Opcode.Hash()
		return d.sign(signer, req.Payload, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h})
	case protocol.KindECDSASign:
		if _, ok := signer.Public().(*ecdsa.PublicKey); !ok {
			return nil, mismatch(req.Opcode, signer)
		}
		return d.sign(signer, req.Payload, req.Opcode.Hash())
	case protocol.KindEd25519Sign:
		if _, ok := signer.Public().(ed25519.PublicKey); !ok {
			return nil, mismatch(req.Opcode, signer)
		}
		return d.sign(signer, req.Payload, crypto.Hash(0))
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnexpectedOp, req.Opcode)
	}
}

func (d *KeyDispatcher) sign(signer crypto.Signer, payload []byte, opts crypto.SignerOpts) ([]byte, error) {
	sig, err := signer.Sign(d.rand, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	return sig, nil
}

func (d *KeyDispatcher) decrypt(req *protocol.Request, signer crypto.Signer) ([]byte, error) {
	key, ok := signer.(*rsa.PrivateKey)
	if !ok {
		return nil, mismatch(req.Opcode, signer)
	}
	if len(req.Payload) != key.Size() {
		return nil, fmt.Errorf("%w: ciphertext has %d bytes, modulus %d", ErrPayloadSize, len(req.Payload), key.Size())
	}
	if req.Opcode == protocol.OpRSADecryptRaw {
		c := new(big.Int).SetBytes(req.Payload)
		if c.Cmp(key.N) >= 0 {
			return nil, fmt.Errorf("%w: ciphertext out of range", ErrPayloadSize)
		}
		m, err := rawDecrypt(d.rand, key, c)
		if err != nil {
			return nil, err
		}
		return m.FillBytes(make([]byte, key.Size())), nil
	}
	out, err := rsa.DecryptPKCS1v15(d.rand, key, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	return out, nil
}

// rawDecrypt computes c^d mod N on a blinded input so the time taken does not
// track the chosen ciphertext, then checks the result against the public key.
func rawDecrypt(random io.Reader, key *rsa.PrivateKey, c *big.Int) (*big.Int, error) {
	e := big.NewInt(int64(key.E))
	var r, rInv *big.Int
	for {
		var err error
		r, err = rand.Int(random, key.N)
		if err != nil {
			return nil, fmt.Errorf("%w: blinding: %w", ErrCrypto, err)
		}
		if r.Sign() == 0 {
			continue
		}
		if rInv = new(big.Int).ModInverse(r, key.N); rInv != nil {
			break
		}
	}
	blinded := new(big.Int).Exp(r, e, key.N)
	blinded.Mul(blinded, c).Mod(blinded, key.N)

	m := privateExp(key, blinded)
	m.Mul(m, rInv).Mod(m, key.N)

	if new(big.Int).Exp(m, e, key.N).Cmp(c) != 0 {
		return nil, fmt.Errorf("%w: raw decrypt failed verification", ErrCrypto)
	}
	return m, nil
}

// privateExp uses the CRT values when the key carries them.
func privateExp(key *rsa.PrivateKey, c *big.Int) *big.Int {
	pre := key.Precomputed
	if len(key.Primes) != 2 || pre.Dp == nil || pre.Dq == nil || pre.Qinv == nil {
		return new(big.Int).Exp(c, key.D, key.N)
	}
	p, q := key.Primes[0], key.Primes[1]
	m1 := new(big.Int).Exp(c, pre.Dp, p)
	m2 := new(big.Int).Exp(c, pre.Dq, q)
	h := m1.Sub(m1, m2)
	h.Mul(h, pre.Qinv).Mod(h, p)
	h.Mul(h, q)
	return h.Add(h, m2)
}

func mismatch(op protocol.Opcode, signer crypto.Signer) error {
	algo, _ := keystore.Algorithm(signer)
	return fmt.Errorf("%w: %s with %s key", ErrKeyMismatch, op, algo)
}

// CodeFor maps a dispatch failure to its wire error code.
func CodeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return protocol.CodeKeyNotFound
	case errors.Is(err, ErrKeyMismatch):
		return protocol.CodeUnexpectedOpcode
	case errors.Is(err, ErrPayloadSize):
		return protocol.CodeFormatError
	case errors.Is(err, ErrCrypto):
		return protocol.CodeCryptoFailed
	default:
		return protocol.CodeFor(err)
	}
}
