package bench

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/protocol"
)

var ErrNoCertificate = errors.New("bench: no certificate in PEM data")

// Key identifies the server key a run exercises.
type Key struct {
	SKI        []byte
	CertDigest []byte
	ServerName string
	// Public is needed to build ciphertext for decrypt opcodes.
	Public crypto.PublicKey
}

// KeyFromCertificate derives the SKI and certificate digest the way a TLS
// front-end would.
func KeyFromCertificate(cert *x509.Certificate) (Key, error) {
	ski, err := keystore.SKI(cert.PublicKey)
	if err != nil {
		return Key{}, err
	}
	digest := sha256.Sum256(cert.Raw)
	k := Key{SKI: ski, CertDigest: digest[:], Public: cert.PublicKey}
	if len(cert.DNSNames) > 0 {
		k.ServerName = cert.DNSNames[0]
	}
	return k, nil
}

// LoadCertificate reads the first certificate of a PEM file.
func LoadCertificate(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("bench: read %s: %w", path, err)
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return Key{}, fmt.Errorf("%w: %s", ErrNoCertificate, path)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return Key{}, fmt.Errorf("bench: parse %s: %w", path, err)
		}
		return KeyFromCertificate(cert)
	}
}

// Payload builds the operation input for op from msg: a digest for signing
// opcodes, PKCS#1 v1.5 ciphertext for decrypt opcodes, and msg itself
// otherwise.
func Payload(op protocol.Opcode, key Key, msg []byte) ([]byte, error) {
	switch op.Kind() {
	case protocol.KindRSASign, protocol.KindRSAPSSSign, protocol.KindECDSASign:
		return Digest(op.Hash(), msg)
	case protocol.KindRSADecrypt:
		pub, ok := key.Public.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("bench: %s needs an RSA public key", op)
		}
		return rsa.EncryptPKCS1v15(rand.Reader, pub, msg)
	case protocol.KindEd25519Sign, protocol.KindPing:
		return append([]byte(nil), msg...), nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownOpcode, op)
	}
}

// Digest hashes msg with h. MD5SHA1 is the TLS 1.0 concatenation of both.
func Digest(h crypto.Hash, msg []byte) ([]byte, error) {
	if h == crypto.MD5SHA1 {
		m := md5.Sum(msg)
		s := sha1.Sum(msg)
		return append(m[:], s[:]...), nil
	}
	if !h.Available() {
		return nil, fmt.Errorf("bench: hash %v unavailable", h)
	}
	d := h.New()
	d.Write(msg)
	return d.Sum(nil), nil
}

// Request builds the request every worker sends.
func (c Config) Request() (*protocol.Request, error) {
	if c.Opcode == protocol.OpPing {
		return protocol.NewPing(c.Message).Build()
	}
	payload, err := Payload(c.Opcode, c.Key, c.Message)
	if err != nil {
		return nil, err
	}
	b := protocol.NewRequestBuilder(c.Opcode).WithKeyID(c.Key.SKI).WithPayload(payload)
	if len(c.Key.CertDigest) > 0 {
		b.WithCertDigest(c.Key.CertDigest)
	}
	if c.Key.ServerName != "" {
		b.WithServerName(c.Key.ServerName)
	}
	return b.Build()
}
