package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/youmark/pkcs8"
)

var (
	ErrNoPEMKey           = errors.New("keystore: no private key pem block")
	ErrPassphraseRequired = errors.New("keystore: passphrase required for encrypted key")
	ErrUnsupportedKey     = errors.New("keystore: unsupported key type")
)

// ParsePrivateKeyPEM decodes the first private key block in data. PKCS#1,
// SEC 1, PKCS#8 and encrypted PKCS#8 blocks are accepted; other blocks such
// as certificates are skipped.
func ParsePrivateKeyPEM(data []byte, passphrase []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrNoPEMKey
		}
		var (
			key any
			err error
		)
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "ENCRYPTED PRIVATE KEY":
			if len(passphrase) == 0 {
				return nil, ErrPassphraseRequired
			}
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("keystore: parse %s: %w", block.Type, err)
		}
		return asSigner(key)
	}
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// Algorithm names the key family for listings.
func Algorithm(s crypto.Signer) (string, int) {
	switch k := s.Public().(type) {
	case *rsa.PublicKey:
		return "rsa", k.N.BitLen()
	case *ecdsa.PublicKey:
		return "ecdsa", k.Curve.Params().BitSize
	case ed25519.PublicKey:
		return "ed25519", 256
	default:
		return "unknown", 0
	}
}
