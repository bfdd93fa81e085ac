package keystore

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// SKILen is the size of a subject key identifier.
const SKILen = sha1.Size

var ErrBadPublicKey = errors.New("keystore: malformed subject public key info")

// SKI returns the SHA-1 of the subjectPublicKey BIT STRING, the key id
// certificates carry in their Subject Key Identifier extension.
func SKI(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("keystore: marshal public key: %w", err)
	}
	input := cryptobyte.String(der)
	var spki, algo cryptobyte.String
	var bits cryptobyte.String
	if !input.ReadASN1(&spki, cbasn1.SEQUENCE) ||
		!spki.ReadASN1(&algo, cbasn1.SEQUENCE) ||
		!spki.ReadASN1(&bits, cbasn1.BIT_STRING) {
		return nil, ErrBadPublicKey
	}
	// First byte of a BIT STRING is the unused-bit count.
	if len(bits) < 1 || bits[0] != 0 {
		return nil, ErrBadPublicKey
	}
	sum := sha1.Sum(bits[1:])
	return sum[:], nil
}

// FormatSKI renders a key id the way logs and the admin API show it.
func FormatSKI(ski []byte) string {
	return hex.EncodeToString(ski)
}

// ParseSKI accepts the hex form produced by FormatSKI.
func ParseSKI(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse ski: %w", err)
	}
	if len(b) != SKILen {
		return nil, fmt.Errorf("keystore: ski must be %d bytes, got %d", SKILen, len(b))
	}
	return b, nil
}
