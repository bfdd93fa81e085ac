package protocol

import (
	"crypto"
	"fmt"

	"github.com/danmuck/keyless/internal/protocol/tlv"
)

// Tag identifies an item within a message payload.
type Tag = uint8

const (
	TagCertDigest Tag = 0x01
	TagSNI        Tag = 0x02
	TagClientIP   Tag = 0x03
	TagSKI        Tag = 0x04
	TagOpcode     Tag = 0x11
	TagPayload    Tag = 0x12
	TagPadding    Tag = 0x20
)

// SKILen is the size of a subject key identifier (SHA-1 of the public key).
const SKILen = 20

type Opcode uint8

const (
	OpRSADecrypt       Opcode = 0x01
	OpRSASignMD5SHA1   Opcode = 0x02
	OpRSASignSHA1      Opcode = 0x03
	OpRSASignSHA224    Opcode = 0x04
	OpRSASignSHA256    Opcode = 0x05
	OpRSASignSHA384    Opcode = 0x06
	OpRSASignSHA512    Opcode = 0x07
	OpRSADecryptRaw    Opcode = 0x08
	OpECDSASignMD5SHA1 Opcode = 0x12
	OpECDSASignSHA1    Opcode = 0x13
	OpECDSASignSHA224  Opcode = 0x14
	OpECDSASignSHA256  Opcode = 0x15
	OpECDSASignSHA384  Opcode = 0x16
	OpECDSASignSHA512  Opcode = 0x17
	OpEd25519Sign      Opcode = 0x18
	OpRSAPSSSignSHA256 Opcode = 0x35
	OpRSAPSSSignSHA384 Opcode = 0x36
	OpRSAPSSSignSHA512 Opcode = 0x37

	OpResponse Opcode = 0xF0
	OpPing     Opcode = 0xF1
	OpPong     Opcode = 0xF2
	OpError    Opcode = 0xFF
)

// OpKind groups opcodes that share validation and dispatch rules.
type OpKind uint8

const (
	KindUnknown OpKind = iota
	KindRSADecrypt
	KindRSASign
	KindRSAPSSSign
	KindECDSASign
	KindEd25519Sign
	KindPing
	KindReply
)

func (k OpKind) String() string {
	switch k {
	case KindRSADecrypt:
		return "rsa-decrypt"
	case KindRSASign:
		return "rsa-sign"
	case KindRSAPSSSign:
		return "rsa-pss-sign"
	case KindECDSASign:
		return "ecdsa-sign"
	case KindEd25519Sign:
		return "ed25519-sign"
	case KindPing:
		return "ping"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

type opInfo struct {
	name string
	kind OpKind
	hash crypto.Hash
}

var opTable = map[Opcode]opInfo{
	OpRSADecrypt:       {"rsa-decrypt", KindRSADecrypt, 0},
	OpRSADecryptRaw:    {"rsa-decrypt-raw", KindRSADecrypt, 0},
	OpRSASignMD5SHA1:   {"rsa-sign-md5sha1", KindRSASign, crypto.MD5SHA1},
	OpRSASignSHA1:      {"rsa-sign-sha1", KindRSASign, crypto.SHA1},
	OpRSASignSHA224:    {"rsa-sign-sha224", KindRSASign, crypto.SHA224},
	OpRSASignSHA256:    {"rsa-sign-sha256", KindRSASign, crypto.SHA256},
	OpRSASignSHA384:    {"rsa-sign-sha384", KindRSASign, crypto.SHA384},
	OpRSASignSHA512:    {"rsa-sign-sha512", KindRSASign, crypto.SHA512},
	OpRSAPSSSignSHA256: {"rsa-pss-sign-sha256", KindRSAPSSSign, crypto.SHA256},
	OpRSAPSSSignSHA384: {"rsa-pss-sign-sha384", KindRSAPSSSign, crypto.SHA384},
	OpRSAPSSSignSHA512: {"rsa-pss-sign-sha512", KindRSAPSSSign, crypto.SHA512},
	OpECDSASignMD5SHA1: {"ecdsa-sign-md5sha1", KindECDSASign, crypto.MD5SHA1},
	OpECDSASignSHA1:    {"ecdsa-sign-sha1", KindECDSASign, crypto.SHA1},
	OpECDSASignSHA224:  {"ecdsa-sign-sha224", KindECDSASign, crypto.SHA224},
	OpECDSASignSHA256:  {"ecdsa-sign-sha256", KindECDSASign, crypto.SHA256},
	OpECDSASignSHA384:  {"ecdsa-sign-sha384", KindECDSASign, crypto.SHA384},
	OpECDSASignSHA512:  {"ecdsa-sign-sha512", KindECDSASign, crypto.SHA512},
	OpEd25519Sign:      {"ed25519-sign", KindEd25519Sign, 0},
	OpPing:             {"ping", KindPing, 0},
	OpResponse:         {"response", KindReply, 0},
	OpPong:             {"pong", KindReply, 0},
	OpError:            {"error", KindReply, 0},
}

func (o Opcode) String() string {
	if info, ok := opTable[o]; ok {
		return info.name
	}
	return fmt.Sprintf("opcode(0x%02x)", uint8(o))
}

func (o Opcode) Kind() OpKind {
	return opTable[o].kind
}

// Hash is the digest algorithm a signing opcode expects its payload to be
// produced with. Zero for opcodes that carry no digest.
func (o Opcode) Hash() crypto.Hash {
	return opTable[o].hash
}

// IsRequest reports whether o is an operation a client may send.
func (o Opcode) IsRequest() bool {
	k := o.Kind()
	return k != KindUnknown && k != KindReply
}

// ParseOpcode resolves a request opcode by its display name.
func ParseOpcode(name string) (Opcode, error) {
	for op, info := range opTable {
		if info.name == name && info.kind != KindReply {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOpcode, name)
}

// ErrorCode is the single-byte payload of an error response.
type ErrorCode uint8

const (
	CodeCryptoFailed     ErrorCode = 0x01
	CodeKeyNotFound      ErrorCode = 0x02
	CodeReadError        ErrorCode = 0x03
	CodeVersionMismatch  ErrorCode = 0x04
	CodeBadOpcode        ErrorCode = 0x05
	CodeUnexpectedOpcode ErrorCode = 0x06
	CodeFormatError      ErrorCode = 0x07
	CodeInternalError    ErrorCode = 0x08
	CodeCertNotFound     ErrorCode = 0x09
	CodeExpired          ErrorCode = 0x0A
)

func (c ErrorCode) String() string {
	switch c {
	case CodeCryptoFailed:
		return "crypto_failed"
	case CodeKeyNotFound:
		return "key_not_found"
	case CodeReadError:
		return "read_error"
	case CodeVersionMismatch:
		return "version_mismatch"
	case CodeBadOpcode:
		return "bad_opcode"
	case CodeUnexpectedOpcode:
		return "unexpected_opcode"
	case CodeFormatError:
		return "format_error"
	case CodeInternalError:
		return "internal_error"
	case CodeCertNotFound:
		return "cert_not_found"
	case CodeExpired:
		return "expired"
	default:
		return fmt.Sprintf("code(0x%02x)", uint8(c))
	}
}

// Message is a decoded frame: the header id plus the raw item list in wire
// order. Request and Response are built on top of it.
type Message struct {
	ID    uint32
	Items []tlv.Item
}

func (m *Message) Item(tag Tag) ([]byte, bool) {
	it, ok := tlv.GetItem(m.Items, tag)
	return it.Value, ok
}
