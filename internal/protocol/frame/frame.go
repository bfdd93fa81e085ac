package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 8

	VersionMajor uint8 = 1
	VersionMinor uint8 = 0

	// MaxPayloadLen is the largest length the 16-bit header field can carry.
	MaxPayloadLen = 0xFFFF
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrBadVersion      = errors.New("frame: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("frame: payload exceeds limit")
	ErrTruncated       = errors.New("frame: truncated payload")
	ErrLengthMismatch  = errors.New("frame: buffer length does not match header")
)

// Header is the fixed 8-byte prefix of every keyless message.
type Header struct {
	Major      uint8
	Minor      uint8
	PayloadLen uint16
	ID         uint32
}

type Frame struct {
	Header  Header
	Payload []byte
}

type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: MaxPayloadLen}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPayloadBytes <= 0 || l.MaxPayloadBytes > MaxPayloadLen {
		l.MaxPayloadBytes = MaxPayloadLen
	}
	return l
}

func NewHeader(id uint32, payloadLen int) Header {
	return Header{Major: VersionMajor, Minor: VersionMinor, PayloadLen: uint16(payloadLen), ID: id}
}

// ReadFrame reads exactly one frame. A clean end of stream before any header
// byte is reported as io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	limits = limits.withDefaults()
	hdr := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(hdr)
	if err != nil {
		return Frame{}, err
	}
	if int(h.PayloadLen) > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Parse decodes a frame held entirely in b. The buffer must hold exactly the
// header plus the declared payload.
func Parse(b []byte, limits Limits) (Frame, error) {
	limits = limits.withDefaults()
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if int(h.PayloadLen) > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	body := b[HeaderLen:]
	switch {
	case len(body) < int(h.PayloadLen):
		return Frame{}, ErrTruncated
	case len(body) > int(h.PayloadLen):
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrLengthMismatch, len(body)-int(h.PayloadLen))
	}
	return Frame{Header: h, Payload: body}, nil
}

func WriteFrame(w io.Writer, f Frame) error {
	b, err := Append(nil, f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Append encodes f onto dst. The header length is taken from the payload.
func Append(dst []byte, f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return dst, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(f.Payload))
	}
	h := f.Header
	h.PayloadLen = uint16(len(f.Payload))
	dst = append(dst, EncodeHeader(h)...)
	return append(dst, f.Payload...), nil
}

func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderLen)
	PutHeader(b, h)
	return b
}

func PutHeader(b []byte, h Header) {
	b[0] = h.Major
	b[1] = h.Minor
	binary.BigEndian.PutUint16(b[2:4], h.PayloadLen)
	binary.BigEndian.PutUint32(b[4:8], h.ID)
}

// PutID rewrites the id of an already encoded frame.
func PutID(b []byte, id uint32) {
	binary.BigEndian.PutUint32(b[4:8], id)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Major:      b[0],
		Minor:      b[1],
		PayloadLen: binary.BigEndian.Uint16(b[2:4]),
		ID:         binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Major != VersionMajor || h.Minor != VersionMinor {
		return Header{}, fmt.Errorf("%w: %d.%d", ErrBadVersion, h.Major, h.Minor)
	}
	return h, nil
}
