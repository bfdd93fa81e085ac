package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/keyless/internal/protocol/frame"
	"github.com/danmuck/keyless/internal/protocol/tlv"
)

var (
	ErrBadVersion        = frame.ErrBadVersion
	ErrShortHeader       = frame.ErrShortHeader
	ErrTruncated         = frame.ErrTruncated
	ErrFrameLength       = frame.ErrLengthMismatch
	ErrPayloadTooLarge   = frame.ErrPayloadTooLarge
	ErrDuplicateTag      = tlv.ErrDuplicateTag
	ErrItemTooLarge      = tlv.ErrValueTooLarge
	ErrPadOverflow       = errors.New("protocol: message exceeds padded frame size")
	ErrNilMessage        = errors.New("protocol: nil message")
	ErrMissingItem       = errors.New("protocol: missing required item")
	ErrItemLength        = errors.New("protocol: invalid item length")
	ErrDigestSize        = errors.New("protocol: payload does not match digest size")
	ErrUnknownOpcode     = errors.New("protocol: unknown opcode")
	ErrUnexpectedOp      = errors.New("protocol: opcode not valid in this direction")
	ErrMalformedResponse = errors.New("protocol: malformed response")
)

// MissingItemError indicates a required item was not present.
type MissingItemError struct {
	Opcode Opcode
	Tag    Tag
}

func (e MissingItemError) Error() string {
	return fmt.Sprintf("protocol: %s missing required item 0x%02x", e.Opcode, e.Tag)
}

func (e MissingItemError) Unwrap() error { return ErrMissingItem }

// LocalError is a failure detected on this side before or after the wire:
// bad input, encode or decode failure, a timed-out or cancelled request.
type LocalError struct {
	Op  string
	Err error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("keyless %s: %v", e.Op, e.Err)
}

func (e *LocalError) Unwrap() error { return e.Err }

// ProtocolError means the peer violated request/response correlation. The
// session that saw it is no longer usable.
type ProtocolError struct {
	ID     uint32
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("keyless protocol violation: id=%d: %s", e.ID, e.Reason)
}

// RemoteError carries the error code of an error response.
type RemoteError struct {
	ID   uint32
	Code ErrorCode
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("keyless remote error: id=%d code=%d (%s)", e.ID, uint8(e.Code), e.Code)
}

func IsLocal(err error) bool {
	var le *LocalError
	return errors.As(err, &le)
}

func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// RemoteCode extracts the error code from err if it carries one.
func RemoteCode(err error) (ErrorCode, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}

// CodeFor maps a request validation or decode failure to the error code a
// server answers with.
func CodeFor(err error) ErrorCode {
	var re *RemoteError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &re):
		return re.Code
	case errors.Is(err, ErrUnknownOpcode):
		return CodeBadOpcode
	case errors.Is(err, ErrUnexpectedOp):
		return CodeUnexpectedOpcode
	case errors.Is(err, ErrBadVersion):
		return CodeVersionMismatch
	case errors.Is(err, ErrMissingItem),
		errors.Is(err, ErrItemLength),
		errors.Is(err, ErrDigestSize),
		errors.Is(err, ErrDuplicateTag):
		return CodeFormatError
	case errors.Is(err, ErrTruncated), errors.Is(err, ErrShortHeader):
		return CodeReadError
	default:
		return CodeInternalError
	}
}
