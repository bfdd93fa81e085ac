package protocol

import (
	"errors"
	"io"

	"github.com/danmuck/keyless/internal/protocol/frame"
	"github.com/danmuck/keyless/internal/protocol/tlv"
)

// DefaultLimits accepts any payload the 16-bit length field can express.
func DefaultLimits() frame.Limits {
	return frame.DefaultLimits()
}

// ReadMessage reads one frame from r and splits its payload into items.
// io.EOF is returned unwrapped when the stream ends cleanly between frames.
func ReadMessage(r io.Reader, limits frame.Limits) (*Message, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &LocalError{Op: "decode", Err: err}
	}
	return fromFrame(f)
}

// Unmarshal decodes a buffer holding exactly one frame.
func Unmarshal(b []byte) (*Message, error) {
	f, err := frame.Parse(b, frame.DefaultLimits())
	if err != nil {
		return nil, &LocalError{Op: "decode", Err: err}
	}
	return fromFrame(f)
}

// fromFrame drops padding items after duplicate detection.
func fromFrame(f frame.Frame) (*Message, error) {
	items, err := tlv.DecodeItems(f.Payload)
	if err != nil {
		return nil, &LocalError{Op: "decode", Err: err}
	}
	kept := items[:0]
	for _, it := range items {
		if it.Tag != TagPadding {
			kept = append(kept, it)
		}
	}
	return &Message{ID: f.Header.ID, Items: kept}, nil
}
