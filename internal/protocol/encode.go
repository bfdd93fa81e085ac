package protocol

import (
	"io"
	"sort"

	"github.com/danmuck/keyless/internal/protocol/frame"
	"github.com/danmuck/keyless/internal/protocol/tlv"
)

// PaddedFrameLen is the total frame size padded requests are brought up to.
const PaddedFrameLen = 1024

type EncodeOptions struct {
	// Pad appends a padding item so the frame is PaddedFrameLen bytes long.
	Pad bool
}

// canonical item order; unknown tags keep their relative order at the end.
var tagRank = map[Tag]int{
	TagSKI:        0,
	TagCertDigest: 1,
	TagSNI:        2,
	TagClientIP:   3,
	TagOpcode:     4,
	TagPayload:    5,
}

func rank(t Tag) int {
	if r, ok := tagRank[t]; ok {
		return r
	}
	return len(tagRank)
}

// Marshal encodes msg as one complete frame. Padding items present in msg
// are dropped and regenerated according to opts.
//
// When padding leaves fewer bytes than an item header needs, an empty padding
// item is still appended and the frame ends up one or two bytes past
// PaddedFrameLen.
func Marshal(msg *Message, opts EncodeOptions) ([]byte, error) {
	if msg == nil {
		return nil, &LocalError{Op: "encode", Err: ErrNilMessage}
	}
	items := make([]tlv.Item, 0, len(msg.Items))
	for _, it := range msg.Items {
		if it.Tag != TagPadding {
			items = append(items, it)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return rank(items[i].Tag) < rank(items[j].Tag) })

	buf := make([]byte, frame.HeaderLen, frame.HeaderLen+tlv.EncodedLen(items)+tlv.HeaderLen)
	var err error
	for _, it := range items {
		if buf, err = tlv.AppendItem(buf, it); err != nil {
			return nil, &LocalError{Op: "encode", Err: err}
		}
	}
	if opts.Pad {
		room := PaddedFrameLen - len(buf)
		switch {
		case room < 0:
			return nil, &LocalError{Op: "encode", Err: ErrPadOverflow}
		case room >= tlv.HeaderLen:
			buf, _ = tlv.AppendItem(buf, tlv.Item{Tag: TagPadding, Value: make([]byte, room-tlv.HeaderLen)})
		case room > 0:
			buf, _ = tlv.AppendItem(buf, tlv.Item{Tag: TagPadding})
		}
	}
	payloadLen := len(buf) - frame.HeaderLen
	if payloadLen > frame.MaxPayloadLen {
		return nil, &LocalError{Op: "encode", Err: ErrPayloadTooLarge}
	}
	frame.PutHeader(buf[:frame.HeaderLen], frame.NewHeader(msg.ID, payloadLen))
	return buf, nil
}

// Encode writes msg to w as a single Write call.
func Encode(w io.Writer, msg *Message, opts EncodeOptions) error {
	b, err := Marshal(msg, opts)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
