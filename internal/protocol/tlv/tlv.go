package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the 1-byte tag plus the 2-byte big-endian value length.
const (
	HeaderLen   = 3
	MaxValueLen = 0xFFFF
)

var (
	ErrShortItemHeader = errors.New("tlv: short item header")
	ErrShortItemValue  = errors.New("tlv: short item value")
	ErrDuplicateTag    = errors.New("tlv: duplicate item tag")
	ErrValueTooLarge   = errors.New("tlv: item value too large")
)

type Item struct {
	Tag   uint8
	Value []byte
}

func (it Item) Len() int {
	return HeaderLen + len(it.Value)
}

func AppendItem(dst []byte, it Item) ([]byte, error) {
	if len(it.Value) > MaxValueLen {
		return dst, fmt.Errorf("%w: tag=0x%02x len=%d", ErrValueTooLarge, it.Tag, len(it.Value))
	}
	var hdr [HeaderLen]byte
	hdr[0] = it.Tag
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(it.Value)))
	dst = append(dst, hdr[:]...)
	return append(dst, it.Value...), nil
}

func EncodeItems(items []Item) ([]byte, error) {
	out := make([]byte, 0, EncodedLen(items))
	var err error
	for _, it := range items {
		if out, err = AppendItem(out, it); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func EncodedLen(items []Item) int {
	n := 0
	for _, it := range items {
		n += it.Len()
	}
	return n
}

// DecodeItems walks the payload and returns every item in wire order. Any
// tag seen twice makes the whole payload malformed, unknown tags included.
// Values alias the input buffer.
func DecodeItems(payload []byte) ([]Item, error) {
	var out []Item
	var seen [256]bool
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortItemHeader
		}
		tag := payload[i]
		l := int(binary.BigEndian.Uint16(payload[i+1 : i+3]))
		i += HeaderLen
		if len(payload)-i < l {
			return nil, fmt.Errorf("%w: tag=0x%02x want=%d have=%d", ErrShortItemValue, tag, l, len(payload)-i)
		}
		if seen[tag] {
			return nil, fmt.Errorf("%w: 0x%02x", ErrDuplicateTag, tag)
		}
		seen[tag] = true
		out = append(out, Item{Tag: tag, Value: payload[i : i+l]})
		i += l
	}
	return out, nil
}

func GetItem(items []Item, tag uint8) (Item, bool) {
	for _, it := range items {
		if it.Tag == tag {
			return it, true
		}
	}
	return Item{}, false
}
