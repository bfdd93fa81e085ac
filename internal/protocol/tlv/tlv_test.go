package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeItemsRoundTripPreservesUnknown(t *testing.T) {
	in := []Item{
		{Tag: 0x11, Value: []byte{0x07}},
		{Tag: 0x7E, Value: []byte{0xAA, 0xBB}}, // unknown tag
		{Tag: 0x12, Value: nil},
	}
	b, err := EncodeItems(in)
	if err != nil {
		t.Fatalf("encode items: %v", err)
	}
	if len(b) != EncodedLen(in) {
		t.Fatalf("encoded len mismatch: %d != %d", len(b), EncodedLen(in))
	}
	out, err := DecodeItems(b)
	if err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 items, got %d", len(out))
	}
	if out[1].Tag != 0x7E || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown item not preserved: %+v", out[1])
	}
	if len(out[2].Value) != 0 {
		t.Fatalf("empty item value: %x", out[2].Value)
	}
}

func TestItemWireLayout(t *testing.T) {
	b, err := AppendItem(nil, Item{Tag: 0x12, Value: []byte("ab")})
	if err != nil {
		t.Fatalf("append item: %v", err)
	}
	if !bytes.Equal(b, []byte{0x12, 0x00, 0x02, 'a', 'b'}) {
		t.Fatalf("layout: %x", b)
	}
}

func TestDecodeItemsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeItems([]byte{0x11, 0x00})
	if !errors.Is(err, ErrShortItemHeader) {
		t.Fatalf("expected ErrShortItemHeader, got %v", err)
	}
}

func TestDecodeItemsMalformedLengthIsDeterministic(t *testing.T) {
	// tag=payload, len=5, value only 2 bytes
	_, err := DecodeItems([]byte{0x12, 0x00, 0x05, 'a', 'b'})
	if !errors.Is(err, ErrShortItemValue) {
		t.Fatalf("expected ErrShortItemValue, got %v", err)
	}
}

func TestDecodeItemsRejectsDuplicateTags(t *testing.T) {
	b := []byte{
		0x11, 0x00, 0x01, 0x01,
		0x11, 0x00, 0x01, 0x02,
	}
	if _, err := DecodeItems(b); !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("expected ErrDuplicateTag, got %v", err)
	}

	unknown := []byte{
		0x7E, 0x00, 0x00,
		0x7E, 0x00, 0x00,
	}
	if _, err := DecodeItems(unknown); !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("expected ErrDuplicateTag for unknown tag, got %v", err)
	}
}

func TestAppendItemRejectsOversizedValue(t *testing.T) {
	_, err := AppendItem(nil, Item{Tag: 0x12, Value: make([]byte, MaxValueLen+1)})
	if !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestGetItem(t *testing.T) {
	items := []Item{{Tag: 1, Value: []byte{1}}, {Tag: 4, Value: []byte{4}}}
	it, ok := GetItem(items, 4)
	if !ok || it.Value[0] != 4 {
		t.Fatalf("get item: %+v %v", it, ok)
	}
	if _, ok := GetItem(items, 9); ok {
		t.Fatalf("unexpected item for tag 9")
	}
}
