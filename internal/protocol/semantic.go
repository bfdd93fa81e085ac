package protocol

import "fmt"

// ItemSpec declares an item an operation kind understands.
type ItemSpec struct {
	Tag      Tag
	Required bool
}

// Schema lists the items a request of a given kind carries.
type Schema struct {
	Kind  OpKind
	Items []ItemSpec
}

var optionalContext = []ItemSpec{
	{Tag: TagCertDigest},
	{Tag: TagSNI},
	{Tag: TagClientIP},
}

func keyedSchema(kind OpKind) Schema {
	items := append([]ItemSpec{
		{Tag: TagOpcode, Required: true},
		{Tag: TagSKI, Required: true},
		{Tag: TagPayload, Required: true},
	}, optionalContext...)
	return Schema{Kind: kind, Items: items}
}

var schemas = map[OpKind]Schema{
	KindRSADecrypt:  keyedSchema(KindRSADecrypt),
	KindRSASign:     keyedSchema(KindRSASign),
	KindRSAPSSSign:  keyedSchema(KindRSAPSSSign),
	KindECDSASign:   keyedSchema(KindECDSASign),
	KindEd25519Sign: keyedSchema(KindEd25519Sign),
	KindPing: {Kind: KindPing, Items: []ItemSpec{
		{Tag: TagOpcode, Required: true},
		{Tag: TagPayload},
	}},
}

// SchemaFor returns the request schema for op.
func SchemaFor(op Opcode) (Schema, bool) {
	s, ok := schemas[op.Kind()]
	return s, ok
}

// ParseRequest turns a decoded message into a Request and validates it. When
// the opcode item itself is readable the partially parsed request is returned
// alongside any validation error so callers can still attribute it.
func ParseRequest(msg *Message) (*Request, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	raw, ok := msg.Item(TagOpcode)
	if !ok {
		return nil, MissingItemError{Tag: TagOpcode}
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("%w: opcode item has %d bytes", ErrItemLength, len(raw))
	}
	req := &Request{ID: msg.ID, Opcode: Opcode(raw[0])}
	for _, it := range msg.Items {
		switch it.Tag {
		case TagSKI:
			req.SKI = it.Value
		case TagPayload:
			req.Payload = it.Value
		case TagCertDigest:
			req.CertDigest = it.Value
		case TagSNI:
			req.SNI = string(it.Value)
		case TagClientIP:
			if len(it.Value) != 4 && len(it.Value) != 16 {
				return req, fmt.Errorf("%w: client ip item has %d bytes", ErrItemLength, len(it.Value))
			}
			req.ClientIP = it.Value
		}
	}
	return req, req.Validate()
}

// Validate checks the request against its opcode schema and the digest size
// the opcode implies.
func (r *Request) Validate() error {
	switch k := r.Opcode.Kind(); k {
	case KindUnknown:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(r.Opcode))
	case KindReply:
		return fmt.Errorf("%w: %s", ErrUnexpectedOp, r.Opcode)
	}
	schema, _ := SchemaFor(r.Opcode)
	for _, spec := range schema.Items {
		if spec.Required && !r.has(spec.Tag) {
			return MissingItemError{Opcode: r.Opcode, Tag: spec.Tag}
		}
	}
	if len(r.SKI) != 0 && len(r.SKI) != SKILen {
		return fmt.Errorf("%w: ski has %d bytes", ErrItemLength, len(r.SKI))
	}
	if h := r.Opcode.Hash(); h != 0 && len(r.Payload) != h.Size() {
		return fmt.Errorf("%w: %s wants %d bytes, got %d", ErrDigestSize, r.Opcode, h.Size(), len(r.Payload))
	}
	return nil
}

func (r *Request) has(tag Tag) bool {
	switch tag {
	case TagOpcode:
		return true
	case TagSKI:
		return len(r.SKI) > 0
	case TagPayload:
		return len(r.Payload) > 0
	case TagCertDigest:
		return len(r.CertDigest) > 0
	case TagSNI:
		return r.SNI != ""
	case TagClientIP:
		return len(r.ClientIP) > 0
	}
	return false
}
