package protocol

import (
	"net"

	"github.com/danmuck/keyless/internal/protocol/tlv"
)

// Request is one keyless operation: an opcode applied to the key named by
// SKI over Payload. CertDigest, SNI and ClientIP are optional context.
type Request struct {
	ID         uint32
	Opcode     Opcode
	SKI        []byte
	Payload    []byte
	CertDigest []byte
	SNI        string
	ClientIP   net.IP
}

// Message renders r as a wire message. Items are emitted only when set.
func (r *Request) Message() *Message {
	items := []tlv.Item{{Tag: TagOpcode, Value: []byte{uint8(r.Opcode)}}}
	if len(r.CertDigest) > 0 {
		items = append(items, tlv.Item{Tag: TagCertDigest, Value: r.CertDigest})
	}
	if r.SNI != "" {
		items = append(items, tlv.Item{Tag: TagSNI, Value: []byte(r.SNI)})
	}
	if len(r.ClientIP) > 0 {
		ip := r.ClientIP
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		items = append(items, tlv.Item{Tag: TagClientIP, Value: ip})
	}
	if len(r.SKI) > 0 {
		items = append(items, tlv.Item{Tag: TagSKI, Value: r.SKI})
	}
	if len(r.Payload) > 0 {
		items = append(items, tlv.Item{Tag: TagPayload, Value: r.Payload})
	}
	return &Message{ID: r.ID, Items: items}
}

// Clone returns a deep copy of r with the given id.
func (r *Request) Clone(id uint32) *Request {
	out := &Request{
		ID:         id,
		Opcode:     r.Opcode,
		SKI:        clone(r.SKI),
		Payload:    clone(r.Payload),
		CertDigest: clone(r.CertDigest),
		SNI:        r.SNI,
	}
	if r.ClientIP != nil {
		out.ClientIP = net.IP(clone(r.ClientIP))
	}
	return out
}

type RequestBuilder struct {
	req Request
}

func NewRequestBuilder(op Opcode) *RequestBuilder {
	return &RequestBuilder{req: Request{Opcode: op}}
}

func NewPing(payload []byte) *RequestBuilder {
	return NewRequestBuilder(OpPing).WithPayload(payload)
}

func (b *RequestBuilder) WithKeyID(ski []byte) *RequestBuilder {
	b.req.SKI = clone(ski)
	return b
}

func (b *RequestBuilder) WithPayload(p []byte) *RequestBuilder {
	b.req.Payload = clone(p)
	return b
}

func (b *RequestBuilder) WithCertDigest(d []byte) *RequestBuilder {
	b.req.CertDigest = clone(d)
	return b
}

func (b *RequestBuilder) WithServerName(name string) *RequestBuilder {
	b.req.SNI = name
	return b
}

func (b *RequestBuilder) WithClientIP(ip net.IP) *RequestBuilder {
	b.req.ClientIP = ip
	return b
}

// Build validates the accumulated request. Validation failures are local
// errors; nothing is sent.
func (b *RequestBuilder) Build() (*Request, error) {
	req := b.req.Clone(0)
	if err := req.Validate(); err != nil {
		return nil, &LocalError{Op: "build", Err: err}
	}
	return req, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
