package protocol

import (
	"fmt"

	"github.com/danmuck/keyless/internal/protocol/tlv"
)

type Outcome uint8

const (
	OutcomeData Outcome = iota + 1
	OutcomePong
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeData:
		return "data"
	case OutcomePong:
		return "pong"
	case OutcomeError:
		return "error"
	default:
		return "invalid"
	}
}

// Response is the server's answer to the request carrying the same id.
// Code is only meaningful for OutcomeError.
type Response struct {
	ID      uint32
	Outcome Outcome
	Payload []byte
	Code    ErrorCode
}

func NewDataResponse(id uint32, payload []byte) *Response {
	return &Response{ID: id, Outcome: OutcomeData, Payload: payload}
}

func NewPongResponse(id uint32, payload []byte) *Response {
	return &Response{ID: id, Outcome: OutcomePong, Payload: payload}
}

func NewErrorResponse(id uint32, code ErrorCode) *Response {
	return &Response{ID: id, Outcome: OutcomeError, Code: code}
}

func (r *Response) Opcode() Opcode {
	switch r.Outcome {
	case OutcomePong:
		return OpPong
	case OutcomeError:
		return OpError
	default:
		return OpResponse
	}
}

func (r *Response) Message() *Message {
	items := []tlv.Item{{Tag: TagOpcode, Value: []byte{uint8(r.Opcode())}}}
	switch {
	case r.Outcome == OutcomeError:
		items = append(items, tlv.Item{Tag: TagPayload, Value: []byte{uint8(r.Code)}})
	case len(r.Payload) > 0:
		items = append(items, tlv.Item{Tag: TagPayload, Value: r.Payload})
	}
	return &Message{ID: r.ID, Items: items}
}

// Err returns a *RemoteError for error responses and nil otherwise.
func (r *Response) Err() error {
	if r == nil || r.Outcome != OutcomeError {
		return nil
	}
	return &RemoteError{ID: r.ID, Code: r.Code}
}

// WithID returns a shallow copy answering id instead.
func (r *Response) WithID(id uint32) *Response {
	out := *r
	out.ID = id
	return &out
}

func ParseResponse(msg *Message) (*Response, error) {
	if msg == nil {
		return nil, &LocalError{Op: "decode", Err: ErrNilMessage}
	}
	raw, ok := msg.Item(TagOpcode)
	if !ok || len(raw) != 1 {
		return nil, &LocalError{Op: "decode", Err: fmt.Errorf("%w: id=%d missing opcode", ErrMalformedResponse, msg.ID)}
	}
	payload, _ := msg.Item(TagPayload)
	switch op := Opcode(raw[0]); op {
	case OpResponse:
		return NewDataResponse(msg.ID, payload), nil
	case OpPong:
		return NewPongResponse(msg.ID, payload), nil
	case OpError:
		if len(payload) != 1 {
			return nil, &LocalError{Op: "decode", Err: fmt.Errorf("%w: id=%d error payload has %d bytes", ErrMalformedResponse, msg.ID, len(payload))}
		}
		return NewErrorResponse(msg.ID, ErrorCode(payload[0])), nil
	default:
		return nil, &LocalError{Op: "decode", Err: fmt.Errorf("%w: id=%d unexpected opcode %s", ErrMalformedResponse, msg.ID, op)}
	}
}
