package session

import (
	"errors"
	"time"

	"github.com/danmuck/keyless/internal/protocol"
)

// Result classifies how a client request resolved.
type Result string

const (
	ResultOK          Result = "ok"
	ResultRemoteError Result = "remote_error"
	ResultTimeout     Result = "timeout"
	ResultCanceled    Result = "canceled"
	ResultClosed      Result = "closed"
	ResultMalformed   Result = "malformed"
)

type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Recorder receives engine counters and timings. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RequestSubmitted(op protocol.Opcode)
	RequestResolved(op protocol.Opcode, result Result, elapsed time.Duration)
	LateResponse()
	RequestServed(op protocol.Opcode, code protocol.ErrorCode, elapsed time.Duration)
	ConnectionClosed(role Role, cause error)
}

type NopRecorder struct{}

func (NopRecorder) RequestSubmitted(protocol.Opcode)                                 {}
func (NopRecorder) RequestResolved(protocol.Opcode, Result, time.Duration)           {}
func (NopRecorder) LateResponse()                                                    {}
func (NopRecorder) RequestServed(protocol.Opcode, protocol.ErrorCode, time.Duration) {}
func (NopRecorder) ConnectionClosed(Role, error)                                     {}

// Classify maps a resolved outcome to its Result.
func Classify(resp *protocol.Response, err error) Result {
	switch {
	case err == nil && resp != nil && resp.Outcome == protocol.OutcomeError:
		return ResultRemoteError
	case err == nil:
		return ResultOK
	case protocol.IsRemote(err):
		return ResultRemoteError
	case errors.Is(err, ErrResponseTimeout):
		return ResultTimeout
	case errors.Is(err, ErrCanceled):
		return ResultCanceled
	case errors.Is(err, ErrConnectionClosed):
		return ResultClosed
	default:
		return ResultMalformed
	}
}

// Option configures an engine or server loop.
type Option func(*options)

type options struct {
	rec  Recorder
	task string
}

func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.rec = r
		}
	}
}

// WithTask tags log lines with a connection task id.
func WithTask(id string) Option {
	return func(o *options) { o.task = id }
}

func buildOptions(opts []Option) options {
	o := options{rec: NopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
