package session

import (
	"context"
	"io"

	"github.com/danmuck/keyless/internal/protocol"
)

// Multiplex allows up to MaxInFlight outstanding requests on one connection.
// Responses may arrive in any order. A response timeout fails only its own
// request.
type Multiplex struct {
	*engine
}

func NewMultiplex(conn io.ReadWriteCloser, cfg Config, opts ...Option) *Multiplex {
	cfg = cfg.WithDefaults()
	cfg.Mode = ModeMultiplex
	return &Multiplex{engine: newEngine(conn, cfg, cfg.MaxInFlight, false, opts)}
}

// Submit waits for capacity up to SubmitTimeout or until ctx ends.
func (m *Multiplex) Submit(ctx context.Context, req *protocol.Request) (*Pending, error) {
	return m.submit(ctx, req, true)
}
