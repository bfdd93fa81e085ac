package session

import (
	"context"
	"io"

	"github.com/danmuck/keyless/internal/protocol"
)

// Simplex allows one outstanding request per connection. Responses must
// answer the outstanding id; anything else, a transport error, or a response
// timeout closes the connection.
type Simplex struct {
	*engine
}

func NewSimplex(conn io.ReadWriteCloser, cfg Config, opts ...Option) *Simplex {
	cfg = cfg.WithDefaults()
	cfg.Mode = ModeSimplex
	return &Simplex{engine: newEngine(conn, cfg, 1, true, opts)}
}

// Submit fails with ErrBusy while a request is outstanding, unless the
// session uses SimplexQueue, in which case it waits up to SubmitTimeout.
func (s *Simplex) Submit(ctx context.Context, req *protocol.Request) (*Pending, error) {
	return s.submit(ctx, req, s.cfg.SimplexPolicy == SimplexQueue)
}

// Awaiting reports whether a request is outstanding.
func (s *Simplex) Awaiting() bool {
	return s.InFlight() > 0
}
