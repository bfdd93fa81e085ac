package session

import (
	"context"
	"io"

	"github.com/danmuck/keyless/internal/protocol"
)

// Transfer is the client side of one keyless connection.
type Transfer interface {
	// Submit assigns an id, writes the request and returns its handle.
	Submit(ctx context.Context, req *protocol.Request) (*Pending, error)
	Close() error
	Done() <-chan struct{}
	Err() error
	InFlight() int
	Snapshot() []PendingInfo
}

var (
	_ Transfer = (*Simplex)(nil)
	_ Transfer = (*Multiplex)(nil)
)

// Open starts the engine selected by cfg.Mode on conn. The engine owns conn
// from here on and closes it on teardown.
func Open(conn io.ReadWriteCloser, cfg Config, opts ...Option) (Transfer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeSimplex {
		return NewSimplex(conn, cfg, opts...), nil
	}
	return NewMultiplex(conn, cfg, opts...), nil
}

// Do submits req and waits for its outcome.
func Do(ctx context.Context, t Transfer, req *protocol.Request) (*protocol.Response, error) {
	p, err := t.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}
