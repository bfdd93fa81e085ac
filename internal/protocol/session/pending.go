package session

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/keyless/internal/protocol"
)

// Pending is the handle for one submitted request. It resolves exactly once:
// with a response, a local timeout, cancellation, or connection failure.
type Pending struct {
	id        uint32
	op        protocol.Opcode
	submitted time.Time
	deadline  time.Time

	done   chan struct{}
	once   sync.Once
	resp   *protocol.Response
	err    error
	cancel func(*Pending)
}

func newPending(id uint32, op protocol.Opcode, now time.Time, timeout time.Duration, cancel func(*Pending)) *Pending {
	return &Pending{
		id:        id,
		op:        op,
		submitted: now,
		deadline:  now.Add(timeout),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
}

func (p *Pending) ID() uint32              { return p.id }
func (p *Pending) Opcode() protocol.Opcode { return p.op }
func (p *Pending) Submitted() time.Time    { return p.submitted }
func (p *Pending) Deadline() time.Time     { return p.deadline }
func (p *Pending) Done() <-chan struct{}   { return p.done }

// Wait blocks until the request resolves or ctx ends. Error responses are
// returned together with a *protocol.RemoteError. A ctx that ends first
// cancels the request.
func (p *Pending) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-p.done:
		return p.result()
	case <-ctx.Done():
		p.Cancel()
		<-p.done
		return p.result()
	}
}

// Cancel abandons the request locally. Nothing is sent to the peer; a late
// response for the id is discarded. Safe to call repeatedly or after
// resolution.
func (p *Pending) Cancel() {
	if p.cancel != nil {
		p.cancel(p)
	}
}

func (p *Pending) result() (*protocol.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, p.resp.Err()
}

func (p *Pending) resolve(resp *protocol.Response, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}
