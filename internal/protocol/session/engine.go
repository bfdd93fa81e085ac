package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/frame"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// engine is the connection state shared by Simplex and Multiplex: the
// correlation table, the capacity semaphore, one read loop and one sweep loop.
// strict engines treat a response timeout as fatal to the connection.
type engine struct {
	cfg    Config
	conn   io.ReadWriteCloser
	opts   options
	limits frame.Limits
	strict bool

	writeMu sync.Mutex

	mu    sync.Mutex
	tbl   *table
	cause error

	slots     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newEngine(conn io.ReadWriteCloser, cfg Config, capacity int, strict bool, opts []Option) *engine {
	e := &engine{
		cfg:    cfg,
		conn:   conn,
		opts:   buildOptions(opts),
		limits: frame.Limits{MaxPayloadBytes: cfg.MaxPayload},
		strict: strict,
		tbl:    newTable(),
		slots:  make(chan struct{}, capacity),
		closed: make(chan struct{}),
	}
	e.wg.Add(2)
	go e.readLoop()
	go e.sweepLoop()
	return e
}

func (e *engine) submit(ctx context.Context, req *protocol.Request, block bool) (*Pending, error) {
	if req == nil {
		return nil, &protocol.LocalError{Op: "submit", Err: ErrNilRequest}
	}
	buf, err := protocol.Marshal(req.Message(), protocol.EncodeOptions{Pad: e.cfg.PadFrames})
	if err != nil {
		return nil, err
	}
	if err := e.acquire(ctx, block); err != nil {
		return nil, err
	}

	e.mu.Lock()
	select {
	case <-e.closed:
		err := e.closedErrLocked()
		e.mu.Unlock()
		e.release()
		return nil, err
	default:
	}
	id, ok := e.tbl.allocate()
	if !ok {
		e.mu.Unlock()
		e.release()
		return nil, &protocol.LocalError{Op: "submit", Err: ErrIDsExhausted}
	}
	p := newPending(id, req.Opcode, time.Now(), e.cfg.ResponseTimeout, e.cancel)
	e.tbl.insert(p)
	e.mu.Unlock()

	frame.PutID(buf, id)
	e.opts.rec.RequestSubmitted(req.Opcode)
	if err := e.write(buf); err != nil {
		e.teardown(err)
		<-p.done
		if p.err != nil {
			return nil, p.err
		}
	}
	return p, nil
}

func (e *engine) acquire(ctx context.Context, block bool) error {
	select {
	case <-e.closed:
		return e.closedErr()
	default:
	}
	if !block {
		select {
		case e.slots <- struct{}{}:
			return nil
		default:
			return &protocol.LocalError{Op: "submit", Err: ErrBusy}
		}
	}
	timer := time.NewTimer(e.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-e.closed:
		return e.closedErr()
	case <-ctx.Done():
		return &protocol.LocalError{Op: "submit", Err: ctx.Err()}
	case <-timer.C:
		return &protocol.LocalError{Op: "submit", Err: ErrSubmitTimeout}
	}
}

func (e *engine) release() {
	select {
	case <-e.slots:
	default:
	}
}

func (e *engine) write(b []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if d, ok := e.conn.(writeDeadliner); ok && e.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	}
	_, err := e.conn.Write(b)
	return err
}

func (e *engine) cancel(p *Pending) {
	e.mu.Lock()
	live := e.tbl.remove(p)
	if live {
		e.tbl.tombstone(p.id, time.Now().Add(e.cfg.LateResponseWindow))
	}
	e.mu.Unlock()
	if !live {
		return
	}
	e.release()
	e.finish(p, nil, &protocol.LocalError{Op: "wait", Err: ErrCanceled})
}

func (e *engine) finish(p *Pending, resp *protocol.Response, err error) {
	if p.resolve(resp, err) {
		e.opts.rec.RequestResolved(p.op, Classify(resp, err), time.Since(p.submitted))
	}
}

func (e *engine) readLoop() {
	defer e.wg.Done()
	r := bufio.NewReader(e.conn)
	for {
		msg, err := protocol.ReadMessage(r, e.limits)
		if err != nil {
			e.teardown(err)
			return
		}
		resp, perr := protocol.ParseResponse(msg)

		e.mu.Lock()
		p, ok := e.tbl.take(msg.ID)
		late := !ok && e.tbl.clearTomb(msg.ID)
		e.mu.Unlock()

		switch {
		case ok:
			e.release()
			e.finish(p, resp, perr)
		case late:
			e.opts.rec.LateResponse()
			log.Debug().Str("task", e.opts.task).Uint32("id", msg.ID).Msg("late response discarded")
		default:
			e.teardown(&protocol.ProtocolError{ID: msg.ID, Reason: "response matches no request"})
			return
		}
	}
}

func (e *engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

func (e *engine) sweep(now time.Time) {
	e.mu.Lock()
	expired := e.tbl.expire(now, e.cfg.LateResponseWindow)
	e.mu.Unlock()
	for _, p := range expired {
		e.release()
		log.Debug().Str("task", e.opts.task).Uint32("id", p.id).Str("op", p.op.String()).Msg("response timeout")
		e.finish(p, nil, &protocol.LocalError{Op: "wait", Err: ErrResponseTimeout})
	}
	if e.strict && len(expired) > 0 {
		e.teardown(ErrResponseTimeout)
	}
}

// teardown closes the connection once and fails every live entry with
// ErrConnectionClosed wrapping cause.
func (e *engine) teardown(cause error) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.cause = cause
		close(e.closed)
		pending := e.tbl.drain()
		e.mu.Unlock()

		_ = e.conn.Close()
		err := &protocol.LocalError{Op: "transfer", Err: fmt.Errorf("%w: %w", ErrConnectionClosed, cause)}
		for _, p := range pending {
			e.finish(p, nil, err)
		}
		ev := log.Debug()
		if !errors.Is(cause, ErrClosed) && !errors.Is(cause, io.EOF) {
			ev = log.Warn()
		}
		ev.Str("task", e.opts.task).Err(cause).Int("failed", len(pending)).Msg("keyless session closed")
		e.opts.rec.ConnectionClosed(RoleClient, cause)
	})
}

func (e *engine) closedErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closedErrLocked()
}

func (e *engine) closedErrLocked() error {
	return &protocol.LocalError{Op: "submit", Err: fmt.Errorf("%w: %w", ErrConnectionClosed, e.cause)}
}

// Close tears the session down, failing anything still pending, and waits
// for the engine goroutines to exit.
func (e *engine) Close() error {
	e.teardown(ErrClosed)
	e.wg.Wait()
	return nil
}

// Done is closed once the session is torn down.
func (e *engine) Done() <-chan struct{} {
	return e.closed
}

// Err returns the teardown cause, or nil while the session is open.
func (e *engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cause
}

func (e *engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tbl.live)
}

func (e *engine) Snapshot() []PendingInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tbl.list()
}
