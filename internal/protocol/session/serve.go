package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/frame"
)

// Dispatcher performs one validated request and returns its response. It is
// called concurrently. The returned response id is overwritten with the
// request id.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response
}

type DispatcherFunc func(ctx context.Context, req *protocol.Request) *protocol.Response

func (f DispatcherFunc) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	return f(ctx, req)
}

type server struct {
	cfg    Config
	conn   io.ReadWriteCloser
	d      Dispatcher
	opts   options
	cancel context.CancelFunc

	sem  chan struct{}
	work sync.WaitGroup
}

// Serve answers requests on conn until the peer closes it, a frame fails to
// decode, or ctx ends. Requests are dispatched concurrently up to MaxInFlight
// and each is bounded by OpTimeout. Responses are written by a single writer
// in completion order. Requests that decode but fail validation are answered
// with an error response and the connection stays open.
func Serve(ctx context.Context, conn io.ReadWriteCloser, d Dispatcher, cfg Config, opts ...Option) error {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &server{
		cfg:    cfg,
		conn:   conn,
		d:      d,
		opts:   buildOptions(opts),
		cancel: cancel,
		sem:    make(chan struct{}, cfg.MaxInFlight),
	}

	out := make(chan *protocol.Response, cfg.QueueDepth)
	writerDone := make(chan error, 1)
	go func() { writerDone <- s.writeLoop(out) }()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	readErr := s.readLoop(ctx, out)
	s.work.Wait()
	close(out)
	writeErr := <-writerDone
	_ = conn.Close()

	var err error
	switch {
	case writeErr != nil:
		err = writeErr
	case readErr == nil, errors.Is(readErr, io.EOF), ctx.Err() != nil:
	default:
		err = readErr
	}
	cause := err
	if cause == nil {
		cause = io.EOF
	}
	s.opts.rec.ConnectionClosed(RoleServer, cause)
	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("task", s.opts.task).Msg("keyless connection finished")
	return err
}

func (s *server) readLoop(ctx context.Context, out chan<- *protocol.Response) error {
	r := bufio.NewReader(s.conn)
	limits := frame.Limits{MaxPayloadBytes: s.cfg.MaxPayload}
	for {
		msg, err := protocol.ReadMessage(r, limits)
		if err != nil {
			return err
		}
		start := time.Now()
		req, err := protocol.ParseRequest(msg)
		if err != nil {
			var op protocol.Opcode
			if req != nil {
				op = req.Opcode
			}
			code := protocol.CodeFor(err)
			log.Debug().Str("task", s.opts.task).Uint32("id", msg.ID).Err(err).Msg("rejecting request")
			s.opts.rec.RequestServed(op, code, time.Since(start))
			if !s.enqueue(ctx, out, protocol.NewErrorResponse(msg.ID, code)) {
				return ctx.Err()
			}
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.work.Add(1)
		go s.handle(ctx, req, start, out)
	}
}

func (s *server) handle(ctx context.Context, req *protocol.Request, start time.Time, out chan<- *protocol.Response) {
	defer s.work.Done()

	resp := s.dispatch(ctx, req)
	var code protocol.ErrorCode
	if resp.Outcome == protocol.OutcomeError {
		code = resp.Code
	}
	s.opts.rec.RequestServed(req.Opcode, code, time.Since(start))
	s.enqueue(ctx, out, resp)
}

// dispatch bounds the operation by OpTimeout. The in-flight slot is released
// by the dispatcher goroutine itself, so work abandoned on timeout still
// counts against MaxInFlight until it returns.
func (s *server) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	ch := make(chan *protocol.Response, 1)
	go func() {
		defer func() { <-s.sem }()
		ch <- s.d.Dispatch(opCtx, req)
	}()
	select {
	case resp := <-ch:
		if resp == nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError)
		}
		return resp.WithID(req.ID)
	case <-opCtx.Done():
		log.Warn().Str("task", s.opts.task).Uint32("id", req.ID).Str("op", req.Opcode.String()).Msg("operation timed out")
		return protocol.NewErrorResponse(req.ID, protocol.CodeCryptoFailed)
	}
}

func (s *server) enqueue(ctx context.Context, out chan<- *protocol.Response, resp *protocol.Response) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeLoop flushes whenever the queue runs empty so bursts share a syscall.
func (s *server) writeLoop(out <-chan *protocol.Response) error {
	bw := bufio.NewWriter(s.conn)
	for resp := range out {
		b, err := protocol.Marshal(resp.Message(), protocol.EncodeOptions{})
		if err != nil {
			log.Error().Str("task", s.opts.task).Uint32("id", resp.ID).Err(err).Msg("encode response")
			if b, err = protocol.Marshal(protocol.NewErrorResponse(resp.ID, protocol.CodeInternalError).Message(), protocol.EncodeOptions{}); err != nil {
				continue
			}
		}
		if d, ok := s.conn.(writeDeadliner); ok && s.cfg.WriteTimeout > 0 {
			_ = d.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if _, err := bw.Write(b); err != nil {
			return s.fail(err)
		}
		if len(out) == 0 {
			if err := bw.Flush(); err != nil {
				return s.fail(err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *server) fail(err error) error {
	s.cancel()
	_ = s.conn.Close()
	return err
}
