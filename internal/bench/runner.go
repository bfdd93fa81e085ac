package bench

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/transport"
)

var ErrSimplexShared = errors.New("bench: simplex connections cannot be shared between workers")

// DialFunc opens one connection to the target.
type DialFunc func(ctx context.Context, cfg transport.Config) (net.Conn, error)

type Runner struct {
	cfg  Config
	dial DialFunc
	opts []session.Option
}

func NewRunner(cfg Config, opts ...session.Option) (*Runner, error) {
	cfg.Target = cfg.Target.WithDefaults()
	if cfg.Timeout > 0 {
		cfg.Session.ResponseTimeout = cfg.Timeout
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Session.Mode == session.ModeSimplex && cfg.connections() < cfg.Concurrency {
		return nil, ErrSimplexShared
	}
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, dial: transport.Dial, opts: opts}, nil
}

func (r *Runner) WithDialer(d DialFunc) *Runner {
	r.dial = d
	return r
}

// Run opens the connection pool, drives it until the request count or the
// duration is reached, and returns the aggregated report. A connection that
// tears down retires the workers bound to it.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	req, err := r.cfg.Request()
	if err != nil {
		return nil, err
	}
	pool, err := r.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, tr := range pool {
			_ = tr.Close()
		}
	}()

	runCtx := ctx
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}
	var limiter *rate.Limiter
	if r.cfg.Rate > 0 {
		burst := r.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(r.cfg.Rate), burst)
	}

	col := newCollector()
	var issued atomic.Int64
	start := time.Now()
	var g errgroup.Group
	for w := 0; w < r.cfg.Concurrency; w++ {
		tr := pool[w%len(pool)]
		g.Go(func() error {
			for {
				if r.cfg.Requests > 0 && issued.Add(1) > int64(r.cfg.Requests) {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(runCtx); err != nil {
						return nil
					}
				}
				if runCtx.Err() != nil {
					return nil
				}
				began := time.Now()
				resp, err := session.Do(runCtx, tr, req)
				if err != nil && runCtx.Err() != nil {
					return nil
				}
				if col.record(resp, err, time.Since(began)) == session.ResultClosed {
					log.Warn().Err(err).Int("worker", w).Msg("bench connection lost")
					return nil
				}
			}
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	rep := col.report(r.cfg.Opcode, len(pool), time.Since(start))
	log.Info().Str("opcode", rep.Opcode).Int("total", rep.Total).Int("ok", rep.OK()).Dur("elapsed", rep.Elapsed).Msg("bench finished")
	return rep, nil
}

func (r *Runner) open(ctx context.Context) ([]session.Transfer, error) {
	n := r.cfg.connections()
	pool := make([]session.Transfer, 0, n)
	for i := 0; i < n; i++ {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.Target.ConnectTimeout)
		conn, err := r.dial(dctx, r.cfg.Target)
		cancel()
		if err == nil {
			var tr session.Transfer
			if tr, err = session.Open(conn, r.cfg.Session, r.opts...); err == nil {
				pool = append(pool, tr)
				continue
			}
			_ = conn.Close()
		}
		for _, tr := range pool {
			_ = tr.Close()
		}
		return nil, fmt.Errorf("bench: connect %s (%d/%d): %w", r.cfg.Target.Address, i+1, n, err)
	}
	return pool, nil
}
