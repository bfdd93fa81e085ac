// Package proxy brokers keyless requests from front-end connections to one
// upstream keyless server.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/transport"
)

var (
	ErrUpstreamAddressRequired = errors.New("proxy: upstream address required")
	ErrUpstreamClosed          = errors.New("proxy: upstream closed")
)

// UpstreamConfig describes the connection to the keyless server behind the
// proxy.
type UpstreamConfig struct {
	Transport          transport.Config
	Session            session.Config
	MaxConnectAttempts int
	PingInterval       time.Duration
}

func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		Transport:    transport.DefaultConfig(),
		Session:      session.DefaultConfig(),
		PingInterval: 10 * time.Second,
	}
}

// DialFunc opens a raw connection to the upstream.
type DialFunc func(ctx context.Context, cfg transport.Config) (net.Conn, error)

// Upstream owns at most one live transfer to the upstream server and
// replaces it with backoff when it fails. A replaced transfer has already
// failed every request that was pending on it.
type Upstream struct {
	cfg  UpstreamConfig
	dial DialFunc
	opts []session.Option
	rng  *rand.Rand

	// lock serializes connects; it is a one-slot semaphore so waiters
	// honor their ctx.
	lock   chan struct{}
	closed bool

	mu       sync.Mutex
	cur      session.Transfer
	connects int
	lastErr  error
}

func NewUpstream(cfg UpstreamConfig, opts ...session.Option) (*Upstream, error) {
	if strings.TrimSpace(cfg.Transport.Address) == "" {
		return nil, ErrUpstreamAddressRequired
	}
	if err := cfg.Transport.ValidateClient(); err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	return &Upstream{
		cfg:  cfg,
		dial: transport.Dial,
		opts: opts,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		lock: make(chan struct{}, 1),
	}, nil
}

// WithDialer swaps the connection factory. Intended for tests and in-memory
// wiring.
func (u *Upstream) WithDialer(d DialFunc) *Upstream {
	u.dial = d
	return u
}

// Transfer returns the live upstream transfer, connecting first if there is
// none or the previous one has torn down.
func (u *Upstream) Transfer(ctx context.Context) (session.Transfer, error) {
	select {
	case u.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-u.lock }()

	if u.closed {
		return nil, ErrUpstreamClosed
	}
	if cur := u.current(); cur != nil {
		select {
		case <-cur.Done():
			log.Warn().Err(cur.Err()).Str("upstream", u.cfg.Transport.Address).Msg("upstream transfer lost")
			u.swap(nil)
		default:
			return cur, nil
		}
	}
	tr, err := u.connect(ctx)
	if err != nil {
		return nil, err
	}
	u.swap(tr)
	return tr, nil
}

func (u *Upstream) current() session.Transfer {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cur
}

func (u *Upstream) swap(tr session.Transfer) session.Transfer {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev := u.cur
	u.cur = tr
	return prev
}

func (u *Upstream) connect(ctx context.Context) (session.Transfer, error) {
	var attempt int
	for {
		attempt++
		conn, err := u.dial(ctx, u.cfg.Transport)
		if err == nil {
			tr, oerr := session.Open(conn, u.cfg.Session, u.opts...)
			if oerr == nil {
				u.noteConnect(nil)
				log.Info().Str("upstream", u.cfg.Transport.Address).Int("attempt", attempt).Str("mode", string(u.cfg.Session.Mode)).Msg("upstream connected")
				return tr, nil
			}
			_ = conn.Close()
			err = oerr
		}
		u.noteConnect(err)
		log.Warn().Err(err).Str("upstream", u.cfg.Transport.Address).Int("attempt", attempt).Msg("upstream dial failed")
		if !u.shouldRetry(attempt) {
			return nil, fmt.Errorf("proxy: upstream %s: %w", u.cfg.Transport.Address, err)
		}
		if err := u.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (u *Upstream) shouldRetry(attempt int) bool {
	if u.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < u.cfg.MaxConnectAttempts
}

func (u *Upstream) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(u.cfg.Session.Backoff, attempt, u.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (u *Upstream) noteConnect(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastErr = err
	if err == nil {
		u.connects++
	}
}

// Connects reports how many transfers have been established.
func (u *Upstream) Connects() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connects
}

// Reset tears down the live transfer, failing its pending requests. The next
// Transfer call reconnects.
func (u *Upstream) Reset(ctx context.Context) error {
	select {
	case u.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-u.lock }()
	if prev := u.swap(nil); prev != nil {
		return prev.Close()
	}
	return nil
}

// Ready reports whether a live transfer exists.
func (u *Upstream) Ready() error {
	u.mu.Lock()
	cur, lastErr := u.cur, u.lastErr
	u.mu.Unlock()
	if cur == nil {
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("proxy: upstream %s not connected", u.cfg.Transport.Address)
	}
	select {
	case <-cur.Done():
		return cur.Err()
	default:
		return nil
	}
}

// Run keeps the upstream warm: it connects eagerly and pings on
// PingInterval, resetting the transfer when a ping fails.
func (u *Upstream) Run(ctx context.Context) error {
	interval := u.cfg.PingInterval
	if interval <= 0 {
		interval = DefaultUpstreamConfig().PingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := u.check(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("upstream", u.cfg.Transport.Address).Msg("upstream health check failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (u *Upstream) check(ctx context.Context) error {
	tr, err := u.Transfer(ctx)
	if err != nil {
		return err
	}
	return u.ping(ctx, tr)
}

// ping checks tr and retires it on failure.
func (u *Upstream) ping(ctx context.Context, tr session.Transfer) error {
	req, err := protocol.NewPing(nil).Build()
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, u.cfg.Session.ResponseTimeout)
	defer cancel()
	resp, err := session.Do(pctx, tr, req)
	if err == nil && resp.Outcome != protocol.OutcomePong {
		err = fmt.Errorf("%w: ping answered with %s", protocol.ErrUnexpectedOp, resp.Opcode())
	}
	if err != nil && !errors.Is(err, session.ErrBusy) {
		_ = u.retire(ctx, tr)
		return err
	}
	return nil
}

// retire closes tr and clears it only if it is still the live transfer, so a
// replacement dialed in the meantime survives.
func (u *Upstream) retire(ctx context.Context, tr session.Transfer) error {
	select {
	case u.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-u.lock }()
	u.mu.Lock()
	if u.cur == tr {
		u.cur = nil
	}
	u.mu.Unlock()
	return tr.Close()
}

// Close tears down the live transfer and refuses further use.
func (u *Upstream) Close() error {
	u.lock <- struct{}{}
	defer func() { <-u.lock }()
	u.closed = true
	if prev := u.swap(nil); prev != nil {
		return prev.Close()
	}
	return nil
}
