// Package server runs a keyless listener: it accepts connections,
// authenticates peers, and answers each connection with session.Serve.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/keyless/internal/node"
	"github.com/danmuck/keyless/internal/observability"
	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/transport"
)

var (
	ErrNotListening = errors.New("server: not listening")
	ErrNilDispatch  = errors.New("server: dispatcher required")
)

// Config describes one keyless listener.
type Config struct {
	NodeID         string
	Kind           string
	Transport      transport.Config
	Session        session.Config
	MaxConnections int
}

// DefaultConfig listens on the conventional keyless port.
func DefaultConfig() Config {
	tc := transport.DefaultConfig()
	tc.Address = ":2407"
	return Config{
		NodeID:         "keyless.local",
		Kind:           "keyserver",
		Transport:      tc,
		Session:        session.DefaultConfig(),
		MaxConnections: 1024,
	}
}

// Server answers keyless connections with a Dispatcher.
type Server struct {
	cfg Config
	d   session.Dispatcher
	rec session.Recorder

	started  time.Time
	addr     atomic.Value
	active   atomic.Int64
	accepted atomic.Uint64

	connsMu sync.Mutex
	conns   map[net.Conn]string
}

var _ node.Node = (*Server)(nil)

func New(cfg Config, d session.Dispatcher, rec session.Recorder) (*Server, error) {
	if d == nil {
		return nil, ErrNilDispatch
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = DefaultConfig().NodeID
	}
	if strings.TrimSpace(cfg.Kind) == "" {
		cfg.Kind = DefaultConfig().Kind
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = session.NopRecorder{}
	}
	return &Server{
		cfg:     cfg,
		d:       d,
		rec:     rec,
		started: time.Now(),
		conns:   make(map[net.Conn]string),
	}, nil
}

func (s *Server) NodeID() string { return s.cfg.NodeID }
func (s *Server) Kind() string   { return s.cfg.Kind }

func (s *Server) Ready() error {
	if _, ok := s.addr.Load().(string); !ok {
		return ErrNotListening
	}
	return nil
}

func (s *Server) Status() node.Status {
	addr, _ := s.addr.Load().(string)
	return node.Status{
		Started:     s.started,
		ListenAddr:  addr,
		Connections: s.active.Load(),
		Accepted:    s.accepted.Load(),
	}
}

// ListenAndServe opens the configured listener and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := transport.Listen(s.cfg.Transport)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Transport.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx ends, then closes every open connection and
// waits for their handlers. A nil return means a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	defer ln.Close()
	s.addr.Store(ln.Addr().String())
	log.Info().Str("node", s.cfg.NodeID).Str("kind", s.cfg.Kind).Str("addr", ln.Addr().String()).Msg("keyless listener up")

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConnections)
	stop := context.AfterFunc(ctx, s.closeAllConns)
	defer stop()

	var acceptErr error
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, transport.ErrListenerClosed) {
				acceptErr = err
			}
			break
		}
		s.accepted.Add(1)
		g.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}
	s.closeAllConns()
	_ = g.Wait()
	log.Info().Str("node", s.cfg.NodeID).Err(acceptErr).Msg("keyless listener down")
	return acceptErr
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	task := uuid.NewString()
	remote := conn.RemoteAddr().String()
	s.trackConn(conn, task)
	defer s.untrackConn(conn)
	defer conn.Close()

	active := s.active.Add(1)
	defer s.active.Add(-1)
	done := observability.ConnectionOpened(s.cfg.NodeID, string(session.RoleServer))
	defer done()

	peer, err := transport.Authenticate(ctx, conn, s.cfg.Transport)
	if err != nil {
		log.Warn().Str("task", task).Str("remote", remote).Err(err).Msg("transport auth failed")
		return
	}
	log.Info().Str("task", task).Str("remote", remote).Str("peer", peer.Identity).Int64("active", active).Msg("client connected")

	err = session.Serve(ctx, conn, s.d, s.cfg.Session, session.WithRecorder(s.rec), session.WithTask(task))
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("task", task).Str("remote", remote).Msg("client disconnected")
}

func (s *Server) trackConn(conn net.Conn, task string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = task
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
