package proxy

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/keyless/internal/admin"
	"github.com/danmuck/keyless/internal/backend"
	"github.com/danmuck/keyless/internal/observability"
	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/server"
)

// Config wires the downstream listener, the upstream connection and the
// optional admin endpoint.
type Config struct {
	Listener server.Config
	Upstream UpstreamConfig
	Admin    admin.Config
}

func DefaultConfig() Config {
	lc := server.DefaultConfig()
	lc.NodeID = "proxy.local"
	lc.Kind = "proxy"
	lc.Transport.Address = ":2408"
	return Config{Listener: lc, Upstream: DefaultUpstreamConfig()}
}

// Service accepts keyless connections and relays every request to the
// upstream server.
type Service struct {
	cfg   Config
	up    *Upstream
	srv   *server.Server
	admin *admin.Server
}

func NewService(cfg Config) (*Service, error) {
	rec := observability.NewRecorder(cfg.Listener.NodeID)
	up, err := NewUpstream(cfg.Upstream, session.WithRecorder(rec), session.WithTask("upstream"))
	if err != nil {
		return nil, err
	}
	srv, err := server.New(cfg.Listener, backend.NewForwardDispatcher(up), rec)
	if err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, up: up, srv: srv}
	if strings.TrimSpace(cfg.Admin.Addr) != "" {
		s.admin = admin.New(cfg.Admin, s.Node(), nil)
	}
	return s, nil
}

func (s *Service) Upstream() *Upstream { return s.up }

// Node reports the listener status with upstream health folded into Ready.
func (s *Service) Node() *Node {
	return &Node{Server: s.srv, up: s.up}
}

// Run serves until ctx ends or a component fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.up.Run(ctx) })
	g.Go(func() error { return s.srv.ListenAndServe(ctx) })
	if s.admin != nil {
		g.Go(func() error { return s.admin.Run(ctx) })
	}
	err := g.Wait()
	if cerr := s.up.Close(); cerr != nil {
		log.Debug().Err(cerr).Msg("upstream close")
	}
	return err
}

// Node is the admin view of a proxy.
type Node struct {
	*server.Server
	up *Upstream
}

func (n *Node) Ready() error {
	if err := n.Server.Ready(); err != nil {
		return err
	}
	return n.up.Ready()
}
