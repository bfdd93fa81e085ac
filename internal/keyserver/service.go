// Package keyserver runs the key-holding side of the keyless protocol: a
// key directory, a dispatcher performing key operations, the keyless
// listener and the optional admin endpoint.
package keyserver

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/keyless/internal/admin"
	"github.com/danmuck/keyless/internal/backend"
	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/observability"
	"github.com/danmuck/keyless/internal/server"
)

type Config struct {
	Listener server.Config
	Keys     keystore.Config
	Admin    admin.Config
}

func DefaultConfig() Config {
	return Config{
		Listener: server.DefaultConfig(),
		Keys:     keystore.Config{Dir: "keys", Watch: true},
	}
}

// Service owns the key store for its whole lifetime.
type Service struct {
	cfg   Config
	keys  *keystore.Store
	srv   *server.Server
	admin *admin.Server
}

// NewService loads the key directory and wires the listener. The directory
// watcher, when enabled, runs until Run returns.
func NewService(cfg Config) (*Service, error) {
	keys, err := keystore.Open(context.Background(), cfg.Keys)
	if err != nil {
		return nil, err
	}
	return newService(cfg, keys)
}

// NewServiceWithStore serves keys from an already populated store.
func NewServiceWithStore(cfg Config, keys *keystore.Store) (*Service, error) {
	return newService(cfg, keys)
}

func newService(cfg Config, keys *keystore.Store) (*Service, error) {
	rec := observability.NewRecorder(cfg.Listener.NodeID)
	srv, err := server.New(cfg.Listener, backend.NewKeyDispatcher(keys), rec)
	if err != nil {
		_ = keys.Close()
		return nil, err
	}
	s := &Service{cfg: cfg, keys: keys, srv: srv}
	if strings.TrimSpace(cfg.Admin.Addr) != "" {
		s.admin = admin.New(cfg.Admin, srv, keys)
	}
	log.Info().Int("keys", keys.Len()).Str("dir", cfg.Keys.Dir).Bool("watch", cfg.Keys.Watch).Msg("key store loaded")
	return s, nil
}

func (s *Service) Keys() *keystore.Store  { return s.keys }
func (s *Service) Server() *server.Server { return s.srv }

// Run serves until ctx ends or a component fails, then stops the key
// watcher.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.srv.ListenAndServe(ctx) })
	if s.admin != nil {
		g.Go(func() error { return s.admin.Run(ctx) })
	}
	err := g.Wait()
	if cerr := s.keys.Close(); cerr != nil {
		log.Debug().Err(cerr).Msg("key store close")
	}
	return err
}
