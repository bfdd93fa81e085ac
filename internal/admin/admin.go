// Package admin serves the HTTP side channel of a keyless daemon: health,
// readiness, Prometheus metrics and the loaded key inventory.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/keyless/internal/auth"
	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/node"
	"github.com/danmuck/keyless/internal/observability"
)

const Version = "0.1.0"

// Config configures the admin listener. An empty Token leaves /keys open.
type Config struct {
	Addr            string
	Token           string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

// KeyLister reports loaded keys without exposing them.
type KeyLister interface {
	List() []keystore.KeyInfo
}

type Server struct {
	cfg      Config
	node     node.Node
	keys     KeyLister
	router   *gin.Engine
	appeared time.Time
}

// New builds the router. keys may be nil for nodes that hold no keys.
func New(cfg Config, n node.Node, keys KeyLister) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(n.NodeID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, node: n, keys: keys, router: r, appeared: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"node":    s.node.NodeID(),
			"kind":    s.node.Kind(),
			"version": Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		if err := s.node.Ready(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true, "status": s.node.Status()})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := s.router.Group("/")
	if strings.TrimSpace(s.cfg.Token) != "" {
		guarded.Use(auth.Middleware(auth.StaticToken{Token: s.cfg.Token}))
	}
	guarded.GET("/keys", func(c *gin.Context) {
		if s.keys == nil {
			c.JSON(http.StatusOK, gin.H{"keys": []keystore.KeyInfo{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": s.keys.List()})
	})
}

// Run serves until ctx ends and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Str("node", s.node.NodeID()).Str("addr", ln.Addr().String()).Msg("admin listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
