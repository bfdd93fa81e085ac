package config

import (
	"github.com/danmuck/keyless/internal/admin"
	"github.com/danmuck/keyless/internal/keyserver"
	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/proxy"
	"github.com/danmuck/keyless/internal/server"
)

func (c AdminConfig) Admin() admin.Config {
	return admin.Config{Addr: c.Addr, Token: c.Token, CORSOrigins: c.CorsOrigins}
}

func listener(nodeID, kind string, maxConns int, t TransportConfig, s SessionConfig) server.Config {
	return server.Config{
		NodeID:         nodeID,
		Kind:           kind,
		Transport:      t.Transport(),
		Session:        s.Session(),
		MaxConnections: maxConns,
	}
}

func (c KeyServerConfig) KeyServer() keyserver.Config {
	return keyserver.Config{
		Listener: listener(c.NodeID, "keyserver", c.MaxConnections, c.Listen, c.Session),
		Keys:     keystore.Config{Dir: c.Keys.Dir, Watch: c.Keys.Watch, Passphrase: c.Keys.Passphrase},
		Admin:    c.Admin.Admin(),
	}
}

func (c ProxyConfig) Proxy() proxy.Config {
	up := proxy.DefaultUpstreamConfig()
	up.Transport = c.Upstream.Transport()
	up.Session = c.Upstream.Session.Session()
	up.MaxConnectAttempts = c.Upstream.MaxConnectAttempts
	if c.Upstream.PingInterval.Duration > 0 {
		up.PingInterval = c.Upstream.PingInterval.Duration
	}
	return proxy.Config{
		Listener: listener(c.NodeID, "proxy", c.MaxConnections, c.Listen, c.Session),
		Upstream: up,
		Admin:    c.Admin.Admin(),
	}
}
