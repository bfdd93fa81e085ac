package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/transport"
)

// Duration reads TOML strings such as "250ms" or "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// TransportConfig is one dial or listen endpoint.
type TransportConfig struct {
	Network          string    `toml:"network"`
	Address          string    `toml:"address"`
	SecurityMode     string    `toml:"security_mode"`
	ConnectTimeout   Duration  `toml:"connect_timeout"`
	HandshakeTimeout Duration  `toml:"handshake_timeout"`
	KeepAlive        Duration  `toml:"keep_alive"`
	TLS              TLSConfig `toml:"tls"`
}

// SessionConfig mirrors session.Config. Unset fields take engine defaults;
// pad_frames defaults to true.
type SessionConfig struct {
	Mode               string   `toml:"mode"`
	MaxInFlight        int      `toml:"max_in_flight"`
	ResponseTimeout    Duration `toml:"response_timeout"`
	SubmitTimeout      Duration `toml:"submit_timeout"`
	PadFrames          *bool    `toml:"pad_frames"`
	SweepInterval      Duration `toml:"sweep_interval"`
	LateResponseWindow Duration `toml:"late_response_window"`
	WriteTimeout       Duration `toml:"write_timeout"`
	SimplexPolicy      string   `toml:"simplex_policy"`
	QueueDepth         int      `toml:"queue_depth"`
	OpTimeout          Duration `toml:"op_timeout"`
	MaxPayload         int      `toml:"max_payload"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token"`
	CorsOrigins []string `toml:"cors_origins"`
}

type KeysConfig struct {
	Dir        string `toml:"dir"`
	Watch      bool   `toml:"watch"`
	Passphrase string `toml:"passphrase"`
}

type KeyServerConfig struct {
	NodeID         string          `toml:"node_id"`
	MaxConnections int             `toml:"max_connections"`
	Listen         TransportConfig `toml:"listen"`
	Session        SessionConfig   `toml:"session"`
	Keys           KeysConfig      `toml:"keys"`
	Admin          AdminConfig     `toml:"admin"`
}

type UpstreamConfig struct {
	TransportConfig
	MaxConnectAttempts int           `toml:"max_connect_attempts"`
	PingInterval       Duration      `toml:"ping_interval"`
	Session            SessionConfig `toml:"session"`
}

type ProxyConfig struct {
	NodeID         string          `toml:"node_id"`
	MaxConnections int             `toml:"max_connections"`
	Listen         TransportConfig `toml:"listen"`
	Session        SessionConfig   `toml:"session"`
	Upstream       UpstreamConfig  `toml:"upstream"`
	Admin          AdminConfig     `toml:"admin"`
}

func LoadKeyServerConfig(path string) (KeyServerConfig, error) {
	var cfg KeyServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return KeyServerConfig{}, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "keyless.local"
	}
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = ":2407"
	}
	if err := ValidateKeyServerConfig(cfg); err != nil {
		return KeyServerConfig{}, err
	}
	return cfg, nil
}

func LoadProxyConfig(path string) (ProxyConfig, error) {
	var cfg ProxyConfig
	if err := loadToml(path, &cfg); err != nil {
		return ProxyConfig{}, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "proxy.local"
	}
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = ":2408"
	}
	if err := ValidateProxyConfig(cfg); err != nil {
		return ProxyConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateKeyServerConfig(cfg KeyServerConfig) error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("keyserver config missing node_id")
	}
	if err := cfg.Listen.Transport().ValidateServer(); err != nil {
		return fmt.Errorf("listen invalid: %w", err)
	}
	if err := cfg.Session.Session().Validate(); err != nil {
		return fmt.Errorf("session invalid: %w", err)
	}
	if strings.TrimSpace(cfg.Keys.Dir) == "" {
		return fmt.Errorf("keyserver config missing keys.dir")
	}
	return nil
}

func ValidateProxyConfig(cfg ProxyConfig) error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("proxy config missing node_id")
	}
	if err := cfg.Listen.Transport().ValidateServer(); err != nil {
		return fmt.Errorf("listen invalid: %w", err)
	}
	if err := cfg.Session.Session().Validate(); err != nil {
		return fmt.Errorf("session invalid: %w", err)
	}
	if err := cfg.Upstream.Transport().ValidateClient(); err != nil {
		return fmt.Errorf("upstream invalid: %w", err)
	}
	if err := cfg.Upstream.Session.Session().Validate(); err != nil {
		return fmt.Errorf("upstream session invalid: %w", err)
	}
	if cfg.Upstream.MaxConnectAttempts < 0 {
		return fmt.Errorf("upstream max_connect_attempts must not be negative")
	}
	return nil
}

// Transport converts to the transport layer config with defaults applied.
func (c TransportConfig) Transport() transport.Config {
	return transport.Config{
		Network:          transport.Network(c.Network),
		Address:          c.Address,
		SecurityMode:     transport.SecurityMode(c.SecurityMode),
		ConnectTimeout:   c.ConnectTimeout.Duration,
		HandshakeTimeout: c.HandshakeTimeout.Duration,
		KeepAlive:        c.KeepAlive.Duration,
		TLS: transport.TLSConfig{
			Enabled:            c.TLS.Enabled,
			CertFile:           c.TLS.CertFile,
			KeyFile:            c.TLS.KeyFile,
			CAFile:             c.TLS.CAFile,
			ServerName:         c.TLS.ServerName,
			Mutual:             c.TLS.Mutual,
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		},
	}.WithDefaults()
}

// Session converts to an engine config with defaults applied.
func (c SessionConfig) Session() session.Config {
	cfg := session.Config{
		Mode:               session.Mode(c.Mode),
		MaxInFlight:        c.MaxInFlight,
		ResponseTimeout:    c.ResponseTimeout.Duration,
		SubmitTimeout:      c.SubmitTimeout.Duration,
		PadFrames:          true,
		SweepInterval:      c.SweepInterval.Duration,
		LateResponseWindow: c.LateResponseWindow.Duration,
		WriteTimeout:       c.WriteTimeout.Duration,
		SimplexPolicy:      session.SimplexPolicy(c.SimplexPolicy),
		QueueDepth:         c.QueueDepth,
		OpTimeout:          c.OpTimeout.Duration,
		MaxPayload:         c.MaxPayload,
	}
	if c.PadFrames != nil {
		cfg.PadFrames = *c.PadFrames
	}
	return cfg.WithDefaults()
}
