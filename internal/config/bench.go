package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/keyless/internal/bench"
	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/protocol"
)

// benchFile is the bench.toml key mapping. Keys absent from the file keep
// bench.DefaultConfig values.
type benchFile struct {
	Target      TransportConfig `toml:"target"`
	Session     SessionConfig   `toml:"session"`
	Opcode      string          `toml:"opcode"`
	CertFile    string          `toml:"cert_file"`
	SKI         string          `toml:"ski"`
	ServerName  string          `toml:"server_name"`
	Message     string          `toml:"message"`
	Concurrency int             `toml:"concurrency"`
	Requests    int             `toml:"requests"`
	Duration    Duration        `toml:"duration"`
	Rate        float64         `toml:"rate"`
	Burst       int             `toml:"burst"`
	Pool        int             `toml:"pool"`
	Timeout     Duration        `toml:"timeout"`
}

// LoadBenchConfig overlays the keys defined in path onto bench defaults and
// resolves the target key from cert_file or ski.
func LoadBenchConfig(path string) (bench.Config, error) {
	var raw benchFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return bench.Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg := bench.DefaultConfig()
	if meta.IsDefined("target") {
		cfg.Target = raw.Target.Transport()
	}
	if meta.IsDefined("session") {
		cfg.Session = raw.Session.Session()
	}
	if meta.IsDefined("opcode") {
		op, err := protocol.ParseOpcode(strings.TrimSpace(raw.Opcode))
		if err != nil {
			return bench.Config{}, err
		}
		cfg.Opcode = op
	}
	if meta.IsDefined("message") {
		cfg.Message = []byte(raw.Message)
	}
	if meta.IsDefined("cert_file") && strings.TrimSpace(raw.CertFile) != "" {
		if cfg.Key, err = bench.LoadCertificate(strings.TrimSpace(raw.CertFile)); err != nil {
			return bench.Config{}, err
		}
	}
	if meta.IsDefined("ski") && strings.TrimSpace(raw.SKI) != "" {
		if cfg.Key.SKI, err = keystore.ParseSKI(strings.TrimSpace(raw.SKI)); err != nil {
			return bench.Config{}, fmt.Errorf("bench ski invalid: %w", err)
		}
	}
	if meta.IsDefined("server_name") {
		cfg.Key.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("concurrency") {
		cfg.Concurrency = raw.Concurrency
	}
	if meta.IsDefined("requests") {
		cfg.Requests = raw.Requests
	}
	if meta.IsDefined("duration") {
		cfg.Duration = raw.Duration.Duration
	}
	if meta.IsDefined("rate") {
		cfg.Rate = raw.Rate
	}
	if meta.IsDefined("burst") {
		cfg.Burst = raw.Burst
	}
	if meta.IsDefined("pool") {
		cfg.Pool = raw.Pool
	}
	if meta.IsDefined("timeout") {
		cfg.Timeout = raw.Timeout.Duration
	}
	if err := ValidateBenchConfig(cfg); err != nil {
		return bench.Config{}, err
	}
	return cfg, nil
}

func ValidateBenchConfig(cfg bench.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Session.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("session invalid: %w", err)
	}
	return nil
}
