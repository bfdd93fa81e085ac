// Package bench drives a keyless server with concurrent requests and
// reports outcome counts and latency percentiles.
package bench

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/transport"
)

var (
	ErrInvalidConcurrency = errors.New("bench: concurrency must be positive")
	ErrNoStopCondition    = errors.New("bench: requests or duration required")
	ErrInvalidRate        = errors.New("bench: rate must not be negative")
	ErrKeyIDRequired      = errors.New("bench: key id required for key operations")
)

type Config struct {
	Target  transport.Config
	Session session.Config

	Opcode protocol.Opcode
	Key    Key
	// Message is hashed with the opcode's digest before it is sent; ping and
	// ed25519 send it as is.
	Message []byte

	Concurrency int
	// Requests caps the total request count; zero runs until Duration.
	Requests int
	Duration time.Duration
	// Rate limits requests per second across all workers; zero is unlimited.
	Rate  float64
	Burst int
	// Pool is the number of shared connections; zero gives every worker its
	// own.
	Pool int
	// Timeout bounds each request round trip.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Target:      transport.DefaultConfig(),
		Session:     session.DefaultConfig(),
		Opcode:      protocol.OpPing,
		Message:     []byte("keyless bench"),
		Concurrency: 1,
		Requests:    1000,
		Timeout:     5 * time.Second,
	}
}

func (c Config) Validate() error {
	if err := c.Target.ValidateClient(); err != nil {
		return err
	}
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.Requests <= 0 && c.Duration <= 0 {
		return ErrNoStopCondition
	}
	if c.Rate < 0 {
		return ErrInvalidRate
	}
	if !c.Opcode.IsRequest() {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownOpcode, c.Opcode)
	}
	if c.Opcode != protocol.OpPing && len(c.Key.SKI) == 0 {
		return ErrKeyIDRequired
	}
	return nil
}

func (c Config) connections() int {
	if c.Pool <= 0 || c.Pool > c.Concurrency {
		return c.Concurrency
	}
	return c.Pool
}
