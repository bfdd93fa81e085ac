package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Mode selects how many requests may be outstanding on one connection.
type Mode string

const (
	ModeSimplex   Mode = "simplex"
	ModeMultiplex Mode = "multiplex"
)

// SimplexPolicy decides what Submit does while a simplex session is busy.
type SimplexPolicy string

const (
	SimplexReject SimplexPolicy = "reject"
	SimplexQueue  SimplexPolicy = "queue"
)

var (
	ErrInvalidMode          = errors.New("session: invalid mode")
	ErrInvalidSimplexPolicy = errors.New("session: invalid simplex policy")
	ErrInvalidMaxInFlight   = errors.New("session: max in flight must be positive")
	ErrInvalidTimeout       = errors.New("session: response timeout must be positive")
)

// Config defines engine limits and timers for both client and server roles.
type Config struct {
	Mode               Mode
	MaxInFlight        int
	ResponseTimeout    time.Duration
	SubmitTimeout      time.Duration
	PadFrames          bool
	SweepInterval      time.Duration
	LateResponseWindow time.Duration
	WriteTimeout       time.Duration
	SimplexPolicy      SimplexPolicy
	QueueDepth         int
	OpTimeout          time.Duration
	MaxPayload         int
	Backoff            BackoffConfig
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		Mode:               ModeMultiplex,
		MaxInFlight:        128,
		ResponseTimeout:    10 * time.Second,
		SubmitTimeout:      5 * time.Second,
		PadFrames:          true,
		SweepInterval:      100 * time.Millisecond,
		LateResponseWindow: 30 * time.Second,
		WriteTimeout:       5 * time.Second,
		SimplexPolicy:      SimplexReject,
		QueueDepth:         256,
		OpTimeout:          2 * time.Second,
		MaxPayload:         0xFFFF,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig. Booleans are taken as set.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.LateResponseWindow <= 0 {
		c.LateResponseWindow = d.LateResponseWindow
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	c.SimplexPolicy = SimplexPolicy(strings.ToLower(strings.TrimSpace(string(c.SimplexPolicy))))
	if c.SimplexPolicy == "" {
		c.SimplexPolicy = d.SimplexPolicy
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	if c.MaxPayload <= 0 || c.MaxPayload > d.MaxPayload {
		c.MaxPayload = d.MaxPayload
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeSimplex, ModeMultiplex:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	switch c.SimplexPolicy {
	case SimplexReject, SimplexQueue:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSimplexPolicy, c.SimplexPolicy)
	}
	if c.MaxInFlight <= 0 {
		return ErrInvalidMaxInFlight
	}
	if c.ResponseTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}
