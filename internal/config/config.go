// Package config holds turnperf's parsed run configuration, separated from
// flag parsing so cmd/turnperf stays a thin translation layer.
package config

import (
	"fmt"
	"time"

	"github.com/turnperf/turnperf/internal/turnerr"
)

// Proto identifies the client-server transport.
type Proto string

const (
	ProtoUDP Proto = "udp"
	ProtoTCP Proto = "tcp"
)

// Config is the fully-resolved configuration for one turnperf run.
type Config struct {
	Host string
	Port int

	Proto  Proto
	Secure bool // DTLS when Proto==ProtoUDP, TLS when Proto==ProtoTCP

	Username string
	Password string

	NumAllocations int
	Bitrate        uint
	PacketSize     uint

	TurnIndications bool // use Send/Data indications + permissions, not channels

	PollMethod string // accepted for CLI compatibility only, see SPEC_FULL.md §6.3

	MetricsAddr string // empty disables the metrics HTTP server

	Lifetime time.Duration
}

// Default returns a Config matching turnperf's documented CLI defaults.
func Default() Config {
	return Config{
		Port:           3478,
		Proto:          ProtoUDP,
		Username:       "demo",
		Password:       "secret",
		NumAllocations: 100,
		Bitrate:        64000,
		PacketSize:     160,
		Lifetime:       600 * time.Second,
	}
}

// Validate checks invariants Default() alone cannot guarantee once flags
// have been applied on top of it.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required: %w", turnerr.ErrInvalidArgument)
	}
	if c.NumAllocations <= 0 {
		return fmt.Errorf("config: num allocations must be positive: %w", turnerr.ErrInvalidArgument)
	}
	if c.Bitrate == 0 {
		return fmt.Errorf("config: bitrate must be positive: %w", turnerr.ErrInvalidArgument)
	}
	if c.PacketSize == 0 {
		return fmt.Errorf("config: packet size must be positive: %w", turnerr.ErrInvalidArgument)
	}
	if c.Proto != ProtoUDP && c.Proto != ProtoTCP {
		return fmt.Errorf("config: proto %q is not udp or tcp: %w", c.Proto, turnerr.ErrInvalidArgument)
	}
	return nil
}

// ServerAddr returns the "host:port" string to dial, applying the
// TURN-over-TLS/DTLS default port (5349) when Port was left at the plain
// default (3478) but Secure is set.
func (c Config) ServerAddr() string {
	port := c.Port
	if c.Secure && port == 3478 {
		port = 5349
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}
