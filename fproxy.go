// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package fproxy holds the environment-driven configuration shared by
// the proxy binaries.
package fproxy

import (
	"net"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the top-level proxy configuration, populated from the
// environment.
type Config struct {
	// Listener
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:"5683"`

	// OpsAddress serves metrics and health probes over HTTP.
	OpsAddress string `env:"OPS_ADDRESS" envDefault:":8081"`

	// Slot pool
	Slots int `env:"SLOTS" envDefault:"8"`

	// Cache
	CacheCapacity int `env:"CACHE_CAPACITY" envDefault:"32"`

	// Outgoing message buffer
	BufferSize int `env:"BUFFER_SIZE" envDefault:"2048"`

	// Listener worker pool
	Workers int `env:"WORKERS" envDefault:"16"`

	// Origin transport
	AckTimeout      time.Duration `env:"ACK_TIMEOUT" envDefault:"2s"`
	MaxRetransmit   int           `env:"MAX_RETRANSMIT" envDefault:"4"`
	ResponseTimeout time.Duration `env:"RESPONSE_TIMEOUT" envDefault:"90s"`

	// Rate limiting; a zero rate disables it
	RateLimit int64 `env:"RATE_LIMIT" envDefault:"0"`
	RateBurst int64 `env:"RATE_BURST" envDefault:"32"`

	// Circuit breaker
	BreakerEnabled      bool          `env:"BREAKER_ENABLED" envDefault:"true"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// NewConfig parses the environment into a Config.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Address returns the listener address in host:port form.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}
