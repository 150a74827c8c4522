// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"

	"mellium.im/xmppd/discover"
	"mellium.im/xmppd/router"
)

// Default timing values used when the corresponding option is not set.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultSendTimeout    = 15 * time.Second
	DefaultStateTimeout   = 30 * time.Second
	DefaultIdleTimeout    = 600 * time.Second
	DefaultMaxRetryDelay  = 300 * time.Second
	DefaultMaxQueue       = 5000
)

// Config holds the effective configuration of a Registry and the sessions it
// starts. Configs are built from Options by NewRegistry and are read-only
// afterwards.
type Config struct {
	// Secret is the site-wide dialback secret.
	Secret []byte

	// UseStartTLS enables STARTTLS (and XMPP 1.0 stream negotiation) on
	// outgoing streams.
	UseStartTLS bool

	// TLSConfig returns the TLS client configuration used when securing a
	// stream originating from the given local domain. It may return nil, in
	// which case a config with only ServerName set is used. A per-domain
	// certificate override is implemented by returning different configs for
	// different domains.
	TLSConfig func(localDomain, remoteDomain string) *tls.Config

	// LocalAddr is the local address outgoing connections bind to, if any.
	LocalAddr net.Addr

	ConnectTimeout time.Duration
	SendTimeout    time.Duration

	// StateTimeout is the base negotiation deadline. Waiting for dialback
	// validation is granted six times this value; an established stream has
	// no state deadline and relies on IdleTimeout.
	StateTimeout time.Duration

	// IdleTimeout bounds the time an established stream may go without
	// sending; the watchdog restarts on every outgoing stanza.
	IdleTimeout time.Duration

	// MaxRetryDelay caps the exponential retry backoff.
	MaxRetryDelay time.Duration

	// MaxQueue caps the number of stanzas a session queues while connecting.
	MaxQueue int

	Resolver *discover.Resolver
	Router   router.Router
	Logger   *zap.Logger
}

func newConfig(opts ...Option) *Config {
	cfg := &Config{
		ConnectTimeout: DefaultConnectTimeout,
		SendTimeout:    DefaultSendTimeout,
		StateTimeout:   DefaultStateTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		MaxRetryDelay:  DefaultMaxRetryDelay,
		MaxQueue:       DefaultMaxQueue,
		Resolver:       &discover.Resolver{},
		Router:         router.Discard,
		Logger:         zap.NewNop(),
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// An Option configures a Registry.
type Option func(*Config)

// Secret sets the site-wide dialback secret.
func Secret(b []byte) Option {
	return func(cfg *Config) {
		cfg.Secret = b
	}
}

// StartTLS enables STARTTLS on outgoing streams using the provided config
// callback. The callback may be nil.
func StartTLS(f func(localDomain, remoteDomain string) *tls.Config) Option {
	return func(cfg *Config) {
		cfg.UseStartTLS = true
		cfg.TLSConfig = f
	}
}

// LocalAddr sets the local address outgoing connections bind to.
func LocalAddr(a net.Addr) Option {
	return func(cfg *Config) {
		cfg.LocalAddr = a
	}
}

// ConnectTimeout bounds each TCP connection attempt.
func ConnectTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.ConnectTimeout = d
	}
}

// SendTimeout bounds each stream write.
func SendTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.SendTimeout = d
	}
}

// StateTimeout sets the base negotiation deadline.
func StateTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.StateTimeout = d
	}
}

// IdleTimeout sets the established stream idle watchdog.
func IdleTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.IdleTimeout = d
	}
}

// MaxRetryDelay caps the exponential retry backoff.
func MaxRetryDelay(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.MaxRetryDelay = d
	}
}

// MaxQueue caps the per-session pending stanza queue.
func MaxQueue(n int) Option {
	return func(cfg *Config) {
		cfg.MaxQueue = n
	}
}

// Resolver sets the address resolver used for outgoing connections.
func Resolver(r *discover.Resolver) Option {
	return func(cfg *Config) {
		cfg.Resolver = r
	}
}

// Router sets the router used to bounce undeliverable stanzas back to their
// senders.
func Router(r router.Router) Option {
	return func(cfg *Config) {
		cfg.Router = r
	}
}

// Logger sets the logger used by the registry and its sessions.
func Logger(l *zap.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}
