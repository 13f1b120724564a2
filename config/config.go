// Package config holds the tunables shared by the netcode client, server and
// daemons, with TOML loading and logging setup.
package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/channel"
	"github.com/opd-ai/netcode/crypto"
)

const (
	// MaxClientsLimit is the largest server capacity accepted.
	MaxClientsLimit = 4096

	// MaxDisconnectRedundancy bounds the copies of a Disconnect packet.
	MaxDisconnectRedundancy = 32

	// DefaultProtocolID identifies this protocol when nothing else is configured.
	DefaultProtocolID uint64 = 0x6e6574676f000001
)

// Config contains every tunable of a connection endpoint.
type Config struct {
	ProtocolID uint64
	MaxClients int
	Channels   []channel.Config

	// HandshakeTimeout bounds each attempt at one server address, and how
	// long a server keeps an unanswered challenge.
	HandshakeTimeout time.Duration
	// RequestResendInterval paces ConnectionRequest and ChallengeResponse retries.
	RequestResendInterval time.Duration
	// ConnectionTimeout is the liveness timeout written into issued tokens.
	ConnectionTimeout time.Duration
	// KeepAliveInterval is the longest a connected peer stays silent.
	KeepAliveInterval time.Duration
	// ClientIDQuarantine refuses a client id for this long after it disconnects.
	ClientIDQuarantine    time.Duration
	DisconnectRedundancy  int
	MaxPacketsPerUpdate   int
	MaxProtocolViolations int

	Logging LogConfig
	Server  ServerConfig
	Client  ClientConfig
}

// LogConfig selects the logrus level, formatter and caller reporting.
type LogConfig struct {
	Level        string
	Format       string
	ReportCaller bool
}

// ServerConfig configures the netcoded daemon.
type ServerConfig struct {
	Listen        string
	PublicAddress string
	IssuerListen  string
	PrivateKey    string
	NonceStore    string
	TokenExpiry   time.Duration
	TickInterval  time.Duration
}

// ClientConfig configures the netcode-client command.
type ClientConfig struct {
	TokenURL     string
	TickInterval time.Duration
}

// Default returns a configuration that works out of the box on localhost.
func Default() Config {
	return Config{
		ProtocolID:            DefaultProtocolID,
		MaxClients:            64,
		Channels:              channel.DefaultConfigs(),
		HandshakeTimeout:      5 * time.Second,
		RequestResendInterval: 100 * time.Millisecond,
		ConnectionTimeout:     10 * time.Second,
		KeepAliveInterval:     100 * time.Millisecond,
		ClientIDQuarantine:    10 * time.Second,
		DisconnectRedundancy:  10,
		MaxPacketsPerUpdate:   channel.DefaultMaxPacketsPerUpdate,
		MaxProtocolViolations: channel.DefaultMaxProtocolViolations,
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen:        "0.0.0.0:40000",
			PublicAddress: "127.0.0.1:40000",
			IssuerListen:  "127.0.0.1:40080",
			TokenExpiry:   30 * time.Second,
			TickInterval:  10 * time.Millisecond,
		},
		Client: ClientConfig{
			TokenURL:     "http://127.0.0.1:40080/token",
			TickInterval: 10 * time.Millisecond,
		},
	}
}

// MultiplexerOptions returns the channel multiplexer tuning for this config.
func (c *Config) MultiplexerOptions() channel.Options {
	return channel.Options{
		MaxPacketsPerUpdate:   c.MaxPacketsPerUpdate,
		MaxProtocolViolations: c.MaxProtocolViolations,
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.MaxClients <= 0 || c.MaxClients > MaxClientsLimit {
		add("max-clients %d outside 1..%d", c.MaxClients, MaxClientsLimit)
	}
	if err := channel.ValidateConfigs(c.Channels); err != nil {
		errs = multierror.Append(errs, err)
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"handshake-timeout", c.HandshakeTimeout},
		{"request-resend-interval", c.RequestResendInterval},
		{"connection-timeout", c.ConnectionTimeout},
		{"keep-alive-interval", c.KeepAliveInterval},
		{"server.tick-interval", c.Server.TickInterval},
		{"client.tick-interval", c.Client.TickInterval},
	} {
		if d.value <= 0 {
			add("%s must be positive", d.name)
		}
	}
	if c.ConnectionTimeout > 0 && c.KeepAliveInterval >= c.ConnectionTimeout {
		add("keep-alive-interval %s must be shorter than connection-timeout %s", c.KeepAliveInterval, c.ConnectionTimeout)
	}
	if c.HandshakeTimeout > 0 && c.RequestResendInterval >= c.HandshakeTimeout {
		add("request-resend-interval %s must be shorter than handshake-timeout %s", c.RequestResendInterval, c.HandshakeTimeout)
	}
	if c.ConnectionTimeout%time.Second != 0 {
		add("connection-timeout %s must be whole seconds", c.ConnectionTimeout)
	}
	if c.ClientIDQuarantine < 0 {
		add("client-id-quarantine must not be negative")
	}
	if c.DisconnectRedundancy <= 0 || c.DisconnectRedundancy > MaxDisconnectRedundancy {
		add("disconnect-redundancy %d outside 1..%d", c.DisconnectRedundancy, MaxDisconnectRedundancy)
	}
	if c.MaxPacketsPerUpdate <= 0 {
		add("max-packets-per-update must be positive")
	}
	if c.MaxProtocolViolations <= 0 {
		add("max-protocol-violations must be positive")
	}

	if c.Logging.Level != "" {
		if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
			add("logging.level: %v", err)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format %q is neither text nor json", c.Logging.Format)
	}

	if c.Server.PrivateKey != "" {
		if _, err := c.PrivateKey(); err != nil {
			add("server.private-key: %v", err)
		}
	}
	if c.Server.PublicAddress != "" {
		if _, err := netip.ParseAddrPort(c.Server.PublicAddress); err != nil {
			add("server.public-address: %v", err)
		}
	}
	if c.Server.TokenExpiry < 0 {
		add("server.token-expiry must not be negative")
	}

	return errs
}

// PrivateKey decodes the hex server key shared with the token issuer.
func (c *Config) PrivateKey() (crypto.Key, error) {
	var key crypto.Key
	raw, err := hex.DecodeString(strings.TrimSpace(c.Server.PrivateKey))
	if err != nil {
		return key, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != crypto.KeySize {
		return key, fmt.Errorf("private key is %d bytes, want %d", len(raw), crypto.KeySize)
	}
	copy(key[:], raw)
	crypto.ZeroBytes(raw)
	return key, nil
}

// ConnectionTimeoutSeconds is the timeout field of issued connect tokens.
func (c *Config) ConnectionTimeoutSeconds() int32 {
	return int32(c.ConnectionTimeout / time.Second)
}
