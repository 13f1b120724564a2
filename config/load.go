package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/opd-ai/netcode/channel"
)

// Duration decodes TOML strings such as "250ms" or "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// tomlConfig describes the TOML configuration file.
type tomlConfig struct {
	ProtocolID            uint64   `toml:"protocol-id"`
	MaxClients            int      `toml:"max-clients"`
	HandshakeTimeout      Duration `toml:"handshake-timeout"`
	RequestResendInterval Duration `toml:"request-resend-interval"`
	ConnectionTimeout     Duration `toml:"connection-timeout"`
	KeepAliveInterval     Duration `toml:"keep-alive-interval"`
	ClientIDQuarantine    Duration `toml:"client-id-quarantine"`
	DisconnectRedundancy  int      `toml:"disconnect-redundancy"`
	MaxPacketsPerUpdate   int      `toml:"max-packets-per-update"`
	MaxProtocolViolations int      `toml:"max-protocol-violations"`

	Logging  logConf       `toml:"logging"`
	Server   serverConf    `toml:"server"`
	Client   clientConf    `toml:"client"`
	Channels []channelConf `toml:"channel"`
}

// logConf describes the logging block.
type logConf struct {
	Level        string `toml:"level"`
	Format       string `toml:"format"`
	ReportCaller bool   `toml:"report-caller"`
}

// serverConf describes the server block.
type serverConf struct {
	Listen        string   `toml:"listen"`
	PublicAddress string   `toml:"public-address"`
	IssuerListen  string   `toml:"issuer-listen"`
	PrivateKey    string   `toml:"private-key"`
	NonceStore    string   `toml:"nonce-store"`
	TokenExpiry   Duration `toml:"token-expiry"`
	TickInterval  Duration `toml:"tick-interval"`
}

// clientConf describes the client block.
type clientConf struct {
	TokenURL     string   `toml:"token-url"`
	TickInterval Duration `toml:"tick-interval"`
}

// channelConf describes one [[channel]] entry.
type channelConf struct {
	ID                uint8    `toml:"id"`
	Kind              string   `toml:"kind"`
	MaxMessageSize    int      `toml:"max-message-size"`
	ResendInterval    Duration `toml:"resend-interval"`
	SendQueueLimit    int      `toml:"send-queue-limit"`
	ReassemblyTimeout Duration `toml:"reassembly-timeout"`
}

func fromConfig(c Config) tomlConfig {
	return tomlConfig{
		ProtocolID:            c.ProtocolID,
		MaxClients:            c.MaxClients,
		HandshakeTimeout:      Duration{c.HandshakeTimeout},
		RequestResendInterval: Duration{c.RequestResendInterval},
		ConnectionTimeout:     Duration{c.ConnectionTimeout},
		KeepAliveInterval:     Duration{c.KeepAliveInterval},
		ClientIDQuarantine:    Duration{c.ClientIDQuarantine},
		DisconnectRedundancy:  c.DisconnectRedundancy,
		MaxPacketsPerUpdate:   c.MaxPacketsPerUpdate,
		MaxProtocolViolations: c.MaxProtocolViolations,
		Logging:               logConf(c.Logging),
		Server: serverConf{
			Listen:        c.Server.Listen,
			PublicAddress: c.Server.PublicAddress,
			IssuerListen:  c.Server.IssuerListen,
			PrivateKey:    c.Server.PrivateKey,
			NonceStore:    c.Server.NonceStore,
			TokenExpiry:   Duration{c.Server.TokenExpiry},
			TickInterval:  Duration{c.Server.TickInterval},
		},
		Client: clientConf{
			TokenURL:     c.Client.TokenURL,
			TickInterval: Duration{c.Client.TickInterval},
		},
	}
}

func (t *tomlConfig) toConfig(md toml.MetaData, defaults Config) (Config, error) {
	c := Config{
		ProtocolID:            t.ProtocolID,
		MaxClients:            t.MaxClients,
		Channels:              defaults.Channels,
		HandshakeTimeout:      t.HandshakeTimeout.Duration,
		RequestResendInterval: t.RequestResendInterval.Duration,
		ConnectionTimeout:     t.ConnectionTimeout.Duration,
		KeepAliveInterval:     t.KeepAliveInterval.Duration,
		ClientIDQuarantine:    t.ClientIDQuarantine.Duration,
		DisconnectRedundancy:  t.DisconnectRedundancy,
		MaxPacketsPerUpdate:   t.MaxPacketsPerUpdate,
		MaxProtocolViolations: t.MaxProtocolViolations,
		Logging:               LogConfig(t.Logging),
		Server: ServerConfig{
			Listen:        t.Server.Listen,
			PublicAddress: t.Server.PublicAddress,
			IssuerListen:  t.Server.IssuerListen,
			PrivateKey:    t.Server.PrivateKey,
			NonceStore:    t.Server.NonceStore,
			TokenExpiry:   t.Server.TokenExpiry.Duration,
			TickInterval:  t.Server.TickInterval.Duration,
		},
		Client: ClientConfig{
			TokenURL:     t.Client.TokenURL,
			TickInterval: t.Client.TickInterval.Duration,
		},
	}

	// A [[channel]] list replaces the default channels entirely.
	if md.IsDefined("channel") {
		c.Channels = make([]channel.Config, 0, len(t.Channels))
		for i, ch := range t.Channels {
			kind, err := channel.ParseKind(ch.Kind)
			if err != nil {
				return c, fmt.Errorf("channel entry %d: %w", i, err)
			}
			c.Channels = append(c.Channels, channel.Config{
				ID:                ch.ID,
				Kind:              kind,
				MaxMessageSize:    ch.MaxMessageSize,
				ResendInterval:    ch.ResendInterval.Duration,
				SendQueueLimit:    ch.SendQueueLimit,
				ReassemblyTimeout: ch.ReassemblyTimeout.Duration,
			})
		}
	}
	return c, nil
}

// Load reads a TOML file on top of Default and validates the result.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	defaults := Default()
	t := fromConfig(defaults)

	md, err := toml.DecodeFile(path, &t)
	if err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	c, err := t.toConfig(md, defaults)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
