package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/channel"
	"github.com/opd-ai/netcode/crypto"
	"github.com/opd-ai/netcode/packet"
	"github.com/opd-ai/netcode/sequence"
)

// ErrReplay indicates a sequence that was already received or has left the
// replay window.
var ErrReplay = errors.New("replayed or stale packet sequence")

// Params configures a Connection.
type Params struct {
	ProtocolID uint64
	// SendKey seals outgoing packets; RecvKey opens incoming ones.
	SendKey crypto.Key
	RecvKey crypto.Key

	Channels []channel.Config
	Options  channel.Options

	// Timeout is the liveness timeout; zero or negative disables it.
	Timeout           time.Duration
	KeepAliveInterval time.Duration
}

// Connection is one authenticated session endpoint. It is not safe for
// concurrent use.
type Connection struct {
	protocolID uint64
	sealer     *crypto.PacketCipher
	opener     *crypto.PacketCipher

	nextSequence uint64
	replay       *sequence.Buffer
	mux          *channel.Multiplexer

	timeout      time.Duration
	keepAlive    time.Duration
	lastSent     time.Time
	lastReceived time.Time
}

// New creates a Connection whose clocks start at now.
func New(p Params, now time.Time) (*Connection, error) {
	mux, err := channel.New(p.Channels, p.Options)
	if err != nil {
		return nil, fmt.Errorf("create multiplexer: %w", err)
	}
	replay, err := sequence.NewBuffer(sequence.DefaultSize)
	if err != nil {
		return nil, err
	}
	return &Connection{
		protocolID:   p.ProtocolID,
		sealer:       crypto.NewPacketCipher(p.SendKey),
		opener:       crypto.NewPacketCipher(p.RecvKey),
		replay:       replay,
		mux:          mux,
		timeout:      p.Timeout,
		keepAlive:    p.KeepAliveInterval,
		lastSent:     now,
		lastReceived: now,
	}, nil
}

// Open authenticates a session packet whose header was already parsed. On
// success the sequence is recorded and the liveness clock refreshed.
func (c *Connection) Open(data []byte, h packet.Header, now time.Time) (packet.Packet, error) {
	if c.replay.IsStale(h.Sequence) || c.replay.Contains(h.Sequence) {
		return nil, fmt.Errorf("%w: %d", ErrReplay, h.Sequence)
	}
	p, err := packet.DecodeWithHeader(data, h, c.protocolID, c.opener)
	if err != nil {
		return nil, err
	}
	c.replay.Insert(h.Sequence)
	c.lastReceived = now
	return p, nil
}

// Seal encodes a session packet under the next outgoing sequence.
func (c *Connection) Seal(p packet.Packet, now time.Time) ([]byte, error) {
	seq := c.nextSequence
	data, err := packet.Encode(p, c.protocolID, seq, c.sealer)
	if err != nil {
		return nil, err
	}
	c.nextSequence++
	c.lastSent = now
	return data, nil
}

// Packets returns the sealed Payload packets the multiplexer has due.
func (c *Connection) Packets(now time.Time) [][]byte {
	payloads := c.mux.Packets(now, func() uint64 {
		seq := c.nextSequence
		c.nextSequence++
		return seq
	})

	out := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		data, err := packet.Encode(&packet.Payload{Data: p.Body}, c.protocolID, p.Sequence, c.sealer)
		if err != nil {
			// Bodies are bounded by the multiplexer, so this is a programming error.
			logrus.WithFields(logrus.Fields{
				"function": "Connection.Packets",
				"sequence": p.Sequence,
				"error":    err.Error(),
			}).Error("Failed to encode payload")
			continue
		}
		out = append(out, data)
	}
	if len(out) > 0 {
		c.lastSent = now
	}
	return out
}

// ProcessPayload hands an opened Payload to the multiplexer. An error means
// the connection must be dropped for protocol violations.
func (c *Connection) ProcessPayload(seq uint64, p *packet.Payload, now time.Time) error {
	return c.mux.ProcessPayload(seq, p.Data, now)
}

// Update expires channel reassembly state.
func (c *Connection) Update(now time.Time) {
	c.mux.Update(now)
}

// KeepAliveDue reports whether nothing was sent for a keep-alive interval.
func (c *Connection) KeepAliveDue(now time.Time) bool {
	return now.Sub(c.lastSent) >= c.keepAlive
}

// TimedOut reports whether the peer has been silent past the liveness timeout.
func (c *Connection) TimedOut(now time.Time) bool {
	return c.timeout > 0 && now.Sub(c.lastReceived) > c.timeout
}

// Send queues a message on a channel.
func (c *Connection) Send(channelID uint8, msg []byte) error {
	return c.mux.Send(channelID, msg)
}

// Receive pops the next message delivered on a channel, or nil.
func (c *Connection) Receive(channelID uint8) []byte {
	return c.mux.Receive(channelID)
}

// NetworkInfo returns the multiplexer statistics.
func (c *Connection) NetworkInfo() channel.NetworkInfo {
	return c.mux.NetworkInfo()
}

// Close wipes both session keys. A closed connection can neither seal nor
// open session packets.
func (c *Connection) Close() {
	c.sealer.Close()
	c.opener.Close()
}

// LastReceived returns when the last authenticated packet arrived.
func (c *Connection) LastReceived() time.Time {
	return c.lastReceived
}

// TimeoutFromSeconds converts a token timeout field; negative disables the
// liveness timeout.
func TimeoutFromSeconds(seconds int32) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
