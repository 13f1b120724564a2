package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netcode/limits"
	"github.com/opd-ai/netcode/sequence"
)

const (
	// DefaultMaxPacketsPerUpdate bounds the payloads produced by one Packets call.
	DefaultMaxPacketsPerUpdate = 64

	// DefaultMaxProtocolViolations is how many violations a peer may commit
	// before the multiplexer fails.
	DefaultMaxProtocolViolations = 8

	// smoothing is the weight of a new sample in the RTT and loss averages.
	smoothing = 0.1
)

// Options tunes a Multiplexer.
type Options struct {
	MaxPacketsPerUpdate   int
	MaxProtocolViolations int
}

func (o Options) withDefaults() Options {
	if o.MaxPacketsPerUpdate <= 0 {
		o.MaxPacketsPerUpdate = DefaultMaxPacketsPerUpdate
	}
	if o.MaxProtocolViolations <= 0 {
		o.MaxProtocolViolations = DefaultMaxProtocolViolations
	}
	return o
}

// NetworkInfo summarizes the health of a connection.
type NetworkInfo struct {
	RTT             time.Duration
	PacketLoss      float64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsAcked    uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// Payload is a body ready to be sealed into a Payload packet.
type Payload struct {
	Sequence uint64
	Body     []byte
}

type sentPacket struct {
	sentAt time.Time
	refs   []messageRef
	acked  bool
}

// Multiplexer owns the channels of one connection and the packet-level ack
// state they share. It is not safe for concurrent use; the owning client or
// server drives it from its update loop.
type Multiplexer struct {
	channels []channel
	byID     [256]channel
	opts     Options

	sent     *sequence.Ring[sentPacket]
	received *sequence.Buffer
	ackOwed  bool

	info       NetworkInfo
	violations int
	err        error
}

// New creates a Multiplexer for the given channel list.
func New(configs []Config, opts Options) (*Multiplexer, error) {
	if err := ValidateConfigs(configs); err != nil {
		return nil, err
	}
	sent, err := sequence.NewRing[sentPacket](sequence.DefaultSize)
	if err != nil {
		return nil, err
	}
	received, err := sequence.NewBuffer(sequence.DefaultSize)
	if err != nil {
		return nil, err
	}

	m := &Multiplexer{
		opts:     opts.withDefaults(),
		sent:     sent,
		received: received,
	}
	for i, cfg := range configs {
		ch := newChannel(cfg, uint8(i))
		m.channels = append(m.channels, ch)
		m.byID[cfg.ID] = ch
	}
	return m, nil
}

// Send queues msg on the channel with the given id.
func (m *Multiplexer) Send(channelID uint8, msg []byte) error {
	ch := m.byID[channelID]
	if ch == nil {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	return ch.send(msg)
}

// Receive returns the next delivered message on a channel, or nil.
func (m *Multiplexer) Receive(channelID uint8) []byte {
	ch := m.byID[channelID]
	if ch == nil {
		return nil
	}
	return ch.receive()
}

// Err returns the fatal error that ended this multiplexer, if any.
func (m *Multiplexer) Err() error {
	return m.err
}

// NetworkInfo returns a snapshot of the connection statistics.
func (m *Multiplexer) NetworkInfo() NetworkInfo {
	return m.info
}

// ProcessPayload consumes the decrypted body of a Payload packet. The caller
// has already rejected replayed sequences. A non-nil error means the peer
// exceeded the protocol violation limit and must be disconnected.
func (m *Multiplexer) ProcessPayload(seq uint64, body []byte, now time.Time) error {
	if m.err != nil {
		return m.err
	}
	if m.received.IsStale(seq) || m.received.Contains(seq) {
		return nil
	}
	m.info.PacketsReceived++
	m.info.BytesReceived += uint64(len(body))

	h, off, err := readAckHeader(body)
	if err != nil {
		return m.violation(err)
	}
	if h.present {
		m.processAcks(h, now)
	}

	// A refused reliable frame withholds the ack for the whole packet, so the
	// sender keeps resending everything it carried.
	refused := false
	for off < len(body) {
		f, n, err := readFrame(body[off:])
		if err != nil {
			return m.violation(err)
		}
		off += n

		ch := m.byID[f.channel]
		if ch == nil {
			if err := m.violation(fmt.Errorf("%w: frame for unknown channel %d", ErrProtocolViolation, f.channel)); err != nil {
				return err
			}
			continue
		}
		err = ch.process(&f, now)
		switch {
		case errors.Is(err, errReceiveQueueFull):
			refused = true
		case err != nil:
			if err := m.violation(err); err != nil {
				return err
			}
		case f.typ == frameReliable || f.typ == frameChunk:
			m.ackOwed = true
		}
	}

	if refused {
		logrus.WithFields(logrus.Fields{
			"function": "Multiplexer.ProcessPayload",
			"sequence": seq,
		}).Debug("Receive queue full, withholding ack")
		return nil
	}
	m.received.Insert(seq)
	return nil
}

func (m *Multiplexer) processAcks(h ackHeader, now time.Time) {
	m.ackPacket(h.ack, now)
	for i := uint64(0); i < sequence.AckBitsWidth; i++ {
		if h.bits&(1<<i) == 0 || h.ack < i+1 {
			continue
		}
		m.ackPacket(h.ack-1-i, now)
	}
}

func (m *Multiplexer) ackPacket(seq uint64, now time.Time) {
	p, ok := m.sent.Get(seq)
	if !ok || p.acked {
		return
	}
	p.acked = true
	m.sent.Insert(seq, p)

	m.info.PacketsAcked++
	m.sampleRTT(now.Sub(p.sentAt))
	if len(p.refs) > 0 {
		m.sampleLoss(0)
	}
	for _, ref := range p.refs {
		m.channels[ref.channel].ack(ref)
	}
}

func (m *Multiplexer) sampleRTT(sample time.Duration) {
	if sample < 0 {
		sample = 0
	}
	if m.info.RTT == 0 {
		m.info.RTT = sample
		return
	}
	m.info.RTT += time.Duration(float64(sample-m.info.RTT) * smoothing)
}

func (m *Multiplexer) sampleLoss(lost float64) {
	m.info.PacketLoss += (lost - m.info.PacketLoss) * smoothing
}

func (m *Multiplexer) violation(err error) error {
	m.violations++
	logrus.WithFields(logrus.Fields{
		"function":   "Multiplexer.violation",
		"violations": m.violations,
		"limit":      m.opts.MaxProtocolViolations,
		"error":      err.Error(),
	}).Warn("Peer protocol violation")

	if m.violations > m.opts.MaxProtocolViolations {
		m.err = fmt.Errorf("%w: %d violations, last: %v", ErrProtocolViolation, m.violations, err)
		return m.err
	}
	return nil
}

// Packets builds the payload bodies due at now. nextSequence is called once
// per returned body and must yield the packet sequence it will be sent with.
// When an ack is owed but nothing is queued, a single ack-only body is produced.
func (m *Multiplexer) Packets(now time.Time, nextSequence func() uint64) []Payload {
	if m.err != nil {
		return nil
	}

	var out []Payload
	for len(out) < m.opts.MaxPacketsPerUpdate {
		ack, bits, hasAck := m.received.AckBits()
		b := newBuilder(limits.MaxPayloadBody, ack, bits, hasAck)
		for _, ch := range m.channels {
			ch.fill(b, now)
		}
		if b.frames == 0 && (len(out) > 0 || !m.ackOwed) {
			break
		}
		out = append(out, m.record(b, now, nextSequence()))
	}
	if len(out) > 0 {
		m.ackOwed = false
	}
	return out
}

func (m *Multiplexer) record(b *builder, now time.Time, seq uint64) Payload {
	// Only packets carrying reliable data are guaranteed an ack, so only
	// those count towards loss when they fall out of the window unacked.
	if evicted, _, ok := m.sent.Insert(seq, sentPacket{sentAt: now, refs: b.refs}); ok && !evicted.acked && len(evicted.refs) > 0 {
		m.sampleLoss(1)
	}
	m.info.PacketsSent++
	m.info.BytesSent += uint64(len(b.buf))
	return Payload{Sequence: seq, Body: b.buf}
}

// Update expires stale reassembly state on every channel.
func (m *Multiplexer) Update(now time.Time) {
	for _, ch := range m.channels {
		ch.update(now)
	}
}
