package channel

import (
	"time"

	"github.com/opd-ai/netcode/limits"
)

// channel is one delivery discipline bound to a Config.
type channel interface {
	config() Config
	// send queues a copy of msg.
	send(msg []byte) error
	// receive pops the next deliverable message, or nil.
	receive() []byte
	// fill adds as many due frames as fit into b.
	fill(b *builder, now time.Time)
	// process handles one inbound frame addressed to this channel.
	process(f *frame, now time.Time) error
	// ack marks data referenced by an acknowledged packet as delivered.
	ack(ref messageRef)
	// update expires stale reassembly state.
	update(now time.Time)
}

func newChannel(cfg Config, index uint8) channel {
	switch cfg.Kind {
	case ReliableOrdered:
		return newReliableOrdered(cfg, index)
	case ReliableChunked:
		return newReliableChunked(cfg, index)
	default:
		return newUnreliable(cfg)
	}
}

func validateSend(cfg Config, msg []byte) error {
	return limits.ValidateMessageSize(msg, cfg.MaxMessageSize)
}
