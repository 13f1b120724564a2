package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/opd-ai/netcode/limits"
)

// Kind is the delivery discipline of a channel.
type Kind uint8

const (
	Unreliable Kind = iota
	ReliableOrdered
	ReliableChunked
)

func (k Kind) String() string {
	switch k {
	case Unreliable:
		return "unreliable"
	case ReliableOrdered:
		return "reliable-ordered"
	case ReliableChunked:
		return "reliable-chunked"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind converts the names used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unreliable":
		return Unreliable, nil
	case "reliable-ordered", "reliable_ordered", "ordered":
		return ReliableOrdered, nil
	case "reliable-chunked", "reliable_chunked", "chunked":
		return ReliableChunked, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, s)
}

// MaxUnslicedMessageSize is the largest message that travels in one frame,
// and therefore the limit for ReliableOrdered channels.
const MaxUnslicedMessageSize = limits.MaxPayloadBody - maxAckHeaderSize - maxFrameHeaderSize

// MaxSendQueueLimit bounds per-channel queues and reliable windows.
const MaxSendQueueLimit = 1 << 15

// Config describes one channel. Both peers must use identical configurations.
type Config struct {
	ID             uint8
	Kind           Kind
	MaxMessageSize int
	// ResendInterval is how long reliable data waits for an ack before resending.
	ResendInterval time.Duration
	// SendQueueLimit bounds queued unreliable messages in each direction,
	// unacknowledged ordered messages (rounded up to a power of two) and
	// queued chunked messages. Reliable channels stop acknowledging new data
	// while this many received messages wait for the application.
	SendQueueLimit int
	// ReassemblyTimeout discards incomplete slice or chunk sets.
	ReassemblyTimeout time.Duration
}

// Default channel ids.
const (
	DefaultUnreliableID      uint8 = 0
	DefaultReliableOrderedID uint8 = 1
	DefaultReliableChunkedID uint8 = 2
)

// DefaultConfigs returns one channel of each kind.
func DefaultConfigs() []Config {
	return []Config{
		{
			ID:                DefaultUnreliableID,
			Kind:              Unreliable,
			MaxMessageSize:    16 * 1024,
			SendQueueLimit:    256,
			ReassemblyTimeout: 3 * time.Second,
		},
		{
			ID:             DefaultReliableOrderedID,
			Kind:           ReliableOrdered,
			MaxMessageSize: MaxUnslicedMessageSize,
			ResendInterval: 100 * time.Millisecond,
			SendQueueLimit: 256,
		},
		{
			ID:                DefaultReliableChunkedID,
			Kind:              ReliableChunked,
			MaxMessageSize:    256 * 1024,
			ResendInterval:    300 * time.Millisecond,
			SendQueueLimit:    16,
			ReassemblyTimeout: 10 * time.Second,
		},
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf("channel %d: %w: "+format, append([]interface{}{c.ID, ErrInvalidConfig}, args...)...))
	}

	if c.Kind > ReliableChunked {
		add("unknown kind %d", c.Kind)
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > limits.MaxMessageSize {
		add("max message size %d outside 1..%d", c.MaxMessageSize, limits.MaxMessageSize)
	}
	if c.Kind == ReliableOrdered && c.MaxMessageSize > MaxUnslicedMessageSize {
		add("reliable-ordered max message size %d exceeds %d, use a reliable-chunked channel", c.MaxMessageSize, MaxUnslicedMessageSize)
	}
	if c.Kind != Unreliable && c.ResendInterval <= 0 {
		add("resend interval must be positive")
	}
	if c.Kind != ReliableOrdered && c.ReassemblyTimeout <= 0 {
		add("reassembly timeout must be positive")
	}
	if c.SendQueueLimit <= 0 || c.SendQueueLimit > MaxSendQueueLimit {
		add("send queue limit %d outside 1..%d", c.SendQueueLimit, MaxSendQueueLimit)
	}
	return errs
}

// ValidateConfigs checks a full channel list, including id uniqueness.
func ValidateConfigs(configs []Config) error {
	var errs error
	if len(configs) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("%w: no channels configured", ErrInvalidConfig))
	}

	seen := make(map[uint8]bool, len(configs))
	for _, c := range configs {
		if seen[c.ID] {
			errs = multierror.Append(errs, fmt.Errorf("%w: duplicate channel id %d", ErrInvalidConfig, c.ID))
		}
		seen[c.ID] = true
		if err := c.Validate(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// window returns the power-of-two window used by reliable bookkeeping.
func (c Config) window() int {
	w := 1
	for w < c.SendQueueLimit {
		w <<= 1
	}
	return w
}
