package channel

import (
	"fmt"
	"time"

	"github.com/opd-ai/netcode/limits"
)

// reassembly collects the parts of one sliced or chunked message. Parts are
// stored as received so memory grows only with data actually delivered.
type reassembly struct {
	messageID    uint64
	count        uint32
	parts        [][]byte
	received     uint32
	size         int
	lastReceived time.Time
}

func newReassembly(messageID uint64, count uint32, now time.Time) *reassembly {
	return &reassembly{
		messageID:    messageID,
		count:        count,
		parts:        make([][]byte, count),
		lastReceived: now,
	}
}

// validatePart checks the numbering and length rules shared by slices and
// chunks: every part but the last is exactly SliceSize bytes, the last holds
// 1..SliceSize bytes, and count must fit within maxMessageSize.
func validatePart(f *frame, maxMessageSize int) error {
	maxCount := uint32(limits.SliceCount(maxMessageSize))
	if f.count == 0 || f.count > maxCount {
		return fmt.Errorf("%w: part count %d outside 1..%d", ErrProtocolViolation, f.count, maxCount)
	}
	if f.index >= f.count {
		return fmt.Errorf("%w: part index %d >= count %d", ErrProtocolViolation, f.index, f.count)
	}
	n := len(f.data)
	if f.index < f.count-1 && n != limits.SliceSize {
		return fmt.Errorf("%w: part %d has %d bytes, want %d", ErrProtocolViolation, f.index, n, limits.SliceSize)
	}
	if n == 0 || n > limits.SliceSize {
		return fmt.Errorf("%w: part %d has %d bytes", ErrProtocolViolation, f.index, n)
	}
	return nil
}

// add stores one validated part. It reports whether the message is now
// complete; duplicates are ignored.
func (r *reassembly) add(f *frame, maxMessageSize int, now time.Time) (bool, error) {
	if f.count != r.count {
		return false, fmt.Errorf("%w: message %d part count changed from %d to %d",
			ErrProtocolViolation, r.messageID, r.count, f.count)
	}
	r.lastReceived = now
	if r.parts[f.index] != nil {
		return false, nil
	}
	if r.size+len(f.data) > maxMessageSize {
		return false, fmt.Errorf("%w: message %d exceeds %d bytes", ErrProtocolViolation, r.messageID, maxMessageSize)
	}
	r.parts[f.index] = append([]byte(nil), f.data...)
	r.received++
	r.size += len(f.data)
	return r.received == r.count, nil
}

func (r *reassembly) message() []byte {
	out := make([]byte, 0, r.size)
	for _, p := range r.parts {
		out = append(out, p...)
	}
	return out
}

func (r *reassembly) expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.lastReceived) > timeout
}

// split cuts msg into SliceSize parts, the last possibly shorter.
func split(msg []byte) [][]byte {
	parts := make([][]byte, 0, limits.SliceCount(len(msg)))
	for len(msg) > limits.SliceSize {
		parts = append(parts, msg[:limits.SliceSize])
		msg = msg[limits.SliceSize:]
	}
	return append(parts, msg)
}
