package sequence

import (
	"errors"
	"fmt"
	"math/bits"
)

// DefaultSize is the window used for packet replay protection.
const DefaultSize = 256

// AckBitsWidth is the number of sequences preceding the ack that AckBits reports.
const AckBitsWidth = 32

// ErrInvalidSize indicates a window size that is zero or not a power of two.
var ErrInvalidSize = errors.New("window size must be a non-zero power of two")

func validateSize(size int) error {
	if size <= 0 || bits.OnesCount(uint(size)) != 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	return nil
}

// Buffer tracks which of the most recent W sequence numbers have been seen.
type Buffer struct {
	words   []uint64
	size    uint64
	latest  uint64
	started bool
}

// NewBuffer creates a Buffer with a window of size sequence numbers.
func NewBuffer(size int) (*Buffer, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}
	return &Buffer{
		words: make([]uint64, (size+63)/64),
		size:  uint64(size),
	}, nil
}

// Size returns the window capacity.
func (b *Buffer) Size() int {
	return int(b.size)
}

// Latest returns the highest sequence inserted so far.
func (b *Buffer) Latest() (uint64, bool) {
	return b.latest, b.started
}

// IsStale reports whether seq has already fallen out of the window.
func (b *Buffer) IsStale(seq uint64) bool {
	return b.started && seq < b.latest && b.latest-seq >= b.size
}

// Contains reports whether seq is inside the window and marked seen.
func (b *Buffer) Contains(seq uint64) bool {
	if !b.started || seq > b.latest || b.IsStale(seq) {
		return false
	}
	return b.test(seq)
}

// Insert marks seq as seen. It returns false without modifying the buffer when
// seq is older than the window or was already inserted.
func (b *Buffer) Insert(seq uint64) bool {
	if !b.started {
		b.started = true
		b.latest = seq
		b.set(seq)
		return true
	}

	switch {
	case seq > b.latest:
		b.advance(seq)
	case b.latest-seq >= b.size:
		return false
	case b.test(seq):
		return false
	}

	b.set(seq)
	return true
}

// AckBits returns the latest sequence and a bitmask where bit i reports whether
// latest-1-i was seen.
func (b *Buffer) AckBits() (ack uint64, mask uint32, ok bool) {
	if !b.started {
		return 0, 0, false
	}
	for i := uint64(0); i < AckBitsWidth; i++ {
		if b.latest < i+1 {
			break
		}
		if b.Contains(b.latest - 1 - i) {
			mask |= 1 << i
		}
	}
	return b.latest, mask, true
}

// Reset forgets every sequence.
func (b *Buffer) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
	b.latest = 0
	b.started = false
}

// advance moves the window head to seq, clearing slots that left the window.
func (b *Buffer) advance(seq uint64) {
	if seq-b.latest >= b.size {
		for i := range b.words {
			b.words[i] = 0
		}
	} else {
		for s := b.latest + 1; s <= seq; s++ {
			b.clear(s)
		}
	}
	b.latest = seq
}

func (b *Buffer) index(seq uint64) (word uint64, bit uint64) {
	slot := seq & (b.size - 1)
	return slot / 64, slot % 64
}

func (b *Buffer) test(seq uint64) bool {
	w, bit := b.index(seq)
	return b.words[w]&(1<<bit) != 0
}

func (b *Buffer) set(seq uint64) {
	w, bit := b.index(seq)
	b.words[w] |= 1 << bit
}

func (b *Buffer) clear(seq uint64) {
	w, bit := b.index(seq)
	b.words[w] &^= 1 << bit
}
