// Package limits provides centralized wire and message size limits for the
// netcode protocol. This ensures consistent validation across the codec,
// the channels and the connection state machines.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketSize is the largest datagram the protocol ever emits or accepts.
	// It stays below the common 1280 byte IPv6 minimum MTU after IP/UDP headers.
	MaxPacketSize = 1200

	// ProtocolIDSize is the width of the protocol id leading every packet.
	ProtocolIDSize = 8

	// PrefixSize is the single byte carrying packet kind and sequence width.
	PrefixSize = 1

	// MaxSequenceBytes is the widest variable-length sequence encoding.
	MaxSequenceBytes = 8

	// MaxHeaderSize bounds the unencrypted header of a session packet.
	MaxHeaderSize = ProtocolIDSize + PrefixSize + MaxSequenceBytes

	// AuthTagSize is the Poly1305 tag appended by every AEAD seal.
	AuthTagSize = 16

	// MaxPayloadBody is the largest plaintext a Payload packet can carry.
	MaxPayloadBody = MaxPacketSize - MaxHeaderSize - AuthTagSize

	// SliceSize is the data carried by one unreliable slice or reliable chunk.
	// It leaves room for the ack header and a frame header inside MaxPayloadBody.
	SliceSize = 1024

	// MaxMessageSize is the absolute maximum for any reassembled message.
	// This prevents memory exhaustion through forged slice counts (1MB limit).
	MaxMessageSize = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrPacketTooLarge indicates a datagram exceeds MaxPacketSize
	ErrPacketTooLarge = errors.New("packet too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePayloadBody validates a Payload packet plaintext against MaxPayloadBody.
func ValidatePayloadBody(body []byte) error {
	if len(body) > MaxPayloadBody {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(body), MaxPayloadBody)
	}
	return nil
}

// ValidateDatagram validates raw bytes received from the network before any
// parsing. All untrusted input should pass through here first.
func ValidateDatagram(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrPacketTooLarge, len(data), MaxPacketSize)
	}
	return nil
}

// SliceCount returns how many slices of SliceSize are needed for n bytes.
func SliceCount(n int) int {
	return (n + SliceSize - 1) / SliceSize
}
