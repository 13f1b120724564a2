package packet

import "errors"

var (
	// ErrTruncated indicates the input ended before the packet was complete
	ErrTruncated = errors.New("packet truncated")

	// ErrMalformed indicates a structurally invalid packet
	ErrMalformed = errors.New("packet malformed")

	// ErrProtocolMismatch indicates a packet for a different protocol id
	ErrProtocolMismatch = errors.New("protocol id mismatch")

	// ErrVersionMismatch indicates a connection request from another protocol version
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrUnknownKind indicates an unrecognized packet kind
	ErrUnknownKind = errors.New("unknown packet kind")

	// ErrNoCipher indicates a session packet without a key to open or seal it
	ErrNoCipher = errors.New("no cipher for session packet")
)
