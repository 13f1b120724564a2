package channel

import "errors"

var (
	// ErrUnknownChannel indicates a channel id that is not configured
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrSendQueueFull indicates the channel cannot buffer more outgoing messages
	ErrSendQueueFull = errors.New("channel send queue full")

	// ErrProtocolViolation indicates the peer sent data no correct peer can produce
	ErrProtocolViolation = errors.New("channel protocol violation")

	// ErrInvalidConfig indicates an unusable channel configuration
	ErrInvalidConfig = errors.New("invalid channel configuration")

	// errReceiveQueueFull marks a reliable frame refused because the
	// application has not drained the channel; its packet must not be acked
	errReceiveQueueFull = errors.New("channel receive queue full")
)
