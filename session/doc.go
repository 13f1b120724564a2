// Package session holds the per-connection machinery shared by the client and
// the server once a handshake has produced session keys.
//
// A Connection owns one cipher per direction, the outgoing packet sequence,
// the replay window for incoming sequences, the channel multiplexer and the
// keep-alive and liveness clocks. It never touches the network: Seal and
// Packets return encoded datagram payloads, Open consumes them.
//
// Incoming session packets are checked against the replay window before and
// after decryption. A sequence is recorded only after the packet
// authenticates, so forged or replayed packets leave the connection exactly
// as it was.
package session
