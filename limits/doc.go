// Package limits provides centralized size constants and validation functions
// for the netcode wire protocol.
//
// # Size Hierarchy
//
//   - MaxPacketSize (1200 bytes): the largest datagram sent or accepted.
//
//   - MaxPayloadBody (1167 bytes): the plaintext left for a Payload packet once
//     the protocol id, prefix, widest sequence and Poly1305 tag are accounted for.
//
//   - SliceSize (1024 bytes): the unit messages are split into by unreliable
//     slicing and reliable chunking.
//
//   - MaxMessageSize (1MB): the absolute maximum a channel may be configured to
//     reassemble. Forged slice counts beyond this are protocol violations.
//
// # Validation Functions
//
//	if err := limits.ValidateDatagram(data); err != nil {
//	    // drop the datagram
//	}
//
// For per-channel limits use the generic ValidateMessageSize function:
//
//	err := limits.ValidateMessageSize(msg, cfg.MaxMessageSize)
package limits
