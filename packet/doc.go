// Package packet encodes and decodes the seven packet kinds of the netcode
// wire protocol.
//
// Every packet starts with the protocol id (8 bytes, little endian) and a
// prefix byte whose low nibble is the [Kind] and whose high nibble is the
// width of the sequence number that follows (0 for pre-session kinds, 1–8
// otherwise, always the minimal width):
//
//	+-------------+--------+-----------+--------------------------+
//	| protocol id | prefix | sequence  | body                     |
//	| 8 bytes     | 1 byte | 0-8 bytes | plain or AEAD-sealed     |
//	+-------------+--------+-----------+--------------------------+
//
// ConnectionRequest, ConnectionDenied and Challenge are sent before a session
// key exists and travel unencrypted; the tokens they carry are sealed on their
// own. ChallengeResponse, KeepAlive, Payload and Disconnect are sealed with
// the sender's [crypto.PacketCipher], the sequence number doubling as nonce
// and the version, protocol id and prefix bound as associated data.
//
// [Decode] is the entry point for untrusted bytes: it rejects truncated,
// oversized, non-canonical, foreign-protocol and unauthenticated input with
// an error and never panics. [Encode] is deterministic, so decoding and
// re-encoding a packet with the same key reproduces the original bytes.
package packet
