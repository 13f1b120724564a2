// Package crypto implements the authentication substrate of the netcode protocol.
//
// This package provides everything a client and a server need to agree that a
// session is legitimate and to protect each packet of that session: Connect
// Tokens minted by a trusted issuer, Challenge Tokens proving return
// routability, and per-packet authenticated encryption keyed by the session.
//
// # Connect Tokens
//
// A trusted issuer (see the issuer package) mints a [ConnectToken] for one
// client. The private part is sealed with XChaCha20-Poly1305 under a key shared
// only between issuer and game servers, so clients can present but never read
// or forge it:
//
//	token, err := crypto.IssueConnectToken(crypto.TokenParams{
//	    ProtocolID:      0x1122334455667788,
//	    ClientID:        42,
//	    ServerAddresses: []netip.AddrPort{serverAddr},
//	    ExpireSeconds:   30,
//	    TimeoutSeconds:  5,
//	}, privateKey, time.Now())
//
// Servers validate tokens through an [Authenticator], which rejects expired,
// forged, foreign and replayed tokens. Every token carries a single-use nonce
// recorded in a [TokenNonceStore]; a second validation of the same token fails
// with [ErrTokenAlreadyUsed] even though its seal is intact.
//
// # Challenge Tokens
//
// Before committing a connection slot the server answers a valid request with
// a Challenge Token sealed under a random key that never leaves the server. The
// client must echo it back from the address it claimed:
//
//	seq, sealed, err := auth.SealChallenge(clientID, userData)
//	challenge, err := auth.OpenChallenge(seq, sealed)
//
// # Packet Encryption
//
// Session packets are sealed with ChaCha20-Poly1305 through [PacketCipher]. The
// packet sequence number is the nonce, so a key must never seal two packets
// with the same sequence; the monotonic per-connection sequence guarantees it.
// Each direction of a session uses its own key, derived from the token's
// session key with [DeriveSessionKeys].
//
// # Errors
//
// Token failures are reported with sentinel errors ([ErrTokenExpired],
// [ErrTokenBadSignature], [ErrTokenAlreadyUsed], [ErrTokenMalformed],
// [ErrTokenWrongServer]) wrapped with context; compare them with errors.Is.
// Packet authentication failures return [ErrAuthentication].
//
// # Thread Safety
//
// [Authenticator] and [TokenNonceStore] belong to a single server engine and
// are not safe for concurrent use. [PacketCipher] holds no mutable state.
package crypto
