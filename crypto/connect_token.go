package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/netcode/transport"
)

const (
	// VersionInfoSize is the width of the protocol version string.
	VersionInfoSize = 8

	// TokenNonceSize is the XChaCha20 nonce carried in every connect token.
	TokenNonceSize = chacha20poly1305.NonceSizeX

	// PrivateTokenSize is the fixed size of the sealed private token.
	PrivateTokenSize = 1024

	// privateTokenPlainSize leaves room for the Poly1305 tag.
	privateTokenPlainSize = PrivateTokenSize - chacha20poly1305.Overhead

	// UserDataSize is the opaque application data carried through the handshake.
	UserDataSize = 256

	// MaxServerAddresses bounds the endpoint list of a token.
	MaxServerAddresses = 32

	addressTypeIPv4 = 1
	addressTypeIPv6 = 2
)

// VersionInfo identifies the wire protocol version.
var VersionInfo = [VersionInfoSize]byte{'N', 'E', 'T', 'G', 'O', '1', '.', '0'}

// TokenNonce is the single-use nonce of a connect token.
type TokenNonce [TokenNonceSize]byte

// UserData is opaque application data passed from issuer to server.
type UserData [UserDataSize]byte

// SealedToken is the part of a connect token a client forwards to a server.
type SealedToken struct {
	ExpireTimestamp uint64
	Nonce           TokenNonce
	Data            [PrivateTokenSize]byte
}

// PrivateConnectToken is the server-readable content of a connect token.
type PrivateConnectToken struct {
	ClientID        uint64
	TimeoutSeconds  int32
	ServerAddresses []netip.AddrPort
	SessionKey      Key
	UserData        UserData
}

// ConnectToken is the credential a client presents to connect. The sealed
// part is opaque to the client; the remaining fields tell it where to connect
// and which session key to use.
type ConnectToken struct {
	VersionInfo     [VersionInfoSize]byte
	ProtocolID      uint64
	CreateTimestamp uint64
	Sealed          SealedToken
	TimeoutSeconds  int32
	ServerAddresses []netip.AddrPort
	SessionKey      Key
}

// TokenParams describes the token an issuer should mint.
type TokenParams struct {
	ProtocolID      uint64
	ClientID        uint64
	ServerAddresses []netip.AddrPort
	ExpireSeconds   uint64
	TimeoutSeconds  int32
	UserData        []byte
}

// IssueConnectToken mints a connect token sealed under privateKey.
func IssueConnectToken(p TokenParams, privateKey Key, now time.Time) (*ConnectToken, error) {
	if len(p.ServerAddresses) == 0 {
		return nil, errors.New("at least one server address is required")
	}
	if len(p.ServerAddresses) > MaxServerAddresses {
		return nil, fmt.Errorf("too many server addresses: %d > %d", len(p.ServerAddresses), MaxServerAddresses)
	}
	if len(p.UserData) > UserDataSize {
		return nil, fmt.Errorf("user data too large: %d > %d", len(p.UserData), UserDataSize)
	}
	if p.ExpireSeconds == 0 {
		return nil, errors.New("expire seconds must be positive")
	}

	sessionKey, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	private := PrivateConnectToken{
		ClientID:        p.ClientID,
		TimeoutSeconds:  p.TimeoutSeconds,
		ServerAddresses: normalizeAddresses(p.ServerAddresses),
		SessionKey:      sessionKey,
	}
	copy(private.UserData[:], p.UserData)

	create := uint64(now.Unix())
	token := &ConnectToken{
		VersionInfo:     VersionInfo,
		ProtocolID:      p.ProtocolID,
		CreateTimestamp: create,
		TimeoutSeconds:  p.TimeoutSeconds,
		ServerAddresses: private.ServerAddresses,
		SessionKey:      sessionKey,
	}
	token.Sealed.ExpireTimestamp = create + p.ExpireSeconds

	if _, err := rand.Read(token.Sealed.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate token nonce: %w", err)
	}

	sealed, err := sealPrivateToken(&private, p.ProtocolID, token.Sealed.ExpireTimestamp, token.Sealed.Nonce, privateKey)
	if err != nil {
		return nil, err
	}
	token.Sealed.Data = sealed

	logrus.WithFields(logrus.Fields{
		"function":    "IssueConnectToken",
		"client_id":   p.ClientID,
		"servers":     len(p.ServerAddresses),
		"expire_unix": token.Sealed.ExpireTimestamp,
	}).Debug("Issued connect token")

	return token, nil
}

// tokenAssociatedData binds the sealed token to protocol and expiry.
func tokenAssociatedData(protocolID, expire uint64) []byte {
	ad := make([]byte, VersionInfoSize+16)
	copy(ad, VersionInfo[:])
	binary.LittleEndian.PutUint64(ad[VersionInfoSize:], protocolID)
	binary.LittleEndian.PutUint64(ad[VersionInfoSize+8:], expire)
	return ad
}

func sealPrivateToken(t *PrivateConnectToken, protocolID, expire uint64, nonce TokenNonce, key Key) ([PrivateTokenSize]byte, error) {
	var out [PrivateTokenSize]byte

	plain, err := t.marshal()
	if err != nil {
		return out, err
	}
	defer ZeroBytes(plain)

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return out, fmt.Errorf("failed to create token cipher: %w", err)
	}
	aead.Seal(out[:0], nonce[:], plain, tokenAssociatedData(protocolID, expire))
	return out, nil
}

func openPrivateToken(s *SealedToken, protocolID uint64, key Key) (*PrivateConnectToken, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create token cipher: %w", err)
	}
	plain, err := aead.Open(nil, s.Nonce[:], s.Data[:], tokenAssociatedData(protocolID, s.ExpireTimestamp))
	if err != nil {
		return nil, ErrTokenBadSignature
	}
	defer ZeroBytes(plain)

	var t PrivateConnectToken
	if err := t.unmarshal(plain); err != nil {
		return nil, err
	}
	return &t, nil
}

// marshal writes the fixed-size private token plaintext.
func (t *PrivateConnectToken) marshal() ([]byte, error) {
	w := writer{buf: make([]byte, 0, privateTokenPlainSize)}
	defer func() { ZeroBytes(w.buf) }()

	w.u64(t.ClientID)
	w.u32(uint32(t.TimeoutSeconds))
	if err := w.addresses(t.ServerAddresses); err != nil {
		return nil, err
	}
	w.bytes(t.SessionKey[:])
	w.bytes(t.UserData[:])

	if len(w.buf) > privateTokenPlainSize {
		return nil, fmt.Errorf("private token too large: %d bytes", len(w.buf))
	}
	out := make([]byte, privateTokenPlainSize)
	copy(out, w.buf)
	return out, nil
}

func (t *PrivateConnectToken) unmarshal(data []byte) error {
	r := reader{buf: data}

	t.ClientID = r.u64()
	t.TimeoutSeconds = int32(r.u32())
	t.ServerAddresses = r.addresses()
	r.read(t.SessionKey[:])
	r.read(t.UserData[:])

	if r.err != nil {
		return fmt.Errorf("%w: %v", ErrTokenMalformed, r.err)
	}
	if len(t.ServerAddresses) == 0 {
		return fmt.Errorf("%w: no server addresses", ErrTokenMalformed)
	}
	return nil
}

// Marshal serializes the token for delivery to the client.
func (c *ConnectToken) Marshal() ([]byte, error) {
	w := writer{buf: make([]byte, 0, 2048)}
	w.bytes(c.VersionInfo[:])
	w.u64(c.ProtocolID)
	w.u64(c.CreateTimestamp)
	w.u64(c.Sealed.ExpireTimestamp)
	w.bytes(c.Sealed.Nonce[:])
	w.bytes(c.Sealed.Data[:])
	w.u32(uint32(c.TimeoutSeconds))
	if err := w.addresses(c.ServerAddresses); err != nil {
		return nil, err
	}
	w.bytes(c.SessionKey[:])
	return w.buf, nil
}

// UnmarshalConnectToken parses a token produced by Marshal.
func UnmarshalConnectToken(data []byte) (*ConnectToken, error) {
	r := reader{buf: data}
	c := &ConnectToken{}

	r.read(c.VersionInfo[:])
	c.ProtocolID = r.u64()
	c.CreateTimestamp = r.u64()
	c.Sealed.ExpireTimestamp = r.u64()
	r.read(c.Sealed.Nonce[:])
	r.read(c.Sealed.Data[:])
	c.TimeoutSeconds = int32(r.u32())
	c.ServerAddresses = r.addresses()
	r.read(c.SessionKey[:])

	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrTokenMalformed, len(r.buf))
	}
	if c.VersionInfo != VersionInfo {
		return nil, fmt.Errorf("%w: version %q", ErrTokenMalformed, c.VersionInfo[:])
	}
	if len(c.ServerAddresses) == 0 {
		return nil, fmt.Errorf("%w: no server addresses", ErrTokenMalformed)
	}
	return c, nil
}

// ExpireTime returns the moment the token stops being accepted.
func (c *ConnectToken) ExpireTime() time.Time {
	return time.Unix(int64(c.Sealed.ExpireTimestamp), 0)
}

func normalizeAddresses(in []netip.AddrPort) []netip.AddrPort {
	out := make([]netip.AddrPort, len(in))
	for i, a := range in {
		out[i] = transport.Normalize(a)
	}
	return out
}
