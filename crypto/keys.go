package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net/netip"
	"runtime"

	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/netcode/transport"
)

// KeySize is the length of every symmetric key used by the protocol.
const KeySize = 32

// Key is a 256-bit symmetric key.
type Key [KeySize]byte

// sessionKeyInfo binds derived keys to their purpose.
var sessionKeyInfo = []byte("netcode session keys v1")

// GenerateKey creates a new random key from a cryptographically secure source.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return k, nil
}

// DeriveSessionKeys expands the token session key into one key per direction.
// The token nonce salts the derivation and the server address is bound into
// it, so a client falling back through the token's server list never reuses
// packet keys with a different server.
func DeriveSessionKeys(sessionKey Key, nonce TokenNonce, server netip.AddrPort) (clientToServer, serverToClient Key, err error) {
	info := append(append([]byte(nil), sessionKeyInfo...), transport.Normalize(server).String()...)
	r := hkdf.New(sha256.New, sessionKey[:], nonce[:], info)
	if _, err = io.ReadFull(r, clientToServer[:]); err != nil {
		return Key{}, Key{}, fmt.Errorf("failed to derive client key: %w", err)
	}
	if _, err = io.ReadFull(r, serverToClient[:]); err != nil {
		return Key{}, Key{}, fmt.Errorf("failed to derive server key: %w", err)
	}
	return clientToServer, serverToClient, nil
}

// ZeroBytes overwrites sensitive data in place.
func ZeroBytes(data []byte) {
	clear(data)
	runtime.KeepAlive(data)
}

// WipeKey erases a key once its session has ended.
func WipeKey(k *Key) {
	if k != nil {
		ZeroBytes(k[:])
	}
}
