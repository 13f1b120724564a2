package crypto

import (
	"fmt"

	"github.com/flynn/noise"
)

// PacketCipher seals and opens session packets with ChaCha20-Poly1305, using
// the packet sequence number as the nonce.
type PacketCipher struct {
	key  Key
	aead noise.Cipher
}

// NewPacketCipher creates a cipher for one direction of a session.
func NewPacketCipher(key Key) *PacketCipher {
	return &PacketCipher{key: key, aead: noise.CipherChaChaPoly.Cipher(key)}
}

// Seal appends the encrypted and authenticated plaintext to dst.
// The caller must never reuse a sequence with the same key. A closed cipher
// returns dst unchanged.
func (c *PacketCipher) Seal(dst []byte, sequence uint64, ad, plaintext []byte) []byte {
	if c.Closed() {
		return dst
	}
	return c.aead.Encrypt(dst, sequence, ad, plaintext)
}

// Open authenticates and decrypts ciphertext, appending the plaintext to dst.
// Any failure is reported as ErrAuthentication.
func (c *PacketCipher) Open(dst []byte, sequence uint64, ad, ciphertext []byte) ([]byte, error) {
	if c.Closed() {
		return nil, fmt.Errorf("%w: cipher closed", ErrAuthentication)
	}
	out, err := c.aead.Decrypt(dst, sequence, ad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d", ErrAuthentication, sequence)
	}
	return out, nil
}

// Close wipes the key and releases the AEAD state. The AEAD's own key
// schedule is unreachable afterwards and left to the garbage collector.
func (c *PacketCipher) Close() {
	WipeKey(&c.key)
	c.aead = nil
}

// Closed reports whether Close was called.
func (c *PacketCipher) Closed() bool {
	return c.aead == nil
}
