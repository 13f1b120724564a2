package crypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChallengeTokenSize is the fixed size of a sealed challenge token.
const ChallengeTokenSize = 300

const challengePlainSize = ChallengeTokenSize - chacha20poly1305.Overhead

// ChallengeToken is the server-only content echoed back by a client to prove
// it receives packets at the address it claims.
type ChallengeToken struct {
	ClientID uint64
	UserData UserData
}

func challengeNonce(sequence uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], sequence)
	return nonce
}

func sealChallenge(t *ChallengeToken, sequence uint64, key Key) ([ChallengeTokenSize]byte, error) {
	var out [ChallengeTokenSize]byte

	plain := make([]byte, challengePlainSize)
	defer ZeroBytes(plain)
	binary.LittleEndian.PutUint64(plain, t.ClientID)
	copy(plain[8:], t.UserData[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return out, fmt.Errorf("failed to create challenge cipher: %w", err)
	}
	aead.Seal(out[:0], challengeNonce(sequence), plain, nil)
	return out, nil
}

func openChallenge(sealed *[ChallengeTokenSize]byte, sequence uint64, key Key) (*ChallengeToken, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge cipher: %w", err)
	}
	plain, err := aead.Open(nil, challengeNonce(sequence), sealed[:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: sequence %d", ErrChallengeInvalid, sequence)
	}
	defer ZeroBytes(plain)

	t := &ChallengeToken{ClientID: binary.LittleEndian.Uint64(plain)}
	copy(t.UserData[:], plain[8:8+UserDataSize])
	return t, nil
}
